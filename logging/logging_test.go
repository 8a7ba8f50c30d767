package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" WARN ":  zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"info":    zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew(t *testing.T) {
	for _, env := range []string{"dev", "prod"} {
		l, err := New(Config{Env: env, Level: "warn", Service: "linkedrole"})
		if err != nil {
			t.Fatalf("New(%s): %v", env, err)
		}
		if l.Core().Enabled(zapcore.InfoLevel) {
			t.Errorf("%s: info should be disabled at warn level", env)
		}
		if !l.Core().Enabled(zapcore.ErrorLevel) {
			t.Errorf("%s: error should be enabled", env)
		}
	}
}
