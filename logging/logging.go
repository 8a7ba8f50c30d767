// Package logging builds the zap logger shared by the service.
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the encoder and level.
type Config struct {
	// Env is "dev" (coloured console) or "prod" (JSON). Default "dev".
	Env string
	// Level is one of debug, info, warn, error. Default "info".
	Level string
	// Service is attached to every entry when set.
	Service string
}

// New builds a logger for cfg.
func New(cfg Config) (*zap.Logger, error) {
	var zcfg zap.Config
	if strings.EqualFold(strings.TrimSpace(cfg.Env), "prod") {
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zcfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		zcfg.DisableStacktrace = true
	}
	zcfg.Level = zap.NewAtomicLevelAt(ParseLevel(cfg.Level))
	zcfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	l, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	if cfg.Service != "" {
		l = l.With(zap.String("service", cfg.Service))
	}
	return l, nil
}

// ParseLevel converts a level name to a zapcore.Level, defaulting to info.
func ParseLevel(lvl string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
