package middleware

import (
	"net/http"
	"time"

	"github.com/mnehpets/linkedrole/endpoint"
	"go.uber.org/zap"
)

// RequestLogger logs one line per request after the endpoint has rendered.
//
// Query strings are never logged; OAuth callbacks carry authorization codes
// in them.
type RequestLogger struct {
	Logger *zap.Logger
}

// NewRequestLogger returns a RequestLogger writing to l.
func NewRequestLogger(l *zap.Logger) *RequestLogger {
	return &RequestLogger{Logger: l}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// Process implements endpoint.Processor.
func (l *RequestLogger) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w}
	err := next(rec, r)

	fields := []zap.Field{
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", rec.status),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		// The handler turns err into the response after we return.
		fields = append(fields, zap.Error(err))
		l.Logger.Warn("request failed", fields...)
		return err
	}
	l.Logger.Info("request", fields...)
	return nil
}

var _ endpoint.Processor = (*RequestLogger)(nil)
