// Package logging builds the process logger.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a production zap logger tagged with service. LOG_LEVEL sets
// the minimum level and LOG_FORMAT=console switches to a human readable
// encoder.
func New(service string) (*zap.Logger, error) {
	return build(service, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
}

func build(service, level, format string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		cfg = zap.NewDevelopmentConfig()
	}
	lvl := zapcore.InfoLevel
	if raw := strings.TrimSpace(level); raw != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(raw))); err != nil {
			return nil, err
		}
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	log, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	if service = strings.TrimSpace(service); service != "" {
		log = log.With(zap.String("service", service))
	}
	return log, nil
}

// Must is New for process entry points.
func Must(service string) *zap.Logger {
	log, err := New(service)
	if err != nil {
		return zap.NewExample().With(zap.String("service", service))
	}
	return log
}
