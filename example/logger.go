package main

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger builds a zap logger exposed through logr. Debug level enables the
// library's V(1) messages.
func newLogger(cfg LoggingConfig) (logr.Logger, func(), error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return logr.Discard(), nil, fmt.Errorf("invalid logging.level: %w", err)
	}

	zapConfig := zap.NewProductionConfig()
	if cfg.Development {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	z, err := zapConfig.Build()
	if err != nil {
		return logr.Discard(), nil, err
	}

	return zapr.NewLogger(z), func() { _ = z.Sync() }, nil
}
