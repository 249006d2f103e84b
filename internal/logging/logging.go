// Package logging builds the daemon's structured zap logger, and
// optionally a second debug sink independent of the main logger's
// level.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration.
type Config struct {
	Level     string // debug, info, warn, error
	Format    string // json, console
	DebugPath string // optional: a second, always-debug-level sink
}

// Build constructs the daemon's logger per cfg. The returned Sync func
// should be deferred by the caller.
func Build(cfg Config) (*zap.Logger, func() error, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zcfg.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("logging: build logger: %w", err)
	}

	if cfg.DebugPath != "" {
		debugCfg := zap.NewProductionConfig()
		debugCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		debugCfg.OutputPaths = []string{cfg.DebugPath}
		debugLogger, err := debugCfg.Build()
		if err != nil {
			logger.Sync()
			return nil, nil, fmt.Errorf("logging: build debug sink %s: %w", cfg.DebugPath, err)
		}

		combined := logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, debugLogger.Core())
		}))
		return combined, func() error {
			debugLogger.Sync()
			return logger.Sync()
		}, nil
	}

	return logger, logger.Sync, nil
}
