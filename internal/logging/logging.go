// Package logging builds the zap logger every other package in this module
// receives.
package logging

import "go.uber.org/zap"

// Config mirrors internal/config.LoggerConfig without importing it, keeping
// this package free of a dependency on the proxy's own config shape.
type Config struct {
	Level string
}

// New creates a production zap logger at the configured level.
func New(cfg Config) *zap.Logger {
	level := zap.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zap.DebugLevel
	case "warn":
		level = zap.WarnLevel
	case "error":
		level = zap.ErrorLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := zcfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
