package server

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a zap logger for cfg. The json format uses the production
// encoder; console uses the development one.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	var zcfg zap.Config
	switch cfg.Format {
	case LogFormatJSON, "":
		zcfg = zap.NewProductionConfig()
	case LogFormatConsole:
		zcfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("log format %q not supported", cfg.Format)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	return zcfg.Build()
}
