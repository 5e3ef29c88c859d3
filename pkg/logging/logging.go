package logging

import (
	"fmt"

	"github.com/example/campuseats/pkg/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap logger from the log section of the config. Unset fields
// fall back to zap's production defaults.
func New(cfg *config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()

	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("failed to parse log level: %w", err)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	if cfg.Encoding != "" {
		zc.Encoding = cfg.Encoding
	}
	if cfg.Encoding == "console" {
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	if len(cfg.OutputPaths) > 0 {
		zc.OutputPaths = cfg.OutputPaths
	}

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}
