package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/isdmx/coderun/config"
)

// ServiceName is attached to every log entry.
const ServiceName = "coderun"

// NewFromConfig is the fx constructor for the process logger.
func NewFromConfig(cfg *config.Config) (*zap.Logger, error) {
	return New(cfg.Logging.Mode, cfg.Logging.Level)
}

// New builds a logger for mode "production" (JSON) or "development"
// (console, coloured levels). opts are passed to zap.Config.Build.
func New(mode, level string, opts ...zap.Option) (*zap.Logger, error) {
	zcfg, err := baseConfig(mode)
	if err != nil {
		return nil, err
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging level %q: %w", level, err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)

	// stdout belongs to the MCP stdio transport
	zcfg.OutputPaths = []string{"stderr"}

	l, err := zcfg.Build(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return l.With(zap.String("service", ServiceName)), nil
}

func baseConfig(mode string) (zap.Config, error) {
	switch mode {
	case "development":
		zcfg := zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zcfg, nil
	case "production":
		zcfg := zap.NewProductionConfig()
		zcfg.EncoderConfig.TimeKey = "timestamp"
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zcfg.EncoderConfig.EncodeDuration = zapcore.SecondsDurationEncoder
		return zcfg, nil
	default:
		return zap.Config{}, fmt.Errorf("invalid logging mode %q, must be 'production' or 'development'", mode)
	}
}
