package observ

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "courier"

// NewLogger creates a structured logger based on environment.
// Every entry carries the service and env fields.
func NewLogger(env, level string) (*zap.Logger, error) {
	return newConfig(env, level).Build()
}

func newConfig(env, level string) zap.Config {
	var config zap.Config

	switch env {
	case "production":
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "ts"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		// Per-notification delivery logs repeat by message; keep the first
		// 100 each second, then every 50th.
		config.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 50}
	case "staging":
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "ts"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		config.Sampling = nil
	default:
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	// Unknown levels fall back to info
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	if env == "" {
		env = "development"
	}
	config.InitialFields = map[string]any{
		"service": serviceName,
		"env":     env,
	}

	return config
}
