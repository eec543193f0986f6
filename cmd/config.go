package main

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "db-cluster-pool"

// logLevel is shared by every logger SetupLogging builds, so SetLevel takes
// effect on all of them, pool loggers included.
var logLevel = zap.NewAtomicLevel()

// SetupLogging builds the service logger: JSON, ISO8601 timestamps, and the
// service name on every entry.
func SetupLogging(level string) (*zap.Logger, error) {
	if err := SetLevel(level); err != nil {
		return nil, err
	}
	config := zap.NewProductionConfig()
	config.Level = logLevel
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.InitialFields = map[string]interface{}{"service": serviceName}
	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return logger, nil
}

func SetLevel(level string) error {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("set log level: %w", err)
	}
	logLevel.SetLevel(parsed)
	return nil
}
