// Package logging builds the *zap.Logger every component below takes as
// a constructor argument, production-encoded by default with an
// environment switch to the development encoder for local runs.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.Logger for component, production-encoded unless
// DISPATCHER_LOG_DEV is set, in which case it uses the human-readable
// development encoder.
func New(component string) *zap.Logger {
	var logger *zap.Logger
	var err error
	if os.Getenv("DISPATCHER_LOG_DEV") != "" {
		logger, err = zap.NewDevelopment()
	} else {
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		logger, err = cfg.Build()
	}
	if err != nil {
		logger = zap.NewNop()
	}
	return logger.Named(component)
}
