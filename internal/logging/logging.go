// Package logging builds the zap loggers used across kiln. Library code
// takes a *zap.Logger and defaults to a nop; this package is where the CLI
// gets its real one.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a production-configured logger, at debug level when verbose is
// set.
func New(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// Nop returns a logger that discards everything. The default for library
// callers that do not pass one.
func Nop() *zap.Logger {
	return zap.NewNop()
}
