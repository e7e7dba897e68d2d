// Package logging builds the zap logger annad components share.
// Each subsystem gets a named child logger so log lines carry their
// origin (probe, brain, junior, senior, caseflow, recipe).
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Subsystem names used across the codebase. Keeping them here avoids
// drift between packages that tag the same actor.
const (
	SubProbe    = "probe"
	SubBrain    = "brain"
	SubJunior   = "junior"
	SubSenior   = "senior"
	SubCaseflow = "caseflow"
	SubRecipe   = "recipe"
	SubModel    = "model"
)

// Options controls logger construction.
type Options struct {
	Level string // debug/info/warn/error; empty means info
	JSON  bool   // JSON encoding instead of console
}

// New constructs the root logger. Errors only on an unknown level string.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.Set(opts.Level); err != nil {
			return nil, fmt.Errorf("log level %q: %w", opts.Level, err)
		}
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	if !opts.JSON {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)
	}
	cfg.DisableStacktrace = true
	return cfg.Build()
}

// Named returns the subsystem child of l, tolerating a nil root so tests
// can pass zap.NewNop() or nothing at all.
func Named(l *zap.Logger, subsystem string) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l.Named(subsystem)
}
