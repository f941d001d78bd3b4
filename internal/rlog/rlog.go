// Package rlog centralizes the structured logger used by pm, ha and
// rconfig for diagnostics (one line when an allocator is created,
// warnings when a config reload fails). It wraps zap so call sites stay
// one-liners.
package rlog

import "go.uber.org/zap"

// L is the process-wide sugared logger. Replace it (e.g. in tests, or to
// wire a different zap.Config) with Set.
var L = newDefault()

func newDefault() *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	logger, err := cfg.Build()
	if err != nil {
		// Logging must never be why the allocator fails to start.
		logger = zap.NewNop()
	}
	return logger.Sugar()
}

// Set installs a new package-wide logger, returning the previous one.
func Set(l *zap.SugaredLogger) *zap.SugaredLogger {
	prev := L
	L = l
	return prev
}

// Nop returns a logger that discards everything, handy for tests that
// don't want allocator diagnostics on stdout.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
