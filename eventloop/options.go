// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventloop

import "github.com/rs/zerolog"

// FastPathMode controls how Loop.New decides the initial fast-path setting.
type FastPathMode int

const (
	// FastPathAuto enables the fast path by default (the common case: a
	// single goroutine driving Run() and submitting most work from the
	// loop thread itself).
	FastPathAuto FastPathMode = iota
	// FastPathAlways forces the fast path on regardless of usage pattern.
	FastPathAlways
	// FastPathNever disables the fast path, always queuing through the
	// external/internal ingress queues.
	FastPathNever
)

// loopOptions holds configuration options for Loop creation.
type loopOptions struct {
	strictMicrotaskOrdering bool
	fastPathMode            FastPathMode
	metricsEnabled          bool
	debugMode               bool
	logger                  zerolog.Logger
	unhandledRejection      func(Result)
}

// --- Loop Options ---

// LoopOption configures a Loop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithStrictMicrotaskOrdering sets whether microtasks should be drained
// after each task execution for strict ordering.
// When enabled, microtasks are guaranteed to run after every task.
// When disabled (default), microtasks are drained in batches for better performance.
func WithStrictMicrotaskOrdering(enabled bool) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.strictMicrotaskOrdering = enabled
		return nil
	}}
}

// WithFastPathMode sets the fast path mode for Loop.
// See FastPathMode documentation for available modes.
func WithFastPathMode(mode FastPathMode) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.fastPathMode = mode
		return nil
	}}
}

// WithMetrics enables runtime metrics collection on the Loop.
// When enabled, metrics can be accessed via Loop.Metrics().
// This adds minimal overhead (e.g., record latency after each task, update queue depths).
// For zero-allocation hot paths, disable metrics in production.
func WithMetrics(enabled bool) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.metricsEnabled = enabled
		return nil
	}}
}

// WithDebugMode enables promise creation-stack capture and other
// developer-diagnostic behavior. Disabled by default: capturing stacks on
// every promise allocation is not free.
func WithDebugMode(enabled bool) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.debugMode = enabled
		return nil
	}}
}

// WithLogger sets the zerolog.Logger used for internal diagnostics (task
// panics, poll errors, overload notifications). Defaults to a disabled
// logger so embedding applications opt in explicitly.
func WithLogger(logger zerolog.Logger) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithUnhandledRejection registers a callback invoked when a promise is
// rejected with no attached rejection handler by the time the microtask
// queue next drains. The reason passed may be a *UnhandledRejectionDebugInfo
// when WithDebugMode is enabled and a creation stack was captured.
func WithUnhandledRejection(fn func(Result)) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.unhandledRejection = fn
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) *loopOptions {
	cfg := &loopOptions{
		fastPathMode: FastPathAuto, // default
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		_ = opt.applyLoop(cfg)
	}
	return cfg
}
