// logging.go - Structured logging glue for the eventloop package.
//
// Design Decision: Package-level global logger is appropriate here because:
//   - Logging is an infrastructure cross-cutting concern
//   - Event loop instances generally share logging semantics
//   - Avoids per-instance logging configuration surface area bloat
//
// Per-Loop diagnostics (task panics, poll errors, overload) instead use the
// zerolog.Logger passed via WithLogger, scoped to that Loop. This file only
// covers the package-level convenience surface and context correlation IDs.

package eventloop

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var globalLogger struct {
	sync.RWMutex
	logger zerolog.Logger
}

func init() {
	globalLogger.logger = zerolog.Nop()
}

// SetStructuredLogger sets the package-level logger used by helpers that do
// not have access to a specific Loop (e.g. code running before a Loop
// exists, or shared across multiple loops).
func SetStructuredLogger(logger zerolog.Logger) {
	globalLogger.Lock()
	defer globalLogger.Unlock()
	globalLogger.logger = logger
}

// getGlobalLogger safely retrieves the package-level logger.
func getGlobalLogger() zerolog.Logger {
	globalLogger.RLock()
	defer globalLogger.RUnlock()
	return globalLogger.logger
}

type correlationIDKey struct{}
type traceIDKey struct{}

// WithCorrelationID attaches a correlation ID to ctx, generating a new
// random one (via google/uuid) if correlationID is empty. Use this to tag a
// chain of coroutines/HTTP requests/MySQL queries originating from the same
// external request so log lines can be joined.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return context.WithValue(ctx, correlationIDKey{}, correlationID)
}

// WithTraceID attaches a trace ID to ctx, distinct from the correlation ID,
// for linking into external distributed tracing systems.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// CorrelationID extracts the correlation ID previously attached with
// WithCorrelationID, or "" if none is present.
func CorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// TraceID extracts the trace ID previously attached with WithTraceID, or ""
// if none is present.
func TraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(traceIDKey{}).(string); ok {
		return id
	}
	return ""
}

// loggerFromContext returns a zerolog.Logger enriched with the correlation
// and trace IDs carried by ctx, falling back to base when neither is set.
func loggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	cid := CorrelationID(ctx)
	tid := TraceID(ctx)
	if cid == "" && tid == "" {
		return base
	}
	lc := base.With()
	if cid != "" {
		lc = lc.Str("correlation_id", cid)
	}
	if tid != "" {
		lc = lc.Str("trace_id", tid)
	}
	return lc.Logger()
}
