package trace

import (
	"context"
	"strings"
	"sync/atomic"
)

// debugEnabled gates [DEBUG] log lines process-wide. Set once at startup
// from --debug or telemetry.log_filter, read from hot paths.
var debugEnabled atomic.Bool

// SetFilter applies a log filter string ("debug", "info", ...).
// Anything other than "debug" leaves debug logging off.
func SetFilter(filter string) {
	debugEnabled.Store(strings.EqualFold(filter, "debug"))
}

// EnableDebug turns on debug logging regardless of the configured filter.
func EnableDebug() {
	debugEnabled.Store(true)
}

// Debug reports whether [DEBUG] lines should be emitted.
func Debug() bool {
	return debugEnabled.Load()
}

// ctxKeyConnID is used to attach a proxy connection id to a context for correlation.
//
// Note: the key type is unexported to avoid collisions; only helper functions in this
// package should access it.
type ctxKeyConnID struct{}

// WithConnID returns a child context that carries the given connection id.
func WithConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyConnID{}, id)
}

// ConnIDFromContext returns the connection id from context, if present.
func ConnIDFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(ctxKeyConnID{})
	id, ok := v.(string)
	return id, ok
}
