package session

import "context"

type contextKey int

const resolutionContextKey contextKey = iota

// resolution is the per-request memo for identity resolution. The
// middleware installs one mutable record per request; the first
// Current call fills it and every later call in the same request gets
// the recorded answer, including a recorded failure.
type resolution struct {
	done  bool
	ident *Identity
	err   error
}

// WithResolution installs a fresh resolution record. Handlers and
// middleware sharing the returned context share one identity lookup
// per request.
func WithResolution(ctx context.Context) context.Context {
	return context.WithValue(ctx, resolutionContextKey, &resolution{})
}

func resolutionFrom(ctx context.Context) *resolution {
	rec, _ := ctx.Value(resolutionContextKey).(*resolution)
	return rec
}
