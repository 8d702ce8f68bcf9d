package tools

import "context"

// TokenCallback is used to stream incremental text output.
type TokenCallback func(chunk string)

type ctxKey struct{}

// WithTokenCallback attaches cb to ctx so tools and stages deep in the call
// chain can stream without changing their signatures.
func WithTokenCallback(ctx context.Context, cb TokenCallback) context.Context {
	return context.WithValue(ctx, ctxKey{}, cb)
}

// TokenCallbackFrom returns the callback stored in ctx, or nil.
func TokenCallbackFrom(ctx context.Context) TokenCallback {
	cb, _ := ctx.Value(ctxKey{}).(TokenCallback)
	return cb
}
