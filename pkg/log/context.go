package log

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey struct{}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// WithClient derives a context whose logger carries the downstream client id.
func WithClient(ctx context.Context, clientID string) context.Context {
	l := Ctx(ctx).With().Str(FieldClientID, clientID).Logger()
	return WithLogger(ctx, l)
}

// Ctx returns the request logger, or the global logger when ctx carries none.
func Ctx(ctx context.Context) zerolog.Logger {
	if ctx == nil {
		return L()
	}
	if l, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return l
	}
	return L()
}
