// Package correlation threads the execution ID through context.Context so
// that logging, event publication, and node handlers all observe the same
// correlation ID across suspension points without a dynamic-scope facility.
package correlation

import "context"

type contextKey struct{}

var idKey = contextKey{}

// WithID returns a context carrying id as the ambient correlation ID.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, idKey, id)
}

// FromContext returns the ambient correlation ID, or "" if none is set.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(idKey).(string)
	return id
}
