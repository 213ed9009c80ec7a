package upstream

import "context"

type requestIDKey struct{}

// WithRequestID returns a context carrying the inbound request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request ID stored by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// withRequestID copies headers and adds the context request ID unless the
// caller already set one.
func withRequestID(ctx context.Context, headers map[string]string) map[string]string {
	id := RequestIDFromContext(ctx)
	if id == "" {
		return headers
	}
	if _, ok := headers[HeaderRequestID]; ok {
		return headers
	}

	out := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		out[k] = v
	}
	out[HeaderRequestID] = id
	return out
}
