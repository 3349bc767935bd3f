package log

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// DefaultTraceHeader carries the trace id of an HTTP request and its response.
const DefaultTraceHeader = "Batchmigrate-Trace-Id"

// TraceID returns the trace id carried by ctx, or an empty string.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(TraceIDKey).(string)
	return id
}

// WithTraceID returns ctx carrying id. An id that is not a UUID is replaced
// by a new one; the id actually stored is returned.
func WithTraceID(ctx context.Context, id string) (context.Context, string) {
	if _, err := uuid.Parse(id); err != nil {
		id = uuid.NewString()
	}
	return With(ctx, TraceIDKey, id), id
}

// TraceIDMiddleware puts a trace id on every request. A valid id sent by the
// caller is kept, so chains started by the request log under it.
type TraceIDMiddleware struct {
	header string
}

// NewTraceIDMiddleware returns a TraceIDMiddleware reading and writing header,
// DefaultTraceHeader when empty.
func NewTraceIDMiddleware(header string) *TraceIDMiddleware {
	if header == "" {
		header = DefaultTraceHeader
	}
	return &TraceIDMiddleware{header: header}
}

// Wrap adds the trace id to the request context and the response headers.
func (m *TraceIDMiddleware) Wrap(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, id := WithTraceID(r.Context(), r.Header.Get(m.header))
		w.Header().Set(m.header, id)

		h.ServeHTTP(w, r.WithContext(ctx))
	})
}
