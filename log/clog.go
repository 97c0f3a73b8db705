package log

import (
	"context"
)

// unique type to prevent collisions with other packages' context keys
type logContextKeyType struct{}

var logContextKey = logContextKeyType{}

// metadata is immutable once stored in a context, so no locking is needed.
type metadata map[string]string

// WithLogValues returns a child context whose logging metadata includes the
// given key/value pairs. Workers use this to stamp worker_id and queue onto
// every line of a claim loop before a job id exists.
func WithLogValues(ctx context.Context, args ...string) context.Context {
	old, _ := ctx.Value(logContextKey).(metadata)
	next := make(metadata, len(old)+len(args)/2)
	for k, v := range old {
		next[k] = v
	}
	for i := 1; i < len(args); i += 2 {
		next[args[i-1]] = args[i]
	}
	return context.WithValue(ctx, logContextKey, next)
}

// LogCtx logs with all metadata attached to ctx. If a request_id value is
// present the line also joins that request's logger context.
func LogCtx(ctx context.Context, message string, args ...any) {
	meta, _ := ctx.Value(logContextKey).(metadata)
	requestID := meta["request_id"]
	allArgs := make([]any, 0, len(meta)*2+len(args))
	for k, v := range meta {
		if k == "request_id" {
			// the cached request logger already carries this key
			continue
		}
		allArgs = append(allArgs, k, v)
	}
	allArgs = append(allArgs, args...)
	if requestID != "" {
		Log(requestID, message, allArgs...)
		return
	}
	LogNoRequestID(message, allArgs...)
}
