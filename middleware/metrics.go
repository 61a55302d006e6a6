package middleware

import (
	"context"
	"time"

	"zoned/metrics"
)

// Metrics records call counts and handler durations.
func Metrics(m *metrics.Metrics, name Namer) Middleware {
	if name == nil {
		name = HexNamer
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) ([]byte, error) {
			start := time.Now()
			payload, err := next(ctx, req)
			status := "ok"
			if err != nil {
				status = "error"
			}
			m.RecordCall(name(req.Method), status, time.Since(start))
			return payload, err
		}
	}
}
