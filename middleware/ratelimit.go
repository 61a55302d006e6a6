package middleware

import (
	"context"

	"github.com/go-faster/errors"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned to callers that exceed the configured rate.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimit rejects calls beyond r requests per second with the given burst.
// Rejected calls fail fast instead of queueing, so a flooding peer cannot
// stall dispatch for everyone else.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) ([]byte, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, req)
		}
	}
}
