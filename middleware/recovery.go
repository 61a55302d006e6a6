package middleware

import (
	"context"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// Recovery converts a handler panic into an error reply. Handlers run on the
// dispatch goroutine, so without this a single bad handler would take down
// the whole endpoint.
func Recovery(log *zap.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (payload []byte, err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("handler panicked",
						zap.Uint32("method", uint32(req.Method)),
						zap.Uint32("peer", uint32(req.Peer)),
						zap.Any("panic", r),
						zap.Stack("stack"))
					payload, err = nil, errors.Errorf("handler panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}
