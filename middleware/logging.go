package middleware

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"zoned/wire"
)

// Namer renders a method ID for logs and metric labels.
type Namer func(wire.MethodID) string

// HexNamer formats a method ID as 0xNN.
func HexNamer(id wire.MethodID) string {
	return fmt.Sprintf("0x%02x", uint32(id))
}

// Logging logs every dispatched call with its duration and outcome.
func Logging(log *zap.Logger, name Namer) Middleware {
	if name == nil {
		name = HexNamer
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) ([]byte, error) {
			start := time.Now()
			payload, err := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", name(req.Method)),
				zap.Uint32("peer", uint32(req.Peer)),
				zap.Uint32("message_id", uint32(req.MessageID)),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				log.Warn("call failed", append(fields, zap.Error(err))...)
				return payload, err
			}
			log.Debug("call handled", fields...)
			return payload, nil
		}
	}
}
