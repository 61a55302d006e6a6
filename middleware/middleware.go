// Package middleware provides interceptors for method dispatch.
package middleware

import (
	"context"

	"zoned/wire"
)

// Request describes one inbound method call as seen by an interceptor.
type Request struct {
	Peer      wire.PeerID
	Method    wire.MethodID
	MessageID wire.MessageID
	Payload   []byte
}

// Handler processes a request and returns the encoded reply payload.
type Handler func(ctx context.Context, req *Request) ([]byte, error)

// Middleware wraps a Handler with additional behavior.
type Middleware func(Handler) Handler

// Chain composes middlewares so the first one listed is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
