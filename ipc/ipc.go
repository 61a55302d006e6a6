// Package ipc implements the socket transport and service layer the zone
// host and its peers communicate over: a request/response/signal protocol
// with integer method identifiers, per-call correlation, and single-loop
// dispatch.
//
// A Service owns a listening socket. An acceptor goroutine accepts
// connections and registers each as a peer; a processor goroutine owns all
// peers, both handler registries, and the pending-call table, and is the only
// goroutine that dispatches frames and invokes handlers. Application
// goroutines call into the endpoint from anywhere: registrations and signals
// return immediately, CallAsync queues and returns, CallSync blocks the
// caller until the reply, a timeout, or shutdown.
//
// A Client is the dialing side of the same machinery with exactly one peer.
//
// Typical service:
//
//	svc := ipc.NewService("unix", "/run/zoned/ipc.sock", ipc.WithLogger(log))
//	ipc.AddMethodHandler(svc, MethodEcho, func(from ipc.PeerID, req *Ping) (*Pong, error) {
//		return &Pong{Text: req.Text}, nil
//	})
//	if err := svc.Start(); err != nil {
//		...
//	}
//	defer svc.Stop()
//
// Typical client:
//
//	cli, err := ipc.Dial("unix", "/run/zoned/ipc.sock")
//	...
//	pong, err := ipc.CallSync[Ping, Pong](cli, cli.Peer(), MethodEcho, &Ping{Text: "hi"}, time.Second)
//
// Handlers, signal handlers, result callbacks, and peer lifecycle callbacks
// all run on the processor goroutine. They must not block; a handler that
// needs to wait registers with AddMethodHandlerDeferred and answers through
// the responder from its own goroutine.
package ipc

import (
	"time"

	"zoned/wire"
)

// Protocol identifier types, shared with the wire layer.
type (
	// PeerID identifies one connected endpoint for the processor's
	// lifetime. IDs are never reused while the processor lives.
	PeerID = wire.PeerID
	// MessageID correlates a call with its reply.
	MessageID = wire.MessageID
	// MethodID names an operation; the application assigns them.
	MethodID = wire.MethodID
)

// DefaultCallTimeout applies to synchronous calls that pass a zero or
// negative timeout.
const DefaultCallTimeout = 500 * time.Millisecond

// Endpoint is the surface shared by Service and Client: handler registration
// and the call/signal operations, provided by the package-level generic
// functions. Only this package's types implement it.
type Endpoint interface {
	processor() *processor
}
