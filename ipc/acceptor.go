package ipc

import (
	"net"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
)

// acceptor owns the listening socket. It runs a dedicated accept loop and
// hands each connection to the processor. Closing the listener is what
// unblocks a pending Accept, so stop returns promptly even when no client
// ever connects.
type acceptor struct {
	network string
	address string
	log     *zap.Logger

	ln       net.Listener
	stopping atomic.Bool
	exited   chan struct{}
}

func newAcceptor(network, address string, log *zap.Logger) *acceptor {
	return &acceptor{
		network: network,
		address: address,
		log:     log,
		exited:  make(chan struct{}),
	}
}

func (a *acceptor) listen() error {
	if a.network == "unix" {
		// A crashed previous run leaves the socket file behind and Listen
		// would fail with EADDRINUSE.
		os.Remove(a.address)
	}
	ln, err := net.Listen(a.network, a.address)
	if err != nil {
		return err
	}
	a.ln = ln
	return nil
}

// run accepts until the listener closes. Every accepted connection goes to
// add, which must not block for long.
func (a *acceptor) run(add func(net.Conn)) {
	defer close(a.exited)
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			if a.stopping.Load() {
				return
			}
			// The listener died under us without a stop request. There is
			// no way to keep serving; report it and stop accepting.
			a.log.Error("accept failed", zap.Error(err))
			return
		}
		add(conn)
	}
}

// stop closes the listener and waits for the accept loop to exit. Safe to
// call before listen; a no-op then.
func (a *acceptor) stop() {
	if a.ln == nil {
		return
	}
	if a.stopping.CompareAndSwap(false, true) {
		a.ln.Close()
	}
	<-a.exited
}
