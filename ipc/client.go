package ipc

import (
	"net"
	"sync"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// Client is the dialing end of the protocol: the same processor machinery as
// a Service, with exactly one peer (the server). It registers handlers for
// signals and calls the server arrives with, and issues calls of its own
// through the package-level call functions.
type Client struct {
	log    *zap.Logger
	proc   *processor
	peerID PeerID

	closeOnce sync.Once
}

// Dial connects to a Service and starts the client's processor loop. The
// returned client is ready for calls; register handlers for server-initiated
// traffic before the server can send it, ideally right after Dial.
func Dial(network, address string, opts ...Option) (*Client, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log.Named("ipc.client")

	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s %s", network, address)
	}

	proc := newProcessor(o.codec, log, o.queueSize, o.callTimeout, o.mws)
	proc.start()
	id, err := proc.addPeer(conn)
	if err != nil {
		proc.stop()
		return nil, err
	}

	log.Debug("connected",
		zap.String("network", network),
		zap.String("address", address),
		zap.Uint32("peer", uint32(id)))
	return &Client{log: log, proc: proc, peerID: id}, nil
}

func (c *Client) processor() *processor { return c.proc }

// Peer returns the server's PeerID, the target for this client's calls.
func (c *Client) Peer() PeerID { return c.peerID }

// SetDisconnectedCallback registers cb to run (on the processor goroutine)
// when the server connection is lost. Calls pending at that moment resolve
// with ErrPeerDisconnected.
func (c *Client) SetDisconnectedCallback(cb func()) {
	c.proc.setPeerRemoved(func(PeerID) { cb() })
}

// Close disconnects and stops the client. Pending calls resolve with
// ErrServiceStopped. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.proc.stop()
		c.log.Debug("closed")
	})
}
