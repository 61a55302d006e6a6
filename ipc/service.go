package ipc

import (
	"net"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"zoned/middleware"
	"zoned/wire"
)

type options struct {
	log         *zap.Logger
	codec       wire.Codec
	queueSize   int
	callTimeout time.Duration
	mws         []middleware.Middleware
}

func defaultOptions() options {
	return options{
		log:         zap.NewNop(),
		codec:       wire.Default,
		queueSize:   defaultQueueSize,
		callTimeout: DefaultCallTimeout,
	}
}

// Option configures a Service or Client at construction.
type Option func(*options)

// WithLogger sets the root logger; the endpoint logs under named subscopes.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithCodec selects the payload codec. Both ends of every connection must
// use the same one.
func WithCodec(c wire.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithQueueSize sets the per-peer outgoing queue length.
func WithQueueSize(n int) Option {
	return func(o *options) { o.queueSize = n }
}

// WithCallTimeout sets the default synchronous call timeout, used when
// CallSync is given a zero or negative one.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) { o.callTimeout = d }
}

// WithMiddleware installs dispatch interceptors around method handlers, in
// the order given.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *options) { o.mws = append(o.mws, mws...) }
}

// Service lifecycle states.
const (
	stateCreated int32 = iota
	stateRunning
	stateStopped
)

// Service is the listening endpoint: an acceptor goroutine feeding a
// processor goroutine, exposed to application code through the typed
// registration and call functions. A stopped Service cannot be restarted;
// build a fresh one.
type Service struct {
	network string
	address string
	log     *zap.Logger

	proc *processor
	acc  *acceptor

	lifecycle sync.Mutex
	state     int32
}

// NewService builds a Service bound to one listen address. Handlers and
// callbacks may be registered before Start; nothing touches the network
// until then.
func NewService(network, address string, opts ...Option) *Service {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log.Named("ipc")
	return &Service{
		network: network,
		address: address,
		log:     log,
		proc:    newProcessor(o.codec, log.Named("processor"), o.queueSize, o.callTimeout, o.mws),
		acc:     newAcceptor(network, address, log.Named("acceptor")),
	}
}

func (s *Service) processor() *processor { return s.proc }

// Start binds the listen address and launches the acceptor and processor
// goroutines. It fails if the address cannot be bound or the Service is not
// fresh.
func (s *Service) Start() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.state != stateCreated {
		return errors.Wrapf(ErrServiceStopped, "start %s", s.address)
	}
	if err := s.acc.listen(); err != nil {
		s.state = stateStopped
		return errors.Wrapf(err, "listen %s %s", s.network, s.address)
	}
	s.state = stateRunning
	s.proc.start()
	go s.acc.run(s.accept)
	s.log.Info("service started",
		zap.String("network", s.network),
		zap.String("address", s.address),
		zap.String("codec", s.proc.codec.Name()))
	return nil
}

// Stop tears the Service down: the listener closes, every peer disconnects
// (firing removed callbacks), and calls still pending resolve with
// ErrServiceStopped. It returns after both goroutines have exited.
// Idempotent.
func (s *Service) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	prev := s.state
	s.state = stateStopped
	switch prev {
	case stateRunning:
		s.acc.stop()
		s.proc.stop()
		s.log.Info("service stopped", zap.String("address", s.address))
	case stateCreated:
		s.proc.stop()
	}
}

// IsStarted reports whether the Service is currently running.
func (s *Service) IsStarted() bool {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.state == stateRunning
}

// SetPeerAddedCallback registers cb for future peer connections. The latest
// registration wins; cb runs on the processor goroutine.
func (s *Service) SetPeerAddedCallback(cb PeerCallback) {
	s.proc.setPeerAdded(cb)
}

// SetPeerRemovedCallback registers cb for future peer disconnects, including
// those forced by Stop.
func (s *Service) SetPeerRemovedCallback(cb PeerCallback) {
	s.proc.setPeerRemoved(cb)
}

// RemovePeer disconnects one peer. Its pending calls resolve with
// ErrPeerDisconnected and the removed callback fires, same as a socket
// failure.
func (s *Service) RemovePeer(id PeerID) {
	s.proc.removePeer(id)
}

func (s *Service) accept(conn net.Conn) {
	id, err := s.proc.addPeer(conn)
	if err != nil {
		// Raced shutdown; the connection was already closed for us.
		return
	}
	s.log.Debug("accepted connection", zap.Uint32("peer", uint32(id)))
}
