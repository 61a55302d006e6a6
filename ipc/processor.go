package ipc

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"zoned/middleware"
	"zoned/wire"
)

// eventQueueSize buffers the stream of frames and lifecycle events feeding
// the processor loop.
const eventQueueSize = 128

// PeerCallback observes peers joining or leaving. Callbacks run on the
// processor goroutine, so they may touch handler registries freely but must
// not block; a synchronous call back into the same endpoint would deadlock.
type PeerCallback func(id PeerID)

type evKind uint8

const (
	evFrame evKind = iota + 1
	evClosed
	evAdd
	evRemove
)

// event is the single handoff type into the processor loop: frames and
// disconnects from peer readers, peer additions from the acceptor or dialer,
// and explicit removals from application goroutines.
type event struct {
	kind  evKind
	peer  *peer
	env   *wire.Envelope
	err   error
	id    PeerID        // evRemove target
	ready chan struct{} // evAdd: closed once the peer is registered
}

type callResult struct {
	payload []byte
	err     error
}

// pendingCall is one in-flight outgoing call: either a buffered one-shot
// channel a synchronous caller is blocked on, or a stored callback to run on
// the processor goroutine. The buffer guarantees resolution never blocks the
// loop, and a late reply after a synchronous timeout lands in the buffer and
// is discarded with the entry.
type pendingCall struct {
	peer     PeerID
	method   MethodID
	done     chan callResult
	callback func(payload []byte, err error)
}

func (pc *pendingCall) deliver(payload []byte, err error) {
	if pc.callback != nil {
		pc.callback(payload, err)
		return
	}
	pc.done <- callResult{payload: payload, err: err}
}

// methodBinding boxes one registered method handler behind a type-erased
// invoke function; the generic registration helpers capture the concrete
// payload types. Exactly one of invoke/deferred is set.
type methodBinding struct {
	invoke   func(from PeerID, payload []byte) ([]byte, error)
	deferred func(from PeerID, payload []byte, r *Responder)
}

type signalBinding struct {
	invoke func(from PeerID, payload []byte) error
}

// processor owns every piece of shared protocol state: the peer table, the
// handler registries, and the pending-call table. All dispatch, handler
// invocation, and peer lifecycle callbacks happen on its single loop
// goroutine; application goroutines reach it through the event channel and
// the short-lived mutex guarding table lookups.
type processor struct {
	log            *zap.Logger
	codec          wire.Codec
	queueSize      int
	defaultTimeout time.Duration
	wrap           middleware.Middleware

	events     chan event
	done       chan struct{}
	loopExited chan struct{}

	mu            sync.Mutex
	peers         map[PeerID]*peer
	methods       map[MethodID]*methodBinding
	signals       map[MethodID]*signalBinding
	pending       map[MessageID]*pendingCall
	onPeerAdded   PeerCallback
	onPeerRemoved PeerCallback
	stopped       bool

	msgCounter  atomic.Uint32
	peerCounter atomic.Uint32

	peerLoops   sync.WaitGroup
	loopStarted bool
	stopOnce    sync.Once
}

func newProcessor(codec wire.Codec, log *zap.Logger, queueSize int, defaultTimeout time.Duration, mws []middleware.Middleware) *processor {
	return &processor{
		log:            log,
		codec:          codec,
		queueSize:      queueSize,
		defaultTimeout: defaultTimeout,
		wrap:           middleware.Chain(mws...),
		events:         make(chan event, eventQueueSize),
		done:           make(chan struct{}),
		loopExited:     make(chan struct{}),
		peers:          make(map[PeerID]*peer),
		methods:        make(map[MethodID]*methodBinding),
		signals:        make(map[MethodID]*signalBinding),
		pending:        make(map[MessageID]*pendingCall),
	}
}

// Counters are per-processor so concurrent endpoints in one process never
// share hidden state. Add(1) on the zero value yields 1; 0 stays reserved.
func (p *processor) nextMessageID() MessageID { return MessageID(p.msgCounter.Add(1)) }
func (p *processor) nextPeerID() PeerID       { return PeerID(p.peerCounter.Add(1)) }

func (p *processor) start() {
	p.loopStarted = true
	go p.run()
}

// stop signals the loop to tear everything down and waits for it to finish.
// Idempotent; safe even if start was never called.
func (p *processor) stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		if p.loopStarted {
			<-p.loopExited
		} else {
			p.mu.Lock()
			p.stopped = true
			p.mu.Unlock()
		}
	})
}

// run is the processor loop. It is the only goroutine that dispatches frames,
// invokes handlers, and mutates the peer table, which keeps one slow handler
// from racing table updates but also means it delays all peers; heavy
// handlers should hand work off and reply through a deferred responder.
func (p *processor) run() {
	defer close(p.loopExited)
	for {
		select {
		case ev := <-p.events:
			p.handleEvent(ev)
		case <-p.done:
			p.teardown()
			return
		}
	}
}

func (p *processor) handleEvent(ev event) {
	switch ev.kind {
	case evAdd:
		p.handleAdd(ev.peer, ev.ready)
	case evFrame:
		p.dispatch(ev.peer, ev.env)
	case evClosed:
		p.handleClosed(ev.peer, ev.err)
	case evRemove:
		p.mu.Lock()
		pr := p.peers[ev.id]
		p.mu.Unlock()
		if pr != nil {
			p.handleClosed(pr, nil)
		}
	}
}

// addPeer assigns a PeerID at accept time, hands the connection to the loop,
// and blocks until the peer is registered so the caller can address it
// immediately. The added callback fires on the processor goroutine.
func (p *processor) addPeer(conn net.Conn) (PeerID, error) {
	pr := newPeer(p.nextPeerID(), conn, p.queueSize, p.log)
	ready := make(chan struct{})
	select {
	case p.events <- event{kind: evAdd, peer: pr, ready: ready}:
	case <-p.done:
		conn.Close()
		return 0, ErrServiceStopped
	}
	select {
	case <-ready:
		return pr.id, nil
	case <-p.loopExited:
		conn.Close()
		return 0, ErrServiceStopped
	}
}

// removePeer asks the loop to disconnect a peer. The removed callback fires
// exactly once no matter how many teardown paths race.
func (p *processor) removePeer(id PeerID) {
	select {
	case p.events <- event{kind: evRemove, id: id}:
	case <-p.done:
	}
}

func (p *processor) handleAdd(pr *peer, ready chan struct{}) {
	p.mu.Lock()
	p.peers[pr.id] = pr
	cb := p.onPeerAdded
	p.mu.Unlock()

	p.peerLoops.Add(2)
	go func() {
		defer p.peerLoops.Done()
		pr.readLoop(p.events, p.done)
	}()
	go func() {
		defer p.peerLoops.Done()
		pr.writeLoop()
	}()
	close(ready)

	p.log.Debug("peer connected",
		zap.Uint32("peer", uint32(pr.id)),
		zap.String("remote", remoteAddr(pr.conn)))
	if cb != nil {
		cb(pr.id)
	}
}

// handleClosed removes a peer from the table, resolves every call still
// pending against it with ErrPeerDisconnected, and fires the removed
// callback. A peer already removed is ignored, which collapses the racing
// teardown paths (read error, write error, queue overflow, explicit remove)
// into one event.
func (p *processor) handleClosed(pr *peer, cause error) {
	p.mu.Lock()
	if _, live := p.peers[pr.id]; !live {
		p.mu.Unlock()
		return
	}
	delete(p.peers, pr.id)
	orphaned := p.takePendingForLocked(pr.id)
	cb := p.onPeerRemoved
	p.mu.Unlock()

	pr.close()
	p.logDisconnect(pr, cause)

	for _, pc := range orphaned {
		pc.deliver(nil, errors.Wrapf(ErrPeerDisconnected, "peer %d", pr.id))
	}
	if cb != nil {
		cb(pr.id)
	}
}

// takePendingForLocked removes and returns every pending call addressed to
// the given peer. Caller holds p.mu.
func (p *processor) takePendingForLocked(id PeerID) []*pendingCall {
	var orphaned []*pendingCall
	for msgID, pc := range p.pending {
		if pc.peer == id {
			orphaned = append(orphaned, pc)
			delete(p.pending, msgID)
		}
	}
	return orphaned
}

func (p *processor) logDisconnect(pr *peer, cause error) {
	switch {
	case cause == nil:
		p.log.Debug("peer removed", zap.Uint32("peer", uint32(pr.id)))
	case errors.Is(cause, wire.ErrMalformed):
		p.log.Warn("peer sent malformed frame, disconnecting",
			zap.Uint32("peer", uint32(pr.id)), zap.Error(cause))
	case errors.Is(cause, io.EOF), errors.Is(cause, net.ErrClosed):
		p.log.Debug("peer closed connection", zap.Uint32("peer", uint32(pr.id)))
	default:
		p.log.Debug("peer connection failed",
			zap.Uint32("peer", uint32(pr.id)), zap.Error(cause))
	}
}

// dispatch routes one inbound frame. Runs on the loop goroutine only.
func (p *processor) dispatch(pr *peer, env *wire.Envelope) {
	switch env.Kind {
	case wire.KindCall:
		p.dispatchCall(pr, env)
	case wire.KindSignal:
		p.dispatchSignal(pr, env)
	case wire.KindReturn, wire.KindError:
		p.resolvePending(env)
	}
}

func (p *processor) dispatchCall(pr *peer, env *wire.Envelope) {
	p.mu.Lock()
	b := p.methods[env.MethodID]
	p.mu.Unlock()

	if b == nil {
		p.log.Warn("call to unregistered method",
			zap.Uint32("peer", uint32(pr.id)), zap.Object("frame", env))
		p.replyError(pr, env, errors.Wrapf(ErrUnknownMethod, "method 0x%x", uint32(env.MethodID)))
		return
	}

	if b.deferred != nil {
		// Deferred handlers answer through the responder, possibly from
		// another goroutine, and skip the interceptor chain.
		b.deferred(pr.id, env.Payload, &Responder{
			proc:      p,
			peer:      pr,
			messageID: env.MessageID,
			methodID:  env.MethodID,
		})
		return
	}

	base := func(_ context.Context, req *middleware.Request) ([]byte, error) {
		return b.invoke(req.Peer, req.Payload)
	}
	resp, err := p.wrap(base)(context.Background(), &middleware.Request{
		Peer:      pr.id,
		Method:    env.MethodID,
		MessageID: env.MessageID,
		Payload:   env.Payload,
	})
	if err != nil {
		p.replyError(pr, env, err)
		return
	}
	pr.enqueue(&wire.Envelope{
		MessageID: env.MessageID,
		MethodID:  env.MethodID,
		Kind:      wire.KindReturn,
		Payload:   resp,
	})
}

func (p *processor) dispatchSignal(pr *peer, env *wire.Envelope) {
	p.mu.Lock()
	b := p.signals[env.MethodID]
	p.mu.Unlock()

	if b == nil {
		// Signals are fire-and-forget; an unhandled one is dropped without
		// a reply.
		p.log.Debug("signal without handler", zap.Object("frame", env))
		return
	}
	if err := b.invoke(pr.id, env.Payload); err != nil {
		p.log.Warn("signal payload rejected",
			zap.Uint32("peer", uint32(pr.id)), zap.Object("frame", env), zap.Error(err))
	}
}

func (p *processor) resolvePending(env *wire.Envelope) {
	p.mu.Lock()
	pc := p.pending[env.MessageID]
	delete(p.pending, env.MessageID)
	p.mu.Unlock()

	if pc == nil {
		// Late reply after a timeout, or a peer answering twice.
		p.log.Debug("discarding unmatched reply", zap.Object("frame", env))
		return
	}

	if env.Kind == wire.KindError {
		var body errorBody
		if err := p.codec.Decode(env.Payload, &body); err != nil {
			pc.deliver(nil, &RemoteError{Message: "undecodable error payload"})
			return
		}
		pc.deliver(nil, &RemoteError{Code: body.Code, Message: body.Message})
		return
	}
	pc.deliver(env.Payload, nil)
}

// replyError encodes err into an Error envelope carrying the original
// MessageID. Handler failures never crash the loop; they travel back to the
// caller instead.
func (p *processor) replyError(pr *peer, env *wire.Envelope, err error) {
	body := errorBody{Code: CodeHandlerError, Message: err.Error()}
	switch {
	case errors.Is(err, ErrUnknownMethod):
		body.Code = CodeUnknownMethod
	case errors.Is(err, errBadPayload):
		body.Code = CodeBadPayload
	}
	payload, encErr := p.codec.Encode(&body)
	if encErr != nil {
		p.log.Error("cannot encode error reply", zap.Error(encErr))
		return
	}
	pr.enqueue(&wire.Envelope{
		MessageID: env.MessageID,
		MethodID:  env.MethodID,
		Kind:      wire.KindError,
		Payload:   payload,
	})
}

// startCall registers a pending entry and enqueues the call frame. When cb is
// nil the entry carries a one-shot channel for a synchronous waiter. A nil
// error with a resolved entry means a racing disconnect already delivered the
// result; callers must then consume the entry, not fail.
func (p *processor) startCall(peerID PeerID, method MethodID, payload []byte, cb func([]byte, error)) (*pendingCall, error) {
	msgID := p.nextMessageID()
	pc := &pendingCall{peer: peerID, method: method, callback: cb}
	if cb == nil {
		pc.done = make(chan callResult, 1)
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, ErrServiceStopped
	}
	pr, ok := p.peers[peerID]
	if !ok {
		p.mu.Unlock()
		return nil, errors.Wrapf(ErrPeerDisconnected, "peer %d", peerID)
	}
	p.pending[msgID] = pc
	p.mu.Unlock()

	env := &wire.Envelope{
		MessageID: msgID,
		MethodID:  method,
		Kind:      wire.KindCall,
		Payload:   payload,
	}
	if !pr.enqueue(env) {
		// The peer died between the table check and the enqueue. If the
		// disconnect path got to the entry first it already delivered
		// ErrPeerDisconnected; otherwise reclaim it and fail here.
		p.mu.Lock()
		_, owned := p.pending[msgID]
		delete(p.pending, msgID)
		p.mu.Unlock()
		if owned {
			return nil, errors.Wrapf(ErrPeerDisconnected, "peer %d", peerID)
		}
	}
	return pc, nil
}

// callSync blocks the calling goroutine until the reply arrives, the timeout
// elapses, or the endpoint stops. This is the only mode that suspends the
// caller.
func (p *processor) callSync(peerID PeerID, method MethodID, payload []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = p.defaultTimeout
	}
	pc, err := p.startCall(peerID, method, payload, nil)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-pc.done:
		return res.payload, res.err
	case <-timer.C:
		// Only the caller unblocks; the entry stays until the late reply
		// or the peer's disconnect discards it.
		return nil, errors.Wrapf(ErrTimeout, "method 0x%x after %s", uint32(method), timeout)
	case <-p.loopExited:
		return nil, ErrServiceStopped
	}
}

// callAsync returns once the call frame is queued; the callback later runs on
// the processor goroutine with the result or error.
func (p *processor) callAsync(peerID PeerID, method MethodID, payload []byte, cb func([]byte, error)) error {
	_, err := p.startCall(peerID, method, payload, cb)
	return err
}

// broadcast sends one signal envelope to every currently connected peer.
// Peers racing into teardown are skipped silently. One MessageID covers the
// whole broadcast; signals are never correlated.
func (p *processor) broadcast(method MethodID, payload []byte) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrServiceStopped
	}
	targets := make([]*peer, 0, len(p.peers))
	for _, pr := range p.peers {
		targets = append(targets, pr)
	}
	p.mu.Unlock()

	env := &wire.Envelope{
		MessageID: p.nextMessageID(),
		MethodID:  method,
		Kind:      wire.KindSignal,
		Payload:   payload,
	}
	for _, pr := range targets {
		pr.enqueue(env)
	}
	return nil
}

// signalPeer sends one signal envelope to a single peer.
func (p *processor) signalPeer(peerID PeerID, method MethodID, payload []byte) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrServiceStopped
	}
	pr, ok := p.peers[peerID]
	p.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrPeerDisconnected, "peer %d", peerID)
	}
	pr.enqueue(&wire.Envelope{
		MessageID: p.nextMessageID(),
		MethodID:  method,
		Kind:      wire.KindSignal,
		Payload:   payload,
	})
	return nil
}

func (p *processor) setMethod(id MethodID, b *methodBinding) {
	p.mu.Lock()
	p.methods[id] = b
	p.mu.Unlock()
}

func (p *processor) removeMethod(id MethodID) {
	p.mu.Lock()
	delete(p.methods, id)
	p.mu.Unlock()
}

func (p *processor) setSignal(id MethodID, b *signalBinding) {
	p.mu.Lock()
	p.signals[id] = b
	p.mu.Unlock()
}

func (p *processor) removeSignal(id MethodID) {
	p.mu.Lock()
	delete(p.signals, id)
	p.mu.Unlock()
}

func (p *processor) setPeerAdded(cb PeerCallback) {
	p.mu.Lock()
	p.onPeerAdded = cb
	p.mu.Unlock()
}

func (p *processor) setPeerRemoved(cb PeerCallback) {
	p.mu.Lock()
	p.onPeerRemoved = cb
	p.mu.Unlock()
}

// teardown runs on the loop goroutine when stop is requested: close every
// peer, fire their removed callbacks, resolve all pending calls with
// ErrServiceStopped, and wait for the per-peer goroutines to drain.
func (p *processor) teardown() {
	p.mu.Lock()
	p.stopped = true
	peers := make([]*peer, 0, len(p.peers))
	for _, pr := range p.peers {
		peers = append(peers, pr)
	}
	p.peers = make(map[PeerID]*peer)
	orphaned := make([]*pendingCall, 0, len(p.pending))
	for _, pc := range p.pending {
		orphaned = append(orphaned, pc)
	}
	p.pending = make(map[MessageID]*pendingCall)
	cb := p.onPeerRemoved
	p.mu.Unlock()

	for _, pr := range peers {
		pr.close()
	}
	for _, pc := range orphaned {
		pc.deliver(nil, ErrServiceStopped)
	}
	if cb != nil {
		for _, pr := range peers {
			cb(pr.id)
		}
	}
	p.peerLoops.Wait()
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}
