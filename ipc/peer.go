package ipc

import (
	"bufio"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"zoned/wire"
)

const (
	// defaultQueueSize bounds each peer's outgoing frame queue. A peer that
	// cannot drain its queue is disconnected rather than allowed to stall
	// callers or grow memory without bound.
	defaultQueueSize = 64

	// writeTimeout bounds a single frame write. A peer that stops reading
	// hits it and is torn down through the ordinary disconnect path.
	writeTimeout = 10 * time.Second
)

// peer owns one connected socket: its identity, its send queue, and the pair
// of goroutines that pump it. The processor is the only component that
// creates or removes peers; application code never touches the socket.
type peer struct {
	id   PeerID
	conn net.Conn
	out  chan *wire.Envelope
	quit chan struct{}
	log  *zap.Logger

	closeOnce sync.Once
}

func newPeer(id PeerID, conn net.Conn, queueSize int, log *zap.Logger) *peer {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &peer{
		id:   id,
		conn: conn,
		out:  make(chan *wire.Envelope, queueSize),
		quit: make(chan struct{}),
		log:  log.With(zap.Uint32("peer", uint32(id))),
	}
}

// close shuts the connection down exactly once. The reader notices the closed
// conn and reports the disconnect; the writer exits on quit. Safe to call
// from any goroutine and from either loop.
func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.quit)
		p.conn.Close()
	})
}

// enqueue queues one frame for transmission and never blocks. A full queue
// means the peer is not keeping up; the connection is closed and the frame
// dropped. Frames enqueued to an already-departed peer are silently
// dead-lettered with it.
func (p *peer) enqueue(env *wire.Envelope) bool {
	select {
	case <-p.quit:
		return false
	case p.out <- env:
		return true
	default:
		p.log.Warn("send queue full, dropping peer",
			zap.Int("queue", cap(p.out)),
			zap.Object("frame", env))
		p.close()
		return false
	}
}

// readLoop reads frames until the connection fails, forwarding each to the
// processor's event channel. It posts exactly one closed event, carrying the
// terminal error, and exits. Reads are never concurrent: a stream has one
// reader or frame boundaries are lost.
func (p *peer) readLoop(events chan<- event, done <-chan struct{}) {
	br := bufio.NewReader(p.conn)
	for {
		env, err := wire.ReadEnvelope(br)
		if err != nil {
			select {
			case events <- event{kind: evClosed, peer: p, err: err}:
			case <-done:
			}
			return
		}
		select {
		case events <- event{kind: evFrame, peer: p, env: env}:
		case <-done:
			return
		}
	}
}

// writeLoop drains the send queue, transmitting each frame completely before
// starting the next. On a write error it closes the connection and lets the
// reader report the disconnect, so teardown has a single path.
func (p *peer) writeLoop() {
	for {
		select {
		case env := <-p.out:
			p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := wire.WriteEnvelope(p.conn, env); err != nil {
				p.log.Debug("write failed", zap.Error(err))
				p.close()
				return
			}
		case <-p.quit:
			return
		}
	}
}
