package ipc

import (
	"sync"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"zoned/wire"
)

// MethodHandler serves one registered method. It runs on the processor
// goroutine; the returned value (or error) becomes the reply envelope.
type MethodHandler[Req, Res any] func(from PeerID, req *Req) (*Res, error)

// SignalHandler consumes one registered signal. No reply is ever sent.
type SignalHandler[T any] func(from PeerID, data *T)

// ResultCallback receives an asynchronous call's outcome on the processor
// goroutine. Exactly one of res/err is set.
type ResultCallback[Res any] func(res *Res, err error)

// AddMethodHandler binds h to id on the endpoint. The concrete payload types
// are captured here; dispatch decodes into a fresh Req and encodes the Res
// with the endpoint's codec. Re-registering an id replaces the prior handler;
// the change applies to frames dispatched afterwards. Safe from any
// goroutine.
func AddMethodHandler[Req, Res any](ep Endpoint, id MethodID, h MethodHandler[Req, Res]) {
	p := ep.processor()
	p.setMethod(id, &methodBinding{
		invoke: func(from PeerID, payload []byte) ([]byte, error) {
			req := new(Req)
			if err := p.codec.Decode(payload, req); err != nil {
				return nil, errors.Wrap(errBadPayload, err.Error())
			}
			res, err := h(from, req)
			if err != nil {
				return nil, err
			}
			if res == nil {
				res = new(Res)
			}
			return p.codec.Encode(res)
		},
	})
}

// AddMethodHandlerDeferred binds a handler that answers later. The handler
// returns without producing a reply; respond may be called once from any
// goroutine and sends the Return (or Error) envelope then. Used when serving
// the call means waiting on another peer, which must never block the
// processor loop.
func AddMethodHandlerDeferred[Req, Res any](ep Endpoint, id MethodID, h func(from PeerID, req *Req, respond func(*Res, error))) {
	p := ep.processor()
	p.setMethod(id, &methodBinding{
		deferred: func(from PeerID, payload []byte, r *Responder) {
			req := new(Req)
			if err := p.codec.Decode(payload, req); err != nil {
				r.reply(nil, errors.Wrap(errBadPayload, err.Error()))
				return
			}
			h(from, req, func(res *Res, err error) {
				if err != nil {
					r.reply(nil, err)
					return
				}
				if res == nil {
					res = new(Res)
				}
				payload, encErr := p.codec.Encode(res)
				if encErr != nil {
					r.reply(nil, errors.Wrap(encErr, "encode deferred reply"))
					return
				}
				r.reply(payload, nil)
			})
		},
	})
}

// AddSignalHandler binds h to signal id. Handlers run on the processor
// goroutine and never produce a reply.
func AddSignalHandler[T any](ep Endpoint, id MethodID, h SignalHandler[T]) {
	p := ep.processor()
	p.setSignal(id, &signalBinding{
		invoke: func(from PeerID, payload []byte) error {
			data := new(T)
			if err := p.codec.Decode(payload, data); err != nil {
				return err
			}
			h(from, data)
			return nil
		},
	})
}

// RemoveMethod unbinds a method handler. Frames already dispatched keep the
// handler they resolved; later calls get an unknown-method reply.
func RemoveMethod(ep Endpoint, id MethodID) {
	ep.processor().removeMethod(id)
}

// RemoveSignal unbinds a signal handler.
func RemoveSignal(ep Endpoint, id MethodID) {
	ep.processor().removeSignal(id)
}

// CallSync sends a method call and blocks until the reply, the timeout, or
// shutdown. A zero or negative timeout means the endpoint's default. On
// ErrTimeout the late reply, if one ever arrives, is discarded.
func CallSync[Req, Res any](ep Endpoint, peer PeerID, id MethodID, req *Req, timeout time.Duration) (*Res, error) {
	p := ep.processor()
	payload, err := p.codec.Encode(req)
	if err != nil {
		return nil, errors.Wrap(err, "encode request")
	}
	respPayload, err := p.callSync(peer, id, payload, timeout)
	if err != nil {
		return nil, err
	}
	res := new(Res)
	if err := p.codec.Decode(respPayload, res); err != nil {
		return nil, errors.Wrap(err, "decode reply")
	}
	return res, nil
}

// CallAsync sends a method call and returns once it is queued. cb later runs
// on the processor goroutine with the decoded result, a RemoteError, or
// ErrPeerDisconnected if the peer goes away first.
func CallAsync[Req, Res any](ep Endpoint, peer PeerID, id MethodID, req *Req, cb ResultCallback[Res]) error {
	p := ep.processor()
	payload, err := p.codec.Encode(req)
	if err != nil {
		return errors.Wrap(err, "encode request")
	}
	return p.callAsync(peer, id, payload, func(respPayload []byte, callErr error) {
		if callErr != nil {
			cb(nil, callErr)
			return
		}
		res := new(Res)
		if decErr := p.codec.Decode(respPayload, res); decErr != nil {
			cb(nil, errors.Wrap(decErr, "decode reply"))
			return
		}
		cb(res, nil)
	})
}

// Signal broadcasts data to every connected peer. No acknowledgment, no
// pending entry; peers mid-teardown are skipped.
func Signal[T any](ep Endpoint, id MethodID, data *T) error {
	p := ep.processor()
	payload, err := p.codec.Encode(data)
	if err != nil {
		return errors.Wrap(err, "encode signal")
	}
	return p.broadcast(id, payload)
}

// SignalPeer sends data to one connected peer.
func SignalPeer[T any](ep Endpoint, peer PeerID, id MethodID, data *T) error {
	p := ep.processor()
	payload, err := p.codec.Encode(data)
	if err != nil {
		return errors.Wrap(err, "encode signal")
	}
	return p.signalPeer(peer, id, payload)
}

// Responder carries the reply duty of a deferred method call. The first
// reply wins; later ones are ignored. Safe from any goroutine. Replying to a
// peer that already disconnected is a silent no-op.
type Responder struct {
	proc      *processor
	peer      *peer
	messageID MessageID
	methodID  MethodID
	once      sync.Once
}

func (r *Responder) reply(payload []byte, err error) {
	r.once.Do(func() {
		env := &wire.Envelope{
			MessageID: r.messageID,
			MethodID:  r.methodID,
			Kind:      wire.KindReturn,
			Payload:   payload,
		}
		if err != nil {
			body := errorBody{Code: CodeHandlerError, Message: err.Error()}
			var re *RemoteError
			if errors.As(err, &re) {
				// Relay the original code when forwarding a remote failure.
				body.Code = re.Code
			} else if errors.Is(err, errBadPayload) {
				body.Code = CodeBadPayload
			}
			encoded, encErr := r.proc.codec.Encode(&body)
			if encErr != nil {
				r.proc.log.Error("cannot encode deferred error reply", zap.Error(encErr))
				return
			}
			env.Kind = wire.KindError
			env.Payload = encoded
		}
		r.peer.enqueue(env)
	})
}
