// Package wire implements the binary frame protocol spoken between the zone
// host and its peers (zone agents, control clients).
//
// A stream carries a sequence of envelopes. Each envelope is a fixed 16-byte
// header followed by a variable-length payload. The receiver reads the header
// first to learn the payload length, then reads exactly that many bytes, so
// frame boundaries survive TCP/unix stream coalescing.
//
// Frame format (all integers big-endian):
//
//	0     2  3         7         11 12        16
//	┌─────┬──┬─────────┬─────────┬──┬─────────┬────────────────┐
//	│magic│v │ msg id  │method id│k │ payload │  payload ...   │
//	│ zn  │01│ uint32  │ uint32  │  │ length  │  length bytes  │
//	└─────┴──┴─────────┴─────────┴──┴─────────┴────────────────┘
//
// The payload is opaque at this layer; it is produced and consumed by a Codec
// bound to the method's payload type at registration time.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/go-faster/errors"
	"go.uber.org/zap/zapcore"
)

// Magic bytes "zn" identify an envelope stream. They reject stray clients
// (an HTTP request or a shell echo hitting the socket) on the first frame.
const (
	MagicByte0 byte = 0x7a // 'z'
	MagicByte1 byte = 0x6e // 'n'
	Version    byte = 0x01
	HeaderSize int  = 16 // 2 (magic) + 1 (version) + 4 (msg id) + 4 (method id) + 1 (kind) + 4 (payload len)
)

// MaxPayloadSize bounds a single envelope's payload. Anything larger is
// treated as a malformed frame and the connection is torn down.
const MaxPayloadSize = 16 << 20 // 16 MiB

// ErrMalformed reports an unrecoverable framing fault: bad magic, unknown
// version or kind, or an inconsistent length. The stream position is lost, so
// the connection must be closed; there is no mid-stream resynchronization.
var ErrMalformed = errors.New("wire: malformed frame")

// MessageID correlates a call envelope with its return or error envelope.
// IDs are allocated by an atomic per-processor counter starting at 1; 0 is
// reserved and never matches a pending call.
type MessageID uint32

// MethodID tags the operation a call or signal addresses. IDs are assigned by
// the application and stable for the lifetime of a service.
type MethodID uint32

// PeerID identifies one connected endpoint for the lifetime of a processor.
// It never appears on the wire; both are defined here so every protocol layer
// shares one vocabulary.
type PeerID uint32

// Kind discriminates the four envelope flavors.
type Kind uint8

const (
	KindCall   Kind = 0x01 // expects a Return or Error with the same MessageID
	KindReturn Kind = 0x02 // successful reply to a Call
	KindSignal Kind = 0x03 // one-way, never answered
	KindError  Kind = 0x04 // failed reply to a Call
)

// IsValid reports whether k is one of the defined kinds.
func (k Kind) IsValid() bool {
	return k >= KindCall && k <= KindError
}

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindReturn:
		return "return"
	case KindSignal:
		return "signal"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Envelope is one wire frame: the correlation and dispatch metadata plus the
// serialized payload. The transport never interprets Payload.
type Envelope struct {
	MessageID MessageID
	MethodID  MethodID
	Kind      Kind
	Payload   []byte
}

// MarshalLogObject lets envelopes be logged as structured zap fields without
// formatting cost when the level is disabled.
func (e *Envelope) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint32("msg_id", uint32(e.MessageID))
	enc.AddUint32("method_id", uint32(e.MethodID))
	enc.AddString("kind", e.Kind.String())
	enc.AddInt("payload_len", len(e.Payload))
	return nil
}

// WriteEnvelope writes one complete frame to w as a single Write call.
// Callers must serialize writes to a shared writer themselves; interleaved
// frames corrupt the stream.
func WriteEnvelope(w io.Writer, env *Envelope) error {
	if !env.Kind.IsValid() {
		return errors.Errorf("wire: cannot encode kind %d", env.Kind)
	}
	if len(env.Payload) > MaxPayloadSize {
		return errors.Errorf("wire: payload %d bytes exceeds limit %d", len(env.Payload), MaxPayloadSize)
	}

	buf := make([]byte, HeaderSize+len(env.Payload))
	buf[0] = MagicByte0
	buf[1] = MagicByte1
	buf[2] = Version
	binary.BigEndian.PutUint32(buf[3:7], uint32(env.MessageID))
	binary.BigEndian.PutUint32(buf[7:11], uint32(env.MethodID))
	buf[11] = byte(env.Kind)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(env.Payload)))
	copy(buf[HeaderSize:], env.Payload)

	_, err := w.Write(buf)
	return err
}

// ReadEnvelope reads exactly one frame from r.
//
// I/O errors (EOF included) are returned unwrapped so the caller can tell an
// ordinary disconnect from a protocol violation; the latter is reported as
// ErrMalformed.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	if header[0] != MagicByte0 || header[1] != MagicByte1 {
		return nil, errors.Wrapf(ErrMalformed, "bad magic %x", header[0:2])
	}
	if header[2] != Version {
		return nil, errors.Wrapf(ErrMalformed, "unsupported version %d", header[2])
	}
	kind := Kind(header[11])
	if !kind.IsValid() {
		return nil, errors.Wrapf(ErrMalformed, "unknown kind %d", header[11])
	}
	payloadLen := binary.BigEndian.Uint32(header[12:16])
	if payloadLen > MaxPayloadSize {
		return nil, errors.Wrapf(ErrMalformed, "payload length %d exceeds limit %d", payloadLen, MaxPayloadSize)
	}

	env := &Envelope{
		MessageID: MessageID(binary.BigEndian.Uint32(header[3:7])),
		MethodID:  MethodID(binary.BigEndian.Uint32(header[7:11])),
		Kind:      kind,
	}
	if payloadLen > 0 {
		env.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, env.Payload); err != nil {
			// A stream that dies inside an announced payload is torn, not
			// merely closed.
			return nil, errors.Wrapf(ErrMalformed, "truncated payload: %s", err)
		}
	}
	return env, nil
}
