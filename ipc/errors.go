package ipc

import (
	"fmt"

	"github.com/go-faster/errors"

	"zoned/wire"
)

// Error taxonomy. Transport faults tear down the offending connection only;
// handler failures travel back to the caller as Error envelopes; programming
// errors surface synchronously on the calling goroutine.
var (
	// ErrMalformedMessage reports a framing or header decoding failure. The
	// connection it arrived on is closed without recovery.
	ErrMalformedMessage = wire.ErrMalformed

	// ErrUnknownMethod reports a call to a MethodID with no registered
	// handler. The connection survives; only the call fails.
	ErrUnknownMethod = errors.New("ipc: unknown method")

	// ErrPeerDisconnected resolves every call still pending against a peer
	// whose connection closed, and rejects calls addressed to peers the
	// processor does not know.
	ErrPeerDisconnected = errors.New("ipc: peer disconnected")

	// ErrTimeout reports a synchronous call that exceeded its deadline. The
	// late reply, if one arrives, is discarded.
	ErrTimeout = errors.New("ipc: call timed out")

	// ErrServiceStopped rejects operations on a stopped endpoint and
	// resolves calls still pending at shutdown.
	ErrServiceStopped = errors.New("ipc: service stopped")
)

// Error envelope payload codes. They let the calling side map a remote
// failure back onto the local taxonomy without parsing message text.
const (
	CodeUnknownMethod uint32 = 1 // no handler bound to the MethodID
	CodeHandlerError  uint32 = 2 // the handler ran and reported failure
	CodeBadPayload    uint32 = 3 // the request payload did not decode
)

// errBadPayload marks a request payload the bound handler type could not
// decode. The framing was intact, so the connection survives and the caller
// gets an error reply.
var errBadPayload = errors.New("ipc: cannot decode request payload")

// errorBody is the payload of every Kind=Error envelope, encoded with the
// endpoint's codec like any other payload.
type errorBody struct {
	Code    uint32
	Message string
}

// RemoteError is a failure reported by the other end of a call.
type RemoteError struct {
	Code    uint32
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("ipc: remote error (code %d): %s", e.Code, e.Message)
}

// Is maps wire-level error codes onto the package sentinels so callers can
// test with errors.Is regardless of which side produced the failure.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrUnknownMethod:
		return e.Code == CodeUnknownMethod
	default:
		return false
	}
}
