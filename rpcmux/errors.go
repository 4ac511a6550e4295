package rpcmux

import (
	"errors"
	"strings"

	"connectrpc.com/connect"
)

// Sentinel errors for the call registry.
var (
	// ErrDuplicateCallID is returned when a call id is registered twice.
	// Ids come from a single counter, so this is an invariant violation.
	ErrDuplicateCallID = errors.New("rpcmux: duplicate call id")

	// ErrCallNotFound is returned when no live call owns an id.
	ErrCallNotFound = errors.New("rpcmux: call not found")
)

// Sentinel errors for call construction and writes.
var (
	// ErrNilTransport is returned when a client is built without a transport.
	ErrNilTransport = errors.New("rpcmux: transport cannot be nil")

	// ErrNilDecoder is returned when a call is invoked without a response decoder.
	ErrNilDecoder = errors.New("rpcmux: decoder cannot be nil")

	// ErrUnsupportedMessage is returned by Write for values that cannot be serialized.
	ErrUnsupportedMessage = errors.New("rpcmux: unsupported message type")

	// ErrCallAlreadyStarted is returned when Start is called twice.
	ErrCallAlreadyStarted = errors.New("rpcmux: call already started")

	// ErrCallNotStarted is returned by Write before Start.
	ErrCallNotStarted = errors.New("rpcmux: call not started")

	// ErrCallFinished is returned when a call is used after its terminal transition.
	ErrCallFinished = errors.New("rpcmux: call already finished")
)

// Sentinel errors for event dispatch.
var (
	// ErrDecodeFailure wraps response decoder failures.
	ErrDecodeFailure = errors.New("rpcmux: decode response")

	// ErrInvalidPayload is returned when an encoded payload is not valid base64.
	ErrInvalidPayload = errors.New("rpcmux: invalid encoded payload")

	// ErrUnknownEvent is returned for nil or foreign event values.
	ErrUnknownEvent = errors.New("rpcmux: unknown event type")
)

// NewRemoteError builds the error carried by a CompletionEvent from a status
// code name ("NOT_FOUND", "not_found" or "code_5") and a message. Unknown code
// names map to connect.CodeUnknown. gRPC spells the cancelled status
// "CANCELLED"; connect spells it "canceled". Both are accepted.
func NewRemoteError(code, message string) *connect.Error {
	name := strings.ToLower(strings.TrimSpace(code))
	if name == "cancelled" {
		name = connect.CodeCanceled.String()
	}
	var c connect.Code
	if err := c.UnmarshalText([]byte(name)); err != nil {
		c = connect.CodeUnknown
	}
	return connect.NewError(c, errors.New(message))
}
