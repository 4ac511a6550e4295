package connectbridge

import "errors"

var (
	// ErrInvalidAddress is returned for addresses that are not host[:port].
	ErrInvalidAddress = errors.New("connectbridge: invalid address")

	// ErrUnsupportedKind is returned when Start is asked for a call kind the bridge cannot carry.
	ErrUnsupportedKind = errors.New("connectbridge: unsupported call kind")

	// ErrDuplicateCall is returned when Start is called twice for one id.
	ErrDuplicateCall = errors.New("connectbridge: call already started")

	// ErrUnknownCall is returned by Write, HalfClose and Cancel for ids that were never started or already ended.
	ErrUnknownCall = errors.New("connectbridge: call not found")

	// ErrAlreadySent is returned when a unary-style call is written to twice.
	ErrAlreadySent = errors.New("connectbridge: request already sent")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("connectbridge: transport closed")

	// ErrUnknownProtocol is returned when a protocol name is not grpc, grpcweb or connectrpc.
	ErrUnknownProtocol = errors.New("connectbridge: unknown protocol")
)
