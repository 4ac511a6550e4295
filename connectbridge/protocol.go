package connectbridge

import (
	"fmt"
	"strings"

	"connectrpc.com/connect"
)

// Protocol selects the wire protocol connect-go speaks.
type Protocol string

const (
	ProtocolGRPC       Protocol = "grpc"
	ProtocolGRPCWeb    Protocol = "grpcweb"
	ProtocolConnectRPC Protocol = "connectrpc"
)

// ParseProtocol maps a protocol name to a Protocol. Matching ignores case and
// surrounding spaces.
func ParseProtocol(s string) (Protocol, error) {
	switch p := Protocol(strings.ToLower(strings.TrimSpace(s))); p {
	case ProtocolGRPC, ProtocolGRPCWeb, ProtocolConnectRPC:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProtocol, s)
	}
}

func (p Protocol) clientOption() connect.ClientOption {
	switch p {
	case ProtocolGRPCWeb:
		return connect.WithGRPCWeb()
	case ProtocolConnectRPC:
		return connect.WithClientOptions()
	default:
		return connect.WithGRPC()
	}
}
