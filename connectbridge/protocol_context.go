package connectbridge

import "context"

// contextKey is the unexported key type for the protocol carried by a context.
type contextKey struct{}

// ContextKeyProtocol is the context key for the protocol selection. Use
// WithProtocol and ProtocolFromContext rather than the key directly.
var ContextKeyProtocol = contextKey{}

// WithProtocol returns a context carrying protocol. A Transport created from
// that context uses it unless the WithProtocolOption option overrides it.
//
// Example:
//
//	ctx := connectbridge.WithProtocol(ctx, connectbridge.ProtocolGRPCWeb)
func WithProtocol(ctx context.Context, protocol Protocol) context.Context {
	return context.WithValue(ctx, ContextKeyProtocol, protocol)
}

// ProtocolFromContext extracts the protocol selection from ctx, normalized
// through ParseProtocol.
//
// If no protocol is set, or the value is not a known protocol, it returns ""
// and false.
func ProtocolFromContext(ctx context.Context) (Protocol, bool) {
	raw, ok := ctx.Value(ContextKeyProtocol).(Protocol)
	if !ok {
		return "", false
	}
	protocol, err := ParseProtocol(string(raw))
	if err != nil {
		return "", false
	}
	return protocol, true
}
