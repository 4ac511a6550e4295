// Package connectbridge is an rpcmux.Transport that carries calls over
// connect-go, speaking gRPC by default.
//
// Request and response messages stay opaque bytes: the bridge never needs the
// generated message types. Each started call is sent on the first Write (or
// HalfClose) as a single request message; every response message becomes an
// rpcmux.DataEvent, the response headers an rpcmux.HeadersEvent and the end of
// the call an rpcmux.CompletionEvent on the shared Events channel.
package connectbridge
