// Package rpcmux multiplexes many in-flight RPC calls over one shared
// transport event channel.
//
// A Client allocates call identifiers from a monotonically increasing counter
// (starting at 0), registers each Call in a Registry and asks the Transport to
// start it. Inbound transport events are tagged with the call identifier only:
//   - DataEvent carries one response message (raw bytes or base64 text).
//   - HeadersEvent carries the response headers.
//   - CompletionEvent ends the call, optionally with a remote error.
//
// A Dispatcher consumes those events one at a time, resolves the identifier
// against the Registry and forwards the payload to the owning Call, which
// decodes it and fans it out to its subscribers in registration order. Events
// for identifiers that are not (or no longer) registered are logged and
// dropped.
//
// Subscriber lists only grow. They are released when the Call reaches its
// terminal state and the application drops its reference.
package rpcmux
