package rpcmux

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
)

// CallKind selects how the transport initiates a call.
type CallKind string

// CallKindUnary starts a call with a single request message whose response
// may still be streamed back as several DataEvents.
const CallKindUnary CallKind = "UNARY"

// SecurityConfig is passed to Transport.Start. Calls started by this package
// always request a secured channel.
type SecurityConfig struct {
	Insecure bool
}

// Transport is the external collaborator that carries calls. Both methods are
// fire-and-forget; results come back later as Events on the transport's event
// stream.
type Transport interface {
	Start(address string, kind CallKind, path string, id CallID, sec SecurityConfig) error
	Write(id CallID, payload []byte) error
}

// State is the lifecycle state of a Call.
type State int32

const (
	StateCreated State = iota
	StateActive
	StateStreaming
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateStreaming:
		return "streaming"
	case StateTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Subscriber callbacks.
type (
	DataFunc     func(v any)
	ErrorFunc    func(err error)
	CompleteFunc func()
	HeadersFunc  func(h http.Header)
)

// OnData adapts a typed callback to DataFunc. A value of another type panics
// inside the subscriber boundary and is logged.
func OnData[T any](fn func(T)) DataFunc {
	return func(v any) { fn(v.(T)) }
}

// Subscription identifies one Subscribe call. It grants no removal: the
// callbacks stay registered until the call is terminal.
type Subscription struct {
	seq  int
	call *Call
}

// Seq returns the 1-based order of this subscription on its call.
func (s Subscription) Seq() int { return s.seq }

// Done is closed once the call reached its terminal state and every
// completion subscriber has run.
func (s Subscription) Done() <-chan struct{} { return s.call.Done() }

// Call is one in-flight RPC. It is created by Client.Invoke.
type Call struct {
	id        CallID
	address   string
	kind      CallKind
	path      string
	decoder   Decoder
	registry  *Registry
	transport Transport
	logger    *slog.Logger

	mu         sync.Mutex
	state      State
	subs       int
	onData     []DataFunc
	onError    []ErrorFunc
	onComplete []CompleteFunc
	onHeaders  []HeadersFunc
	err        error
	trailer    http.Header
	done       chan struct{}
}

func newCall(id CallID, address string, kind CallKind, path string, dec Decoder, reg *Registry, t Transport, logger *slog.Logger) *Call {
	return &Call{
		id:        id,
		address:   address,
		kind:      kind,
		path:      path,
		decoder:   dec,
		registry:  reg,
		transport: t,
		logger:    logger.With(slog.String("call_id", id.String()), slog.String("path", path)),
		done:      make(chan struct{}),
	}
}

func (c *Call) ID() CallID            { return c.id }
func (c *Call) Address() string       { return c.address }
func (c *Call) Path() string          { return c.path }
func (c *Call) Kind() CallKind        { return c.kind }
func (c *Call) Done() <-chan struct{} { return c.done }

// State returns the current lifecycle state.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error the call completed with. It is nil while the call is
// live and after a successful completion.
func (c *Call) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Trailer returns the trailers carried by the completion event.
func (c *Call) Trailer() http.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trailer
}

// Start registers the call and then asks the transport to start it, so the
// dispatcher can route events for the id before the first one can arrive.
//
// If the transport refuses the call, the call completes with that error:
// subscribers registered before Start are notified and the error is returned.
func (c *Call) Start() error {
	c.mu.Lock()
	if c.state != StateCreated {
		c.mu.Unlock()
		return ErrCallAlreadyStarted
	}
	c.state = StateActive
	c.mu.Unlock()

	if err := c.registry.Register(c.id, c); err != nil {
		c.mu.Lock()
		c.state = StateTerminal
		c.mu.Unlock()
		close(c.done)
		return fmt.Errorf("register call %s: %w", c.id, err)
	}

	if err := c.transport.Start(c.address, c.kind, c.path, c.id, SecurityConfig{Insecure: false}); err != nil {
		c.deliverCompletion(err, nil)
		return fmt.Errorf("start call %s: %w", c.id, err)
	}
	c.logger.Debug("rpcmux: call started", slog.String("address", c.address))
	return nil
}

// Write sends one request message. message is a []byte, a proto.Message or an
// encoding.BinaryMarshaler. The bytes go straight to the transport.
func (c *Call) Write(message any) error {
	switch c.State() {
	case StateCreated:
		return ErrCallNotStarted
	case StateTerminal:
		return ErrCallFinished
	}

	b, err := marshal(message)
	if err != nil {
		return err
	}
	return c.transport.Write(c.id, b)
}

// Subscribe appends the non-nil callbacks to their lists. Subscriptions
// accumulate; there is no unsubscribe. Subscribing to a terminal call
// registers nothing.
func (c *Call) Subscribe(onData DataFunc, onError ErrorFunc, onComplete CompleteFunc) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.subs++
	sub := Subscription{seq: c.subs, call: c}
	if c.state == StateTerminal {
		return sub
	}
	if onData != nil {
		c.onData = append(c.onData, onData)
	}
	if onError != nil {
		c.onError = append(c.onError, onError)
	}
	if onComplete != nil {
		c.onComplete = append(c.onComplete, onComplete)
	}
	return sub
}

// OnHeaders appends a response headers subscriber.
func (c *Call) OnHeaders(fn HeadersFunc) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateTerminal {
		c.onHeaders = append(c.onHeaders, fn)
	}
}

// deliverData decodes raw and hands the value to every data subscriber in
// registration order. A decode failure aborts only this delivery.
func (c *Call) deliverData(raw []byte) error {
	v, err := c.decoder.Decode(raw)
	if err != nil {
		return fmt.Errorf("%w: call %s: %w", ErrDecodeFailure, c.id, err)
	}

	c.mu.Lock()
	if c.state == StateTerminal {
		c.mu.Unlock()
		return ErrCallFinished
	}
	c.state = StateStreaming
	subs := c.onData
	c.mu.Unlock()

	for _, s := range subs {
		c.invoke("data", func() { s(v) })
	}
	return nil
}

func (c *Call) deliverHeaders(h http.Header) {
	c.mu.Lock()
	if c.state == StateTerminal {
		c.mu.Unlock()
		return
	}
	subs := c.onHeaders
	c.mu.Unlock()

	for _, s := range subs {
		c.invoke("headers", func() { s(h) })
	}
}

// deliverCompletion is the terminal transition. The id leaves the registry
// first; then error subscribers run if err is set, then completion
// subscribers run unconditionally. Only the first completion notifies.
func (c *Call) deliverCompletion(err error, trailer http.Header) {
	c.registry.Deregister(c.id)

	c.mu.Lock()
	if c.state == StateTerminal {
		c.mu.Unlock()
		return
	}
	c.state = StateTerminal
	c.err = err
	c.trailer = trailer
	errSubs, completeSubs := c.onError, c.onComplete
	c.onData, c.onError, c.onComplete, c.onHeaders = nil, nil, nil, nil
	c.mu.Unlock()

	if err != nil {
		for _, s := range errSubs {
			c.invoke("error", func() { s(err) })
		}
	}
	for _, s := range completeSubs {
		c.invoke("complete", s)
	}
	close(c.done)
	c.logger.Debug("rpcmux: call completed", slog.Bool("error", err != nil))
}

// invoke runs one subscriber behind its own panic boundary.
func (c *Call) invoke(kind string, fn func()) {
	defer func() {
		if err := recoverPanic(recover()); err != nil {
			c.logger.Error("rpcmux: subscriber failed",
				slog.String("subscriber", kind),
				slog.String("error", err.Error()))
		}
	}()
	fn()
}

// recoverPanic converts a recovered panic value to an error.
func recoverPanic(r any) error {
	if r == nil {
		return nil
	}
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}
