package rpcmux

import (
	"log/slog"
	"sync/atomic"
)

// Client creates calls on one transport. It owns the id counter and, unless
// one is injected, the registry.
type Client struct {
	transport Transport
	registry  *Registry
	logger    *slog.Logger
	nextID    atomic.Uint64
}

// Option configures a Client.
type Option func(*Client)

// WithRegistry makes the client register its calls in r.
func WithRegistry(r *Registry) Option {
	return func(c *Client) {
		c.registry = r
	}
}

// WithLogger sets the client logger. Calls and dispatchers built from the
// client inherit it.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient returns a client for t.
func NewClient(t Transport, opts ...Option) (*Client, error) {
	if t == nil {
		return nil, ErrNilTransport
	}
	c := &Client{transport: t}
	for _, opt := range opts {
		opt(c)
	}
	if c.registry == nil {
		c.registry = NewRegistry()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// Registry returns the registry the client's calls live in.
func (c *Client) Registry() *Registry {
	return c.registry
}

// Dispatcher returns a dispatcher routing events into the client's registry.
func (c *Client) Dispatcher(opts ...DispatcherOption) *Dispatcher {
	return NewDispatcher(c.registry, append([]DispatcherOption{WithDispatcherLogger(c.logger)}, opts...)...)
}

// Invoke allocates the next call id, starts a unary-style call to path on
// address and returns it for subscription. Ids start at 0 and are never
// reused.
func (c *Client) Invoke(address, path string, dec Decoder) (*Call, error) {
	if dec == nil {
		return nil, ErrNilDecoder
	}

	id := CallID(c.nextID.Add(1) - 1)
	call := newCall(id, address, CallKindUnary, path, dec, c.registry, c.transport, c.logger)
	if err := call.Start(); err != nil {
		return nil, err
	}
	return call, nil
}
