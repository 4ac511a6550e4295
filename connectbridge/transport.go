package connectbridge

import (
	"cmp"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/http2"

	"github.com/ygrpc/rngrpc/rpcmux"
)

const (
	tracerName      = "github.com/ygrpc/rngrpc/connectbridge"
	requestIDHeader = "X-Request-Id"
)

var _ rpcmux.Transport = (*Transport)(nil)

type rawClient = connect.Client[rawMessage, rawMessage]

// pendingCall is a call between Start and its completion event.
type pendingCall struct {
	id       rpcmux.CallID
	address  string
	path     string
	url      string
	insecure bool
	sent     bool
	ctx      context.Context
	cancel   context.CancelFunc
}

// Transport carries rpcmux calls over connect-go and publishes their events
// on one channel.
type Transport struct {
	ctx      context.Context
	cancel   context.CancelFunc
	opts     options
	protocol Protocol
	logger   *slog.Logger
	tracer   trace.Tracer
	pool     *ants.Pool
	events   chan rpcmux.Event

	mu        sync.Mutex
	closed    bool
	calls     map[rpcmux.CallID]*pendingCall
	clients   map[string]*rawClient
	secure    connect.HTTPClient
	cleartext connect.HTTPClient
	wg        sync.WaitGroup
}

// New creates a transport. Calls inherit ctx: cancelling it ends them all.
// The protocol comes from WithProtocolOption, else from ctx (see
// WithProtocol), else gRPC.
func New(ctx context.Context, opts ...Option) (*Transport, error) {
	o := options{eventBuffer: 64}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.tracerProvider == nil {
		o.tracerProvider = otel.GetTracerProvider()
	}

	protocol := o.protocol
	if protocol == "" {
		if p, ok := ProtocolFromContext(ctx); ok {
			protocol = p
		} else {
			protocol = ProtocolGRPC
		}
	}
	protocol, err := ParseProtocol(string(protocol))
	if err != nil {
		return nil, err
	}

	var pool *ants.Pool
	if o.maxCalls > 0 {
		p, err := ants.NewPool(o.maxCalls, ants.WithNonblocking(true))
		if err != nil {
			return nil, fmt.Errorf("connectbridge: create call pool: %w", err)
		}
		pool = p
	}

	tctx, cancel := context.WithCancel(ctx)
	t := &Transport{
		ctx:      tctx,
		cancel:   cancel,
		opts:     o,
		protocol: protocol,
		logger:   o.logger,
		tracer:   o.tracerProvider.Tracer(tracerName),
		pool:     pool,
		events:   make(chan rpcmux.Event, o.eventBuffer),
		calls:    make(map[rpcmux.CallID]*pendingCall),
		clients:  make(map[string]*rawClient),
	}
	if o.httpClient != nil {
		t.secure, t.cleartext = o.httpClient, o.httpClient
	}
	return t, nil
}

// Events returns the shared inbound event stream. It is closed by Close.
func (t *Transport) Events() <-chan rpcmux.Event {
	return t.events
}

// Protocol returns the wire protocol in use.
func (t *Transport) Protocol() Protocol {
	return t.protocol
}

// Start prepares call id. Nothing goes on the wire until Write or HalfClose.
func (t *Transport) Start(address string, kind rpcmux.CallKind, path string, id rpcmux.CallID, sec rpcmux.SecurityConfig) error {
	if kind != rpcmux.CallKindUnary {
		return fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
	}
	hostport, err := normalizeAddress(address)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if _, ok := t.calls[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCall, id)
	}
	insecure := sec.Insecure || t.opts.cleartext
	ctx, cancel := context.WithCancel(t.ctx)
	t.calls[id] = &pendingCall{
		id:       id,
		address:  hostport,
		path:     path,
		url:      procedureURL(hostport, path, insecure),
		insecure: insecure,
		ctx:      ctx,
		cancel:   cancel,
	}
	t.logger.Debug("connectbridge: call prepared", slog.String("call_id", id.String()), slog.String("address", hostport), slog.String("path", path))
	return nil
}

// Write sends the single request message of call id and half-closes it.
func (t *Transport) Write(id rpcmux.CallID, payload []byte) error {
	return t.send(id, payload, false)
}

// HalfClose finishes the request side of call id. If nothing was written the
// call is sent with an empty request message.
func (t *Transport) HalfClose(id rpcmux.CallID) error {
	return t.send(id, nil, true)
}

func (t *Transport) send(id rpcmux.CallID, payload []byte, halfClose bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	pc, ok := t.calls[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCall, id)
	}
	if pc.sent {
		if halfClose {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrAlreadySent, id)
	}
	pc.sent = true

	t.wg.Add(1)
	task := func() {
		defer t.wg.Done()
		t.run(pc, payload)
	}
	if t.pool == nil {
		go task()
		return nil
	}
	if err := t.pool.Submit(task); err != nil {
		// The pool refused the task, so the deferred Done never runs.
		go func() {
			defer t.wg.Done()
			t.complete(pc, connect.NewError(connect.CodeResourceExhausted, fmt.Errorf("too many calls in flight: %w", err)), nil)
		}()
	}
	return nil
}

// Cancel aborts call id. The call still ends with a CompletionEvent carrying
// connect.CodeCanceled.
func (t *Transport) Cancel(id rpcmux.CallID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	pc, ok := t.calls[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCall, id)
	}
	pc.cancel()
	if !pc.sent {
		pc.sent = true
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.complete(pc, connect.NewError(connect.CodeCanceled, context.Canceled), nil)
		}()
	}
	return nil
}

// Close cancels every call, waits for their goroutines and closes Events.
// Calls that were started but never sent complete with connect.CodeCanceled
// wrapping ErrClosed, as long as Events has room for them. Events of calls in
// flight when Close starts may be dropped.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	var unsent []*pendingCall
	for id, pc := range t.calls {
		if !pc.sent {
			pc.sent = true
			unsent = append(unsent, pc)
			delete(t.calls, id)
		}
	}
	slices.SortFunc(unsent, func(a, b *pendingCall) int { return cmp.Compare(a.id, b.id) })
	for _, pc := range unsent {
		pc.cancel()
		ev := rpcmux.CompletionEvent{ID: pc.id, Err: connect.NewError(connect.CodeCanceled, ErrClosed)}
		select {
		case t.events <- ev:
		default:
			t.logger.Warn("connectbridge: event buffer full, dropping completion", slog.String("call_id", pc.id.String()))
		}
	}
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
	if t.pool != nil {
		t.pool.Release()
	}
	close(t.events)
	return nil
}

// run performs one call and publishes its events in order.
func (t *Transport) run(pc *pendingCall, payload []byte) {
	ctx := pc.ctx
	if t.opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.timeout)
		defer cancel()
	}

	ctx, span := t.tracer.Start(ctx, pc.path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.system", string(t.protocol)),
			attribute.String("server.address", pc.address),
			attribute.String("rpcmux.call_id", pc.id.String()),
		))
	defer span.End()

	req := connect.NewRequest(&rawMessage{data: payload})
	for k, vs := range t.opts.headers {
		for _, v := range vs {
			req.Header().Add(k, v)
		}
	}
	if t.opts.requestIDs {
		req.Header().Set(requestIDHeader, uuid.NewString())
	}

	stream, err := t.client(pc).CallServerStream(ctx, req)
	if err != nil {
		t.finish(span, pc, err, nil)
		return
	}

	headersSent := false
	for stream.Receive() {
		if !headersSent {
			headersSent = true
			t.emit(rpcmux.HeadersEvent{ID: pc.id, Header: stream.ResponseHeader().Clone()})
		}
		t.emit(rpcmux.DataEvent{ID: pc.id, Payload: rpcmux.RawPayload(stream.Msg().data)})
	}
	err = stream.Err()
	if !headersSent && len(stream.ResponseHeader()) > 0 {
		t.emit(rpcmux.HeadersEvent{ID: pc.id, Header: stream.ResponseHeader().Clone()})
	}
	trailer := stream.ResponseTrailer().Clone()
	if closeErr := stream.Close(); closeErr != nil {
		t.logger.Debug("connectbridge: close response stream", slog.String("call_id", pc.id.String()), slog.String("error", closeErr.Error()))
	}
	t.finish(span, pc, err, trailer)
}

func (t *Transport) finish(span trace.Span, pc *pendingCall, err error, trailer http.Header) {
	remote := remoteError(err)
	if remote != nil {
		span.RecordError(remote)
		span.SetStatus(codes.Error, remote.Error())
		t.complete(pc, remote, trailer)
		return
	}
	span.SetStatus(codes.Ok, "")
	t.complete(pc, nil, trailer)
}

// complete forgets the call and publishes its completion event.
func (t *Transport) complete(pc *pendingCall, err error, trailer http.Header) {
	t.mu.Lock()
	delete(t.calls, pc.id)
	t.mu.Unlock()
	pc.cancel()

	t.logger.Debug("connectbridge: call finished", slog.String("call_id", pc.id.String()), slog.Bool("error", err != nil))
	t.emit(rpcmux.CompletionEvent{ID: pc.id, Err: err, Trailer: trailer})
}

func (t *Transport) emit(ev rpcmux.Event) {
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
		t.logger.Debug("connectbridge: transport closed, dropping event", slog.String("call_id", ev.CallID().String()))
	}
}

// client returns the cached connect client for the call's URL.
func (t *Transport) client(pc *pendingCall) *rawClient {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.clients[pc.url]; ok {
		return c
	}
	c := connect.NewClient[rawMessage, rawMessage](
		t.httpClientLocked(pc.insecure),
		pc.url,
		connect.WithCodec(rawCodec{}),
		t.protocol.clientOption(),
	)
	t.clients[pc.url] = c
	return c
}

func (t *Transport) httpClientLocked(insecure bool) connect.HTTPClient {
	if insecure {
		if t.cleartext == nil {
			t.cleartext = &http.Client{Transport: &http2.Transport{
				AllowHTTP: true,
				DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, network, addr)
				},
			}}
		}
		return t.cleartext
	}
	if t.secure == nil {
		t.secure = &http.Client{Transport: &http2.Transport{}}
	}
	return t.secure
}

// remoteError normalizes a call error to *connect.Error. It returns a nil
// interface for a nil err.
func remoteError(err error) error {
	if err == nil {
		return nil
	}
	var ce *connect.Error
	if errors.As(err, &ce) {
		return ce
	}
	switch {
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	default:
		return connect.NewError(connect.CodeUnknown, err)
	}
}
