package connectbridge

import (
	"log/slog"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"go.opentelemetry.io/otel/trace"
)

// Option configures a Transport.
type Option func(*options)

type options struct {
	httpClient     connect.HTTPClient
	headers        http.Header
	timeout        time.Duration
	protocol       Protocol
	maxCalls       int
	requestIDs     bool
	cleartext      bool
	logger         *slog.Logger
	eventBuffer    int
	tracerProvider trace.TracerProvider
}

// WithHTTPClient sets the HTTP client used for every call. Without it the
// bridge uses an HTTP/2 client, with TLS for secured calls and cleartext
// HTTP/2 otherwise.
func WithHTTPClient(c connect.HTTPClient) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithDefaultHeaders adds headers to every request.
func WithDefaultHeaders(h http.Header) Option {
	return func(o *options) {
		o.headers = h.Clone()
	}
}

// WithTimeout bounds each call. Zero means no deadline.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithProtocolOption overrides the protocol carried by the transport context.
func WithProtocolOption(p Protocol) Option {
	return func(o *options) {
		o.protocol = p
	}
}

// WithMaxConcurrentCalls bounds the calls in flight. Calls beyond the bound
// complete at once with connect.CodeResourceExhausted. Zero means unbounded.
func WithMaxConcurrentCalls(n int) Option {
	return func(o *options) {
		o.maxCalls = n
	}
}

// WithRequestIDs sets a fresh x-request-id header on every request.
func WithRequestIDs() Option {
	return func(o *options) {
		o.requestIDs = true
	}
}

// WithCleartext sends every call over cleartext HTTP/2, whatever its
// SecurityConfig says. For local servers without TLS.
func WithCleartext() Option {
	return func(o *options) {
		o.cleartext = true
	}
}

// WithLogger sets the transport logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithEventBuffer sets the capacity of the Events channel.
func WithEventBuffer(n int) Option {
	return func(o *options) {
		o.eventBuffer = n
	}
}

// WithTracerProvider sets where per-call spans go. Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}
