package connectbridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ygrpc/rngrpc/rpcmux"
)

const streamProcedure = "/test.EchoService/Stream"

type streamHandler func(context.Context, *connect.Request[rawMessage], *connect.ServerStream[rawMessage]) error

func newMux(handler streamHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(streamProcedure, connect.NewServerStreamHandler(streamProcedure, handler, connect.WithCodec(rawCodec{})))
	return mux
}

// newTLSServer starts an HTTP/2 TLS server serving handler.
func newTLSServer(t *testing.T, handler streamHandler) *httptest.Server {
	t.Helper()
	srv := httptest.NewUnstartedServer(newMux(handler))
	srv.EnableHTTP2 = true
	srv.StartTLS()
	t.Cleanup(srv.Close)
	return srv
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTransport(t *testing.T, srv *httptest.Server, opts ...Option) *Transport {
	t.Helper()
	base := []Option{WithHTTPClient(srv.Client()), WithLogger(discardLogger())}
	tr, err := New(context.Background(), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

// collect reads events for id until its completion event.
func collect(t *testing.T, events <-chan rpcmux.Event, id rpcmux.CallID) []rpcmux.Event {
	t.Helper()
	timeout := time.After(10 * time.Second)
	var out []rpcmux.Event
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("events closed before completion")
				return out
			}
			if ev.CallID() != id {
				continue
			}
			out = append(out, ev)
			if _, done := ev.(rpcmux.CompletionEvent); done {
				return out
			}
		case <-timeout:
			t.Fatal("timed out waiting for completion")
			return out
		}
	}
}

func marshalString(t *testing.T, s string) []byte {
	t.Helper()
	b, err := proto.Marshal(wrapperspb.String(s))
	require.NoError(t, err)
	return b
}

// echoThree answers with three suffixed copies of the request string.
func echoThree(seen chan<- http.Header) streamHandler {
	return func(_ context.Context, req *connect.Request[rawMessage], stream *connect.ServerStream[rawMessage]) error {
		if seen != nil {
			seen <- req.Header().Clone()
		}
		var in wrapperspb.StringValue
		if err := proto.Unmarshal(req.Msg.data, &in); err != nil {
			return connect.NewError(connect.CodeInvalidArgument, err)
		}
		stream.ResponseHeader().Set("X-Echo", "1")
		stream.ResponseTrailer().Set("X-Count", "3")
		for _, suffix := range []string{"a", "b", "c"} {
			b, err := proto.Marshal(wrapperspb.String(in.GetValue() + "-" + suffix))
			if err != nil {
				return err
			}
			if err := stream.Send(&rawMessage{data: b}); err != nil {
				return err
			}
		}
		return nil
	}
}

// blocking signals started and holds the call open until the client goes away.
func blocking(started chan<- struct{}) streamHandler {
	var once sync.Once
	return func(ctx context.Context, _ *connect.Request[rawMessage], _ *connect.ServerStream[rawMessage]) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return ctx.Err()
	}
}

func TestEndToEnd(t *testing.T) {
	for _, protocol := range []Protocol{ProtocolGRPC, ProtocolGRPCWeb, ProtocolConnectRPC} {
		t.Run(string(protocol), func(t *testing.T) {
			seen := make(chan http.Header, 1)
			srv := newTLSServer(t, echoThree(seen))
			tr := newTestTransport(t, srv,
				WithProtocolOption(protocol),
				WithRequestIDs(),
				WithDefaultHeaders(http.Header{"X-App": []string{"rngrpc"}}),
			)

			client, err := rpcmux.NewClient(tr, rpcmux.WithLogger(discardLogger()))
			require.NoError(t, err)
			go func() { _ = client.Dispatcher().Run(context.Background(), tr.Events()) }()

			call, err := client.Invoke(srv.Listener.Addr().String(), streamProcedure, rpcmux.ProtoDecoder[*wrapperspb.StringValue]())
			require.NoError(t, err)

			var got []string
			var header http.Header
			completed := 0
			call.OnHeaders(func(h http.Header) { header = h })
			call.Subscribe(rpcmux.OnData(func(v *wrapperspb.StringValue) {
				got = append(got, v.GetValue())
			}), func(err error) {
				t.Errorf("unexpected error: %v", err)
			}, func() { completed++ })

			require.NoError(t, call.Write(wrapperspb.String("hi")))

			select {
			case <-call.Done():
			case <-time.After(10 * time.Second):
				t.Fatal("call did not complete")
			}

			assert.Equal(t, []string{"hi-a", "hi-b", "hi-c"}, got)
			assert.Equal(t, 1, completed)
			assert.Equal(t, "1", header.Get("X-Echo"))
			assert.Equal(t, "3", call.Trailer().Get("X-Count"))
			assert.NoError(t, call.Err())
			assert.Equal(t, 0, client.Registry().Len())

			reqHeader := <-seen
			assert.Equal(t, "rngrpc", reqHeader.Get("X-App"))
			assert.NotEmpty(t, reqHeader.Get(requestIDHeader))
		})
	}
}

func TestRemoteError(t *testing.T) {
	srv := newTLSServer(t, func(_ context.Context, _ *connect.Request[rawMessage], stream *connect.ServerStream[rawMessage]) error {
		if err := stream.Send(&rawMessage{data: []byte("partial")}); err != nil {
			return err
		}
		return connect.NewError(connect.CodeNotFound, errors.New("no such thing"))
	})
	tr := newTestTransport(t, srv)

	require.NoError(t, tr.Start(srv.Listener.Addr().String(), rpcmux.CallKindUnary, streamProcedure, 4, rpcmux.SecurityConfig{}))
	require.NoError(t, tr.Write(4, nil))

	events := collect(t, tr.Events(), 4)
	require.Len(t, events, 3)
	assert.IsType(t, rpcmux.HeadersEvent{}, events[0])

	data := events[1].(rpcmux.DataEvent)
	raw, err := data.Payload.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("partial"), raw)

	done := events[2].(rpcmux.CompletionEvent)
	require.Error(t, done.Err)
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(done.Err))
	var ce *connect.Error
	require.True(t, errors.As(done.Err, &ce))
	assert.Equal(t, "no such thing", ce.Message())
}

func TestCancel(t *testing.T) {
	t.Run("InFlight", func(t *testing.T) {
		started := make(chan struct{})
		srv := newTLSServer(t, blocking(started))
		tr := newTestTransport(t, srv)

		require.NoError(t, tr.Start(srv.Listener.Addr().String(), rpcmux.CallKindUnary, streamProcedure, 1, rpcmux.SecurityConfig{}))
		require.NoError(t, tr.Write(1, marshalString(t, "x")))
		<-started
		require.NoError(t, tr.Cancel(1))

		events := collect(t, tr.Events(), 1)
		done := events[len(events)-1].(rpcmux.CompletionEvent)
		assert.Equal(t, connect.CodeCanceled, connect.CodeOf(done.Err))
	})

	t.Run("BeforeWrite", func(t *testing.T) {
		srv := newTLSServer(t, echoThree(nil))
		tr := newTestTransport(t, srv)

		require.NoError(t, tr.Start(srv.Listener.Addr().String(), rpcmux.CallKindUnary, streamProcedure, 2, rpcmux.SecurityConfig{}))
		require.NoError(t, tr.Cancel(2))

		events := collect(t, tr.Events(), 2)
		require.Len(t, events, 1)
		assert.Equal(t, connect.CodeCanceled, connect.CodeOf(events[0].(rpcmux.CompletionEvent).Err))
		assert.ErrorIs(t, tr.Cancel(2), ErrUnknownCall)
	})
}

func TestMaxConcurrentCalls(t *testing.T) {
	started := make(chan struct{})
	srv := newTLSServer(t, blocking(started))
	tr := newTestTransport(t, srv, WithMaxConcurrentCalls(1))
	addr := srv.Listener.Addr().String()

	require.NoError(t, tr.Start(addr, rpcmux.CallKindUnary, streamProcedure, 1, rpcmux.SecurityConfig{}))
	require.NoError(t, tr.Start(addr, rpcmux.CallKindUnary, streamProcedure, 2, rpcmux.SecurityConfig{}))
	require.NoError(t, tr.Write(1, nil))
	<-started
	require.NoError(t, tr.Write(2, nil))

	events := collect(t, tr.Events(), 2)
	require.Len(t, events, 1)
	assert.Equal(t, connect.CodeResourceExhausted, connect.CodeOf(events[0].(rpcmux.CompletionEvent).Err))

	require.NoError(t, tr.Cancel(1))
	collect(t, tr.Events(), 1)
}

func TestWriteRules(t *testing.T) {
	started := make(chan struct{})
	srv := newTLSServer(t, blocking(started))
	tr := newTestTransport(t, srv)
	addr := srv.Listener.Addr().String()

	assert.ErrorIs(t, tr.Write(9, nil), ErrUnknownCall)
	assert.ErrorIs(t, tr.HalfClose(9), ErrUnknownCall)

	require.NoError(t, tr.Start(addr, rpcmux.CallKindUnary, streamProcedure, 1, rpcmux.SecurityConfig{}))
	assert.ErrorIs(t, tr.Start(addr, rpcmux.CallKindUnary, streamProcedure, 1, rpcmux.SecurityConfig{}), ErrDuplicateCall)

	require.NoError(t, tr.HalfClose(1))
	<-started
	assert.ErrorIs(t, tr.Write(1, []byte("again")), ErrAlreadySent)
	assert.NoError(t, tr.HalfClose(1))

	require.NoError(t, tr.Cancel(1))
	collect(t, tr.Events(), 1)
}

func TestStartValidation(t *testing.T) {
	tr, err := New(context.Background(), WithLogger(discardLogger()))
	require.NoError(t, err)
	defer tr.Close()

	assert.ErrorIs(t, tr.Start("host:443", rpcmux.CallKind("BIDI"), "/svc/M", 0, rpcmux.SecurityConfig{}), ErrUnsupportedKind)
	assert.ErrorIs(t, tr.Start("a:b:c", rpcmux.CallKindUnary, "/svc/M", 0, rpcmux.SecurityConfig{}), ErrInvalidAddress)
}

func TestClose(t *testing.T) {
	tr, err := New(context.Background(), WithLogger(discardLogger()))
	require.NoError(t, err)
	require.NoError(t, tr.Start("host", rpcmux.CallKindUnary, "/svc/M", 0, rpcmux.SecurityConfig{}))
	require.NoError(t, tr.Start("host", rpcmux.CallKindUnary, "/svc/M", 3, rpcmux.SecurityConfig{}))

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	for _, id := range []rpcmux.CallID{0, 3} {
		ev, ok := <-tr.Events()
		require.True(t, ok)
		done, isDone := ev.(rpcmux.CompletionEvent)
		require.True(t, isDone)
		assert.Equal(t, id, done.ID)
		assert.Equal(t, connect.CodeCanceled, connect.CodeOf(done.Err))
		assert.ErrorIs(t, done.Err, ErrClosed)
	}
	_, ok := <-tr.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, tr.Start("host", rpcmux.CallKindUnary, "/svc/M", 1, rpcmux.SecurityConfig{}), ErrClosed)
	assert.ErrorIs(t, tr.Write(0, nil), ErrClosed)
	assert.ErrorIs(t, tr.Cancel(0), ErrClosed)
}

func TestCloseCompletesPendingCalls(t *testing.T) {
	tr, err := New(context.Background(), WithLogger(discardLogger()))
	require.NoError(t, err)

	client, err := rpcmux.NewClient(tr, rpcmux.WithLogger(discardLogger()))
	require.NoError(t, err)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = client.Dispatcher().Run(context.Background(), tr.Events())
	}()

	call, err := client.Invoke("host", "/svc/M", rpcmux.BytesDecoder)
	require.NoError(t, err)
	var gotErr error
	completed := 0
	call.Subscribe(nil, func(err error) { gotErr = err }, func() { completed++ })

	require.NoError(t, tr.Close())

	select {
	case <-call.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("call did not complete after Close")
	}
	<-stopped
	assert.Equal(t, 1, completed)
	assert.Equal(t, connect.CodeCanceled, connect.CodeOf(gotErr))
	assert.Equal(t, rpcmux.StateTerminal, call.State())
	assert.Equal(t, 0, client.Registry().Len())
}

func TestInsecureCleartextHTTP2(t *testing.T) {
	srv := httptest.NewServer(h2c.NewHandler(newMux(echoThree(nil)), &http2.Server{}))
	t.Cleanup(srv.Close)

	tr, err := New(context.Background(), WithLogger(discardLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	require.NoError(t, tr.Start(srv.Listener.Addr().String(), rpcmux.CallKindUnary, streamProcedure, 3, rpcmux.SecurityConfig{Insecure: true}))
	require.NoError(t, tr.Write(3, marshalString(t, "plain")))

	events := collect(t, tr.Events(), 3)
	var got []string
	for _, ev := range events {
		if data, ok := ev.(rpcmux.DataEvent); ok {
			raw, err := data.Payload.Bytes()
			require.NoError(t, err)
			var v wrapperspb.StringValue
			require.NoError(t, proto.Unmarshal(raw, &v))
			got = append(got, v.GetValue())
		}
	}
	assert.Equal(t, []string{"plain-a", "plain-b", "plain-c"}, got)
	assert.NoError(t, events[len(events)-1].(rpcmux.CompletionEvent).Err)
}

func TestCleartextOption(t *testing.T) {
	srv := httptest.NewServer(h2c.NewHandler(newMux(echoThree(nil)), &http2.Server{}))
	t.Cleanup(srv.Close)

	tr, err := New(context.Background(), WithCleartext(), WithLogger(discardLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	require.NoError(t, tr.Start(srv.Listener.Addr().String(), rpcmux.CallKindUnary, streamProcedure, 5, rpcmux.SecurityConfig{}))
	require.NoError(t, tr.Write(5, marshalString(t, "local")))

	events := collect(t, tr.Events(), 5)
	assert.NoError(t, events[len(events)-1].(rpcmux.CompletionEvent).Err)
	assert.Len(t, events, 5)
}

func TestCallSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	srv := newTLSServer(t, echoThree(nil))
	tr := newTestTransport(t, srv, WithTracerProvider(tp))

	require.NoError(t, tr.Start(srv.Listener.Addr().String(), rpcmux.CallKindUnary, streamProcedure, 7, rpcmux.SecurityConfig{}))
	require.NoError(t, tr.Write(7, marshalString(t, "traced")))
	collect(t, tr.Events(), 7)

	require.Eventually(t, func() bool { return len(rec.Ended()) == 1 }, 5*time.Second, 10*time.Millisecond)
	span := rec.Ended()[0]
	assert.Equal(t, streamProcedure, span.Name())
	assert.Contains(t, span.Attributes(), attribute.String("rpcmux.call_id", "7"))
	assert.Contains(t, span.Attributes(), attribute.String("rpc.system", string(ProtocolGRPC)))
	assert.Equal(t, codes.Ok, span.Status().Code)
}

func TestRemoteErrorNormalization(t *testing.T) {
	assert.Nil(t, remoteError(nil))
	assert.Equal(t, connect.CodeCanceled, connect.CodeOf(remoteError(context.Canceled)))
	assert.Equal(t, connect.CodeDeadlineExceeded, connect.CodeOf(remoteError(context.DeadlineExceeded)))
	assert.Equal(t, connect.CodeUnknown, connect.CodeOf(remoteError(errors.New("x"))))

	ce := connect.NewError(connect.CodeAborted, errors.New("y"))
	assert.Same(t, ce, remoteError(ce))
}
