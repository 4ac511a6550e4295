package rpcmux

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"
)

type startRecord struct {
	address string
	kind    CallKind
	path    string
	id      CallID
	sec     SecurityConfig
	// registered is whether the id was already in the registry when the
	// transport was asked to start it.
	registered bool
}

type writeRecord struct {
	id      CallID
	payload []byte
}

type fakeTransport struct {
	mu       sync.Mutex
	registry *Registry
	startErr error
	writeErr error
	starts   []startRecord
	writes   []writeRecord
}

func (f *fakeTransport) Start(address string, kind CallKind, path string, id CallID, sec SecurityConfig) error {
	registered := false
	if f.registry != nil {
		_, err := f.registry.Lookup(id)
		registered = err == nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, startRecord{address, kind, path, id, sec, registered})
	return f.startErr
}

func (f *fakeTransport) Write(id CallID, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, writeRecord{id, payload})
	return f.writeErr
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

// newTestClient returns a client whose transport checks registration order.
func newTestClient(t *testing.T) (*Client, *fakeTransport, *syncBuffer) {
	t.Helper()
	logger, buf := newTestLogger()
	reg := NewRegistry()
	tr := &fakeTransport{registry: reg}
	c, err := NewClient(tr, WithRegistry(reg), WithLogger(logger))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c, tr, buf
}

// echoDecoder returns the payload as a string.
var echoDecoder = DecoderFunc(func(b []byte) (any, error) { return string(b), nil })
