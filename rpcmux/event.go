package rpcmux

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

// Event is one inbound transport event. The set of implementations is closed:
// DataEvent, HeadersEvent and CompletionEvent.
type Event interface {
	CallID() CallID
	isEvent()
}

// Payload is the body of a DataEvent. It holds exactly one of two forms: raw
// bytes, or base64 text produced by a text-only bridge. The zero Payload is an
// empty raw payload.
type Payload struct {
	raw     []byte
	encoded string
	isText  bool
}

// RawPayload wraps already-decoded response bytes.
func RawPayload(b []byte) Payload {
	return Payload{raw: b}
}

// EncodedPayload wraps base64 response text.
func EncodedPayload(s string) Payload {
	return Payload{encoded: s, isText: true}
}

// IsEncoded reports whether the payload is in its base64 text form.
func (p Payload) IsEncoded() bool { return p.isText }

// Encoded returns the base64 text, or "" for raw payloads.
func (p Payload) Encoded() string { return p.encoded }

// Bytes returns the payload bytes, decoding the text form. Line breaks and
// surrounding whitespace in the text form are ignored.
func (p Payload) Bytes() ([]byte, error) {
	if !p.isText {
		return p.raw, nil
	}
	clean := strings.TrimSpace(strings.NewReplacer("\n", "", "\r", "").Replace(p.encoded))
	b, err := base64.StdEncoding.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return b, nil
}

// DataEvent carries one response message for a call.
type DataEvent struct {
	ID      CallID
	Payload Payload
}

// HeadersEvent carries the response headers of a call.
type HeadersEvent struct {
	ID     CallID
	Header http.Header
}

// CompletionEvent ends a call. A nil Err means success.
type CompletionEvent struct {
	ID      CallID
	Err     error
	Trailer http.Header
}

func (e DataEvent) CallID() CallID       { return e.ID }
func (e HeadersEvent) CallID() CallID    { return e.ID }
func (e CompletionEvent) CallID() CallID { return e.ID }

func (DataEvent) isEvent()       {}
func (HeadersEvent) isEvent()    {}
func (CompletionEvent) isEvent() {}
