package bridgewire

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"connectrpc.com/connect"

	"github.com/ygrpc/rngrpc/rpcmux"
)

// Event names emitted by the host bridge.
const (
	EventResponse = "didReceiveResponse"
	EventHeaders  = "didReceiveHeaders"
	EventComplete = "didCompleteCall"
)

var (
	ErrUnknownEventName = errors.New("bridgewire: unknown event name")
	ErrMissingCallID    = errors.New("bridgewire: missing rpcId")
	ErrAmbiguousPayload = errors.New("bridgewire: both b64data and data present")
	ErrMalformedBody    = errors.New("bridgewire: malformed event body")
)

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type body struct {
	RPCID    *uint64           `json:"rpcId"`
	B64Data  *string           `json:"b64data,omitempty"`
	Data     []int             `json:"data,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Trailers map[string]string `json:"trailers,omitempty"`
	Error    *wireError        `json:"error,omitempty"`
}

// Decode parses one bridge event body.
func Decode(name string, raw []byte) (rpcmux.Event, error) {
	switch name {
	case EventResponse, EventHeaders, EventComplete:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventName, name)
	}

	var b body
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedBody, name, err)
	}
	if b.RPCID == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingCallID, name)
	}
	id := rpcmux.CallID(*b.RPCID)

	switch name {
	case EventResponse:
		payload, err := b.payload()
		if err != nil {
			return nil, err
		}
		return rpcmux.DataEvent{ID: id, Payload: payload}, nil
	case EventHeaders:
		return rpcmux.HeadersEvent{ID: id, Header: toHeader(b.Headers)}, nil
	default:
		ev := rpcmux.CompletionEvent{ID: id, Trailer: toHeader(b.Trailers)}
		if b.Error != nil {
			ev.Err = rpcmux.NewRemoteError(b.Error.Code, b.Error.Message)
		}
		return ev, nil
	}
}

func (b *body) payload() (rpcmux.Payload, error) {
	switch {
	case b.B64Data != nil && b.Data != nil:
		return rpcmux.Payload{}, fmt.Errorf("%w: rpcId %d", ErrAmbiguousPayload, *b.RPCID)
	case b.B64Data != nil:
		return rpcmux.EncodedPayload(*b.B64Data), nil
	default:
		data := make([]byte, len(b.Data))
		for i, n := range b.Data {
			if n < 0 || n > 255 {
				return rpcmux.Payload{}, fmt.Errorf("%w: data[%d] = %d is not a byte", ErrMalformedBody, i, n)
			}
			data[i] = byte(n)
		}
		return rpcmux.RawPayload(data), nil
	}
}

// Encode renders ev as a bridge event. Error codes use the gRPC status names
// (NOT_FOUND, UNAVAILABLE, ...). Raw payloads become b64data.
func Encode(ev rpcmux.Event) (string, []byte, error) {
	var (
		name string
		b    body
	)
	switch e := ev.(type) {
	case rpcmux.DataEvent:
		name = EventResponse
		s := e.Payload.Encoded()
		if !e.Payload.IsEncoded() {
			raw, _ := e.Payload.Bytes()
			s = base64.StdEncoding.EncodeToString(raw)
		}
		b.B64Data = &s
	case rpcmux.HeadersEvent:
		name = EventHeaders
		b.Headers = fromHeader(e.Header)
	case rpcmux.CompletionEvent:
		name = EventComplete
		b.Trailers = fromHeader(e.Trailer)
		if e.Err != nil {
			b.Error = &wireError{Code: statusName(connect.CodeOf(e.Err)), Message: errorMessage(e.Err)}
		}
	default:
		return "", nil, fmt.Errorf("%w: %T", rpcmux.ErrUnknownEvent, ev)
	}

	id := uint64(ev.CallID())
	b.RPCID = &id
	out, err := json.Marshal(&b)
	if err != nil {
		return "", nil, fmt.Errorf("bridgewire: encode %s: %w", name, err)
	}
	return name, out, nil
}

func statusName(code connect.Code) string {
	if code == connect.CodeCanceled {
		return "CANCELLED"
	}
	return strings.ToUpper(code.String())
}

func errorMessage(err error) string {
	var ce *connect.Error
	if errors.As(err, &ce) {
		return ce.Message()
	}
	return err.Error()
}

func toHeader(m map[string]string) http.Header {
	if len(m) == 0 {
		return nil
	}
	h := make(http.Header, len(m))
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

// fromHeader flattens h the way gRPC metadata maps are shown to the host:
// lower-case keys, repeated values joined by commas.
func fromHeader(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	m := make(map[string]string, len(h))
	for k, vs := range h {
		m[strings.ToLower(k)] = strings.Join(vs, ",")
	}
	return m
}
