package connectbridge

import "fmt"

// rawMessage is an already-serialized protobuf message.
type rawMessage struct {
	data []byte
}

// rawCodec passes message bytes through untouched. It registers under the
// "proto" name so peers see ordinary protobuf content types.
type rawCodec struct{}

func (rawCodec) Name() string { return "proto" }

func (rawCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(*rawMessage)
	if !ok {
		return nil, fmt.Errorf("connectbridge: cannot marshal %T", v)
	}
	return m.data, nil
}

func (rawCodec) Unmarshal(b []byte, v any) error {
	m, ok := v.(*rawMessage)
	if !ok {
		return fmt.Errorf("connectbridge: cannot unmarshal into %T", v)
	}
	// connect may reuse b for the next message.
	m.data = append([]byte(nil), b...)
	return nil
}
