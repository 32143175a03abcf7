package network

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName matches the content-subtype stock gRPC peers send ("application/grpc+proto").
const codecName = "proto"

// wireCodec serializes the hand-written Warp messages with protowire.
type wireCodec struct{}

var _ encoding.Codec = wireCodec{}

func (wireCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(Message)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, v)
	}
	return Marshal(m), nil
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(Message)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnknownMessage, v)
	}
	return Unmarshal(data, m)
}

func (wireCodec) Name() string {
	return codecName
}
