package grpc

import (
	"fmt"

	"github.com/maxpert/marmot-restore/encoding"
	grpcencoding "google.golang.org/grpc/encoding"
)

// codecName is the content subtype the coordination service speaks
const codecName = "msgpack"

// msgpackCodec carries the coordination messages, which are plain structs
type msgpackCodec struct{}

func init() {
	grpcencoding.RegisterCodec(msgpackCodec{})
}

func (msgpackCodec) Marshal(v interface{}) ([]byte, error) {
	data, err := encoding.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	return data, nil
}

func (msgpackCodec) Unmarshal(data []byte, v interface{}) error {
	if err := encoding.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %T: %w", v, err)
	}
	return nil
}

func (msgpackCodec) Name() string {
	return codecName
}
