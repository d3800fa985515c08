// ABOUTME: gRPC codec that carries JSON wire documents as opaque frames.
// ABOUTME: Registered under the "opsrelay" content-subtype at package init.

package protocol

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype for agent stream frames.
const CodecName = "opsrelay"

// Frame is one JSON document on the agent stream.
type Frame struct {
	Data []byte
}

// NewFrame encodes msg into a frame.
func NewFrame(msg Message) (*Frame, error) {
	data, err := Encode(msg)
	if err != nil {
		return nil, err
	}
	return &Frame{Data: data}, nil
}

type frameCodec struct{}

func (frameCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*Frame)
	if !ok {
		return nil, fmt.Errorf("opsrelay codec: cannot marshal %T", v)
	}
	return f.Data, nil
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*Frame)
	if !ok {
		return fmt.Errorf("opsrelay codec: cannot unmarshal into %T", v)
	}
	// The transport may reuse data after Unmarshal returns.
	f.Data = append(f.Data[:0], data...)
	return nil
}

func (frameCodec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(frameCodec{})
}
