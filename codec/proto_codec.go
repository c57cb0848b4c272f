package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

// ProtoCodec serializes protocol buffer messages. It is the default codec.
type ProtoCodec struct{}

func (ProtoCodec) Encode(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("codec proto: %T is not a proto.Message", v)
	}
	return proto.Marshal(m)
}

func (ProtoCodec) Decode(data []byte, v any) error {
	m, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("codec proto: %T is not a proto.Message", v)
	}
	return proto.Unmarshal(data, m)
}

func (ProtoCodec) Name() string {
	return NameProto
}
