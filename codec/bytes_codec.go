package codec

import "fmt"

// BytesCodec passes pre-encoded payloads through unchanged.
type BytesCodec struct{}

func (BytesCodec) Encode(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	default:
		return nil, fmt.Errorf("codec bytes: cannot encode %T", v)
	}
}

func (BytesCodec) Decode(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("codec bytes: cannot decode into %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

func (BytesCodec) Name() string {
	return NameBytes
}
