// Package codec turns application messages into payload bytes and back.
//
// A codec is selected per call by the content-subtype of the request
// ("application/grpc+json" selects "json"); a bare "application/grpc" means
// "proto". Codecs must be safe for concurrent use and side-effect free.
package codec

import "strings"

// Codec encodes and decodes one message.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Name() string // content-subtype, e.g. "proto"
}

const (
	NameProto = "proto"
	NameJSON  = "json"
	NameBytes = "bytes"
)

// Default is used when the content-type names no subtype.
var Default Codec = ProtoCodec{}

var builtin = map[string]Codec{
	NameProto: ProtoCodec{},
	NameJSON:  JSONCodec{},
	NameBytes: BytesCodec{},
}

// GetCodec returns a built-in codec by name, or nil.
func GetCodec(name string) Codec {
	return builtin[strings.ToLower(name)]
}

// Set is an immutable lookup table of codecs, built once at construction of a
// Router or Channel.
type Set struct {
	byName map[string]Codec
}

// NewSet returns the built-in codecs overlaid with extra.
func NewSet(extra ...Codec) *Set {
	s := &Set{byName: make(map[string]Codec, len(builtin)+len(extra))}
	for name, c := range builtin {
		s.byName[name] = c
	}
	for _, c := range extra {
		s.byName[strings.ToLower(c.Name())] = c
	}
	return s
}

// Get returns the codec registered under name; the empty name is the default.
func (s *Set) Get(name string) (Codec, bool) {
	if name == "" {
		return s.byName[NameProto], true
	}
	c, ok := s.byName[strings.ToLower(name)]
	return c, ok
}
