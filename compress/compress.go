// Package compress implements the per-message compression hook that sits
// between framing and the codec. The algorithm is negotiated through the
// grpc-encoding and grpc-accept-encoding headers.
package compress

import (
	"sort"
	"strings"
)

// Identity is the name of "no compression".
const Identity = "identity"

// Compressor compresses whole message payloads.
type Compressor interface {
	Name() string
	Compress(p []byte) ([]byte, error)
	// Decompress fails with ErrTooLarge when the output would exceed max bytes.
	Decompress(p []byte, max int) ([]byte, error)
}

var builtin = map[string]Compressor{
	"gzip":   Gzip{},
	"snappy": Snappy{},
}

// Get returns a built-in compressor by name, or nil.
func Get(name string) Compressor {
	return builtin[strings.ToLower(name)]
}

// Set is an immutable table of compressors, built once per Router or Channel.
type Set struct {
	byName map[string]Compressor
	names  []string
}

// NewSet returns the built-in compressors overlaid with extra.
func NewSet(extra ...Compressor) *Set {
	s := &Set{byName: make(map[string]Compressor, len(builtin)+len(extra))}
	for name, c := range builtin {
		s.byName[name] = c
	}
	for _, c := range extra {
		s.byName[strings.ToLower(c.Name())] = c
	}
	for name := range s.byName {
		s.names = append(s.names, name)
	}
	sort.Strings(s.names)
	return s
}

// Get returns the compressor for name. Identity and the empty name yield a
// nil Compressor with ok set.
func (s *Set) Get(name string) (Compressor, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == Identity {
		return nil, true
	}
	c, ok := s.byName[name]
	return c, ok
}

// AcceptEncoding renders the grpc-accept-encoding header value.
func (s *Set) AcceptEncoding() string {
	return strings.Join(s.names, ",")
}

// Negotiate picks preferred if the peer's accept list contains it.
func (s *Set) Negotiate(preferred string, peerAccept string) Compressor {
	c, ok := s.Get(preferred)
	if !ok || c == nil {
		return nil
	}
	for _, name := range strings.Split(peerAccept, ",") {
		if strings.EqualFold(strings.TrimSpace(name), c.Name()) {
			return c
		}
	}
	return nil
}
