// Package stream is the call shape engine. It composes the inbound and outbound
// frame sequences of one transport stream into the four RPC call shapes and
// enforces their cardinality:
//
//	Shape             requests  responses
//	Unary             1         1
//	ClientStreaming   0..N      1
//	ServerStreaming   1         0..N
//	BidiStreaming     0..N      0..N
//
// Either side may half-close its direction independently. A call completes
// once both directions are closed and the terminal status was delivered.
package stream

import "fmt"

// Shape is the cardinality contract of a method.
type Shape int

const (
	Unary Shape = iota
	ClientStreaming
	ServerStreaming
	BidiStreaming
)

// ClientStreams reports whether the client may send more than one message.
func (s Shape) ClientStreams() bool {
	return s == ClientStreaming || s == BidiStreaming
}

// ServerStreams reports whether the server may send more than one message.
func (s Shape) ServerStreams() bool {
	return s == ServerStreaming || s == BidiStreaming
}

func (s Shape) String() string {
	switch s {
	case Unary:
		return "unary"
	case ClientStreaming:
		return "client-streaming"
	case ServerStreaming:
		return "server-streaming"
	case BidiStreaming:
		return "bidi-streaming"
	default:
		return fmt.Sprintf("Shape(%d)", int(s))
	}
}

// ParseShape is the inverse of Shape.String.
func ParseShape(s string) (Shape, error) {
	for sh := Unary; sh <= BidiStreaming; sh++ {
		if sh.String() == s {
			return sh, nil
		}
	}
	return 0, fmt.Errorf("stream: unknown call shape %q", s)
}

// Desc describes a method as seen by the engine.
type Desc struct {
	// Name is the route, "/Service/Method".
	Name  string
	Shape Shape
}
