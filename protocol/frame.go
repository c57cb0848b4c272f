// Package protocol implements the length-prefixed message framing carried in
// the body of every call.
//
// Each message is preceded by a fixed 5-byte header. The receiver reads the
// header first to learn the payload length, validates it against the limit,
// then reads exactly that many bytes.
//
// Frame format:
//
//	0    1                  5
//	┌────┬──────────────────┬─────────────────┐
//	│flag│      length      │  payload ...    │
//	│0/1 │ uint32 big-endian│  length bytes   │
//	└────┴──────────────────┴─────────────────┘
//
// flag is 1 when the payload is compressed with the call's grpc-encoding.
package protocol

import (
	"encoding/binary"

	"mini-grpc/status"
)

const (
	HeaderSize = 5 // 1 (flag) + 4 (length)

	// DefaultMaxFrameSize bounds a payload in both directions unless configured.
	DefaultMaxFrameSize = 4 << 20

	flagCompressed byte = 0x01
)

// Frame is one message on the wire. len(Payload) is the announced length,
// measured after compression.
type Frame struct {
	Compressed bool
	Payload    []byte
}

// Length returns the payload length written into the header.
func (f *Frame) Length() uint32 {
	return uint32(len(f.Payload))
}

// PutHeader writes the 5-byte header of a frame into buf.
func PutHeader(buf []byte, compressed bool, length uint32) {
	buf[0] = 0
	if compressed {
		buf[0] = flagCompressed
	}
	binary.BigEndian.PutUint32(buf[1:HeaderSize], length)
}

// AppendFrame appends the encoded frame to dst.
func AppendFrame(dst []byte, f *Frame) []byte {
	var hdr [HeaderSize]byte
	PutHeader(hdr[:], f.Compressed, f.Length())
	dst = append(dst, hdr[:]...)
	return append(dst, f.Payload...)
}

// parseHeader validates a header against max.
func parseHeader(hdr []byte, max uint32) (compressed bool, length uint32, err error) {
	switch hdr[0] {
	case 0:
	case flagCompressed:
		compressed = true
	default:
		return false, 0, status.Errorf(status.Internal, "protocol: invalid frame flag %#x", hdr[0])
	}
	length = binary.BigEndian.Uint32(hdr[1:HeaderSize])
	if length > max {
		return false, 0, status.Errorf(status.ResourceExhausted,
			"protocol: received message larger than max (%d vs. %d)", length, max)
	}
	return compressed, length, nil
}
