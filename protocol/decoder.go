package protocol

import (
	"errors"

	"mini-grpc/status"
)

// ErrReleased is returned once a decoder's buffers were released.
var ErrReleased = errors.New("protocol: frame stream released")

// Decoder extracts frames from a sequence of byte chunks. It keeps only the
// residual bytes of an incomplete frame. A Decoder is not restartable: after
// the first error every call returns that error.
type Decoder struct {
	max uint32
	buf []byte
	err error

	// Header of the frame being assembled, valid when haveHeader.
	haveHeader bool
	compressed bool
	length     uint32
}

// NewDecoder returns a decoder rejecting payloads longer than max bytes.
func NewDecoder(max uint32) *Decoder {
	if max == 0 {
		max = DefaultMaxFrameSize
	}
	return &Decoder{max: max}
}

// Write appends a chunk of stream bytes.
func (d *Decoder) Write(p []byte) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Next returns the next complete frame, or nil when more bytes are needed.
// A header announcing a length over the limit fails immediately, before the
// payload is buffered.
func (d *Decoder) Next() (*Frame, error) {
	if d.err != nil {
		return nil, d.err
	}
	if !d.haveHeader {
		if len(d.buf) < HeaderSize {
			return nil, nil
		}
		compressed, length, err := parseHeader(d.buf[:HeaderSize], d.max)
		if err != nil {
			d.fail(err)
			return nil, err
		}
		d.haveHeader, d.compressed, d.length = true, compressed, length
		d.consume(HeaderSize)
	}
	if uint32(len(d.buf)) < d.length {
		return nil, nil
	}
	f := &Frame{Compressed: d.compressed, Payload: make([]byte, d.length)}
	copy(f.Payload, d.buf[:d.length])
	d.consume(int(d.length))
	d.haveHeader = false
	return f, nil
}

// Need returns how many more bytes complete the current frame, plus the
// header of the following one once the current header is known. Readers use
// it to avoid pulling payload bytes before a header was validated.
func (d *Decoder) Need() int {
	if !d.haveHeader {
		return HeaderSize - len(d.buf)
	}
	return int(d.length) - len(d.buf) + HeaderSize
}

// Buffered returns the number of residual bytes held.
func (d *Decoder) Buffered() int {
	n := len(d.buf)
	if d.haveHeader {
		n += HeaderSize
	}
	return n
}

// Finish reports whether the stream ended on a frame boundary.
func (d *Decoder) Finish() error {
	if d.err != nil {
		return d.err
	}
	if d.Buffered() > 0 {
		err := status.Errorf(status.Internal,
			"protocol: stream ended inside a frame (%d bytes buffered)", d.Buffered())
		d.fail(err)
		return err
	}
	return nil
}

// Release drops the residual buffer and kills the decoder.
func (d *Decoder) Release() {
	if d.err == nil {
		d.err = ErrReleased
	}
	d.buf = nil
	d.haveHeader = false
}

func (d *Decoder) fail(err error) {
	d.err = err
	d.buf = nil
	d.haveHeader = false
}

func (d *Decoder) consume(n int) {
	rest := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
}
