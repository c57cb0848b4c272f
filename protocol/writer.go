package protocol

import (
	"io"
	"sync"

	"mini-grpc/status"
)

// Writer wraps outbound messages into frames. Frames are written in the order
// WriteFrame is called; a frame is never split across concurrent writers.
//
// Backpressure comes from dst: on an HTTP/2 body the write blocks while the
// stream's flow-control window is exhausted and resumes when credit returns.
type Writer struct {
	mu    sync.Mutex
	dst   io.Writer
	flush func()
	max   uint32
}

// NewWriter writes frames of at most max payload bytes to dst. flush, if not
// nil, is called after every frame so it leaves the process promptly.
func NewWriter(dst io.Writer, flush func(), max uint32) *Writer {
	if max == 0 {
		max = DefaultMaxFrameSize
	}
	return &Writer{dst: dst, flush: flush, max: max}
}

// WriteFrame writes one frame. A payload over the limit is rejected with a
// ResourceExhausted status error before anything is written.
func (w *Writer) WriteFrame(f *Frame) error {
	if f.Length() > w.max {
		return status.Errorf(status.ResourceExhausted,
			"protocol: trying to send message larger than max (%d vs. %d)", f.Length(), w.max)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	size := HeaderSize + len(f.Payload)
	if size <= DefaultWriteBufferSize {
		bp := getWriteBuffer(size)
		defer putWriteBuffer(bp)
		buf := *bp
		PutHeader(buf, f.Compressed, f.Length())
		copy(buf[HeaderSize:], f.Payload)
		if _, err := w.dst.Write(buf); err != nil {
			return err
		}
	} else {
		var hdr [HeaderSize]byte
		PutHeader(hdr[:], f.Compressed, f.Length())
		if _, err := w.dst.Write(hdr[:]); err != nil {
			return err
		}
		if _, err := w.dst.Write(f.Payload); err != nil {
			return err
		}
	}
	if w.flush != nil {
		w.flush()
	}
	return nil
}
