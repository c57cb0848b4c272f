package protocol

import (
	"errors"
	"io"
	"sync"
)

// Reader turns an ordered byte stream into a lazy sequence of frames. It is not
// restartable: once it returned an error, including io.EOF, it keeps
// returning that error.
//
// ReadFrame must not be called concurrently with itself. Release may be called
// from any goroutine, typically the one observing cancellation.
type Reader struct {
	src io.Reader

	mu  sync.Mutex
	dec *Decoder
	eof bool
	err error
}

// NewReader reads frames of at most max payload bytes from src.
func NewReader(src io.Reader, max uint32) *Reader {
	return &Reader{src: src, dec: NewDecoder(max)}
}

// ReadFrame returns the next frame. A clean end of stream on a frame boundary
// yields io.EOF; an end inside a frame yields an Internal status error; a
// header over the limit yields a ResourceExhausted status error without
// reading its payload.
func (r *Reader) ReadFrame() (*Frame, error) {
	for {
		r.mu.Lock()
		if r.err != nil {
			err := r.err
			r.mu.Unlock()
			return nil, err
		}
		f, err := r.dec.Next()
		if err != nil {
			r.setErrLocked(err)
			r.mu.Unlock()
			return nil, err
		}
		if f != nil {
			r.mu.Unlock()
			return f, nil
		}
		if r.eof {
			err := r.dec.Finish()
			if err == nil {
				err = io.EOF
			}
			r.setErrLocked(err)
			r.mu.Unlock()
			return nil, err
		}
		need := r.dec.Need()
		r.mu.Unlock()

		// Suspension point: waiting for inbound bytes.
		bp := getReadBuffer(min(need, DefaultReadBufferSize))
		n, rerr := r.src.Read(*bp)

		r.mu.Lock()
		if r.err == nil && n > 0 {
			r.dec.Write((*bp)[:n])
		}
		putReadBuffer(bp)
		if rerr != nil && r.err == nil {
			if errors.Is(rerr, io.EOF) {
				r.eof = true
			} else {
				r.setErrLocked(rerr)
			}
		}
		r.mu.Unlock()
	}
}

// Buffered returns the residual bytes held for an incomplete frame.
func (r *Reader) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dec.Buffered()
}

// Release discards any partially decoded frame and fails later reads with
// ErrReleased, unless the reader already failed.
func (r *Reader) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setErrLocked(ErrReleased)
}

// Err returns the terminal error, or nil while the stream is live.
func (r *Reader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Reader) setErrLocked(err error) {
	if r.err == nil {
		r.err = err
	}
	r.dec.Release()
}
