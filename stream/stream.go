package stream

import (
	"context"

	"mini-grpc/metadata"
	"mini-grpc/status"
)

// ClientStream is the caller's view of a call.
//
// SendMsg and RecvMsg may be used from two goroutines, one each; neither is
// safe for concurrent use with itself. RecvMsg(nil) consumes the next message
// without decoding it.
type ClientStream interface {
	Context() context.Context

	// Header blocks until the response headers arrive or the call fails.
	Header() (metadata.MD, error)
	// Trailer is valid once RecvMsg returned a non-nil error.
	Trailer() metadata.MD

	// SendMsg returns io.EOF when the stream already ended; the real outcome
	// is then reported by RecvMsg.
	SendMsg(m any) error
	// RecvMsg returns io.EOF after the last message of a successful call and
	// the status error otherwise.
	RecvMsg(m any) error
	// CloseSend half-closes the request direction.
	CloseSend() error

	// Done is closed once the terminal status is known.
	Done() <-chan struct{}
	// Status discards unread response messages, waits for Done and returns
	// the terminal status.
	Status() *status.Status
}

// ServerStream is the handler's view of a call.
type ServerStream interface {
	Context() context.Context

	// SetHeader merges md into the headers sent with the first message.
	SetHeader(md metadata.MD) error
	// SendHeader sends the headers now; it may be called at most once.
	SendHeader(md metadata.MD) error
	// SetTrailer merges md into the trailers sent with the status.
	SetTrailer(md metadata.MD)

	SendMsg(m any) error
	// RecvMsg returns io.EOF once the client half-closed.
	RecvMsg(m any) error
}

// Canceler is implemented by streams that can abort their call: the context
// ends and pending reads are released.
type Canceler interface {
	Cancel()
}

// WithContext returns ss with its context replaced by ctx. Cancel, when ss
// supports it, is forwarded.
func WithContext(ss ServerStream, ctx context.Context) ServerStream {
	if c, ok := ss.(Canceler); ok {
		return &cancelableCtxStream{ctxStream{ServerStream: ss, ctx: ctx}, c}
	}
	return &ctxStream{ServerStream: ss, ctx: ctx}
}

type ctxStream struct {
	ServerStream
	ctx context.Context
}

func (s *ctxStream) Context() context.Context { return s.ctx }

type cancelableCtxStream struct {
	ctxStream
	c Canceler
}

func (s *cancelableCtxStream) Cancel() { s.c.Cancel() }
