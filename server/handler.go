package server

import (
	"context"

	"mini-grpc/stream"
)

// Stream is the typed view of a streaming call for handlers.
type Stream[Req, Resp any] struct {
	stream.ServerStream
}

// Send sends one response message.
func (s *Stream[Req, Resp]) Send(m *Resp) error { return s.SendMsg(m) }

// Recv receives one request message; it returns io.EOF once the client
// half-closed.
func (s *Stream[Req, Resp]) Recv() (*Req, error) {
	m := new(Req)
	if err := s.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Unary adapts a request/response function.
func Unary[Req, Resp any](name string, fn func(context.Context, *Req) (*Resp, error)) MethodDesc {
	return MethodDesc{Name: name, Shape: stream.Unary, Handler: func(ctx context.Context, ss stream.ServerStream) error {
		req := new(Req)
		if err := ss.RecvMsg(req); err != nil {
			return err
		}
		resp, err := fn(ctx, req)
		if err != nil {
			return err
		}
		return ss.SendMsg(resp)
	}}
}

// ServerStreaming adapts a function that answers one request with a stream.
func ServerStreaming[Req, Resp any](name string, fn func(context.Context, *Req, *Stream[Req, Resp]) error) MethodDesc {
	return MethodDesc{Name: name, Shape: stream.ServerStreaming, Handler: func(ctx context.Context, ss stream.ServerStream) error {
		req := new(Req)
		if err := ss.RecvMsg(req); err != nil {
			return err
		}
		return fn(ctx, req, &Stream[Req, Resp]{ss})
	}}
}

// ClientStreaming adapts a function that consumes a stream and answers once.
func ClientStreaming[Req, Resp any](name string, fn func(context.Context, *Stream[Req, Resp]) (*Resp, error)) MethodDesc {
	return MethodDesc{Name: name, Shape: stream.ClientStreaming, Handler: func(ctx context.Context, ss stream.ServerStream) error {
		resp, err := fn(ctx, &Stream[Req, Resp]{ss})
		if err != nil {
			return err
		}
		return ss.SendMsg(resp)
	}}
}

// Bidi adapts a function that owns both directions.
func Bidi[Req, Resp any](name string, fn func(context.Context, *Stream[Req, Resp]) error) MethodDesc {
	return MethodDesc{Name: name, Shape: stream.BidiStreaming, Handler: func(ctx context.Context, ss stream.ServerStream) error {
		return fn(ctx, &Stream[Req, Resp]{ss})
	}}
}
