package middleware

import (
	"context"
	"time"

	"mini-grpc/metrics"
	"mini-grpc/status"
	"mini-grpc/stream"
)

// Metrics records server call counts, latency and message counts.
func Metrics(m *metrics.Metrics) Interceptor {
	return func(ctx context.Context, info *CallInfo, ss stream.ServerStream, next Handler) error {
		start := time.Now()
		m.CallStarted(metrics.SideServer, info.FullMethod)
		err := next(ctx, &countingStream{ServerStream: ss, m: m, method: info.FullMethod})
		m.CallHandled(metrics.SideServer, info.FullMethod, status.CodeOf(err), time.Since(start))
		return err
	}
}

type countingStream struct {
	stream.ServerStream
	m      *metrics.Metrics
	method string
}

func (s *countingStream) SendMsg(msg any) error {
	err := s.ServerStream.SendMsg(msg)
	if err == nil {
		s.m.MsgSent(metrics.SideServer, s.method)
	}
	return err
}

func (s *countingStream) RecvMsg(msg any) error {
	err := s.ServerStream.RecvMsg(msg)
	if err == nil {
		s.m.MsgReceived(metrics.SideServer, s.method)
	}
	return err
}

func (s *countingStream) Cancel() {
	if c, ok := s.ServerStream.(stream.Canceler); ok {
		c.Cancel()
	}
}
