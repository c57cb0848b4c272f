package stream

import (
	"context"
	"errors"
	"io"
	"sync"

	"mini-grpc/status"
)

const (
	errNoResponse       = "stream: %s call completed without a response message"
	errExtraResponse    = "stream: %s call received more than one response message"
	errExtraRequest     = "stream: %s call received more than one request message"
	errNoRequest        = "stream: %s call received no request message"
	errSecondRequestOut = "stream: %s call allows exactly one request message"
	errSecondRespOut    = "stream: %s call allows exactly one response message"
	errNoResponseOut    = "stream: %s handler returned without sending a response message"
)

// EnforceClient applies the cardinality rules of shape to the caller's side of
// cs. cancel aborts the underlying stream; it is called when the peer
// violates the contract.
//
// For shapes with a single request, a successful SendMsg also half-closes the
// request direction.
func EnforceClient(shape Shape, cs ClientStream, cancel context.CancelFunc) ClientStream {
	if shape == BidiStreaming {
		return cs
	}
	return &clientCardinality{ClientStream: cs, shape: shape, cancel: cancel}
}

type clientCardinality struct {
	ClientStream
	shape  Shape
	cancel context.CancelFunc

	sent     bool // only touched by the sending goroutine
	recvDone bool // only touched by the receiving goroutine

	mu        sync.Mutex
	violation *status.Status
}

func (c *clientCardinality) SendMsg(m any) error {
	if !c.shape.ClientStreams() {
		if c.sent {
			return status.Errorf(status.Internal, errSecondRequestOut, c.shape)
		}
		if err := c.ClientStream.SendMsg(m); err != nil {
			return err
		}
		c.sent = true
		return c.ClientStream.CloseSend()
	}
	return c.ClientStream.SendMsg(m)
}

func (c *clientCardinality) CloseSend() error {
	if !c.shape.ClientStreams() && c.sent {
		return nil
	}
	return c.ClientStream.CloseSend()
}

func (c *clientCardinality) RecvMsg(m any) error {
	if c.shape.ServerStreams() {
		return c.ClientStream.RecvMsg(m)
	}
	if v := c.getViolation(); v != nil {
		return v.Err()
	}
	if c.recvDone {
		return io.EOF
	}
	err := c.ClientStream.RecvMsg(m)
	if errors.Is(err, io.EOF) {
		return c.fail(status.Newf(status.Internal, errNoResponse, c.shape))
	}
	if err != nil {
		return err
	}
	// Exactly one response: the next event must be the end of the stream.
	switch err := c.ClientStream.RecvMsg(nil); {
	case err == nil:
		return c.fail(status.Newf(status.Internal, errExtraResponse, c.shape))
	case errors.Is(err, io.EOF):
		c.recvDone = true
		return nil
	default:
		return err
	}
}

func (c *clientCardinality) fail(st *status.Status) error {
	c.mu.Lock()
	if c.violation == nil {
		c.violation = st
	}
	st = c.violation
	c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	return st.Err()
}

func (c *clientCardinality) getViolation() *status.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.violation
}

// Status reports the violation, if any, in place of the transport outcome.
func (c *clientCardinality) Status() *status.Status {
	st := c.ClientStream.Status()
	if v := c.getViolation(); v != nil {
		return v
	}
	return st
}

// ServerCardinality is a server stream with the cardinality rules of its
// method applied. Finish computes the status sent to the caller.
type ServerCardinality struct {
	ServerStream
	shape  Shape
	cancel context.CancelFunc

	sent     int
	recvDone bool

	mu        sync.Mutex
	violation *status.Status
}

// EnforceServer applies the cardinality rules of shape to the handler's side
// of ss. cancel is called when the caller violates the contract.
func EnforceServer(shape Shape, ss ServerStream, cancel context.CancelFunc) *ServerCardinality {
	return &ServerCardinality{ServerStream: ss, shape: shape, cancel: cancel}
}

func (s *ServerCardinality) SendMsg(m any) error {
	if !s.shape.ServerStreams() && s.sent > 0 {
		return status.Errorf(status.Internal, errSecondRespOut, s.shape)
	}
	if err := s.ServerStream.SendMsg(m); err != nil {
		return err
	}
	s.sent++
	return nil
}

func (s *ServerCardinality) RecvMsg(m any) error {
	if s.shape.ClientStreams() {
		return s.ServerStream.RecvMsg(m)
	}
	if v := s.getViolation(); v != nil {
		return v.Err()
	}
	if s.recvDone {
		return io.EOF
	}
	err := s.ServerStream.RecvMsg(m)
	if errors.Is(err, io.EOF) {
		return s.fail(status.Newf(status.Internal, errNoRequest, s.shape))
	}
	if err != nil {
		return err
	}
	switch err := s.ServerStream.RecvMsg(nil); {
	case err == nil:
		return s.fail(status.Newf(status.Internal, errExtraRequest, s.shape))
	case errors.Is(err, io.EOF):
		s.recvDone = true
		return nil
	default:
		return err
	}
}

// Cancel aborts the call.
func (s *ServerCardinality) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Sent returns the number of messages the handler has sent.
func (s *ServerCardinality) Sent() int { return s.sent }

// Finish maps the handler's return value to the terminal status. A recorded
// violation wins over err; a successful single-response handler that sent
// nothing is reported as Internal.
func (s *ServerCardinality) Finish(err error) *status.Status {
	if v := s.getViolation(); v != nil {
		return v
	}
	st := status.Convert(err)
	if st.Code() == status.OK && !s.shape.ServerStreams() && s.sent == 0 {
		return status.Newf(status.Internal, errNoResponseOut, s.shape)
	}
	return st
}

func (s *ServerCardinality) fail(st *status.Status) error {
	s.mu.Lock()
	if s.violation == nil {
		s.violation = st
	}
	st = s.violation
	s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	return st.Err()
}

func (s *ServerCardinality) getViolation() *status.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.violation
}
