package test

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"mini-grpc/client"
	"mini-grpc/middleware"
	"mini-grpc/server"
	"mini-grpc/status"
	"mini-grpc/stream"
)

// ---- services used by the tests ----

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(ctx context.Context, args *Args) (*Reply, error) {
	return &Reply{Result: args.A + args.B}, nil
}

func (a *Arith) Multiply(ctx context.Context, args *Args) (*Reply, error) {
	return &Reply{Result: args.A * args.B}, nil
}

type str = wrapperspb.StringValue

// echoService exchanges wrapperspb.StringValue messages in every call shape.
// cancelled, when set, receives a value once a streaming handler sees its
// context end.
func echoService(cancelled chan<- struct{}) *server.ServiceDesc {
	return &server.ServiceDesc{Name: "test.Echo", Methods: []server.MethodDesc{
		server.Unary("Say", func(ctx context.Context, m *str) (*str, error) {
			return m, nil
		}),
		server.ServerStreaming("Spell", func(ctx context.Context, m *str, s *server.Stream[str, str]) error {
			for _, r := range m.GetValue() {
				if err := s.Send(wrapperspb.String(string(r))); err != nil {
					return err
				}
			}
			return nil
		}),
		server.ServerStreaming("Forever", func(ctx context.Context, m *str, s *server.Stream[str, str]) error {
			for {
				if err := s.Send(m); err != nil {
					if cancelled != nil {
						<-ctx.Done()
						cancelled <- struct{}{}
					}
					return err
				}
				time.Sleep(time.Millisecond)
			}
		}),
		server.ClientStreaming("Join", func(ctx context.Context, s *server.Stream[str, str]) (*str, error) {
			var out string
			for {
				m, err := s.Recv()
				if err == io.EOF {
					return wrapperspb.String(out), nil
				}
				if err != nil {
					return nil, err
				}
				out += m.GetValue()
			}
		}),
		server.Bidi("Chat", func(ctx context.Context, s *server.Stream[str, str]) error {
			for {
				m, err := s.Recv()
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return err
				}
				if err := s.Send(wrapperspb.String("re: " + m.GetValue())); err != nil {
					return err
				}
			}
		}),
		server.Unary("Reject", func(ctx context.Context, m *str) (*str, error) {
			br := status.NewBadRequest().AddViolation("value", "must not be "+m.GetValue())
			return nil, status.NewInvalidArgument("invalid echo request", br).Err()
		}),
		// Registered as server streaming so a unary caller sees two responses.
		server.ServerStreaming("Twice", func(ctx context.Context, m *str, s *server.Stream[str, str]) error {
			if err := s.Send(m); err != nil {
				return err
			}
			return s.Send(m)
		}),
	}}
}

// counting counts the calls that reached the interceptor chain.
func counting(n *atomic.Int64) middleware.Interceptor {
	return func(ctx context.Context, info *middleware.CallInfo, ss stream.ServerStream, next middleware.Handler) error {
		n.Add(1)
		return next(ctx, ss)
	}
}

// startServer serves Arith and test.Echo on a loopback port.
func startServer(tb testing.TB, opts ...server.Option) (*server.Server, string) {
	tb.Helper()
	svr := server.NewServer(opts...)
	require.NoError(tb, svr.RegisterService(&Arith{}))
	require.NoError(tb, svr.Register(echoService(nil)))
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(tb, err)
	go svr.ServeListener(lis)
	tb.Cleanup(func() { svr.Shutdown(3 * time.Second) })
	return svr, lis.Addr().String()
}

func newChannel(tb testing.TB, target string, opts ...client.Option) *client.Channel {
	tb.Helper()
	ch, err := client.NewChannel(target, opts...)
	require.NoError(tb, err)
	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		ch.Shutdown(ctx)
	})
	return ch
}
