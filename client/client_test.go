package client

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-grpc/codec"
	"mini-grpc/loadbalance"
	"mini-grpc/metadata"
	"mini-grpc/registry"
	"mini-grpc/server"
	"mini-grpc/status"
	"mini-grpc/stream"
)

type Msg struct {
	Text string
}

// gate blocks /test.Echo/Block calls until released.
type gate struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (g *gate) open() { g.once.Do(func() { close(g.release) }) }

func echoService(g *gate) *server.ServiceDesc {
	return &server.ServiceDesc{Name: "test.Echo", Methods: []server.MethodDesc{
		server.Unary("Say", func(ctx context.Context, m *Msg) (*Msg, error) {
			return m, nil
		}),
		server.ServerStreaming("Spell", func(ctx context.Context, m *Msg, s *server.Stream[Msg, Msg]) error {
			for _, r := range m.Text {
				if err := s.Send(&Msg{Text: string(r)}); err != nil {
					return err
				}
			}
			return nil
		}),
		server.Unary("Block", func(ctx context.Context, m *Msg) (*Msg, error) {
			g.started <- struct{}{}
			select {
			case <-g.release:
				return m, nil
			case <-ctx.Done():
				return nil, status.FromContextError(ctx.Err()).Err()
			}
		}),
		{Name: "Meta", Shape: stream.Unary, Handler: func(ctx context.Context, ss stream.ServerStream) error {
			var m Msg
			if err := ss.RecvMsg(&m); err != nil {
				return err
			}
			md, _ := metadata.FromIncomingContext(ctx)
			v, _ := md.First("x-token")
			if err := ss.SetHeader(metadata.Pairs("x-echo", v)); err != nil {
				return err
			}
			ss.SetTrailer(metadata.Pairs("x-done", "yes"))
			return ss.SendMsg(&m)
		}},
	}}
}

func startServer(t *testing.T, g *gate, opts ...server.Option) string {
	t.Helper()
	if g == nil {
		g = newGate()
	}
	s := server.NewServer(opts...)
	require.NoError(t, s.Register(echoService(g)))
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.ServeListener(lis)
	t.Cleanup(func() {
		g.open()
		s.Shutdown(time.Second)
	})
	return lis.Addr().String()
}

func newChannel(t *testing.T, target string, opts ...Option) *Channel {
	t.Helper()
	opts = append([]Option{WithCodec(codec.JSONCodec{})}, opts...)
	ch, err := NewChannel(target, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ch.Shutdown(ctx)
	})
	return ch
}

func TestInvoke(t *testing.T) {
	ch := newChannel(t, startServer(t, nil))

	var resp Msg
	require.NoError(t, ch.Invoke(context.Background(), "/test.Echo/Say", &Msg{Text: "hello"}, &resp))
	assert.Equal(t, "hello", resp.Text)

	err := ch.Invoke(context.Background(), "/test.Echo/Nope", &Msg{}, &resp)
	assert.Equal(t, status.Unimplemented, status.CodeOf(err))
}

func TestInvokeMetadata(t *testing.T) {
	ch := newChannel(t, startServer(t, nil))

	ctx := metadata.AppendToOutgoingContext(context.Background(), "x-token", "abc")
	var header, trailer metadata.MD
	var resp Msg
	require.NoError(t, ch.Invoke(ctx, "/test.Echo/Meta", &Msg{Text: "m"}, &resp, Header(&header), Trailer(&trailer)))
	v, _ := header.First("x-echo")
	assert.Equal(t, "abc", v)
	v, _ = trailer.First("x-done")
	assert.Equal(t, "yes", v)
}

func TestInvokeCompression(t *testing.T) {
	ch := newChannel(t, startServer(t, nil, server.WithSendCompression("snappy")), WithCompression("gzip"))
	var resp Msg
	text := strings.Repeat("compress me ", 100)
	require.NoError(t, ch.Invoke(context.Background(), "/test.Echo/Say", &Msg{Text: text}, &resp))
	assert.Equal(t, text, resp.Text)

	err := ch.Invoke(context.Background(), "/test.Echo/Say", &Msg{}, &resp, CallCompression("zstd"))
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
}

func TestServerStream(t *testing.T) {
	ch := newChannel(t, startServer(t, nil))

	cs, err := ch.NewStream(context.Background(), stream.Desc{Name: "/test.Echo/Spell", Shape: stream.ServerStreaming})
	require.NoError(t, err)
	require.NoError(t, cs.SendMsg(&Msg{Text: "ABC"}))

	var got []string
	for {
		var m Msg
		err := cs.RecvMsg(&m)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, m.Text)
	}
	assert.Equal(t, []string{"A", "B", "C"}, got)
	assert.Nil(t, cs.Status())
}

func TestRoundRobin(t *testing.T) {
	addrs := []string{startServer(t, nil), startServer(t, nil), startServer(t, nil)}
	ch := newChannel(t, strings.Join(addrs, ","))
	require.NoError(t, ch.Connect(context.Background()))

	const calls = 30
	for i := 0; i < calls; i++ {
		var resp Msg
		require.NoError(t, ch.Invoke(context.Background(), "/test.Echo/Say", &Msg{Text: "x"}, &resp))
	}

	stats := ch.ConnStats()
	require.Len(t, stats, 3)
	for i, st := range stats {
		assert.Equal(t, addrs[i], st.Addr, "registration order")
		assert.EqualValues(t, calls/3, st.Total)
	}
}

func TestPickFirst(t *testing.T) {
	addrs := []string{startServer(t, nil), startServer(t, nil)}
	ch := newChannel(t, strings.Join(addrs, ","), WithBalancer(loadbalance.PickFirst{}))
	require.NoError(t, ch.Connect(context.Background()))

	for i := 0; i < 5; i++ {
		var resp Msg
		require.NoError(t, ch.Invoke(context.Background(), "/test.Echo/Say", &Msg{}, &resp))
	}
	stats := ch.ConnStats()
	require.Len(t, stats, 2)
	assert.EqualValues(t, 5, stats[0].Total)
	assert.EqualValues(t, 0, stats[1].Total)
}

func TestPoolSize(t *testing.T) {
	ch := newChannel(t, startServer(t, nil), WithPoolSize(3), WithEagerConnect())
	require.NoError(t, ch.Connect(context.Background()))
	assert.Len(t, ch.ConnStats(), 3)
}

func TestFailFast(t *testing.T) {
	g := newGate()
	ch := newChannel(t, startServer(t, g), WithMaxConcurrentCalls(1), WithFailFast())

	done := make(chan error, 1)
	go func() {
		var resp Msg
		done <- ch.Invoke(context.Background(), "/test.Echo/Block", &Msg{}, &resp)
	}()
	<-g.started

	var resp Msg
	err := ch.Invoke(context.Background(), "/test.Echo/Say", &Msg{}, &resp)
	assert.Equal(t, status.ResourceExhausted, status.CodeOf(err))

	g.open()
	require.NoError(t, <-done)
	require.NoError(t, ch.Invoke(context.Background(), "/test.Echo/Say", &Msg{}, &resp))
}

func TestQueueing(t *testing.T) {
	g := newGate()
	ch := newChannel(t, startServer(t, g), WithMaxConcurrentCalls(1))

	first := make(chan error, 1)
	go func() {
		var resp Msg
		first <- ch.Invoke(context.Background(), "/test.Echo/Block", &Msg{}, &resp)
	}()
	<-g.started

	second := make(chan error, 1)
	go func() {
		var resp Msg
		second <- ch.Invoke(context.Background(), "/test.Echo/Say", &Msg{}, &resp)
	}()
	select {
	case err := <-second:
		t.Fatalf("queued call finished early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	g.open()
	require.NoError(t, <-first)
	require.NoError(t, <-second)

	// A queued call gives up with its context.
	g2 := newGate()
	ch2 := newChannel(t, startServer(t, g2), WithMaxConcurrentCalls(1))
	// Cleanups run last-in first-out: the blocked call ends before ch2 drains.
	t.Cleanup(g2.open)
	go func() {
		var resp Msg
		ch2.Invoke(context.Background(), "/test.Echo/Block", &Msg{}, &resp)
	}()
	<-g2.started
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	var resp Msg
	err := ch2.Invoke(ctx, "/test.Echo/Say", &Msg{}, &resp)
	assert.Equal(t, status.DeadlineExceeded, status.CodeOf(err))
}

func TestDeadline(t *testing.T) {
	ch := newChannel(t, startServer(t, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var resp Msg
	err := ch.Invoke(ctx, "/test.Echo/Block", &Msg{}, &resp)
	assert.Equal(t, status.DeadlineExceeded, status.CodeOf(err))
}

func deadAddr(t *testing.T) string {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	lis.Close()
	return addr
}

func TestDialFailure(t *testing.T) {
	ch := newChannel(t, deadAddr(t),
		WithDialBackoff(Backoff{Base: time.Millisecond, Max: 10 * time.Millisecond, Attempts: 2}))

	var resp Msg
	err := ch.Invoke(context.Background(), "/test.Echo/Say", &Msg{}, &resp)
	assert.Equal(t, status.Unavailable, status.CodeOf(err))
	assert.Error(t, ch.Connect(context.Background()))
}

func TestDeadEndpointSkipped(t *testing.T) {
	live := startServer(t, nil)
	ch := newChannel(t, deadAddr(t)+","+live,
		WithDialBackoff(Backoff{Base: time.Millisecond, Max: 10 * time.Millisecond, Attempts: 1}))
	require.NoError(t, ch.Connect(context.Background()))

	for i := 0; i < 4; i++ {
		var resp Msg
		require.NoError(t, ch.Invoke(context.Background(), "/test.Echo/Say", &Msg{}, &resp))
	}
	stats := ch.ConnStats()
	require.Len(t, stats, 1)
	assert.Equal(t, live, stats[0].Addr)
}

func TestShutdown(t *testing.T) {
	g := newGate()
	ch, err := NewChannel(startServer(t, g), WithCodec(codec.JSONCodec{}))
	require.NoError(t, err)

	inflight := make(chan error, 1)
	go func() {
		var resp Msg
		inflight <- ch.Invoke(context.Background(), "/test.Echo/Block", &Msg{Text: "drain"}, &resp)
	}()
	<-g.started

	stopped := make(chan error, 1)
	go func() { stopped <- ch.Shutdown(context.Background()) }()

	require.Eventually(t, func() bool {
		var resp Msg
		err := ch.Invoke(context.Background(), "/test.Echo/Say", &Msg{}, &resp)
		return status.CodeOf(err) == status.Unavailable
	}, time.Second, 5*time.Millisecond)

	g.open()
	require.NoError(t, <-inflight)
	require.NoError(t, <-stopped)
	assert.Empty(t, ch.ConnStats())
	assert.NoError(t, ch.Shutdown(context.Background()), "second shutdown is a no-op")
}

func TestShutdownTimeout(t *testing.T) {
	g := newGate()
	ch, err := NewChannel(startServer(t, g), WithCodec(codec.JSONCodec{}))
	require.NoError(t, err)
	go func() {
		var resp Msg
		ch.Invoke(context.Background(), "/test.Echo/Block", &Msg{}, &resp)
	}()
	<-g.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, ch.Shutdown(ctx))
}

func TestRegistryResolution(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	first := startServer(t, nil)
	require.NoError(t, reg.Register(context.Background(), "test.Echo", registry.ServiceInstance{Addr: first, Weight: 1}, 10))

	ch := newChannel(t, "echo", WithRegistry(reg, "test.Echo"))
	var resp Msg
	require.NoError(t, ch.Invoke(context.Background(), "/test.Echo/Say", &Msg{Text: "a"}, &resp))

	second := startServer(t, nil)
	require.NoError(t, reg.Register(context.Background(), "test.Echo", registry.ServiceInstance{Addr: second, Weight: 1}, 10))
	require.Eventually(t, func() bool {
		ch.Invoke(context.Background(), "/test.Echo/Say", &Msg{}, &resp)
		return len(ch.ConnStats()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, reg.Deregister(context.Background(), "test.Echo", first))
	require.Eventually(t, func() bool {
		stats := ch.ConnStats()
		return len(stats) == 1 && stats[0].Addr == second
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNewChannelErrors(t *testing.T) {
	_, err := NewChannel(" , ")
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))

	_, err = NewChannel("127.0.0.1:1", WithCompression("brotli"))
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
}

func TestRetryPolicy(t *testing.T) {
	ch := newChannel(t, "127.0.0.1:1", WithRetryPolicy(3, Backoff{Base: time.Millisecond, Max: time.Millisecond}))
	unavailable := status.Error(status.Unavailable, "gone")

	tests := []struct {
		name      string
		retryable bool
		err       error
		sent      bool
		attempts  int
	}{
		{"retryable unavailable", true, unavailable, false, 3},
		{"not marked retryable", false, unavailable, false, 1},
		{"bytes already sent", true, unavailable, true, 1},
		{"other code", true, status.Error(status.Internal, "bad"), false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := 0
			err := ch.retry(context.Background(), "/m", &callOptions{retryable: tt.retryable}, func() (*conn, bool, error) {
				n++
				return nil, tt.sent, tt.err
			})
			assert.Error(t, err)
			assert.Equal(t, tt.attempts, n)
		})
	}

	n := 0
	err := ch.retry(context.Background(), "/m", &callOptions{retryable: true}, func() (*conn, bool, error) {
		n++
		if n < 2 {
			return nil, false, unavailable
		}
		return nil, false, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRetryableMethods(t *testing.T) {
	ch := newChannel(t, "127.0.0.1:1", WithRetryableMethods("/test.Echo/Say"))
	co, _, err := ch.callOptions("/test.Echo/Say", nil)
	require.NoError(t, err)
	assert.True(t, co.retryable)

	co, _, err = ch.callOptions("/test.Echo/Block", nil)
	require.NoError(t, err)
	assert.False(t, co.retryable)

	co, _, err = ch.callOptions("/test.Echo/Block", []CallOption{WithRetry()})
	require.NoError(t, err)
	assert.True(t, co.retryable)
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}
	for n, want := range []time.Duration{100, 200, 400, 800, 1000, 1000} {
		want *= time.Millisecond
		d := b.Delay(n)
		assert.GreaterOrEqual(t, d, want*8/10, n)
		assert.LessOrEqual(t, d, want*12/10, n)
	}
	assert.Zero(t, Backoff{}.Delay(3))
}
