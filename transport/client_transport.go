// Package transport carries calls over HTTP/2.
//
// ClientTransport is one Connection: a single HTTP/2 session to one endpoint
// that multiplexes many concurrent calls, each on its own stream.
//
//	goroutine-1 ──NewStream──┐
//	goroutine-2 ──NewStream──┼──→ one HTTP/2 session ──→ Server
//	goroutine-3 ──NewStream──┘
//
// The HTTP/2 layer owns per-stream ordering and flow control. A call writes
// its request frames into a pipe that the session drains as window credit
// allows, so a slow peer suspends the writer rather than buffering.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"mini-grpc/status"
)

// Dialer opens the raw byte stream to addr.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// ConnectOptions configure one Connection.
type ConnectOptions struct {
	// Dialer defaults to a TCP dial.
	Dialer Dialer
	// TLSConfig enables TLS with ALPN "h2". Nil means cleartext HTTP/2
	// with prior knowledge.
	TLSConfig *tls.Config
	// KeepaliveInterval is the health ping period; zero disables pings.
	KeepaliveInterval time.Duration
	// KeepaliveTimeout bounds one ping; it defaults to 20s.
	KeepaliveTimeout time.Duration
	UserAgent        string
	Logger           *zap.Logger
}

// State is the lifecycle of a Connection.
type State int

const (
	Ready State = iota
	// Draining connections finish their calls but take no new ones.
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Ready:
		return "READY"
	case Draining:
		return "DRAINING"
	default:
		return "CLOSED"
	}
}

// ClientTransport manages a single multiplexed HTTP/2 session.
type ClientTransport struct {
	addr   string
	scheme string
	conn   net.Conn
	cc     *http2.ClientConn
	opts   ConnectOptions
	logger *zap.Logger

	active atomic.Int64 // streams in flight
	calls  atomic.Int64 // streams ever opened

	closeOnce sync.Once
	done      chan struct{}
	mu        sync.Mutex
	closeErr  error
}

// Dial establishes a Connection to addr. Any failure, including a TLS
// handshake failure, is reported as Unavailable.
func Dial(ctx context.Context, addr string, opts ConnectOptions) (*ClientTransport, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.KeepaliveTimeout <= 0 {
		opts.KeepaliveTimeout = 20 * time.Second
	}
	dial := opts.Dialer
	if dial == nil {
		dial = func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		}
	}

	conn, err := dial(ctx, addr)
	if err != nil {
		return nil, status.Errorf(status.Unavailable, "transport: dial %s: %v", addr, err)
	}
	scheme := "http"
	if opts.TLSConfig != nil {
		cfg := opts.TLSConfig.Clone()
		cfg.NextProtos = []string{http2.NextProtoTLS}
		if cfg.ServerName == "" {
			if host, _, err := net.SplitHostPort(addr); err == nil {
				cfg.ServerName = host
			}
		}
		tc := tls.Client(conn, cfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, status.Errorf(status.Unavailable, "transport: tls handshake with %s: %v", addr, err)
		}
		conn, scheme = tc, "https"
	}

	t2 := &http2.Transport{
		AllowHTTP:                  true,
		DisableCompression:         true,
		StrictMaxConcurrentStreams: true,
	}
	cc, err := t2.NewClientConn(conn)
	if err != nil {
		conn.Close()
		return nil, status.Errorf(status.Unavailable, "transport: http2 handshake with %s: %v", addr, err)
	}

	t := &ClientTransport{
		addr:   addr,
		scheme: scheme,
		conn:   conn,
		cc:     cc,
		opts:   opts,
		logger: opts.Logger.With(zap.String("addr", addr)),
		done:   make(chan struct{}),
	}
	if opts.KeepaliveInterval > 0 {
		go t.keepalive(opts.KeepaliveInterval, opts.KeepaliveTimeout)
	}
	t.logger.Debug("connection established")
	return t, nil
}

// Addr returns the endpoint address.
func (t *ClientTransport) Addr() string { return t.addr }

// State reports the lifecycle state, observing GOAWAY from the peer.
func (t *ClientTransport) State() State {
	select {
	case <-t.done:
		return Closed
	default:
	}
	st := t.cc.State()
	switch {
	case st.Closed:
		return Closed
	case st.Closing:
		return Draining
	default:
		return Ready
	}
}

// Ready reports whether new calls may be started on the Connection.
func (t *ClientTransport) Ready() bool { return t.State() == Ready }

// MaxConcurrentStreams is the stream limit the peer advertised.
func (t *ClientTransport) MaxConcurrentStreams() uint32 {
	return t.cc.State().MaxConcurrentStreams
}

// ActiveStreams returns the number of calls in flight.
func (t *ClientTransport) ActiveStreams() int64 { return t.active.Load() }

// TotalStreams returns the number of calls ever started.
func (t *ClientTransport) TotalStreams() int64 { return t.calls.Load() }

// Done is closed once the Connection is closed locally or failed its health
// check.
func (t *ClientTransport) Done() <-chan struct{} { return t.done }

// Err returns why the Connection was closed.
func (t *ClientTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeErr
}

// Ping sends an HTTP/2 PING and waits for the ack.
func (t *ClientTransport) Ping(ctx context.Context) error {
	return t.cc.Ping(ctx)
}

// keepalive replaces the fixed heartbeat of a bare TCP protocol: HTTP/2 PING
// frames prove the peer is alive, and a failed ping closes the Connection so
// the pool replaces it.
func (t *ClientTransport) keepalive(interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		if t.State() == Closed {
			t.closeWithError(errors.New("connection closed by peer"))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := t.cc.Ping(ctx)
		cancel()
		if err != nil {
			t.logger.Warn("health check failed", zap.Error(err))
			t.closeWithError(err)
			return
		}
	}
}

// Shutdown sends GOAWAY and waits for in-flight calls to finish or ctx to
// expire, then closes the Connection.
func (t *ClientTransport) Shutdown(ctx context.Context) error {
	err := t.cc.Shutdown(ctx)
	if cerr := t.closeWithError(errors.New("connection shut down")); err == nil {
		err = cerr
	}
	return err
}

// Close tears the Connection down immediately; in-flight calls fail with
// Unavailable.
func (t *ClientTransport) Close() error {
	return t.closeWithError(errors.New("connection closed"))
}

func (t *ClientTransport) closeWithError(reason error) error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closeErr = reason
		t.mu.Unlock()
		close(t.done)
		err = t.cc.Close()
		t.logger.Debug("connection closed", zap.NamedError("reason", reason))
	})
	return err
}
