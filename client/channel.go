// Package client implements the Channel: the caller's handle on a set of
// endpoints.
//
// A Channel owns one connection pool per endpoint and spreads calls across
// the ready connections with a pluggable policy:
//
//	Invoke / NewStream
//	  → pick a ready connection (load balancer)
//	  → take a call slot (queue, or fail fast)
//	  → open an HTTP/2 stream ──→ Server
//	  → release the slot when the call ends
//
// Endpoints come from a static address list or from a registry that is
// followed for changes.
package client

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mini-grpc/compress"
	"mini-grpc/loadbalance"
	"mini-grpc/metadata"
	"mini-grpc/metrics"
	"mini-grpc/registry"
	"mini-grpc/status"
	"mini-grpc/stream"
	"mini-grpc/transport"
)

// Channel dispatches calls to a logical set of endpoints.
type Channel struct {
	target      string
	opts        options
	logger      *zap.Logger
	balancer    loadbalance.Balancer
	compressors *compress.Set
	connOpts    transport.ConnectOptions

	ctx    context.Context // ends on Shutdown; bounds dials and the resolver
	cancel context.CancelFunc

	mu        sync.Mutex
	endpoints []*endpoint
	changed   chan struct{} // closed and replaced whenever the pool changes
	closed    bool
	calls     sync.WaitGroup // calls in flight
}

// NewChannel creates a Channel for target, a comma-separated list of
// host:port addresses. With WithRegistry the endpoints are discovered
// instead and target is only used in logs.
func NewChannel(target string, opts ...Option) (*Channel, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.poolSize <= 0 {
		o.poolSize = 1
	}
	if o.maxAttempts <= 0 {
		o.maxAttempts = 1
	}
	if o.balancer == nil {
		o.balancer = &loadbalance.RoundRobin{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		target:      target,
		opts:        o,
		logger:      o.logger.With(zap.String("target", target)),
		balancer:    o.balancer,
		compressors: compress.NewSet(o.compressors...),
		connOpts: transport.ConnectOptions{
			Dialer:            o.dialer,
			TLSConfig:         o.tlsConfig,
			KeepaliveInterval: o.keepaliveInterval,
			KeepaliveTimeout:  o.keepaliveTimeout,
			UserAgent:         o.userAgent,
			Logger:            o.logger,
		},
		ctx:     ctx,
		cancel:  cancel,
		changed: make(chan struct{}),
	}
	if _, ok := c.compressors.Get(o.sendCompress); !ok {
		cancel()
		return nil, status.Errorf(status.InvalidArgument, "client: unknown compressor %q", o.sendCompress)
	}

	var insts []registry.ServiceInstance
	if o.registry != nil {
		dctx, dcancel := context.WithTimeout(ctx, o.dialTimeout)
		found, err := o.registry.Discover(dctx, o.service)
		dcancel()
		if err != nil {
			cancel()
			return nil, status.Errorf(status.Unavailable, "client: discover %s: %v", o.service, err)
		}
		insts = found
	} else {
		for _, addr := range strings.Split(target, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				insts = append(insts, registry.ServiceInstance{Addr: addr, Weight: 1})
			}
		}
		if len(insts) == 0 {
			cancel()
			return nil, status.Errorf(status.InvalidArgument, "client: target %q names no address", target)
		}
	}

	c.mu.Lock()
	c.setEndpointsLocked(insts)
	c.mu.Unlock()
	if o.registry != nil {
		go c.resolve()
	}
	c.logger.Debug("channel created", zap.Int("endpoints", len(insts)), zap.String("balancer", c.balancer.Name()))
	return c, nil
}

// resolve follows registry changes until Shutdown.
func (c *Channel) resolve() {
	for insts := range c.opts.registry.Watch(c.ctx, c.opts.service) {
		c.mu.Lock()
		c.setEndpointsLocked(insts)
		c.mu.Unlock()
	}
}

// Connect opens every pool to its full size and waits until the dials
// settle. It fails with Unavailable when no connection at all could be made.
func (c *Channel) Connect(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return errShutdown()
		}
		ready := len(c.readyLocked())
		full := true
		for _, ep := range c.endpoints {
			if len(ep.conns) < c.opts.poolSize {
				full = false
			}
		}
		settled, lastErr := c.settledLocked()
		wait := c.changed
		c.mu.Unlock()

		switch {
		case full:
			return nil
		case settled && ready > 0:
			return nil
		case settled:
			return status.Errorf(status.Unavailable, "client: no connection to %s: %v", c.target, lastErr)
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		}
	}
}

func errShutdown() error {
	return status.Error(status.Unavailable, "client: channel is shut down")
}

// pick waits for a ready connection and lets the balancer choose. Connections
// in avoid are skipped when any other connection is ready.
func (c *Channel) pick(ctx context.Context, info loadbalance.PickInfo, avoid map[*conn]bool) (*conn, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, errShutdown()
		}
		cands := c.readyLocked()
		if len(cands) > 0 {
			if len(avoid) > 0 {
				fresh := make([]loadbalance.Candidate, 0, len(cands))
				for _, cand := range cands {
					if !avoid[cand.(*conn)] {
						fresh = append(fresh, cand)
					}
				}
				if len(fresh) > 0 {
					cands = fresh
				}
			}
			idx, err := c.balancer.Pick(info, cands)
			c.mu.Unlock()
			if err != nil {
				return nil, status.Errorf(status.Unavailable, "client: %v", err)
			}
			return cands[idx].(*conn), nil
		}
		if len(c.endpoints) == 0 {
			c.mu.Unlock()
			return nil, status.Errorf(status.Unavailable, "client: no endpoints for %s", c.target)
		}
		if settled, lastErr := c.settledLocked(); settled {
			c.mu.Unlock()
			return nil, status.Errorf(status.Unavailable, "client: no ready connection to %s: %v", c.target, lastErr)
		}
		wait := c.changed
		c.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, status.FromContextError(ctx.Err()).Err()
		}
	}
}

func (c *Channel) callOptions(method string, opts []CallOption) (*callOptions, compress.Compressor, error) {
	co := &callOptions{retryable: c.opts.retryableMethods[method], codec: c.opts.codec}
	for _, opt := range opts {
		opt(co)
	}
	name := c.opts.sendCompress
	if co.sendCompress != nil {
		name = *co.sendCompress
	}
	comp, ok := c.compressors.Get(name)
	if !ok {
		return nil, nil, status.Errorf(status.InvalidArgument, "client: unknown compressor %q", name)
	}
	return co, comp, nil
}

// attempt opens one stream for a call. The returned conn is set whenever a
// connection was picked, so a retry can avoid it.
func (c *Channel) attempt(ctx context.Context, method string, co *callOptions, comp compress.Compressor) (*transport.ClientStream, *conn, error) {
	cn, err := c.pick(ctx, loadbalance.PickInfo{Method: method, HashKey: co.hashKey}, co.avoid)
	if err != nil {
		return nil, nil, err
	}
	if err := cn.acquire(ctx, c.opts.failFast); err != nil {
		return nil, cn, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cn.release()
		return nil, cn, errShutdown()
	}
	c.calls.Add(1)
	c.mu.Unlock()

	start := time.Now()
	c.opts.metrics.CallStarted(metrics.SideClient, method)
	md, _ := metadata.FromOutgoingContext(ctx)
	hdr := &transport.CallHdr{
		Method:       method,
		Codec:        co.codec,
		SendCompress: comp,
		Compressors:  c.compressors,
		Metadata:     metadata.Join(md, co.md),
		MaxRecvSize:  c.opts.maxRecvSize,
		MaxSendSize:  c.opts.maxSendSize,
		OnDone: func(st *status.Status) {
			cn.release()
			c.opts.metrics.CallHandled(metrics.SideClient, method, st.Code(), time.Since(start))
			c.calls.Done()
		},
	}
	cs, err := cn.t.NewStream(ctx, hdr)
	if err != nil {
		hdr.OnDone(status.Convert(err))
		return nil, cn, err
	}
	return cs, cn, nil
}

// retry runs fn until it succeeds or its failure is not eligible for
// another attempt. fn reports whether any request byte was sent.
func (c *Channel) retry(ctx context.Context, method string, co *callOptions, fn func() (*conn, bool, error)) error {
	for n := 0; ; n++ {
		cn, sent, err := fn()
		if err == nil {
			return nil
		}
		if n+1 >= c.opts.maxAttempts || !shouldRetry(co.retryable, err, sent) {
			return err
		}
		if cn != nil {
			if co.avoid == nil {
				co.avoid = make(map[*conn]bool)
			}
			co.avoid[cn] = true
		}
		c.logger.Debug("retrying call", zap.String("method", method), zap.Int("attempt", n+2), zap.Error(err))
		if serr := sleep(ctx, c.opts.retry.Delay(n)); serr != nil {
			return status.FromContextError(serr).Err()
		}
	}
}

// Invoke performs a unary call. resp receives the single response message.
func (c *Channel) Invoke(ctx context.Context, method string, req, resp any, opts ...CallOption) error {
	co, comp, err := c.callOptions(method, opts)
	if err != nil {
		return err
	}
	return c.retry(ctx, method, co, func() (*conn, bool, error) {
		cs, cn, err := c.attempt(ctx, method, co, comp)
		if err != nil {
			return cn, false, err
		}
		err = c.unary(cs, req, resp, co)
		return cn, cs.BytesSent(), err
	})
}

func (c *Channel) unary(cs *transport.ClientStream, req, resp any, co *callOptions) error {
	s := stream.EnforceClient(stream.Unary, cs, cs.Cancel)
	if err := s.SendMsg(req); err != nil && !errors.Is(err, io.EOF) {
		cs.Cancel()
		return err
	}
	err := s.RecvMsg(resp)
	if co.header != nil {
		if md, herr := cs.Header(); herr == nil {
			*co.header = md
		}
	}
	if co.trailer != nil {
		*co.trailer = cs.Trailer()
	}
	if err != nil {
		return err
	}
	return s.Status().Err()
}

// NewStream starts a call of any shape. The cardinality rules of desc.Shape
// apply to the returned stream. A retryable call is retried only while the
// stream cannot be opened.
func (c *Channel) NewStream(ctx context.Context, desc stream.Desc, opts ...CallOption) (stream.ClientStream, error) {
	co, comp, err := c.callOptions(desc.Name, opts)
	if err != nil {
		return nil, err
	}
	var cs *transport.ClientStream
	err = c.retry(ctx, desc.Name, co, func() (*conn, bool, error) {
		s, cn, err := c.attempt(ctx, desc.Name, co, comp)
		cs = s
		return cn, false, err
	})
	if err != nil {
		return nil, err
	}
	return stream.EnforceClient(desc.Shape, cs, cs.Cancel), nil
}

// ConnStat describes one pooled connection.
type ConnStat struct {
	Addr  string
	State transport.State
	// Active is the number of calls in flight; Total counts every call ever
	// started on the connection.
	Active int64
	Total  int64
	Limit  int64
}

// ConnStats lists the pooled connections in registration order.
func (c *Channel) ConnStats() []ConnStat {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ConnStat
	for _, ep := range c.endpoints {
		for _, cn := range ep.conns {
			out = append(out, ConnStat{
				Addr:   ep.addr,
				State:  cn.t.State(),
				Active: cn.t.ActiveStreams(),
				Total:  cn.t.TotalStreams(),
				Limit:  cn.limit,
			})
		}
	}
	return out
}

// Shutdown stops admitting calls, waits for in-flight calls to finish or ctx
// to end, then closes every connection. Later calls fail with Unavailable.
func (c *Channel) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.notifyLocked()
	c.mu.Unlock()
	c.cancel()

	var errs error
	done := make(chan struct{})
	go func() {
		c.calls.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = multierr.Append(errs, status.Errorf(status.DeadlineExceeded,
			"client: calls still in flight at shutdown: %v", ctx.Err()))
	}

	c.mu.Lock()
	var conns []*conn
	for _, ep := range c.endpoints {
		conns = append(conns, ep.conns...)
		ep.conns = nil
		c.opts.metrics.DeleteEndpoint(ep.addr)
	}
	c.mu.Unlock()
	for _, cn := range conns {
		errs = multierr.Append(errs, cn.t.Close())
	}
	c.logger.Info("channel shut down", zap.Int("connections", len(conns)), zap.Error(errs))
	return errs
}
