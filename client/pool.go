package client

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"mini-grpc/loadbalance"
	"mini-grpc/registry"
	"mini-grpc/status"
	"mini-grpc/transport"
)

// endpoint is the connection pool of one address. Every field is guarded by
// the Channel's mutex; calls only read the pool to pick a connection.
//
// Pool design: connections are opened lazily, up to the pool size, the
// first time a call needs the endpoint. A failed dial is retried with
// bounded exponential backoff; once the attempts are exhausted the endpoint
// rests until retryAt and calls fail with the last dial error.
type endpoint struct {
	addr   string
	weight int

	conns    []*conn
	dialing  int
	failures int // consecutive failed dial rounds
	retryAt  time.Time
	lastErr  error
	removed  bool
}

// conn is one pooled Connection and its call slots.
type conn struct {
	ep    *endpoint
	t     *transport.ClientTransport
	slots *semaphore.Weighted
	limit int64
}

var _ loadbalance.Candidate = (*conn)(nil)

func (c *conn) Addr() string { return c.ep.addr }
func (c *conn) Weight() int  { return c.ep.weight }

func newConn(ep *endpoint, t *transport.ClientTransport, maxCalls int) *conn {
	limit := int64(maxCalls)
	if peer := int64(t.MaxConcurrentStreams()); peer > 0 && (limit <= 0 || peer < limit) {
		limit = peer
	}
	if limit <= 0 {
		limit = 100
	}
	return &conn{ep: ep, t: t, slots: semaphore.NewWeighted(limit), limit: limit}
}

// acquire takes a call slot, queueing until one frees unless failFast is set.
// A connection that closes while the call is queued fails it with
// Unavailable.
func (c *conn) acquire(ctx context.Context, failFast bool) error {
	if c.slots.TryAcquire(1) {
		return nil
	}
	if failFast {
		return status.Errorf(status.ResourceExhausted,
			"client: all %d call slots of the connection to %s are in use", c.limit, c.ep.addr)
	}
	qctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.t.Done():
			cancel()
		case <-qctx.Done():
		}
	}()
	if err := c.slots.Acquire(qctx, 1); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return status.FromContextError(cerr).Err()
		}
		return status.Errorf(status.Unavailable, "client: connection to %s closed while the call was queued", c.ep.addr)
	}
	return nil
}

func (c *conn) release() { c.slots.Release(1) }

// notifyLocked wakes every call waiting for the pool to change.
func (c *Channel) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// maintainLocked starts dials until the endpoint has its full pool.
func (c *Channel) maintainLocked(ep *endpoint) {
	if c.closed || ep.removed || time.Now().Before(ep.retryAt) {
		return
	}
	for n := len(ep.conns) + ep.dialing; n < c.opts.poolSize; n++ {
		ep.dialing++
		go c.dial(ep)
	}
}

func (c *Channel) dial(ep *endpoint) {
	b := c.opts.dialBackoff
	attempts := max(b.Attempts, 1)

	var (
		t   *transport.ClientTransport
		err error
	)
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := sleep(c.ctx, b.Delay(i-1)); err != nil {
				break
			}
		}
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.dialTimeout)
		t, err = transport.Dial(ctx, ep.addr, c.connOpts)
		cancel()
		if err == nil {
			break
		}
		c.logger.Debug("dial failed", zap.String("addr", ep.addr), zap.Int("attempt", i+1), zap.Error(err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.notifyLocked()
	ep.dialing--

	if t == nil {
		if err == nil {
			err = status.Error(status.Unavailable, "client: channel is shut down")
		}
		ep.failures++
		ep.lastErr = err
		ep.retryAt = time.Now().Add(b.Delay(ep.failures))
		c.logger.Warn("connect failed", zap.String("addr", ep.addr), zap.Int("attempts", attempts), zap.Error(err))
		return
	}
	if c.closed || ep.removed {
		t.Close()
		return
	}
	ep.failures = 0
	ep.lastErr = nil
	ep.retryAt = time.Time{}
	cn := newConn(ep, t, c.opts.maxConcurrentCalls)
	ep.conns = append(ep.conns, cn)
	c.opts.metrics.SetConnections(ep.addr, len(ep.conns))
	c.logger.Debug("connection ready", zap.String("addr", ep.addr), zap.Int64("slots", cn.limit))
	go c.watch(cn)
}

// watch evicts a connection once it closes and dials its replacement.
func (c *Channel) watch(cn *conn) {
	<-cn.t.Done()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removeLocked(cn) {
		c.logger.Info("connection evicted", zap.String("addr", cn.ep.addr), zap.Error(cn.t.Err()))
		c.maintainLocked(cn.ep)
		c.notifyLocked()
	}
}

func (c *Channel) removeLocked(cn *conn) bool {
	ep := cn.ep
	for i, other := range ep.conns {
		if other == cn {
			ep.conns = append(ep.conns[:i:i], ep.conns[i+1:]...)
			c.opts.metrics.SetConnections(ep.addr, len(ep.conns))
			return true
		}
	}
	return false
}

// readyLocked returns the ready connections in registration order. Draining
// and closed connections are evicted on the way; a draining one finishes its
// calls before it closes.
func (c *Channel) readyLocked() []loadbalance.Candidate {
	var out []loadbalance.Candidate
	for _, ep := range c.endpoints {
		for _, cn := range append([]*conn(nil), ep.conns...) {
			switch cn.t.State() {
			case transport.Ready:
				out = append(out, cn)
				continue
			case transport.Draining:
				go cn.t.Shutdown(context.Background())
			default:
				cn.t.Close()
			}
			c.removeLocked(cn)
			c.logger.Info("connection evicted", zap.String("addr", ep.addr), zap.Stringer("state", cn.t.State()))
		}
		c.maintainLocked(ep)
	}
	return out
}

// settledLocked reports whether no dial is in flight, and the most recent
// dial error.
func (c *Channel) settledLocked() (bool, error) {
	var lastErr error
	for _, ep := range c.endpoints {
		if ep.dialing > 0 {
			return false, nil
		}
		if ep.lastErr != nil {
			lastErr = ep.lastErr
		}
	}
	return true, lastErr
}

// setEndpointsLocked replaces the endpoint list, keeping the pools of
// addresses that stay. Removed endpoints drain their connections.
func (c *Channel) setEndpointsLocked(insts []registry.ServiceInstance) {
	if c.closed {
		return
	}
	byAddr := make(map[string]*endpoint, len(c.endpoints))
	for _, ep := range c.endpoints {
		byAddr[ep.addr] = ep
	}

	next := make([]*endpoint, 0, len(insts))
	seen := make(map[string]bool, len(insts))
	for _, inst := range insts {
		if seen[inst.Addr] {
			continue
		}
		seen[inst.Addr] = true
		ep, ok := byAddr[inst.Addr]
		if !ok {
			ep = &endpoint{addr: inst.Addr}
			c.logger.Info("endpoint added", zap.String("addr", inst.Addr))
		}
		delete(byAddr, inst.Addr)
		ep.weight = inst.Weight
		next = append(next, ep)
		if c.opts.eager {
			c.maintainLocked(ep)
		}
	}
	for _, ep := range byAddr {
		ep.removed = true
		for _, cn := range ep.conns {
			go cn.t.Shutdown(context.Background())
		}
		ep.conns = nil
		c.opts.metrics.DeleteEndpoint(ep.addr)
		c.logger.Info("endpoint removed", zap.String("addr", ep.addr))
	}
	c.endpoints = next
	c.notifyLocked()
}
