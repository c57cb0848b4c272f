// Package server implements the RPC server: service registration, the
// interceptor chain, concurrent call processing and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → HTTP/2 session (one goroutine per connection)
//	  → one goroutine per stream: ServeHTTP
//	    → validate headers → Router.Handle → interceptors → handler → status trailers
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"mini-grpc/codec"
	"mini-grpc/compress"
	"mini-grpc/middleware"
	"mini-grpc/registry"
	"mini-grpc/status"
	"mini-grpc/transport"
)

// Server serves registered services over HTTP/2.
type Server struct {
	opts   options
	router *Router
	logger *zap.Logger
	tcfg   *transport.ServerConfig
	h2     *http2.Server
	hs     *http.Server // carries the GOAWAY hook for graceful shutdown

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	draining  bool
	calls     sync.WaitGroup // in-flight calls
	sessions  sync.WaitGroup // running serveConn goroutines
	shutdown  atomic.Bool    // set before listeners close so Accept errors are expected
	published []publication  // registry entries to withdraw
	addr      string
}

type publication struct {
	service string
	addr    string
}

// NewServer creates a server with an empty router.
func NewServer(opts ...Option) *Server {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	s := &Server{
		opts:      o,
		router:    NewRouter(),
		logger:    o.logger,
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[net.Conn]struct{}),
		tcfg: &transport.ServerConfig{
			Codecs:       codec.NewSet(o.codecs...),
			Compressors:  compress.NewSet(o.compressors...),
			SendCompress: o.sendCompress,
			MaxRecvSize:  o.maxRecvSize,
			MaxSendSize:  o.maxSendSize,
		},
		h2: &http2.Server{MaxConcurrentStreams: o.maxConcurrentStreams},
	}
	s.hs = &http.Server{Handler: s}
	if err := http2.ConfigureServer(s.hs, s.h2); err != nil {
		s.logger.Warn("configure http2 server", zap.Error(err))
	}

	ics := o.interceptors
	if o.metrics != nil {
		ics = append([]middleware.Interceptor{middleware.Metrics(o.metrics)}, ics...)
	}
	if err := s.router.Use(ics...); err != nil {
		s.logger.Error("install interceptors", zap.Error(err))
	}
	return s
}

// Router exposes the route table.
func (s *Server) Router() *Router { return s.router }

// Register adds a service descriptor.
func (s *Server) Register(desc *ServiceDesc) error { return s.router.Register(desc) }

// RegisterService registers rcvr's unary methods by reflection, e.g.
// &Arith{} serves "/Arith/Add".
func (s *Server) RegisterService(rcvr any) error { return s.router.RegisterService(rcvr) }

// Use appends interceptors. They are applied in the order they are added.
func (s *Server) Use(ics ...middleware.Interceptor) error { return s.router.Use(ics...) }

// Serve listens on network/address and serves until Shutdown.
func (s *Server) Serve(network, address string) error {
	lis, err := net.Listen(network, address)
	if err != nil {
		return status.Errorf(status.Unavailable, "server: listen %s: %v", address, err)
	}
	return s.ServeListener(lis)
}

// ServeListener serves connections accepted on lis. It returns nil after
// Shutdown.
func (s *Server) ServeListener(lis net.Listener) error {
	if s.opts.tlsConfig != nil {
		cfg := s.opts.tlsConfig.Clone()
		cfg.NextProtos = []string{http2.NextProtoTLS}
		lis = tls.NewListener(lis, cfg)
	}
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		lis.Close()
		return nil
	}
	s.listeners[lis] = struct{}{}
	if s.addr == "" {
		s.addr = lis.Addr().String()
	}
	s.mu.Unlock()

	if err := s.publish(lis.Addr().String()); err != nil {
		s.logger.Error("register with registry", zap.Error(err))
	}
	s.logger.Info("server listening", zap.String("addr", lis.Addr().String()),
		zap.Strings("routes", s.router.Routes()))

	// Accept loop: one goroutine per connection.
	for {
		conn, err := lis.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			return err
		}
		go s.serveConn(conn)
	}
}

// Addr returns the address of the first listener, once serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) serveConn(conn net.Conn) {
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.sessions.Add(1)
	s.mu.Unlock()
	defer s.sessions.Done()

	s.logger.Debug("connection accepted", zap.String("remote", conn.RemoteAddr().String()))
	s.h2.ServeConn(conn, &http2.ServeConnOpts{Handler: s, BaseConfig: s.hs})

	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

// ServeHTTP serves one call. It also lets the server be mounted on an
// existing HTTP/2 server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ss, st := transport.NewServerStream(w, r, s.tcfg)
	if st != nil {
		s.logger.Debug("rejected request", zap.String("path", r.URL.Path), zap.String("reason", st.Message()))
		return
	}
	defer ss.Cancel()

	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		ss.WriteStatus(status.New(status.Unavailable, "server is shutting down"))
		return
	}
	s.calls.Add(1)
	s.mu.Unlock()
	defer s.calls.Done()

	st = s.router.Handle(ss.Context(), ss.Method(), ss)
	if err := ss.WriteStatus(st); err != nil {
		s.logger.Warn("write status", zap.String("method", ss.Method()), zap.Error(err))
	}
}

func (s *Server) publish(addr string) error {
	if s.opts.registry == nil {
		return nil
	}
	if s.opts.advertiseAddr != "" {
		addr = s.opts.advertiseAddr
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs error
	for _, name := range s.router.Services() {
		inst := registry.ServiceInstance{Addr: addr, Weight: s.opts.weight, Version: s.opts.version}
		if err := s.opts.registry.Register(ctx, name, inst, s.opts.registryTTL); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		s.mu.Lock()
		s.published = append(s.published, publication{service: name, addr: addr})
		s.mu.Unlock()
	}
	return errs
}

// Shutdown performs graceful shutdown:
//  1. Withdraw services from the registry so clients stop routing here
//  2. Close the listeners
//  3. Send GOAWAY and refuse new calls
//  4. Wait for in-flight calls to finish and their connections to close,
//     up to timeout
//  5. Close the connections still open
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs error
	s.mu.Lock()
	published := s.published
	s.published = nil
	s.mu.Unlock()
	for _, p := range published {
		errs = multierr.Append(errs, s.opts.registry.Deregister(ctx, p.service, p.addr))
	}

	// Set the flag before closing, so Serve sees the Accept error as intended.
	s.mu.Lock()
	s.shutdown.Store(true)
	s.draining = true
	for lis := range s.listeners {
		if err := lis.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = multierr.Append(errs, err)
		}
	}
	s.listeners = map[net.Listener]struct{}{}
	s.mu.Unlock()

	// Runs the GOAWAY hook of every open HTTP/2 connection.
	s.hs.Shutdown(ctx)

	// A call is done once its handler returns, but its trailers are written
	// after that. ServeConn returns only when the GOAWAY close finished.
	if !wait(ctx, &s.calls) {
		errs = multierr.Append(errs, fmt.Errorf("server: timeout waiting for ongoing calls to finish"))
	} else if !wait(ctx, &s.sessions) {
		errs = multierr.Append(errs, fmt.Errorf("server: timeout waiting for connections to close"))
	}

	// Whatever is left did not finish in time.
	s.mu.Lock()
	for conn := range s.conns {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = multierr.Append(errs, err)
		}
	}
	s.mu.Unlock()
	s.logger.Info("server stopped", zap.Error(errs))
	return errs
}

// wait reports whether wg finished before ctx ended.
func wait(ctx context.Context, wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
