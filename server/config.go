package server

import (
	"context"
	"net"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mini-grpc/config"
	"mini-grpc/middleware"
	"mini-grpc/registry"
	"mini-grpc/status"
)

// OptionsFromConfig translates the server section of a config file. The
// stock interceptors run in the order recovery, logging, rate limit,
// timeout. reg may be nil.
func OptionsFromConfig(cfg config.Server, logger *zap.Logger, reg registry.Registry) []Option {
	if logger == nil {
		logger = zap.NewNop()
	}
	ics := []middleware.Interceptor{middleware.Recovery(logger), middleware.Logging(logger)}
	if cfg.RateLimit > 0 {
		ics = append(ics, middleware.RateLimit(cfg.RateLimit, cfg.RateBurst))
	}
	if cfg.HandlerTimeout > 0 {
		ics = append(ics, middleware.Timeout(cfg.HandlerTimeout))
	}

	opts := []Option{
		WithLogger(logger),
		WithInterceptors(ics...),
		WithSendCompression(cfg.Compression),
		WithMaxRecvMsgSize(cfg.MaxRecvMsgSize),
		WithMaxSendMsgSize(cfg.MaxSendMsgSize),
		WithInstance(cfg.Weight, cfg.Version),
	}
	if cfg.MaxConcurrentStreams > 0 {
		opts = append(opts, WithMaxConcurrentStreams(cfg.MaxConcurrentStreams))
	}
	if reg != nil {
		opts = append(opts, WithRegistry(reg, cfg.AdvertiseAddr))
		if cfg.RegistryTTL > 0 {
			opts = append(opts, WithRegistryTTL(cfg.RegistryTTL))
		}
	}
	return opts
}

// Run serves s on cfg.Address until ctx ends, then shuts it down within
// cfg.ShutdownTimeout.
func Run(ctx context.Context, s *Server, cfg config.Server) error {
	lis, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return status.Errorf(status.Unavailable, "server: listen %s: %v", cfg.Address, err)
	}
	served := make(chan error, 1)
	go func() { served <- s.ServeListener(lis) }()

	select {
	case err := <-served:
		s.Shutdown(cfg.ShutdownTimeout)
		return err
	case <-ctx.Done():
	}
	err = s.Shutdown(cfg.ShutdownTimeout)
	return multierr.Append(err, <-served)
}
