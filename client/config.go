package client

import (
	"fmt"

	"go.uber.org/zap"

	"mini-grpc/codec"
	"mini-grpc/config"
	"mini-grpc/loadbalance"
	"mini-grpc/registry"
)

// OptionsFromConfig translates the channel section of a config file. reg is
// used only when cfg names a service.
func OptionsFromConfig(cfg config.Channel, logger *zap.Logger, reg registry.Registry) ([]Option, error) {
	bal, err := loadbalance.New(cfg.Balancer)
	if err != nil {
		return nil, err
	}
	cdc := codec.Default
	if cfg.Codec != "" {
		if cdc = codec.GetCodec(cfg.Codec); cdc == nil {
			return nil, fmt.Errorf("client: unknown codec %q", cfg.Codec)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []Option{
		WithLogger(logger),
		WithBalancer(bal),
		WithCodec(cdc),
		WithCompression(cfg.Compression),
		WithPoolSize(cfg.PoolSize),
		WithMaxConcurrentCalls(cfg.MaxConcurrentCalls),
		WithMaxRecvMsgSize(cfg.MaxRecvMsgSize),
		WithMaxSendMsgSize(cfg.MaxSendMsgSize),
		WithKeepalive(cfg.KeepaliveInterval, cfg.KeepaliveTimeout),
		WithRetryPolicy(cfg.Retry.MaxAttempts, Backoff{Base: cfg.Retry.Backoff, Max: cfg.Retry.MaxBackoff}),
		WithRetryableMethods(cfg.Retry.Methods...),
	}
	if cfg.DialTimeout > 0 {
		opts = append(opts, WithDialTimeout(cfg.DialTimeout))
	}
	if cfg.FailFast {
		opts = append(opts, WithFailFast())
	}
	if cfg.EagerConnect {
		opts = append(opts, WithEagerConnect())
	}
	if cfg.Service != "" {
		if reg == nil {
			return nil, fmt.Errorf("client: service %q needs a registry", cfg.Service)
		}
		opts = append(opts, WithRegistry(reg, cfg.Service))
	}
	return opts, nil
}
