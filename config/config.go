// Package config loads the YAML configuration of a server or channel
// process.
//
//	logging:
//	  level: info
//	server:
//	  address: ":8080"
//	  max_concurrent_streams: 100
//	channel:
//	  target: "10.0.0.1:8080,10.0.0.2:8080"
//	  balancer: round_robin
//	  pool_size: 2
//	  retry:
//	    max_attempts: 3
//	    methods: ["/pkg.Echo/Say"]
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	yaml "gopkg.in/yaml.v2"

	"mini-grpc/registry"
)

// Config is the whole file.
type Config struct {
	Logging  Logging  `yaml:"logging"`
	Registry Registry `yaml:"registry"`
	Server   Server   `yaml:"server"`
	Channel  Channel  `yaml:"channel"`
}

// Logging selects the zap logger.
type Logging struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Encoding is json or console.
	Encoding    string `yaml:"encoding"`
	Development bool   `yaml:"development"`
}

// Registry locates etcd. No endpoints means no registry.
type Registry struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Prefix      string        `yaml:"prefix"`
}

// Server configures a server process.
type Server struct {
	Address              string        `yaml:"address"`
	MaxConcurrentStreams uint32        `yaml:"max_concurrent_streams"`
	MaxRecvMsgSize       uint32        `yaml:"max_recv_msg_size"`
	MaxSendMsgSize       uint32        `yaml:"max_send_msg_size"`
	Compression          string        `yaml:"compression"`
	ShutdownTimeout      time.Duration `yaml:"shutdown_timeout"`
	// HandlerTimeout bounds each call; zero leaves only the caller's deadline.
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	// RateLimit is calls per second admitted; zero disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	AdvertiseAddr string `yaml:"advertise_addr"`
	RegistryTTL   int64  `yaml:"registry_ttl"`
	Weight        int    `yaml:"weight"`
	Version       string `yaml:"version"`
}

// Channel configures a client channel.
type Channel struct {
	// Target is a comma-separated address list. It is ignored when Service
	// is set and a registry is configured.
	Target  string `yaml:"target"`
	Service string `yaml:"service"`

	Balancer           string        `yaml:"balancer"`
	PoolSize           int           `yaml:"pool_size"`
	MaxConcurrentCalls int           `yaml:"max_concurrent_calls"`
	FailFast           bool          `yaml:"fail_fast"`
	EagerConnect       bool          `yaml:"eager_connect"`
	DialTimeout        time.Duration `yaml:"dial_timeout"`
	KeepaliveInterval  time.Duration `yaml:"keepalive_interval"`
	KeepaliveTimeout   time.Duration `yaml:"keepalive_timeout"`
	Codec              string        `yaml:"codec"`
	Compression        string        `yaml:"compression"`
	MaxRecvMsgSize     uint32        `yaml:"max_recv_msg_size"`
	MaxSendMsgSize     uint32        `yaml:"max_send_msg_size"`
	Retry              Retry         `yaml:"retry"`
}

// Retry is the call retry policy. Only Methods, or calls marked retryable
// in code, are retried.
type Retry struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	Methods     []string      `yaml:"methods"`
}

// Default returns the configuration used for absent fields.
func Default() Config {
	return Config{
		Logging:  Logging{Level: "info", Encoding: "json"},
		Registry: Registry{DialTimeout: 5 * time.Second},
		Server: Server{
			Address:              ":8080",
			MaxConcurrentStreams: 100,
			ShutdownTimeout:      10 * time.Second,
			RegistryTTL:          10,
			Weight:               1,
		},
		Channel: Channel{
			Balancer:           "round_robin",
			PoolSize:           1,
			MaxConcurrentCalls: 100,
			DialTimeout:        5 * time.Second,
			KeepaliveTimeout:   20 * time.Second,
			Codec:              "proto",
			Retry: Retry{
				MaxAttempts: 3,
				Backoff:     50 * time.Millisecond,
				MaxBackoff:  time.Second,
			},
		},
	}
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document over the defaults and validates the result.
// Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs error
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if e := c.Logging.Encoding; e != "json" && e != "console" {
		errs = multierr.Append(errs, fmt.Errorf("logging.encoding: %q is not json or console", e))
	}
	if c.Server.RateLimit < 0 {
		errs = multierr.Append(errs, errors.New("server.rate_limit: must not be negative"))
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst <= 0 {
		errs = multierr.Append(errs, errors.New("server.rate_burst: must be positive when rate_limit is set"))
	}
	if c.Server.Address == "" {
		errs = multierr.Append(errs, errors.New("server.address: must not be empty"))
	}
	if c.Server.ShutdownTimeout < 0 || c.Server.HandlerTimeout < 0 {
		errs = multierr.Append(errs, errors.New("server: timeouts must not be negative"))
	}
	ch := c.Channel
	if ch.PoolSize < 1 {
		errs = multierr.Append(errs, fmt.Errorf("channel.pool_size: %d is below 1", ch.PoolSize))
	}
	if ch.MaxConcurrentCalls < 1 {
		errs = multierr.Append(errs, fmt.Errorf("channel.max_concurrent_calls: %d is below 1", ch.MaxConcurrentCalls))
	}
	if ch.Retry.MaxAttempts < 1 {
		errs = multierr.Append(errs, fmt.Errorf("channel.retry.max_attempts: %d is below 1", ch.Retry.MaxAttempts))
	}
	if ch.Retry.MaxBackoff < ch.Retry.Backoff {
		errs = multierr.Append(errs, errors.New("channel.retry.max_backoff: below backoff"))
	}
	if ch.Service != "" && len(c.Registry.Endpoints) == 0 {
		errs = multierr.Append(errs, errors.New("channel.service: requires registry.endpoints"))
	}
	return errs
}

// Build returns the logger described by l.
func (l Logging) Build(opts ...zap.Option) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(l.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if l.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	if l.Encoding != "" {
		zc.Encoding = l.Encoding
	}
	return zc.Build(opts...)
}

// Enabled reports whether an etcd registry is configured.
func (r Registry) Enabled() bool { return len(r.Endpoints) > 0 }

// Build connects the etcd registry described by r.
func (r Registry) Build(logger *zap.Logger) (*registry.EtcdRegistry, error) {
	if !r.Enabled() {
		return nil, errors.New("config: registry.endpoints: none configured")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []registry.EtcdOption{registry.WithLogger(logger)}
	if r.Prefix != "" {
		opts = append(opts, registry.WithPrefix(r.Prefix))
	}
	return registry.NewEtcdRegistry(r.Endpoints, r.DialTimeout, opts...)
}
