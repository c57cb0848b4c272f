package client

import (
	"crypto/tls"
	"time"

	"go.uber.org/zap"

	"mini-grpc/codec"
	"mini-grpc/compress"
	"mini-grpc/loadbalance"
	"mini-grpc/metadata"
	"mini-grpc/metrics"
	"mini-grpc/registry"
	"mini-grpc/transport"
)

// Option configures a Channel.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	balancer loadbalance.Balancer
	metrics  *metrics.Metrics

	registry registry.Registry
	service  string // resolved through the registry when set

	poolSize           int
	maxConcurrentCalls int
	failFast           bool
	eager              bool

	dialer            transport.Dialer
	tlsConfig         *tls.Config
	dialTimeout       time.Duration
	dialBackoff       Backoff
	keepaliveInterval time.Duration
	keepaliveTimeout  time.Duration
	userAgent         string

	codec        codec.Codec
	sendCompress string
	compressors  []compress.Compressor
	maxRecvSize  uint32
	maxSendSize  uint32

	retry            Backoff
	maxAttempts      int
	retryableMethods map[string]bool
}

func defaultOptions() options {
	return options{
		logger:             zap.NewNop(),
		poolSize:           1,
		maxConcurrentCalls: 100,
		dialTimeout:        5 * time.Second,
		dialBackoff:        Backoff{Base: 100 * time.Millisecond, Max: 5 * time.Second, Attempts: 3},
		keepaliveTimeout:   20 * time.Second,
		userAgent:          "mini-grpc-go",
		codec:              codec.ProtoCodec{},
		retry:              Backoff{Base: 50 * time.Millisecond, Max: time.Second},
		maxAttempts:        3,
		retryableMethods:   map[string]bool{},
	}
}

// WithLogger sets the channel logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithBalancer sets the load-balancing policy; the default is round robin.
func WithBalancer(b loadbalance.Balancer) Option {
	return func(o *options) { o.balancer = b }
}

// WithMetrics records client call metrics and pool gauges.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithRegistry resolves endpoints from reg under service and follows its
// changes. The target passed to NewChannel is ignored.
func WithRegistry(reg registry.Registry, service string) Option {
	return func(o *options) {
		o.registry = reg
		o.service = service
	}
}

// WithPoolSize sets the number of connections per endpoint.
func WithPoolSize(n int) Option {
	return func(o *options) { o.poolSize = n }
}

// WithMaxConcurrentCalls caps calls in flight per connection. The peer's
// stream limit applies when it is lower.
func WithMaxConcurrentCalls(n int) Option {
	return func(o *options) { o.maxConcurrentCalls = n }
}

// WithFailFast makes calls fail with ResourceExhausted instead of queueing
// when the picked connection has no free slot.
func WithFailFast() Option {
	return func(o *options) { o.failFast = true }
}

// WithEagerConnect opens every connection in NewChannel.
func WithEagerConnect() Option {
	return func(o *options) { o.eager = true }
}

// WithDialer replaces the TCP dialer.
func WithDialer(d transport.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithTLS dials TLS with ALPN "h2".
func WithTLS(cfg *tls.Config) Option {
	return func(o *options) { o.tlsConfig = cfg }
}

// WithDialTimeout bounds one connection attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithDialBackoff sets the retry policy for connection establishment.
func WithDialBackoff(b Backoff) Option {
	return func(o *options) { o.dialBackoff = b }
}

// WithKeepalive pings every connection at interval; a ping that does not
// complete within timeout evicts the connection.
func WithKeepalive(interval, timeout time.Duration) Option {
	return func(o *options) {
		o.keepaliveInterval = interval
		o.keepaliveTimeout = timeout
	}
}

// WithUserAgent sets the user-agent header.
func WithUserAgent(ua string) Option {
	return func(o *options) { o.userAgent = ua }
}

// WithCodec sets the default message codec.
func WithCodec(c codec.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithCompression compresses requests with the named compressor.
func WithCompression(name string) Option {
	return func(o *options) { o.sendCompress = name }
}

// WithCompressors adds compressors next to gzip and snappy.
func WithCompressors(c ...compress.Compressor) Option {
	return func(o *options) { o.compressors = append(o.compressors, c...) }
}

// WithMaxRecvMsgSize limits response messages; zero means 4 MiB.
func WithMaxRecvMsgSize(n uint32) Option {
	return func(o *options) { o.maxRecvSize = n }
}

// WithMaxSendMsgSize limits request messages; zero means 4 MiB.
func WithMaxSendMsgSize(n uint32) Option {
	return func(o *options) { o.maxSendSize = n }
}

// WithRetryPolicy sets the attempt cap and the backoff between attempts of
// retryable calls.
func WithRetryPolicy(maxAttempts int, b Backoff) Option {
	return func(o *options) {
		o.maxAttempts = maxAttempts
		o.retry = b
	}
}

// WithRetryableMethods marks routes as safe to retry on every call.
func WithRetryableMethods(methods ...string) Option {
	return func(o *options) {
		for _, m := range methods {
			o.retryableMethods[m] = true
		}
	}
}

// CallOption configures one call.
type CallOption func(*callOptions)

type callOptions struct {
	retryable    bool
	md           metadata.MD
	header       *metadata.MD
	trailer      *metadata.MD
	codec        codec.Codec
	sendCompress *string
	hashKey      string

	avoid map[*conn]bool // connections that already failed this call
}

// WithRetry marks the call idempotent: a transient Unavailable failure that
// happened before any request byte was sent is retried.
func WithRetry() CallOption {
	return func(c *callOptions) { c.retryable = true }
}

// WithMetadata adds request metadata on top of the context's outgoing
// metadata.
func WithMetadata(md metadata.MD) CallOption {
	return func(c *callOptions) { c.md = metadata.Join(c.md, md) }
}

// Header stores the response header of a unary call in md.
func Header(md *metadata.MD) CallOption {
	return func(c *callOptions) { c.header = md }
}

// Trailer stores the response trailer of a unary call in md.
func Trailer(md *metadata.MD) CallOption {
	return func(c *callOptions) { c.trailer = md }
}

// CallCodec overrides the channel codec for one call.
func CallCodec(cdc codec.Codec) CallOption {
	return func(c *callOptions) { c.codec = cdc }
}

// CallCompression overrides the request compression; "" or "identity"
// sends uncompressed.
func CallCompression(name string) CallOption {
	return func(c *callOptions) { c.sendCompress = &name }
}

// HashKey routes the call under the consistent-hash policy.
func HashKey(key string) CallOption {
	return func(c *callOptions) { c.hashKey = key }
}
