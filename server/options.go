package server

import (
	"crypto/tls"

	"go.uber.org/zap"

	"mini-grpc/codec"
	"mini-grpc/compress"
	"mini-grpc/metrics"
	"mini-grpc/middleware"
	"mini-grpc/registry"
)

// Option configures a Server.
type Option func(*options)

type options struct {
	logger               *zap.Logger
	codecs               []codec.Codec
	compressors          []compress.Compressor
	sendCompress         string
	maxRecvSize          uint32
	maxSendSize          uint32
	maxConcurrentStreams uint32
	tlsConfig            *tls.Config
	interceptors         []middleware.Interceptor
	metrics              *metrics.Metrics

	registry      registry.Registry
	advertiseAddr string // routable address published to the registry
	registryTTL   int64
	weight        int
	version       string
}

func defaultOptions() options {
	return options{
		logger:               zap.NewNop(),
		maxConcurrentStreams: 100,
		registryTTL:          10,
		weight:               1,
	}
}

// WithLogger sets the server logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCodecs adds codecs next to the built-in proto, json and bytes codecs.
func WithCodecs(c ...codec.Codec) Option {
	return func(o *options) { o.codecs = append(o.codecs, c...) }
}

// WithCompressors adds compressors next to gzip and snappy.
func WithCompressors(c ...compress.Compressor) Option {
	return func(o *options) { o.compressors = append(o.compressors, c...) }
}

// WithSendCompression compresses responses with name when the client accepts it.
func WithSendCompression(name string) Option {
	return func(o *options) { o.sendCompress = name }
}

// WithMaxRecvMsgSize limits inbound messages; zero means 4 MiB.
func WithMaxRecvMsgSize(n uint32) Option {
	return func(o *options) { o.maxRecvSize = n }
}

// WithMaxSendMsgSize limits outbound messages; zero means 4 MiB.
func WithMaxSendMsgSize(n uint32) Option {
	return func(o *options) { o.maxSendSize = n }
}

// WithMaxConcurrentStreams sets the per-connection stream limit advertised
// to clients.
func WithMaxConcurrentStreams(n uint32) Option {
	return func(o *options) { o.maxConcurrentStreams = n }
}

// WithTLS serves TLS with ALPN "h2" instead of cleartext HTTP/2.
func WithTLS(cfg *tls.Config) Option {
	return func(o *options) { o.tlsConfig = cfg }
}

// WithInterceptors appends interceptors to the chain.
func WithInterceptors(ics ...middleware.Interceptor) Option {
	return func(o *options) { o.interceptors = append(o.interceptors, ics...) }
}

// WithMetrics records server call metrics; the interceptor runs first.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithRegistry publishes every registered service at advertiseAddr once
// serving starts, and withdraws it on Shutdown. An empty advertiseAddr uses
// the listener address.
func WithRegistry(reg registry.Registry, advertiseAddr string) Option {
	return func(o *options) {
		o.registry = reg
		o.advertiseAddr = advertiseAddr
	}
}

// WithRegistryTTL sets the lease TTL in seconds.
func WithRegistryTTL(ttl int64) Option {
	return func(o *options) { o.registryTTL = ttl }
}

// WithInstance sets the load-balancing weight and version published.
func WithInstance(weight int, version string) Option {
	return func(o *options) {
		o.weight = weight
		o.version = version
	}
}
