// etcd is a distributed key-value store with strong consistency. It serves
// as the phonebook for services:
//
//	Key:   {prefix}{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL leases: if the server crashes, the lease expires and
// the entry is removed automatically.

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// DefaultPrefix is the key prefix of all registrations.
const DefaultPrefix = "/mini-grpc/"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	prefix string
	logger *zap.Logger

	// Keepalives outlive the Register call, so they run on the registry's
	// own context.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key → lease
}

// EtcdOption configures an EtcdRegistry.
type EtcdOption func(*EtcdRegistry)

// WithPrefix overrides DefaultPrefix.
func WithPrefix(prefix string) EtcdOption {
	return func(r *EtcdRegistry) { r.prefix = prefix }
}

// WithLogger sets the logger for lease failures.
func WithLogger(l *zap.Logger) EtcdOption {
	return func(r *EtcdRegistry) { r.logger = l }
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, opts ...EtcdOption) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      zap.NewNop(),
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect etcd: %w", err)
	}
	return NewEtcdRegistryFromClient(c, opts...), nil
}

// NewEtcdRegistryFromClient wraps an existing client. Close closes it.
func NewEtcdRegistryFromClient(c *clientv3.Client, opts ...EtcdOption) *EtcdRegistry {
	r := &EtcdRegistry{
		client: c,
		prefix: DefaultPrefix,
		logger: zap.NewNop(),
		leases: make(map[string]clientv3.LeaseID),
	}
	for _, o := range opts {
		o(r)
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r
}

// Prefix returns the key prefix of this registry's entries.
func (r *EtcdRegistry) Prefix() string { return r.prefix }

func (r *EtcdRegistry) key(serviceName, addr string) string {
	return r.prefix + serviceName + "/" + addr
}

// Register adds a service instance with a TTL lease.
//
// Flow:
//  1. Create a lease with the given TTL
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive to renew the lease in the background
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("registry: grant lease: %w", err)
	}
	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	key := r.key(serviceName, instance.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registry: put %s: %w", key, err)
	}
	ch, err := r.client.KeepAlive(r.ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("registry: keepalive %s: %w", key, err)
	}

	r.mu.Lock()
	old, replaced := r.leases[key]
	r.leases[key] = lease.ID
	r.mu.Unlock()
	if replaced {
		r.client.Revoke(ctx, old)
	}

	// Drain KeepAlive responses so the channel never fills up.
	go func() {
		for range ch {
		}
		r.mu.Lock()
		current := r.leases[key] == lease.ID
		r.mu.Unlock()
		if current && r.ctx.Err() == nil {
			r.logger.Warn("registry lease lost", zap.String("key", key))
		}
	}()
	return nil
}

// Deregister removes a service instance and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	key := r.key(serviceName, addr)
	r.mu.Lock()
	id, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("registry: delete %s: %w", key, err)
	}
	if ok {
		if _, err := r.client.Revoke(ctx, id); err != nil {
			return fmt.Errorf("registry: revoke lease: %w", err)
		}
	}
	return nil
}

// Discover returns all currently registered instances of a service, in key
// order.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, r.prefix+serviceName+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: discover %s: %w", serviceName, err)
	}
	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			continue // Skip malformed entries
		}
		instances = append(instances, instance)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Addr < instances[j].Addr })
	return instances, nil
}

// Watch monitors the service prefix and emits the re-fetched instance list
// after every change (registrations, deregistrations, lease expirations).
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	go func() {
		defer close(ch)
		wch := r.client.Watch(ctx, r.prefix+serviceName+"/", clientv3.WithPrefix())
		for resp := range wch {
			if err := resp.Err(); err != nil {
				r.logger.Warn("registry watch", zap.String("service", serviceName), zap.Error(err))
				continue
			}
			instances, err := r.Discover(ctx, serviceName)
			if err != nil {
				continue
			}
			sendLatest(ch, instances)
		}
	}()
	return ch
}

// Close stops all keepalives and closes the etcd client. Leases that are
// not deregistered expire after their TTL.
func (r *EtcdRegistry) Close() error {
	r.cancel()
	return r.client.Close()
}
