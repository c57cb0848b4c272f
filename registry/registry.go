// Package registry publishes and discovers the endpoints serving a service.
package registry

import "context"

// ServiceInstance is one endpoint of a service.
type ServiceInstance struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight,omitempty"` // Weight for load balancing
	Version string `json:"version,omitempty"`
}

// Registry is a service directory.
type Registry interface {
	// Register publishes instance under serviceName. It stays visible while
	// the process keeps its lease of ttl seconds alive.
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change. The channel is
	// closed when ctx ends.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}

// sendLatest replaces any unread update in ch with list.
func sendLatest(ch chan []ServiceInstance, list []ServiceInstance) {
	for {
		select {
		case ch <- list:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
