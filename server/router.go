package server

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"mini-grpc/middleware"
	"mini-grpc/status"
	"mini-grpc/stream"
	"mini-grpc/transport"
)

type route struct {
	info    *middleware.CallInfo
	handler middleware.Handler // the interceptor chain around the method
}

// Router maps "/Service/Method" to handlers. The table and the interceptor
// chain are frozen at the first dispatch; registering afterward fails.
type Router struct {
	mu           sync.Mutex
	routes       map[string]*route
	pending      map[string]MethodDesc
	services     []string
	interceptors []middleware.Interceptor
	frozen       bool
	freezeOnce   sync.Once
}

func NewRouter() *Router {
	return &Router{pending: make(map[string]MethodDesc)}
}

// Register adds every method of desc.
func (r *Router) Register(desc *ServiceDesc) error {
	if desc == nil || desc.Name == "" {
		return fmt.Errorf("server: service descriptor without a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("server: cannot register %s after serving started", desc.Name)
	}
	for _, m := range desc.Methods {
		if m.Name == "" || m.Handler == nil {
			return fmt.Errorf("server: %s has a method without name or handler", desc.Name)
		}
		if _, dup := r.pending["/"+desc.Name+"/"+m.Name]; dup {
			return fmt.Errorf("server: duplicate method /%s/%s", desc.Name, m.Name)
		}
	}
	for _, m := range desc.Methods {
		r.pending["/"+desc.Name+"/"+m.Name] = m
	}
	r.services = append(r.services, desc.Name)
	return nil
}

// RegisterService registers rcvr's unary methods by reflection under its
// type name.
func (r *Router) RegisterService(rcvr any) error {
	return r.RegisterName("", rcvr)
}

// RegisterName is RegisterService with an explicit service name.
func (r *Router) RegisterName(name string, rcvr any) error {
	desc, err := NewServiceDesc(name, rcvr)
	if err != nil {
		return err
	}
	return r.Register(desc)
}

// Use appends interceptors. They run in the order they were added, for every
// route.
func (r *Router) Use(interceptors ...middleware.Interceptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("server: cannot add interceptors after serving started")
	}
	r.interceptors = append(r.interceptors, interceptors...)
	return nil
}

// Services returns the registered service names in registration order.
func (r *Router) Services() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.services...)
}

// Routes returns every registered route, sorted.
func (r *Router) Routes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.pending))
	for name := range r.pending {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// freeze builds every route's chain once. The table is read-only afterward.
func (r *Router) freeze() {
	r.freezeOnce.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.frozen = true
		r.routes = make(map[string]*route, len(r.pending))
		for name, m := range r.pending {
			svc, method, _ := transport.ParseMethod(name)
			info := &middleware.CallInfo{FullMethod: name, Service: svc, Method: method, Shape: m.Shape}
			r.routes[name] = &route{
				info:    info,
				handler: middleware.Chain(info, m.Handler, r.interceptors...),
			}
		}
	})
}

// Lookup returns the call info of a route.
func (r *Router) Lookup(fullMethod string) (*middleware.CallInfo, bool) {
	r.freeze()
	rt, ok := r.routes[fullMethod]
	if !ok {
		return nil, false
	}
	return rt.info, true
}

// Handle dispatches one call and returns its terminal status. Unknown and
// malformed routes fail with Unimplemented before any interceptor runs.
// The stream's cardinality rules are applied for the route's shape.
func (r *Router) Handle(ctx context.Context, fullMethod string, ss stream.ServerStream) *status.Status {
	r.freeze()
	if _, _, ok := transport.ParseMethod(fullMethod); !ok {
		return status.Newf(status.Unimplemented, "malformed method name: %q", fullMethod)
	}
	rt, ok := r.routes[fullMethod]
	if !ok {
		return status.Newf(status.Unimplemented, "unknown method %s", fullMethod)
	}

	var cancel context.CancelFunc
	if c, ok := ss.(stream.Canceler); ok {
		cancel = c.Cancel
	}
	card := stream.EnforceServer(rt.info.Shape, ss, cancel)
	return card.Finish(rt.handler(ctx, card))
}
