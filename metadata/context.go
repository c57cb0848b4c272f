package metadata

import "context"

type outgoingKey struct{}
type incomingKey struct{}

// NewOutgoingContext attaches md to ctx as the request metadata of calls made
// with ctx. It replaces any metadata already attached.
func NewOutgoingContext(ctx context.Context, md MD) context.Context {
	return context.WithValue(ctx, outgoingKey{}, md)
}

// AppendToOutgoingContext returns a context carrying the existing outgoing
// metadata followed by the given key/value pairs.
func AppendToOutgoingContext(ctx context.Context, kv ...string) context.Context {
	md, _ := FromOutgoingContext(ctx)
	return NewOutgoingContext(ctx, Join(md, Pairs(kv...)))
}

// FromOutgoingContext returns a copy of the outgoing metadata of ctx.
func FromOutgoingContext(ctx context.Context) (MD, bool) {
	md, ok := ctx.Value(outgoingKey{}).(MD)
	if !ok {
		return nil, false
	}
	return md.Copy(), true
}

// NewIncomingContext attaches the request metadata received by a server.
func NewIncomingContext(ctx context.Context, md MD) context.Context {
	return context.WithValue(ctx, incomingKey{}, md)
}

// FromIncomingContext returns a copy of the request metadata of ctx.
func FromIncomingContext(ctx context.Context) (MD, bool) {
	md, ok := ctx.Value(incomingKey{}).(MD)
	if !ok {
		return nil, false
	}
	return md.Copy(), true
}
