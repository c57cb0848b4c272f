package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"mini-grpc/status"
	"mini-grpc/stream"
)

// RateLimit admits r calls per second with the given burst, shared by all
// routes. Calls over the limit fail with ResourceExhausted.
func RateLimit(r float64, burst int) Interceptor {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(ctx context.Context, info *CallInfo, ss stream.ServerStream, next Handler) error {
		if !limiter.Allow() {
			return status.Errorf(status.ResourceExhausted, "rate limit exceeded for %s", info.FullMethod)
		}
		return next(ctx, ss)
	}
}
