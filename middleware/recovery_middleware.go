package middleware

import (
	"context"

	"go.uber.org/zap"

	"mini-grpc/status"
	"mini-grpc/stream"
)

// Recovery turns a handler panic into an Internal status.
func Recovery(logger *zap.Logger) Interceptor {
	return func(ctx context.Context, info *CallInfo, ss stream.ServerStream, next Handler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("handler panic", zap.String("method", info.FullMethod),
					zap.Any("panic", r), zap.Stack("stack"))
				err = status.Errorf(status.Internal, "panic in handler: %v", r)
			}
		}()
		return next(ctx, ss)
	}
}
