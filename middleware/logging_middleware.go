package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mini-grpc/status"
	"mini-grpc/stream"
)

// Logging logs every finished call with its code and duration. Failures are
// logged at warn level.
func Logging(logger *zap.Logger) Interceptor {
	return func(ctx context.Context, info *CallInfo, ss stream.ServerStream, next Handler) error {
		start := time.Now()
		err := next(ctx, ss)
		st := status.Convert(err)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Stringer("shape", info.Shape),
			zap.Stringer("code", st.Code()),
			zap.Duration("duration", time.Since(start)),
		}
		if err != nil {
			logger.Warn("call failed", append(fields, zap.String("message", st.Message()))...)
		} else {
			logger.Info("call finished", fields...)
		}
		return err
	}
}
