package middleware

import (
	"context"
	"errors"
	"time"

	"mini-grpc/status"
	"mini-grpc/stream"
)

// Timeout bounds every call to d on top of any deadline the caller sent.
// When it fires, the stream is cancelled so blocked reads return, and the
// call ends with DeadlineExceeded.
func Timeout(d time.Duration) Interceptor {
	return func(ctx context.Context, info *CallInfo, ss stream.ServerStream, next Handler) error {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		if c, ok := ss.(stream.Canceler); ok {
			stop := context.AfterFunc(ctx, c.Cancel)
			defer stop()
		}
		err := next(ctx, stream.WithContext(ss, ctx))
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			if code := status.CodeOf(err); code == status.OK || code == status.Cancelled || code == status.DeadlineExceeded {
				return status.Errorf(status.DeadlineExceeded, "%s exceeded server timeout %s", info.FullMethod, d)
			}
		}
		return err
	}
}
