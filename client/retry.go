package client

import (
	"context"
	"math/rand/v2"
	"time"

	"mini-grpc/status"
)

// Backoff is a capped exponential delay: Base, 2·Base, 4·Base, ... up to Max,
// each with ±20% jitter. Attempts bounds connection establishment; call
// retries are bounded by the channel's attempt cap instead.
type Backoff struct {
	Base     time.Duration
	Max      time.Duration
	Attempts int
}

// Delay returns the wait before retry n (0-based).
func (b Backoff) Delay(n int) time.Duration {
	d := b.Base
	for i := 0; i < n && d < b.Max; i++ {
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if d <= 0 {
		return 0
	}
	jitter := time.Duration(rand.Int64N(int64(d)/5*2+1)) - d/5
	return d + jitter
}

// sleep waits d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shouldRetry reports whether a failed attempt may run again: only retryable
// calls, only Unavailable, and never once the transport took a request byte.
func shouldRetry(retryable bool, err error, bytesSent bool) bool {
	return retryable && !bytesSent && status.CodeOf(err) == status.Unavailable
}
