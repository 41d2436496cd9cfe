package service

import (
	"context"
	"math/rand/v2"
	"time"
)

// backoffDelay returns a full-jitter exponential delay in [0, min(base*2^attempt, max)).
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}
	delay := base << attempt
	if delay <= 0 || (max > 0 && delay > max) {
		delay = max
	}
	if delay <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(delay)))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
