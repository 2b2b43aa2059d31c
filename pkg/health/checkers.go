package health

import (
	"context"
	"runtime"

	"github.com/go-faster/errors"
)

// GoroutineCountCheck fails when more than threshold goroutines are running.
func GoroutineCountCheck(threshold int) CheckFunc {
	return func(_ context.Context) error {
		if n := runtime.NumGoroutine(); n > threshold {
			return errors.Errorf("goroutine count %d exceeds threshold %d", n, threshold)
		}
		return nil
	}
}

// Pinger is implemented by connection pools.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck fails when p cannot be reached.
func PingCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		return p.Ping(ctx)
	}
}

// QueueCheck fails when a queue is fuller than ratio of its capacity.
// depth returns the current length and capacity.
func QueueCheck(depth func() (n, capacity int), ratio float64) CheckFunc {
	return func(_ context.Context) error {
		n, capacity := depth()
		if capacity > 0 && float64(n) > ratio*float64(capacity) {
			return errors.Errorf("queue holds %d of %d", n, capacity)
		}
		return nil
	}
}
