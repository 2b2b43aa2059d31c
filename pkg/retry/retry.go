// Package retry runs operations with exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Config controls how often and how fast an operation is retried.
type Config struct {
	MaxAttempts     int           `default:"4"     usage:"Maximum attempts including the first one"`
	InitialInterval time.Duration `default:"20ms"  usage:"Delay before the first retry"`
	MaxInterval     time.Duration `default:"500ms" usage:"Upper bound for a single delay"`
	Multiplier      float64       `default:"2"     usage:"Delay growth factor"`
	Jitter          float64       `default:"0.2"   usage:"Randomization factor applied to each delay"`
}

// Default returns the configuration used when none is provided.
func Default() Config {
	return Config{
		MaxAttempts:     4,
		InitialInterval: 20 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
		Multiplier:      2,
		Jitter:          0.2,
	}
}

func (c Config) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.MaxInterval = c.MaxInterval
	b.Multiplier = c.Multiplier
	b.RandomizationFactor = c.Jitter
	b.MaxElapsedTime = 0

	attempts := max(c.MaxAttempts, 1)
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Do calls fn until it succeeds, returns an error for which retryable is
// false, runs out of attempts or ctx is done. The last error from fn is
// returned; ctx.Err() is returned if ctx ended while waiting.
func Do(ctx context.Context, cfg Config, retryable func(error) bool, fn func(ctx context.Context) error) error {
	lg := zctx.From(ctx)
	attempt := 0

	op := func() error {
		attempt++
		err := fn(ctx)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		lg.Debug("Retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}

	return backoff.RetryNotify(op, cfg.backOff(ctx), notify)
}
