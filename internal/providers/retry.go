package providers

import (
	"context"
	"math/rand/v2"
	"strconv"
	"time"
)

// RetryConfig bounds retries of the connection phase of a provider call.
// Rate limits are not retried here: the runner rotates credentials instead.
type RetryConfig struct {
	Attempts int
	MinDelay time.Duration
	MaxDelay time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Attempts: 2, MinDelay: 300 * time.Millisecond, MaxDelay: 3 * time.Second}
}

// RetryDo runs fn until it succeeds, returns a non-transport error, or the
// attempt budget is spent.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var (
		result T
		err    error
	)
	for i := 0; i < attempts; i++ {
		result, err = fn()
		if err == nil || KindOf(err) != KindTransport || i == attempts-1 {
			return result, err
		}
		delay := backoff(cfg, i)
		if pe, ok := err.(*Error); ok && pe.RetryAfter > delay {
			delay = pe.RetryAfter
		}
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(delay):
		}
	}
	return result, err
}

func backoff(cfg RetryConfig, attempt int) time.Duration {
	d := cfg.MinDelay << attempt
	if cfg.MaxDelay > 0 && (d > cfg.MaxDelay || d <= 0) {
		d = cfg.MaxDelay
	}
	if d <= 0 {
		return 0
	}
	// up to 10% jitter either way
	jitter := time.Duration(rand.Int64N(int64(d)/5 + 1))
	return d - d/10 + jitter
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an
// HTTP date. Unparseable values yield 0.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
