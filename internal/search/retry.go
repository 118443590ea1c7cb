package search

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"time"
)

// RetryConfig bounds how often a search request that never reached the
// server is sent again. MaxAttempts counts the first try.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig sends every request once.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  1,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}
}

// RetryWithBackoff calls fn until it succeeds, fails with an error that may
// have reached the server, or runs out of attempts. Waits between attempts
// grow by Multiplier with ±25% jitter and end early when ctx is done.
func RetryWithBackoff(ctx context.Context, cfg RetryConfig, fn func() error) error {
	attempts := max(cfg.MaxAttempts, 1)
	delay := cfg.InitialDelay

	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || attempt >= attempts || !NotSent(err) {
			return err
		}
		if waitErr := sleepCtx(ctx, min(jitter(delay), cfg.MaxDelay)); waitErr != nil {
			return waitErr
		}
		delay = min(time.Duration(float64(delay)*cfg.Multiplier), cfg.MaxDelay)
	}
}

// NotSent reports whether err proves the request never left this process:
// name resolution and dial failures. Any later failure, including 5xx
// replies and dropped connections, may have been served upstream and is
// final.
func NotSent(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.75 + rand.Float64()*0.5))
}
