package aggregator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/piggyvault/piggy-hub/depositor/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var upstreamRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "depositor",
	Subsystem: "aggregator",
	Name:      "rate_limited_retries_total",
	Help:      "Upstream calls retried after a rate limit response.",
}, []string{"op"})

// RetryPolicy controls how rate limited upstream calls are retried.
// Only errors matching models.ErrUpstreamRateLimited are retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first one
	MaxAttempts int
	// InitialBackoff is the wait after the first rate limited attempt (doubles with each retry)
	InitialBackoff time.Duration
	// MaxBackoff caps every wait, including server supplied Retry-After values
	MaxBackoff time.Duration
	// Sleep waits between attempts; nil uses a context aware timer
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy returns the policy applied to all aggregator calls
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     10 * time.Second,
	}
}

// Backoff returns the wait before the given retry (1 is the first retry).
func (p RetryPolicy) Backoff(retry int) time.Duration {
	d := p.InitialBackoff
	for i := 1; i < retry; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Do runs fn until it succeeds, fails with a non rate limit error or the
// attempts are exhausted.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := max(p.MaxAttempts, 1)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			wait := p.wait(attempt-1, lastErr)
			upstreamRetries.WithLabelValues(op).Inc()
			log.Warn().
				Str("op", op).
				Int("attempt", attempt).
				Dur("backoff", wait).
				Msg("Rate limited, retrying")
			if err := p.sleep(ctx, wait); err != nil {
				return fmt.Errorf("%s: %w (last error: %w)", op, err, lastErr)
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, models.ErrUpstreamRateLimited) {
			return lastErr
		}
	}
	return fmt.Errorf("%s: gave up after %d attempts: %w", op, attempts, lastErr)
}

func (p RetryPolicy) wait(retry int, lastErr error) time.Duration {
	wait := p.Backoff(retry)
	var upErr *models.UpstreamError
	if errors.As(lastErr, &upErr) && upErr.RetryAfter != "" {
		if secs, err := strconv.Atoi(upErr.RetryAfter); err == nil && secs >= 0 {
			wait = time.Duration(secs) * time.Second
			if p.MaxBackoff > 0 && wait > p.MaxBackoff {
				wait = p.MaxBackoff
			}
		}
	}
	return wait
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
