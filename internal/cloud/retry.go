package cloud

import (
	"context"
	"math/rand"
	"time"

	"github.com/codelift/workbench/pkg/logger"
)

const (
	retryExtraAttempts = 2
	retryBaseDelay     = 250 * time.Millisecond
)

// WithRetries runs fn and retries TransientUpstream failures up to two
// extra times with jittered doubling backoff. Every other classification
// returns immediately; transient errors that survive the retries surface
// to the caller unchanged.
func WithRetries(ctx context.Context, op string, fn func(context.Context) error) error {
	delay := retryBaseDelay
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil || !IsTransient(err) || attempt >= retryExtraAttempts {
			return err
		}

		sleep := delay/2 + time.Duration(rand.Int63n(int64(delay)))
		logger.Warn("Transient upstream failure, retrying", map[string]interface{}{
			"op":       op,
			"attempt":  attempt + 1,
			"sleep_ms": sleep.Milliseconds(),
		})

		select {
		case <-ctx.Done():
			return err
		case <-time.After(sleep):
		}
		delay *= 2
	}
}
