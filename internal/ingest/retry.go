package ingest

import (
	"context"
	"time"

	"github.com/opencollect/opencollect/internal/storage"
)

const (
	// maxWriteAttempts bounds retries of a single storage write.
	maxWriteAttempts = 3

	// retryBaseDelay is the first backoff interval, doubled per attempt.
	retryBaseDelay = 100 * time.Millisecond
)

// withRetry runs fn, retrying transient storage errors with exponential
// backoff. Permanent errors and exhausted retries surface unmodified, so
// callers see the original storage error.
func (s *Service) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := retryBaseDelay
	var err error

	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !storage.IsTransient(err) {
			return err
		}
		if attempt == maxWriteAttempts {
			break
		}

		s.log.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Transient storage error, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	return err
}
