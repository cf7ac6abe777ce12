package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/ashita-ai/folio/internal/model"
)

// Retryable reports whether err is worth another attempt. Only store
// outages qualify; invalid input and missing rows never do.
func Retryable(err error) bool {
	return errors.Is(err, model.ErrStoreUnavailable)
}

// WithRetry executes fn, retrying up to maxRetries times while fn fails with
// model.ErrStoreUnavailable. Retries use jittered exponential backoff
// starting at baseDelay. The last error is returned once retries run out.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := range maxRetries + 1 {
		err = fn()
		if err == nil || !Retryable(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		var jitter time.Duration
		if baseDelay > 0 {
			jitter = time.Duration(rand.Int64N(int64(baseDelay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay + jitter):
		}
		baseDelay *= 2
	}
	return err
}
