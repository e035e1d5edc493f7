package search

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"briefcast.org/common"
)

// httpStatusError is a search API failure carrying the vendor status code.
type httpStatusError struct {
	provider string
	status   int
	body     string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.provider, e.status, e.body)
}

// retryable reports whether a vendor status code is worth retrying.
// Rate limits and server errors are transient; other client errors abort.
func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// doWithRetry executes call with exponential backoff (1s, 2s, 4s, 8s, capped
// at 10s) for up to 3 attempts. Permanent vendor errors abort immediately.
// The per-provider rate limiter is consulted before every attempt, so the
// minimum inter-request interval holds across retries too.
func doWithRetry(ctx context.Context, provider string, limiter *rate.Limiter, call func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 10 * time.Second
	bo.RandomizationFactor = 0

	attempts := 0
	operation := func() error {
		attempts++
		if err := limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		err := call()
		if err == nil {
			return nil
		}
		if se, ok := err.(*httpStatusError); ok && !retryable(se.status) {
			return backoff.Permanent(err)
		}
		common.Logger.WithError(err).WithField("provider", provider).
			WithField("attempt", attempts).Warn("search request failed, retrying")
		return err
	}

	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, 2), ctx))
}
