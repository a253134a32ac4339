package aio

import (
	"context"
	"errors"
	"time"

	"github.com/Meesho/BharatMLStack/directio/pkg/metrics"
	"github.com/cenkalti/backoff"
)

// SubmitWithBackoff calls submit until it stops reporting ErrQueueFull, waiting
// between attempts according to b. Any other error ends the retries.
func SubmitWithBackoff(ctx context.Context, b backoff.BackOff, submit func() error) error {
	op := func() error {
		err := submit()
		if err == nil || errors.Is(err, ErrQueueFull) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(error, time.Duration) {
		metrics.Incr(metrics.KEY_SUBMIT_RETRY_COUNT, nil)
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}

// NewSubmitBackOff is an exponential policy suited to queue-full retries:
// it starts at initial, caps each wait at max and gives up after maxElapsed.
func NewSubmitBackOff(initial, max, maxElapsed time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.MaxElapsedTime = maxElapsed
	b.Reset()
	return b
}
