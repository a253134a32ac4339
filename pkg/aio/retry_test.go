package aio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitWithBackoffRetriesQueueFull(t *testing.T) {
	c, q := newFakeContext(t, 1)
	buf := make([]byte, 512)
	require.NoError(t, c.SubmitWrite(3, 0, buf, 512, "first"))

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.finish(0, 512)
		_, _ = c.Poll(1, 1)
	}()

	attempts := 0
	err := SubmitWithBackoff(context.Background(), backoff.NewConstantBackOff(2*time.Millisecond), func() error {
		attempts++
		return c.SubmitWrite(3, 0, buf, 512, "second")
	})
	require.NoError(t, err)
	assert.Greater(t, attempts, 1)
	assert.Equal(t, 1, c.InFlight())
}

func TestSubmitWithBackoffStopsOnOtherErrors(t *testing.T) {
	attempts := 0
	err := SubmitWithBackoff(context.Background(), backoff.NewConstantBackOff(time.Millisecond), func() error {
		attempts++
		return ErrInvalidArgument
	})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, 1, attempts)
}

func TestSubmitWithBackoffGivesUp(t *testing.T) {
	b := NewSubmitBackOff(time.Millisecond, 2*time.Millisecond, 20*time.Millisecond)
	err := SubmitWithBackoff(context.Background(), b, func() error { return ErrQueueFull })
	assert.ErrorIs(t, err, ErrQueueFull)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = SubmitWithBackoff(ctx, backoff.NewConstantBackOff(time.Millisecond), func() error { return ErrQueueFull })
	assert.True(t, errors.Is(err, ErrQueueFull) || errors.Is(err, context.Canceled), "got %v", err)
}
