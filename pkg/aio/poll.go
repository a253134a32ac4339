package aio

import (
	"fmt"
	"time"

	"github.com/Meesho/BharatMLStack/directio/internal/kernel"
	"github.com/Meesho/BharatMLStack/directio/pkg/metrics"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Poll blocks until at least min operations have completed and returns up to
// max of them in kernel completion order. min == 0 returns whatever is ready
// without waiting. max is clamped to the queue depth.
func (c *Context) Poll(min, max int) ([]Completion, error) {
	return c.PollInto(nil, min, max, -1)
}

// PollTimeout is Poll with a bound on the wait. When the timeout expires it
// returns the completions collected so far, possibly fewer than min.
func (c *Context) PollTimeout(min, max int, timeout time.Duration) ([]Completion, error) {
	if timeout < 0 {
		return nil, fmt.Errorf("%w: timeout %s", ErrInvalidArgument, timeout)
	}
	return c.PollInto(nil, min, max, timeout)
}

// PollInto appends completions to dst. A negative timeout waits for min
// completions indefinitely.
func (c *Context) PollInto(dst []Completion, min, max int, timeout time.Duration) ([]Completion, error) {
	capacity := c.Cap()
	if min < 0 || max <= 0 || min > max || min > capacity {
		return dst, fmt.Errorf("%w: min %d max %d capacity %d", ErrInvalidArgument, min, max, capacity)
	}
	if max > capacity {
		max = capacity
	}
	if min == 0 {
		timeout = 0
	}

	c.pollMu.Lock()
	defer c.pollMu.Unlock()
	if c.closed.Load() {
		return dst, ErrContextClosed
	}

	start := time.Now()
	n, err := c.queue.GetEvents(c.events[:max], min, timeout)
	for i := 0; i < n; i++ {
		dst = append(dst, c.complete(&c.events[i]))
	}
	if metrics.Enabled() {
		metrics.Timing(metrics.KEY_POLL_LATENCY, time.Since(start), c.tags)
		metrics.Gauge(metrics.KEY_POLL_BATCH_SIZE, float64(n), c.tags)
		metrics.Gauge(metrics.KEY_INFLIGHT, float64(c.free.Used()), c.tags)
	}
	if err != nil {
		return dst, fmt.Errorf("poll %s: %w", c.name, err)
	}
	return dst, nil
}

// complete turns one kernel event into a Completion, detaching the token and
// returning the control block to the pool.
func (c *Context) complete(ev *kernel.Event) Completion {
	if ev.Data >= uint64(len(c.blocks)) {
		// never produced by a well-behaved queue; the slot cannot be recovered
		log.Error().Str("context", c.name).Uint64("data", ev.Data).Msg("completion for unknown control block")
		return Completion{Err: newCompletionError(nil, OpRead, int(unix.EINVAL))}
	}
	cb := &c.blocks[ev.Data]
	cb.gen.Load()
	token, op := cb.reset()
	if err := c.free.Release(cb); err != nil {
		log.Error().Err(err).Str("context", c.name).Uint64("slot", ev.Data).Msg("control block release failed")
	}

	tags := c.readTags
	if op == OpWrite {
		tags = c.writeTags
	}
	if ev.Res < 0 {
		if metrics.Enabled() {
			metrics.Incr(metrics.KEY_COMPLETION_ERROR_COUNT, metrics.WithErrno(tags, int(-ev.Res)))
		}
		return Completion{Token: token, Op: op, Err: newCompletionError(token, op, int(-ev.Res))}
	}
	if metrics.Enabled() {
		metrics.Incr(metrics.KEY_COMPLETION_COUNT, tags)
		metrics.Count(metrics.KEY_COMPLETION_BYTES, ev.Res, tags)
	}
	return Completion{Token: token, Op: op, Result: ev.Res}
}
