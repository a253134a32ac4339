// Package aio is an asynchronous direct-I/O engine over a kernel completion
// queue. A Context owns a fixed number of control blocks: every submission
// takes one and every polled completion gives it back, so the queue depth
// bounds the operations in flight and exhaustion surfaces as ErrQueueFull
// instead of blocking.
package aio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Meesho/BharatMLStack/directio/internal/kernel"
	"github.com/Meesho/BharatMLStack/directio/internal/pool"
	"github.com/Meesho/BharatMLStack/directio/pkg/metrics"
	"github.com/rs/zerolog/log"
)

type Backend = kernel.Backend

const (
	BackendLinuxAIO   = kernel.BackendLinuxAIO
	BackendIoUring    = kernel.BackendIoUring
	BackendGoroutines = kernel.BackendGoroutines
)

func ParseBackend(s string) (Backend, error) {
	return kernel.ParseBackend(s)
}

const (
	DefaultBlockSize = 4096
	drainStep        = 10 * time.Millisecond
)

type Config struct {
	// QueueDepth is the maximum number of operations in flight.
	QueueDepth int
	Backend    Backend
	// SQPoll enables the io_uring kernel submission thread.
	SQPoll bool
	// Workers bounds the goroutine backend. Zero means QueueDepth.
	Workers int
	// BlockSize is the alignment enforced by files opened in direct mode.
	BlockSize int
	// Name tags logs and metrics.
	Name string
}

// Context is an I/O context: a kernel queue, its control blocks and the
// scratch events buffer used while polling.
type Context struct {
	name      string
	backend   Backend
	blockSize int

	queue  kernel.Queue
	blocks []controlBlock
	free   *pool.RingPool[*controlBlock]
	events []kernel.Event

	// lifecycle is held shared by submitters and exclusively by Destroy.
	lifecycle sync.RWMutex
	// pollMu serializes pollers; it also guards events.
	pollMu sync.Mutex
	closed atomic.Bool

	tags      []string
	readTags  []string
	writeTags []string
}

// New creates a context on the default backend.
func New(queueDepth int) (*Context, error) {
	return NewContext(Config{QueueDepth: queueDepth})
}

func NewContext(cfg Config) (*Context, error) {
	if err := validateDepth(cfg.QueueDepth); err != nil {
		return nil, err
	}
	q, err := kernel.Open(cfg.Backend, cfg.QueueDepth, kernel.Options{SQPoll: cfg.SQPoll, Workers: cfg.Workers})
	if err != nil {
		log.Error().Err(err).Str("backend", cfg.Backend.String()).Int("queue_depth", cfg.QueueDepth).
			Msg("failed to create kernel I/O queue")
		return nil, fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	}
	c, err := newContext(q, cfg)
	if err != nil {
		_ = q.Destroy()
		return nil, err
	}
	log.Info().Str("context", c.name).Str("backend", c.backend.String()).Int("queue_depth", cfg.QueueDepth).
		Msg("I/O context created")
	return c, nil
}

func validateDepth(depth int) error {
	if depth <= 0 || int64(depth) > math.MaxUint32 {
		return fmt.Errorf("%w: queue depth %d", ErrInvalidArgument, depth)
	}
	return nil
}

// newContext builds the control-block arena around an existing queue.
func newContext(q kernel.Queue, cfg Config) (*Context, error) {
	if err := validateDepth(cfg.QueueDepth); err != nil {
		return nil, err
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.BlockSize < 0 || cfg.BlockSize&(cfg.BlockSize-1) != 0 {
		return nil, fmt.Errorf("%w: block size %d", ErrInvalidArgument, cfg.BlockSize)
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}

	blocks := make([]controlBlock, cfg.QueueDepth)
	ptrs := make([]*controlBlock, cfg.QueueDepth)
	for i := range blocks {
		blocks[i].index = uint64(i)
		ptrs[i] = &blocks[i]
	}
	free, err := pool.NewRingPool(ptrs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	tags := metrics.GetContextTags(cfg.Name, cfg.Backend.String())
	c := &Context{
		name:      cfg.Name,
		backend:   cfg.Backend,
		blockSize: cfg.BlockSize,
		queue:     q,
		blocks:    blocks,
		free:      free,
		events:    make([]kernel.Event, cfg.QueueDepth),
		tags:      tags,
		readTags:  append(metrics.GetOpTag(false), tags...),
		writeTags: append(metrics.GetOpTag(true), tags...),
	}
	metrics.Incr(metrics.KEY_CONTEXT_CREATE_COUNT, c.tags)
	return c, nil
}

// InFlight returns the number of submitted operations whose completion has
// not been polled yet.
func (c *Context) InFlight() int {
	return c.free.Used()
}

// Cap returns the queue depth.
func (c *Context) Cap() int {
	return c.free.Cap()
}

func (c *Context) Backend() Backend {
	return c.backend
}

func (c *Context) BlockSize() int {
	return c.blockSize
}

// Destroy releases the kernel queue and the control blocks. It refuses with
// ErrContextBusy while operations are in flight or a poll is running; use
// Drain or Close to quiesce first.
func (c *Context) Destroy() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.closed.Load() {
		return ErrContextClosed
	}
	if !c.pollMu.TryLock() {
		return fmt.Errorf("%w: poll in progress", ErrContextBusy)
	}
	defer c.pollMu.Unlock()
	if n := c.free.Used(); n > 0 {
		return fmt.Errorf("%w: %d operations", ErrContextBusy, n)
	}

	c.closed.Store(true)
	err := c.queue.Destroy()
	for i := range c.blocks {
		c.blocks[i].reset()
	}
	c.blocks = nil
	c.events = nil
	if err != nil {
		log.Error().Err(err).Str("context", c.name).Msg("failed to destroy kernel I/O queue")
		return err
	}
	log.Info().Str("context", c.name).Msg("I/O context destroyed")
	return nil
}

// Drain polls until nothing is in flight or ctx is done and returns every
// completion it collected.
func (c *Context) Drain(ctx context.Context) ([]Completion, error) {
	var drained []Completion
	for c.InFlight() > 0 {
		if err := ctx.Err(); err != nil {
			return drained, err
		}
		var err error
		drained, err = c.PollInto(drained, 1, c.Cap(), drainStep)
		if err != nil {
			return drained, err
		}
	}
	return drained, nil
}

// Close drains the context, hands drained completions to tokens implementing
// Callback (others are dropped) and destroys it. A running Poller must be
// closed first.
func (c *Context) Close(ctx context.Context) error {
	for {
		if c.closed.Load() {
			return ErrContextClosed
		}
		drained, err := c.Drain(ctx)
		for _, comp := range drained {
			Dispatch(comp, nil)
		}
		if err != nil {
			return fmt.Errorf("drain %s: %w", c.name, err)
		}
		err = c.Destroy()
		// retry only when a submission raced in after the drain
		if errors.Is(err, ErrContextBusy) && c.InFlight() > 0 {
			continue
		}
		return err
	}
}
