package aio

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/Meesho/BharatMLStack/directio/internal/kernel"
	"github.com/Meesho/BharatMLStack/directio/pkg/metrics"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// controlBlock is one slot of the context arena. It is either free, sitting
// in the ring pool with no token, or in flight with exactly one token.
type controlBlock struct {
	index uint64
	iocb  kernel.IOCB
	op    Op
	token any
	// buf keeps the caller's memory reachable while the kernel uses it.
	buf []byte
	// gen is bumped after prepare and loaded by the poller before it reads
	// the block. The kernel round trip orders nothing for Go.
	gen atomic.Uint64
}

func (cb *controlBlock) prepare(op Op, fd int, offset int64, buf []byte, size int, token any) {
	cb.iocb.Reset()
	cb.iocb.Data = cb.index
	if op == OpWrite {
		cb.iocb.Opcode = kernel.OpPwrite
	} else {
		cb.iocb.Opcode = kernel.OpPread
	}
	cb.iocb.Fd = uint32(fd)
	cb.iocb.Buf = uint64(uintptr(unsafe.Pointer(&buf[0])))
	cb.iocb.Nbytes = uint64(size)
	cb.iocb.Offset = offset
	cb.op = op
	cb.token = token
	cb.buf = buf
}

// reset detaches the token and buffer and returns them. The IOCB is left
// alone: a submitter may still be reading it, and prepare rewrites it on the
// next acquire.
func (cb *controlBlock) reset() (token any, op Op) {
	token, op = cb.token, cb.op
	cb.token = nil
	cb.buf = nil
	return token, op
}

// SubmitWrite queues a write of buf[:size] to fd at offset. token comes back
// in the matching Completion. buf must stay untouched until then.
func (c *Context) SubmitWrite(fd int, offset int64, buf []byte, size int, token any) error {
	return c.submit(OpWrite, fd, offset, buf, size, token)
}

// SubmitRead queues a read of size bytes from fd at offset into buf.
func (c *Context) SubmitRead(fd int, offset int64, buf []byte, size int, token any) error {
	return c.submit(OpRead, fd, offset, buf, size, token)
}

func validateRequest(fd int, offset int64, buf []byte, size int) error {
	switch {
	case fd < 0:
		return fmt.Errorf("%w: fd %d", ErrInvalidArgument, fd)
	case size <= 0 || size > math.MaxInt32:
		return fmt.Errorf("%w: size %d", ErrInvalidArgument, size)
	case size > len(buf):
		return fmt.Errorf("%w: size %d exceeds buffer of %d bytes", ErrInvalidArgument, size, len(buf))
	case offset < 0:
		return fmt.Errorf("%w: offset %d", ErrInvalidArgument, offset)
	}
	return nil
}

func (c *Context) submit(op Op, fd int, offset int64, buf []byte, size int, token any) error {
	if err := validateRequest(fd, offset, buf, size); err != nil {
		return err
	}
	c.lifecycle.RLock()
	defer c.lifecycle.RUnlock()
	if c.closed.Load() {
		return ErrContextClosed
	}

	tags := c.readTags
	if op == OpWrite {
		tags = c.writeTags
	}
	cb, ok := c.free.TryAcquire()
	if !ok {
		metrics.Incr(metrics.KEY_QUEUE_FULL_COUNT, tags)
		return ErrQueueFull
	}
	cb.prepare(op, fd, offset, buf, size, token)
	cb.gen.Add(1)

	var start time.Time
	if metrics.Enabled() {
		start = time.Now()
	}
	err := c.queue.Submit(&cb.iocb)
	if err == nil {
		if metrics.Enabled() {
			metrics.Timing(metrics.KEY_SUBMIT_LATENCY, time.Since(start), tags)
			metrics.Incr(metrics.KEY_SUBMIT_COUNT, tags)
		}
		return nil
	}

	cb.reset()
	if relErr := c.free.Release(cb); relErr != nil {
		log.Error().Err(relErr).Str("context", c.name).Msg("control block release failed")
	}
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EBUSY) {
		metrics.Incr(metrics.KEY_QUEUE_FULL_COUNT, tags)
		return ErrQueueFull
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		if metrics.Enabled() {
			metrics.Incr(metrics.KEY_SUBMIT_ERROR_COUNT, metrics.WithErrno(tags, int(errno)))
		}
		return &SubmitError{Op: op, Errno: errno}
	}
	metrics.Incr(metrics.KEY_SUBMIT_ERROR_COUNT, tags)
	return fmt.Errorf("submit %s: %w", op, err)
}
