package aio

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newFakeContext(t *testing.T, depth int) (*Context, *fakeQueue) {
	t.Helper()
	q := newFakeQueue(depth)
	c, err := newContext(q, Config{QueueDepth: depth, Name: "fake"})
	require.NoError(t, err)
	return c, q
}

func TestNewContextValidation(t *testing.T) {
	for _, depth := range []int{0, -1, math.MaxUint32 + 1} {
		_, err := NewContext(Config{QueueDepth: depth, Backend: BackendGoroutines})
		assert.ErrorIs(t, err, ErrInvalidArgument, "depth %d", depth)
	}
	_, err := New(0)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = newContext(newFakeQueue(4), Config{QueueDepth: 4, BlockSize: 1000})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewContext(Config{QueueDepth: 4, Backend: Backend(99)})
	assert.ErrorIs(t, err, ErrResourceExhausted)
}

func TestSubmitValidation(t *testing.T) {
	c, _ := newFakeContext(t, 4)
	buf := make([]byte, 4096)

	tests := []struct {
		name   string
		fd     int
		offset int64
		buf    []byte
		size   int
	}{
		{"negative fd", -1, 0, buf, 4096},
		{"zero size", 3, 0, buf, 0},
		{"size beyond buffer", 3, 0, buf, 8192},
		{"negative offset", 3, -4096, buf, 4096},
		{"nil buffer", 3, 0, nil, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.SubmitWrite(tt.fd, tt.offset, tt.buf, tt.size, "token")
			assert.ErrorIs(t, err, ErrInvalidArgument)
			err = c.SubmitRead(tt.fd, tt.offset, tt.buf, tt.size, "token")
			assert.ErrorIs(t, err, ErrInvalidArgument)
			assert.Equal(t, 0, c.InFlight())
		})
	}
}

func TestPollValidation(t *testing.T) {
	c, _ := newFakeContext(t, 4)
	tests := []struct {
		name     string
		min, max int
	}{
		{"negative min", -1, 4},
		{"zero max", 0, 0},
		{"min above max", 3, 2},
		{"min above capacity", 5, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Poll(tt.min, tt.max)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
	_, err := c.PollTimeout(0, 4, -time.Second)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	// max above capacity is clamped, min == 0 never waits
	out, err := c.Poll(0, 64)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestSubmitPopulatesControlBlock(t *testing.T) {
	c, q := newFakeContext(t, 2)
	buf := make([]byte, 8192)

	require.NoError(t, c.SubmitWrite(7, 4096, buf, 4096, "w"))
	require.NoError(t, c.SubmitRead(8, 8192, buf, 8192, "r"))

	cbs := q.outstanding()
	require.Len(t, cbs, 2)
	assert.EqualValues(t, 1, cbs[0].Opcode)
	assert.EqualValues(t, 7, cbs[0].Fd)
	assert.EqualValues(t, 4096, cbs[0].Offset)
	assert.EqualValues(t, 4096, cbs[0].Nbytes)
	assert.EqualValues(t, 0, cbs[1].Opcode)
	assert.EqualValues(t, 8, cbs[1].Fd)
	assert.EqualValues(t, 8192, cbs[1].Nbytes)
	assert.NotEqual(t, cbs[0].Data, cbs[1].Data, "distinct control blocks")
	assert.Equal(t, 2, c.InFlight())
}

func TestQueueFullWhenPoolExhausted(t *testing.T) {
	c, q := newFakeContext(t, 2)
	buf := make([]byte, 512)

	require.NoError(t, c.SubmitWrite(3, 0, buf, 512, 1))
	require.NoError(t, c.SubmitWrite(3, 512, buf, 512, 2))
	assert.ErrorIs(t, c.SubmitWrite(3, 1024, buf, 512, 3), ErrQueueFull)
	assert.Equal(t, 2, c.InFlight())

	q.finish(0, 512)
	out, err := c.Poll(1, 2)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 1, out[0].Token)
	assert.Equal(t, 1, c.InFlight())

	require.NoError(t, c.SubmitWrite(3, 1024, buf, 512, 3))
}

func TestKernelEAGAINIsQueueFull(t *testing.T) {
	for _, errno := range []unix.Errno{unix.EAGAIN, unix.EBUSY} {
		c, q := newFakeContext(t, 2)
		q.submitErr = errno

		err := c.SubmitRead(3, 0, make([]byte, 512), 512, "token")
		assert.ErrorIs(t, err, ErrQueueFull)
		assert.Equal(t, 0, c.InFlight(), "control block returned on %v", errno)
		for i := range c.blocks {
			assert.Nil(t, c.blocks[i].token, "token released")
		}
	}
}

func TestKernelRejectionIsSubmitError(t *testing.T) {
	c, q := newFakeContext(t, 2)
	q.submitErr = unix.EBADF

	err := c.SubmitWrite(3, 0, make([]byte, 512), 512, "token")
	var subErr *SubmitError
	require.True(t, errors.As(err, &subErr))
	assert.Equal(t, OpWrite, subErr.Op)
	assert.Equal(t, unix.EBADF, subErr.Errno)
	assert.ErrorIs(t, err, unix.EBADF)
	assert.Contains(t, err.Error(), "bad file descriptor")
	assert.Equal(t, 0, c.InFlight())

	q.submitErr = errors.New("ring torn down")
	err = c.SubmitWrite(3, 0, make([]byte, 512), 512, "token")
	assert.ErrorContains(t, err, "ring torn down")
	assert.Equal(t, 0, c.InFlight())
}

func TestPollClassifiesAndKeepsKernelOrder(t *testing.T) {
	c, q := newFakeContext(t, 4)
	buf := make([]byte, 4096)
	for _, tok := range []string{"a", "b", "c"} {
		require.NoError(t, c.SubmitRead(3, 0, buf, 4096, tok))
	}

	// kernel finishes c, then a (with EIO), then b
	q.finish(2, 4096)
	q.finish(0, -int64(unix.EIO))
	q.finish(0, 100)

	out, err := c.Poll(3, 4)
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, "c", out[0].Token)
	assert.True(t, out[0].OK())
	assert.EqualValues(t, 4096, out[0].Result)

	assert.Equal(t, "a", out[1].Token)
	require.False(t, out[1].OK())
	assert.Equal(t, int(unix.EIO), out[1].Err.Code)
	assert.Equal(t, "a", out[1].Err.Token)
	assert.NotEmpty(t, out[1].Err.Message)
	assert.ErrorIs(t, out[1].Err, unix.EIO)

	assert.Equal(t, "b", out[2].Token)
	assert.EqualValues(t, 100, out[2].Result)

	assert.Equal(t, 0, c.InFlight())
}

func TestPollTimeoutReturnsShort(t *testing.T) {
	c, q := newFakeContext(t, 4)
	buf := make([]byte, 512)
	require.NoError(t, c.SubmitRead(3, 0, buf, 512, "only"))
	q.finish(0, 512)

	out, err := c.PollTimeout(2, 4, 20*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "only", out[0].Token)
}

func TestPollIntoAppends(t *testing.T) {
	c, q := newFakeContext(t, 4)
	buf := make([]byte, 512)
	require.NoError(t, c.SubmitRead(3, 0, buf, 512, 1))
	require.NoError(t, c.SubmitRead(3, 0, buf, 512, 2))
	q.finish(0, 512)
	q.finish(0, 512)

	dst := []Completion{{Token: 0}}
	dst, err := c.PollInto(dst, 2, 4, time.Second)
	require.NoError(t, err)
	require.Len(t, dst, 3)
	assert.Equal(t, []any{0, 1, 2}, []any{dst[0].Token, dst[1].Token, dst[2].Token})
}

func TestConcurrentSubmitBoundedByCapacity(t *testing.T) {
	const capacity = 8
	c, q := newFakeContext(t, capacity)

	var (
		wg        sync.WaitGroup
		accepted  atomic.Int64
		queueFull atomic.Int64
	)
	for g := 0; g < 4*capacity; g++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			err := c.SubmitWrite(3, 0, make([]byte, 512), 512, id)
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, ErrQueueFull):
				queueFull.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(g)
	}
	wg.Wait()

	assert.EqualValues(t, capacity, accepted.Load())
	assert.EqualValues(t, 3*capacity, queueFull.Load())
	assert.Equal(t, capacity, c.InFlight())
	assert.ErrorIs(t, c.SubmitWrite(3, 0, make([]byte, 512), 512, "late"), ErrQueueFull)

	q.finish(0, 512)
	out, err := c.Poll(1, capacity)
	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.NoError(t, c.SubmitWrite(3, 0, make([]byte, 512), 512, "late"))
}

func TestDestroyRefusesInFlight(t *testing.T) {
	c, q := newFakeContext(t, 2)
	require.NoError(t, c.SubmitWrite(3, 0, make([]byte, 512), 512, "x"))

	assert.ErrorIs(t, c.Destroy(), ErrContextBusy)
	assert.False(t, q.destroyed)

	q.finish(0, 512)
	_, err := c.Poll(1, 2)
	require.NoError(t, err)

	require.NoError(t, c.Destroy())
	assert.True(t, q.destroyed)
	assert.ErrorIs(t, c.Destroy(), ErrContextClosed)
	assert.ErrorIs(t, c.SubmitWrite(3, 0, make([]byte, 512), 512, "y"), ErrContextClosed)
	_, err = c.Poll(0, 1)
	assert.ErrorIs(t, err, ErrContextClosed)
}

type recordingCallback struct {
	mu   sync.Mutex
	ok   []Completion
	errs []*CompletionError
}

func (r *recordingCallback) OnComplete(c Completion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ok = append(r.ok, c)
}

func (r *recordingCallback) OnError(err *CompletionError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func TestCloseDrainsAndDispatches(t *testing.T) {
	c, q := newFakeContext(t, 4)
	cb := &recordingCallback{}
	buf := make([]byte, 512)
	require.NoError(t, c.SubmitWrite(3, 0, buf, 512, cb))
	require.NoError(t, c.SubmitRead(3, 0, buf, 512, cb))

	go func() {
		time.Sleep(5 * time.Millisecond)
		q.finish(0, 512)
		q.finish(0, -int64(unix.ENOSPC))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Close(ctx))

	assert.Len(t, cb.ok, 1)
	require.Len(t, cb.errs, 1)
	assert.Equal(t, int(unix.ENOSPC), cb.errs[0].Code)
	assert.True(t, q.destroyed)
	assert.ErrorIs(t, c.Close(ctx), ErrContextClosed)
}

func TestDrainHonoursContext(t *testing.T) {
	c, _ := newFakeContext(t, 2)
	require.NoError(t, c.SubmitWrite(3, 0, make([]byte, 512), 512, "stuck"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.Drain(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, c.InFlight())
}
