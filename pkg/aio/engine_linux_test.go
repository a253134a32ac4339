//go:build linux && (amd64 || arm64)
// +build linux
// +build amd64 arm64

package aio

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Meesho/BharatMLStack/directio/pkg/buffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newBackendContext(t *testing.T, backend Backend, depth int) *Context {
	t.Helper()
	c, err := NewContext(Config{QueueDepth: depth, Backend: backend, Name: t.Name()})
	if err != nil {
		if backend != BackendGoroutines && errors.Is(err, ErrResourceExhausted) {
			t.Skipf("%s unavailable: %v", backend, err)
		}
		t.Fatalf("NewContext: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Close(ctx); err != nil && !errors.Is(err, ErrContextClosed) {
			t.Errorf("Close: %v", err)
		}
	})
	return c
}

func openTestFile(t *testing.T, c *Context, direct bool) *File {
	t.Helper()
	f, err := c.OpenFile(filepath.Join(t.TempDir(), "data"), direct)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func newBlock(t *testing.T, size int, fill byte) *buffer.AlignedBuffer {
	t.Helper()
	b, err := buffer.NewAligned(size, DefaultBlockSize)
	require.NoError(t, err)
	t.Cleanup(func() { buffer.Free(b) })
	for i := range b.Buf {
		b.Buf[i] = fill + byte(i%7)
	}
	return b
}

func TestSubmitWriteThenPoll(t *testing.T) {
	for _, backend := range []Backend{BackendGoroutines, BackendLinuxAIO, BackendIoUring} {
		t.Run(backend.String(), func(t *testing.T) {
			c := newBackendContext(t, backend, 8)
			f := openTestFile(t, c, true)
			src := newBlock(t, 2*DefaultBlockSize, 'a')

			type token struct{ id int }
			tok := &token{id: 42}
			require.NoError(t, f.Write(DefaultBlockSize, src.Buf, src.Len(), tok))
			assert.Equal(t, 1, c.InFlight())

			out, err := c.Poll(1, 8)
			require.NoError(t, err)
			require.Len(t, out, 1)
			assert.Same(t, tok, out[0].Token)
			assert.Equal(t, OpWrite, out[0].Op)
			require.True(t, out[0].OK(), "write failed: %v", out[0].Err)
			assert.EqualValues(t, src.Len(), out[0].Result)
			assert.Equal(t, 0, c.InFlight())

			size, err := f.Size()
			require.NoError(t, err)
			assert.EqualValues(t, 3*DefaultBlockSize, size)

			dst := newBlock(t, 2*DefaultBlockSize, 0)
			require.NoError(t, f.Read(DefaultBlockSize, dst.Buf, dst.Len(), "read"))
			out, err = c.Poll(1, 8)
			require.NoError(t, err)
			require.Len(t, out, 1)
			assert.Equal(t, "read", out[0].Token)
			assert.EqualValues(t, dst.Len(), out[0].Result)
			assert.True(t, bytes.Equal(src.Buf, dst.Buf))
		})
	}
}

func TestReadOnInvalidHandleIsCompletionError(t *testing.T) {
	// The emulated queue reports per-request errno as a completion, as the
	// kernel does for failures detected after submission.
	c := newBackendContext(t, BackendGoroutines, 4)
	buf := newBlock(t, DefaultBlockSize, 0)

	require.NoError(t, c.SubmitRead(1<<20, 0, buf.Buf, buf.Len(), "bad"))
	assert.Equal(t, 1, c.InFlight())

	out, err := c.Poll(1, 4)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.NotNil(t, out[0].Err)
	assert.Equal(t, "bad", out[0].Token)
	assert.Equal(t, "bad", out[0].Err.Token)
	assert.NotZero(t, out[0].Err.Code)
	assert.Equal(t, int(unix.EBADF), out[0].Err.Code)
	assert.NotEmpty(t, out[0].Err.Message)
	assert.ErrorIs(t, out[0].Err, unix.EBADF)
	assert.Equal(t, 0, c.InFlight())
}

func TestReadOnInvalidHandleIsRejectedByKernel(t *testing.T) {
	// Native AIO validates the descriptor inside io_submit.
	c := newBackendContext(t, BackendLinuxAIO, 4)
	buf := newBlock(t, DefaultBlockSize, 0)

	err := c.SubmitRead(1<<20, 0, buf.Buf, buf.Len(), "bad")
	var subErr *SubmitError
	require.True(t, errors.As(err, &subErr), "got %v", err)
	assert.Equal(t, unix.EBADF, subErr.Errno)
	assert.Equal(t, 0, c.InFlight())
}

func TestManyWritesAcrossBackends(t *testing.T) {
	for _, backend := range []Backend{BackendGoroutines, BackendLinuxAIO, BackendIoUring} {
		t.Run(backend.String(), func(t *testing.T) {
			const depth = 16
			c := newBackendContext(t, backend, depth)
			f := openTestFile(t, c, false)
			buf := newBlock(t, depth*DefaultBlockSize, 'x')

			for i := 0; i < depth; i++ {
				chunk := buf.Buf[i*DefaultBlockSize : (i+1)*DefaultBlockSize]
				require.NoError(t, f.Write(int64(i*DefaultBlockSize), chunk, DefaultBlockSize, i))
			}
			assert.ErrorIs(t, f.Write(0, buf.Buf, DefaultBlockSize, "extra"), ErrQueueFull)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			drained, err := c.Drain(ctx)
			require.NoError(t, err)
			require.Len(t, drained, depth)
			seen := map[any]bool{}
			for _, comp := range drained {
				require.True(t, comp.OK(), "%v", comp.Err)
				seen[comp.Token] = true
			}
			assert.Len(t, seen, depth)
		})
	}
}

// countingOp counts how often its completion is delivered.
type countingOp struct {
	delivered atomic.Int32
	failed    atomic.Int32
}

func (o *countingOp) OnComplete(Completion) { o.delivered.Add(1) }

func (o *countingOp) OnError(*CompletionError) {
	o.delivered.Add(1)
	o.failed.Add(1)
}

func TestConcurrentSubmitWithPollerAcrossBackends(t *testing.T) {
	for _, backend := range []Backend{BackendGoroutines, BackendLinuxAIO, BackendIoUring} {
		t.Run(backend.String(), func(t *testing.T) {
			const (
				depth      = 8
				submitters = 6
				perWorker  = 500
				slots      = 64
			)
			c := newBackendContext(t, backend, depth)
			f := openTestFile(t, c, false)
			src := newBlock(t, DefaultBlockSize, 's')

			p := NewPoller(c, PollerConfig{Wait: time.Millisecond})
			defer p.Close()

			ops := make([]*countingOp, submitters*perWorker)
			for i := range ops {
				ops[i] = &countingOp{}
			}

			var wg sync.WaitGroup
			for w := 0; w < submitters; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < perWorker; i++ {
						n := w*perWorker + i
						off := int64(n%slots) * DefaultBlockSize
						for {
							err := f.Write(off, src.Buf, DefaultBlockSize, ops[n])
							if err == nil {
								break
							}
							if !errors.Is(err, ErrQueueFull) {
								t.Errorf("submit %d: %v", n, err)
								return
							}
							if c.InFlight() > depth {
								t.Errorf("in flight %d exceeds depth %d", c.InFlight(), depth)
							}
							runtime.Gosched()
						}
					}
				}(w)
			}
			wg.Wait()

			require.Eventually(t, func() bool { return c.InFlight() == 0 }, 10*time.Second, time.Millisecond)
			for n, op := range ops {
				require.EqualValues(t, 1, op.delivered.Load(), "op %d", n)
				require.Zero(t, op.failed.Load(), "op %d", n)
			}
		})
	}
}
