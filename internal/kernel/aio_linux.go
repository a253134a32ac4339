//go:build linux && (amd64 || arm64)
// +build linux
// +build amd64 arm64

package kernel

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// aioQueue drives the native Linux AIO interface (io_setup, io_submit,
// io_getevents, io_destroy).
type aioQueue struct {
	ctx   uintptr
	depth int

	// guards ctx against use after Destroy
	mu     sync.RWMutex
	closed bool
}

func newAIOQueue(depth int) (*aioQueue, error) {
	var ctx uintptr
	_, _, errno := unix.Syscall(unix.SYS_IO_SETUP, uintptr(depth), uintptr(unsafe.Pointer(&ctx)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("io_setup(%d): %w", depth, errno)
	}
	return &aioQueue{ctx: ctx, depth: depth}, nil
}

func (q *aioQueue) Cap() int {
	return q.depth
}

func (q *aioQueue) Submit(cb *IOCB) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	cbs := [1]*IOCB{cb}
	for {
		n, _, errno := unix.Syscall(unix.SYS_IO_SUBMIT, q.ctx, 1, uintptr(unsafe.Pointer(&cbs[0])))
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return errno
		}
		if n != 1 {
			return unix.EAGAIN
		}
		return nil
	}
}

func (q *aioQueue) GetEvents(events []Event, min int, timeout time.Duration) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return 0, ErrQueueClosed
	}

	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	got := 0
	for {
		var ts *unix.Timespec
		if timeout >= 0 {
			remaining := time.Until(deadline)
			if remaining < 0 {
				remaining = 0
			}
			t := unix.NsecToTimespec(int64(remaining))
			ts = &t
		}
		want := min - got
		if want < 0 {
			want = 0
		}
		rest := events[got:]
		n, _, errno := unix.Syscall6(unix.SYS_IO_GETEVENTS, q.ctx, uintptr(want), uintptr(len(rest)),
			uintptr(unsafe.Pointer(&rest[0])), uintptr(unsafe.Pointer(ts)), 0)
		if errno == unix.EINTR {
			// Events reaped before the signal are not reported, so simply retry
			// with whatever time remains.
			if timeout >= 0 && !time.Now().Before(deadline) {
				return got, nil
			}
			continue
		}
		if errno != 0 {
			return got, fmt.Errorf("io_getevents: %w", errno)
		}
		got += int(n)
		if got >= min || got == len(events) || timeout >= 0 {
			return got, nil
		}
	}
}

func (q *aioQueue) Destroy() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.closed = true
	_, _, errno := unix.Syscall(unix.SYS_IO_DESTROY, q.ctx, 0, 0)
	if errno != 0 {
		return fmt.Errorf("io_destroy: %w", errno)
	}
	return nil
}
