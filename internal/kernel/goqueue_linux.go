//go:build linux && (amd64 || arm64)
// +build linux
// +build amd64 arm64

package kernel

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// goQueue emulates an AIO context with a fixed set of worker goroutines that
// issue blocking pread64/pwrite64 calls. Per-request failures are reported as
// negated errnos in the completion, the same way the kernel reports them.
type goQueue struct {
	depth    int
	reqs     chan IOCB
	done     chan Event
	closeCh  chan struct{}
	wg       sync.WaitGroup
	inflight atomic.Int64
	mu       sync.RWMutex
	closed   bool
}

func newGoQueue(depth, workers int) (*goQueue, error) {
	if workers <= 0 || workers > depth {
		workers = depth
	}
	q := &goQueue{
		depth:   depth,
		reqs:    make(chan IOCB, depth),
		done:    make(chan Event, depth),
		closeCh: make(chan struct{}),
	}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.worker()
	}
	return q, nil
}

func (q *goQueue) Cap() int {
	return q.depth
}

func (q *goQueue) worker() {
	defer q.wg.Done()
	for {
		select {
		case cb := <-q.reqs:
			q.done <- Event{Data: cb.Data, Res: perform(&cb)}
		case <-q.closeCh:
			return
		}
	}
}

func perform(cb *IOCB) int64 {
	trap := uintptr(unix.SYS_PREAD64)
	if cb.Opcode == OpPwrite {
		trap = unix.SYS_PWRITE64
	}
	for {
		n, _, errno := unix.Syscall6(trap, uintptr(cb.Fd), uintptr(cb.Buf), uintptr(cb.Nbytes), uintptr(cb.Offset), 0, 0)
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return -int64(errno)
		}
		return int64(n)
	}
}

func (q *goQueue) Submit(cb *IOCB) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.inflight.Add(1) > int64(q.depth) {
		q.inflight.Add(-1)
		return unix.EAGAIN
	}
	switch cb.Opcode {
	case OpPread, OpPwrite:
	default:
		q.inflight.Add(-1)
		return unix.EINVAL
	}
	q.reqs <- *cb
	return nil
}

func (q *goQueue) GetEvents(events []Event, min int, timeout time.Duration) (int, error) {
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()
	if closed {
		return 0, ErrQueueClosed
	}

	got := q.drainReady(events, 0)
	if got >= min || got == len(events) || timeout == 0 {
		return got, nil
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	for got < min {
		select {
		case ev := <-q.done:
			events[got] = ev
			got++
			q.inflight.Add(-1)
		case <-timer:
			return got, nil
		case <-q.closeCh:
			return got, ErrQueueClosed
		}
	}
	return q.drainReady(events, got), nil
}

// drainReady moves already finished completions into events[got:] without
// waiting.
func (q *goQueue) drainReady(events []Event, got int) int {
	for got < len(events) {
		select {
		case ev := <-q.done:
			events[got] = ev
			got++
			q.inflight.Add(-1)
		default:
			return got
		}
	}
	return got
}

// Destroy stops the workers. Requests still queued are abandoned and their
// completions are never reported.
func (q *goQueue) Destroy() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.closed = true
	close(q.closeCh)
	q.mu.Unlock()

	// unblock workers parked on a full done channel
	go func() {
		for range q.done {
		}
	}()
	q.wg.Wait()
	close(q.done)
	return nil
}
