package aio

import (
	"sync"
	"time"

	"github.com/Meesho/BharatMLStack/directio/internal/kernel"
)

// fakeQueue records submissions and completes them only when told to.
type fakeQueue struct {
	mu        sync.Mutex
	depth     int
	submitErr error
	submitted []kernel.IOCB
	pending   []kernel.Event
	destroyed bool
}

func newFakeQueue(depth int) *fakeQueue {
	return &fakeQueue{depth: depth}
}

func (q *fakeQueue) Submit(cb *kernel.IOCB) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.submitErr != nil {
		return q.submitErr
	}
	q.submitted = append(q.submitted, *cb)
	return nil
}

// finish completes the i-th outstanding submission with res.
func (q *fakeQueue) finish(i int, res int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cb := q.submitted[i]
	q.submitted = append(q.submitted[:i], q.submitted[i+1:]...)
	q.pending = append(q.pending, kernel.Event{Data: cb.Data, Res: res})
}

func (q *fakeQueue) outstanding() []kernel.IOCB {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]kernel.IOCB(nil), q.submitted...)
}

func (q *fakeQueue) GetEvents(events []kernel.Event, min int, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		if len(q.pending) >= min || timeout == 0 || (timeout > 0 && time.Now().After(deadline)) {
			n := copy(events, q.pending)
			q.pending = q.pending[n:]
			q.mu.Unlock()
			return n, nil
		}
		q.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
}

func (q *fakeQueue) Destroy() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return kernel.ErrQueueClosed
	}
	q.destroyed = true
	return nil
}

func (q *fakeQueue) Cap() int {
	return q.depth
}
