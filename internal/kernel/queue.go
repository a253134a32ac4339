package kernel

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotSupported = errors.New("queue backend not supported on this platform")
	ErrQueueClosed  = errors.New("queue is closed")
)

// Queue is a kernel submission/completion queue of fixed depth.
//
// Submit hands one control block to the queue. The block may be reused as soon
// as Submit returns. A queue that has no room returns unix.EAGAIN.
//
// GetEvents waits until at least min events are available, up to len(events),
// or until timeout elapses. A negative timeout waits forever and a zero timeout
// only collects what is already complete. Expiry is not an error: the number of
// events collected so far is returned.
type Queue interface {
	Submit(cb *IOCB) error
	GetEvents(events []Event, min int, timeout time.Duration) (int, error)
	Destroy() error
	Cap() int
}

type Backend int

const (
	BackendLinuxAIO Backend = iota
	BackendIoUring
	BackendGoroutines
)

func (b Backend) String() string {
	switch b {
	case BackendLinuxAIO:
		return "linuxaio"
	case BackendIoUring:
		return "iouring"
	case BackendGoroutines:
		return "goroutines"
	default:
		return fmt.Sprintf("backend(%d)", int(b))
	}
}

func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "linuxaio", "aio", "libaio":
		return BackendLinuxAIO, nil
	case "iouring", "io_uring", "uring":
		return BackendIoUring, nil
	case "goroutines", "go", "emulated":
		return BackendGoroutines, nil
	default:
		return 0, fmt.Errorf("unknown queue backend %q", s)
	}
}

type Options struct {
	// SQPoll asks io_uring for a kernel submission thread.
	SQPoll bool
	// Workers bounds the goroutine backend's concurrency. Zero means depth.
	Workers int
}

// Open creates a queue able to hold depth requests in flight.
func Open(backend Backend, depth int, opts Options) (Queue, error) {
	if depth <= 0 {
		return nil, fmt.Errorf("queue depth %d must be positive", depth)
	}
	var (
		q   Queue
		err error
	)
	switch backend {
	case BackendLinuxAIO:
		q, err = newAIOQueue(depth)
	case BackendIoUring:
		q, err = newUringQueue(depth, opts.SQPoll)
	case BackendGoroutines:
		q, err = newGoQueue(depth, opts.Workers)
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotSupported, backend)
	}
	if err != nil {
		return nil, err
	}
	return q, nil
}
