//go:build linux && (amd64 || arm64)
// +build linux
// +build amd64 arm64

package kernel

import (
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// -----------------------------------------------------------------------
// io_uring syscall numbers (shared by all architectures since 5.1)
// -----------------------------------------------------------------------

const (
	sysIOUringSetup = 425
	sysIOUringEnter = 426
)

// -----------------------------------------------------------------------
// io_uring constants
// -----------------------------------------------------------------------

const (
	// Setup flags
	iouringSetupSQPoll = 1 << 1

	// Enter flags
	iouringEnterGetEvents = 1 << 0
	iouringEnterSQWakeup  = 1 << 1
	iouringEnterExtArg    = 1 << 3

	// SQ flags (read from kernel-shared memory)
	iouringSQNeedWakeup = 1 << 0

	// Features
	iouringFeatSingleMmap = 1 << 0
	iouringFeatExtArg     = 1 << 8

	// Opcodes
	iouringOpRead  = 22
	iouringOpWrite = 23

	// offsets for mmap
	iouringOffSQRing = 0
	iouringOffCQRing = 0x8000000
	iouringOffSQEs   = 0x10000000

	// poll step used when the kernel cannot bound a wait
	uringPollStep = 200 * time.Microsecond
)

// -----------------------------------------------------------------------
// io_uring kernel structures (must match kernel ABI exactly)
// -----------------------------------------------------------------------

// ioUringSqe is the 64-byte submission queue entry.
type ioUringSqe struct {
	Opcode   uint8
	Flags    uint8
	IoPrio   uint16
	Fd       int32
	Off      uint64 // union: off / addr2
	Addr     uint64 // union: addr / splice_off_in
	Len      uint32
	OpFlags  uint32 // union: rw_flags, etc.
	UserData uint64
	BufIndex uint16 // union: buf_index / buf_group
	_        uint16 // personality
	_        int32  // splice_fd_in / file_index
	_        uint64 // addr3
	_        uint64 // __pad2[0]
}

// ioUringCqe is the 16-byte completion queue entry.
type ioUringCqe struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// ioUringParams is passed to io_uring_setup.
type ioUringParams struct {
	SqEntries    uint32
	CqEntries    uint32
	Flags        uint32
	SqThreadCPU  uint32
	SqThreadIdle uint32
	Features     uint32
	WqFd         uint32
	Resv         [3]uint32
	SqOff        ioUringSqringOffsets
	CqOff        ioUringCqringOffsets
}

type ioUringSqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Flags       uint32
	Dropped     uint32
	Array       uint32
	Resv1       uint32
	Resv2       uint64
}

type ioUringCqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Overflow    uint32
	Cqes        uint32
	Flags       uint32
	Resv1       uint32
	Resv2       uint64
}

// ioUringGeteventsArg is passed with IORING_ENTER_EXT_ARG to bound a wait.
type ioUringGeteventsArg struct {
	Sigmask   uint64
	SigmaskSz uint32
	Pad       uint32
	Ts        uint64
}

// -----------------------------------------------------------------------
// uringQueue is the ring handle
// -----------------------------------------------------------------------

// uringQueue wraps a single io_uring instance with SQ/CQ ring mappings.
// Submissions are serialized by sqMu and completions by cqMu, so one
// submitter and one poller may work on the ring at the same time.
type uringQueue struct {
	fd    int
	depth int

	// SQ ring mapped memory
	sqRingPtr  []byte
	sqMask     uint32
	sqEntries  uint32
	sqHead     *uint32 // kernel-updated
	sqTail     *uint32 // user-updated
	sqFlags    *uint32 // kernel-updated (NEED_WAKEUP etc.)
	sqArray    unsafe.Pointer
	sqeTail    uint32 // local tracking of next SQE slot
	sqeHead    uint32 // local tracking of submitted SQEs
	sqesMmap   []byte
	sqesBase   unsafe.Pointer // base pointer to SQE array
	sqRingSz   int
	cqRingSz   int
	sqesSz     int
	singleMmap bool

	// CQ ring mapped memory
	cqRingPtr []byte
	cqMask    uint32
	cqEntries uint32
	cqHead    *uint32 // user-updated
	cqTail    *uint32 // kernel-updated
	cqesBase  unsafe.Pointer

	flags    uint32
	features uint32

	// scratch for bounded waits, kept on the heap so the kernel sees a
	// stable address; guarded by cqMu
	waitTs  unix.Timespec
	waitArg ioUringGeteventsArg

	sqMu     sync.Mutex
	cqMu     sync.Mutex
	inflight atomic.Int64
	closed   atomic.Bool
}

func newUringQueue(depth int, sqPoll bool) (*uringQueue, error) {
	var params ioUringParams
	if sqPoll {
		params.Flags |= iouringSetupSQPoll
		params.SqThreadIdle = 2000
	}

	fd, _, errno := syscall.Syscall(sysIOUringSetup, uintptr(depth), uintptr(unsafe.Pointer(&params)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("io_uring_setup(%d): %w", depth, errno)
	}

	ring := &uringQueue{
		fd:       int(fd),
		depth:    depth,
		flags:    params.Flags,
		features: params.Features,
	}

	if err := ring.mapRings(&params); err != nil {
		syscall.Close(ring.fd)
		return nil, err
	}
	return ring, nil
}

func (r *uringQueue) mapRings(p *ioUringParams) error {
	sqOff := &p.SqOff
	cqOff := &p.CqOff

	r.sqRingSz = int(sqOff.Array + p.SqEntries*4)
	r.cqRingSz = int(cqOff.Cqes + p.CqEntries*uint32(unsafe.Sizeof(ioUringCqe{})))

	r.singleMmap = (p.Features & iouringFeatSingleMmap) != 0
	if r.singleMmap {
		if r.cqRingSz > r.sqRingSz {
			r.sqRingSz = r.cqRingSz
		}
	}

	var err error
	r.sqRingPtr, err = unix.Mmap(r.fd, iouringOffSQRing, r.sqRingSz,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap SQ ring: %w", err)
	}

	if r.singleMmap {
		r.cqRingPtr = r.sqRingPtr
	} else {
		r.cqRingPtr, err = unix.Mmap(r.fd, iouringOffCQRing, r.cqRingSz,
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			unix.Munmap(r.sqRingPtr)
			return fmt.Errorf("mmap CQ ring: %w", err)
		}
	}

	r.sqesSz = int(p.SqEntries) * int(unsafe.Sizeof(ioUringSqe{}))
	r.sqesMmap, err = unix.Mmap(r.fd, iouringOffSQEs, r.sqesSz,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(r.sqRingPtr)
		if !r.singleMmap {
			unix.Munmap(r.cqRingPtr)
		}
		return fmt.Errorf("mmap SQEs: %w", err)
	}
	r.sqesBase = unsafe.Pointer(&r.sqesMmap[0])

	sqBase := unsafe.Pointer(&r.sqRingPtr[0])
	r.sqHead = (*uint32)(unsafe.Add(sqBase, sqOff.Head))
	r.sqTail = (*uint32)(unsafe.Add(sqBase, sqOff.Tail))
	r.sqFlags = (*uint32)(unsafe.Add(sqBase, sqOff.Flags))
	r.sqMask = *(*uint32)(unsafe.Add(sqBase, sqOff.RingMask))
	r.sqEntries = *(*uint32)(unsafe.Add(sqBase, sqOff.RingEntries))
	r.sqArray = unsafe.Add(sqBase, sqOff.Array)

	cqBase := unsafe.Pointer(&r.cqRingPtr[0])
	r.cqHead = (*uint32)(unsafe.Add(cqBase, cqOff.Head))
	r.cqTail = (*uint32)(unsafe.Add(cqBase, cqOff.Tail))
	r.cqMask = *(*uint32)(unsafe.Add(cqBase, cqOff.RingMask))
	r.cqEntries = *(*uint32)(unsafe.Add(cqBase, cqOff.RingEntries))
	r.cqesBase = unsafe.Add(cqBase, cqOff.Cqes)

	return nil
}

func (r *uringQueue) Cap() int {
	return r.depth
}

// Destroy releases all resources associated with the ring.
func (r *uringQueue) Destroy() error {
	if !r.closed.CompareAndSwap(false, true) {
		return ErrQueueClosed
	}
	r.sqMu.Lock()
	r.cqMu.Lock()
	defer r.sqMu.Unlock()
	defer r.cqMu.Unlock()
	unix.Munmap(r.sqesMmap)
	unix.Munmap(r.sqRingPtr)
	if !r.singleMmap {
		unix.Munmap(r.cqRingPtr)
	}
	if err := syscall.Close(r.fd); err != nil {
		return fmt.Errorf("close io_uring fd: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------
// SQE helpers
// -----------------------------------------------------------------------

func (r *uringQueue) getSqeAt(idx uint32) *ioUringSqe {
	return (*ioUringSqe)(unsafe.Add(r.sqesBase, uintptr(idx)*unsafe.Sizeof(ioUringSqe{})))
}

func (r *uringQueue) getCqeAt(idx uint32) *ioUringCqe {
	return (*ioUringCqe)(unsafe.Add(r.cqesBase, uintptr(idx)*unsafe.Sizeof(ioUringCqe{})))
}

func (r *uringQueue) sqArrayAt(idx uint32) *uint32 {
	return (*uint32)(unsafe.Add(r.sqArray, uintptr(idx)*4))
}

// getSqe returns the next available SQE, or nil if the SQ is full.
func (r *uringQueue) getSqe() *ioUringSqe {
	head := atomic.LoadUint32(r.sqHead)
	next := r.sqeTail + 1
	if next-head > r.sqEntries {
		return nil
	}
	sqe := r.getSqeAt(r.sqeTail & r.sqMask)
	r.sqeTail++
	*sqe = ioUringSqe{}
	return sqe
}

// flushSq publishes locally queued SQEs into the kernel-visible SQ ring.
func (r *uringQueue) flushSq() uint32 {
	tail := *r.sqTail
	toSubmit := r.sqeTail - r.sqeHead
	if toSubmit == 0 {
		return tail - atomic.LoadUint32(r.sqHead)
	}
	for ; toSubmit > 0; toSubmit-- {
		*r.sqArrayAt(tail & r.sqMask) = r.sqeHead & r.sqMask
		tail++
		r.sqeHead++
	}
	atomic.StoreUint32(r.sqTail, tail)
	return tail - atomic.LoadUint32(r.sqHead)
}

// unpublish withdraws the most recently flushed SQE. Only valid without
// SQPOLL, when the kernel consumes entries inside io_uring_enter alone.
func (r *uringQueue) unpublish() {
	tail := *r.sqTail
	if tail == atomic.LoadUint32(r.sqHead) {
		return
	}
	atomic.StoreUint32(r.sqTail, tail-1)
	r.sqeHead--
	r.sqeTail--
}

func prep(sqe *ioUringSqe, cb *IOCB) {
	if cb.Opcode == OpPwrite {
		sqe.Opcode = iouringOpWrite
	} else {
		sqe.Opcode = iouringOpRead
	}
	sqe.Fd = int32(cb.Fd)
	sqe.Addr = cb.Buf
	sqe.Len = uint32(cb.Nbytes)
	sqe.Off = uint64(cb.Offset)
	sqe.UserData = cb.Data
}

// -----------------------------------------------------------------------
// Submission and completion
// -----------------------------------------------------------------------

func ioUringEnter(fd int, toSubmit, minComplete, flags uint32, arg unsafe.Pointer, argSz uintptr) (int, error) {
	ret, _, errno := syscall.Syscall6(sysIOUringEnter,
		uintptr(fd), uintptr(toSubmit), uintptr(minComplete), uintptr(flags), uintptr(arg), argSz)
	if errno != 0 {
		return int(ret), errno
	}
	return int(ret), nil
}

func (r *uringQueue) Submit(cb *IOCB) error {
	if r.closed.Load() {
		return ErrQueueClosed
	}
	r.sqMu.Lock()
	defer r.sqMu.Unlock()

	// The CQ is twice the SQ, but completions are only guaranteed a slot
	// while in-flight work stays within the requested depth.
	if r.inflight.Load() >= int64(r.depth) {
		return unix.EAGAIN
	}
	sqe := r.getSqe()
	if sqe == nil {
		return unix.EAGAIN
	}
	prep(sqe, cb)
	submitted := r.flushSq()

	if r.flags&iouringSetupSQPoll != 0 {
		// The kernel thread picks the entry up on its own; only wake it.
		if atomic.LoadUint32(r.sqFlags)&iouringSQNeedWakeup != 0 {
			for {
				_, err := ioUringEnter(r.fd, submitted, 0, iouringEnterSQWakeup, nil, 0)
				if err != syscall.EINTR {
					break
				}
			}
		}
		r.inflight.Add(1)
		return nil
	}

	for {
		n, err := ioUringEnter(r.fd, submitted, 0, 0, nil, 0)
		if err == syscall.EINTR {
			continue
		}
		if err != nil {
			r.unpublish()
			return err
		}
		if n == 0 {
			r.unpublish()
			return unix.EAGAIN
		}
		r.inflight.Add(1)
		return nil
	}
}

// reap copies up to len(events) ready CQEs and advances the CQ head.
func (r *uringQueue) reap(events []Event) int {
	head := atomic.LoadUint32(r.cqHead)
	tail := atomic.LoadUint32(r.cqTail)
	n := 0
	for head != tail && n < len(events) {
		cqe := r.getCqeAt(head & r.cqMask)
		events[n] = Event{Data: cqe.UserData, Res: int64(cqe.Res), Res2: int64(cqe.Flags)}
		head++
		n++
	}
	atomic.StoreUint32(r.cqHead, head)
	r.inflight.Add(-int64(n))
	return n
}

func (r *uringQueue) GetEvents(events []Event, min int, timeout time.Duration) (int, error) {
	if r.closed.Load() {
		return 0, ErrQueueClosed
	}
	r.cqMu.Lock()
	defer r.cqMu.Unlock()

	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	got := 0
	for {
		got += r.reap(events[got:])
		if got >= min || got == len(events) {
			return got, nil
		}
		want := uint32(min - got)

		if timeout < 0 {
			_, err := ioUringEnter(r.fd, 0, want, iouringEnterGetEvents, nil, 0)
			if err != nil && err != syscall.EINTR {
				return got, fmt.Errorf("io_uring_enter: %w", err)
			}
			continue
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return got, nil
		}
		if r.features&iouringFeatExtArg == 0 {
			step := uringPollStep
			if remaining < step {
				step = remaining
			}
			time.Sleep(step)
			continue
		}
		r.waitTs = unix.NsecToTimespec(int64(remaining))
		r.waitArg = ioUringGeteventsArg{Ts: uint64(uintptr(unsafe.Pointer(&r.waitTs)))}
		_, err := ioUringEnter(r.fd, 0, want, iouringEnterGetEvents|iouringEnterExtArg,
			unsafe.Pointer(&r.waitArg), unsafe.Sizeof(r.waitArg))
		if err != nil && err != syscall.EINTR && err != syscall.ETIME {
			return got, fmt.Errorf("io_uring_enter: %w", err)
		}
	}
}
