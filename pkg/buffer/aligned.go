// Package buffer allocates memory suitable for direct I/O: page backed,
// aligned to a caller-chosen power of two and never moved by the runtime.
package buffer

import (
	"errors"
	"fmt"
	"math/bits"
	"os"
	"runtime/pprof"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrOutOfMemory     = errors.New("out of memory")
)

var mmapProf = pprof.NewProfile("directio.mmap") // will show up in /debug/pprof/

var pageSize = os.Getpagesize()

// AlignedBuffer is a block of anonymous mapped memory. Buf starts on an
// alignment boundary and holds exactly the requested size.
type AlignedBuffer struct {
	Buf       []byte
	mmap      []byte
	alignment int
	// owner is set for buffers handed out by an Allocator.
	owner *Allocator
}

// NewAligned maps size bytes aligned to alignment. size must be a positive
// multiple of alignment, which must be a power of two. The contents are
// unspecified; use New when zeroed memory is required.
func NewAligned(size, alignment int) (*AlignedBuffer, error) {
	if size <= 0 || alignment <= 0 || bits.OnesCount(uint(alignment)) != 1 {
		return nil, fmt.Errorf("%w: size %d alignment %d", ErrInvalidArgument, size, alignment)
	}
	if size%alignment != 0 {
		return nil, fmt.Errorf("%w: size %d is not a multiple of alignment %d", ErrInvalidArgument, size, alignment)
	}
	return mapAligned(size, alignment)
}

// New maps size bytes of zeroed, page aligned memory. Any positive size is
// accepted.
func New(size int) (*AlignedBuffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: size %d", ErrInvalidArgument, size)
	}
	b, err := mapAligned(size, pageSize)
	if err != nil {
		return nil, err
	}
	clear(b.Buf)
	return b, nil
}

func mapAligned(size, alignment int) (*AlignedBuffer, error) {
	length := size
	if alignment > pageSize {
		// mmap only guarantees page alignment; over-map and trim the front.
		length += alignment
	}
	m, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %d bytes: %w", ErrOutOfMemory, length, err)
	}
	off := 0
	if rem := int(uintptr(unsafe.Pointer(&m[0])) % uintptr(alignment)); rem != 0 {
		off = alignment - rem
	}
	mmapProf.Add(&m[0], 1)
	return &AlignedBuffer{
		Buf:       m[off : off+size : off+size],
		mmap:      m,
		alignment: alignment,
	}, nil
}

// Free unmaps the buffer. Freeing a buffer twice is a no-op.
func Free(b *AlignedBuffer) error {
	if b == nil {
		return fmt.Errorf("%w: nil buffer", ErrInvalidArgument)
	}
	if b.mmap == nil {
		return nil
	}
	mmapProf.Remove(&b.mmap[0])
	if err := unix.Munmap(b.mmap); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	b.Buf = nil
	b.mmap = nil
	return nil
}

func (b *AlignedBuffer) Bytes() []byte {
	return b.Buf
}

func (b *AlignedBuffer) Len() int {
	return len(b.Buf)
}

func (b *AlignedBuffer) Alignment() int {
	return b.alignment
}

// Addr returns the address of the first byte, or 0 once the buffer is freed.
func (b *AlignedBuffer) Addr() uintptr {
	if len(b.Buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b.Buf[0]))
}

// Freed reports whether Free has released the mapping.
func (b *AlignedBuffer) Freed() bool {
	return b.mmap == nil
}

// IsAligned reports whether p starts on an alignment boundary.
func IsAligned(p []byte, alignment int) bool {
	if len(p) == 0 || alignment <= 0 {
		return false
	}
	return uintptr(unsafe.Pointer(&p[0]))%uintptr(alignment) == 0
}
