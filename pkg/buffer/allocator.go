package buffer

import (
	"fmt"
	"math/bits"
	"sort"

	"github.com/Meesho/BharatMLStack/directio/internal/pool"
	"github.com/rs/zerolog/log"
)

type AllocatorConfig struct {
	// Alignment of every buffer handed out, usually the device block size.
	Alignment int
	// Multipliers of Alignment that make up the size classes.
	Multipliers []int
	// MaxIdle is the number of idle buffers kept per size class.
	MaxIdle []int
}

type sizeClass struct {
	size int
	pool *pool.LeakyPool[*AlignedBuffer]
}

// Allocator recycles aligned buffers by size class. Requests above the largest
// class are mapped on demand and unmapped on Put.
type Allocator struct {
	alignment int
	classes   []sizeClass
}

func NewAllocator(config AllocatorConfig) (*Allocator, error) {
	if config.Alignment <= 0 || bits.OnesCount(uint(config.Alignment)) != 1 ||
		len(config.Multipliers) == 0 || len(config.Multipliers) != len(config.MaxIdle) {
		return nil, fmt.Errorf("%w: allocator config %+v", ErrInvalidArgument, config)
	}
	a := &Allocator{alignment: config.Alignment}
	for i, multiplier := range config.Multipliers {
		if multiplier <= 0 || config.MaxIdle[i] < 0 {
			return nil, fmt.Errorf("%w: size class %d", ErrInvalidArgument, i)
		}
		size := config.Alignment * multiplier
		p := pool.NewLeakyPool(config.MaxIdle[i], func() (*AlignedBuffer, error) {
			b, err := NewAligned(size, config.Alignment)
			if err != nil {
				return nil, err
			}
			b.owner = a
			return b, nil
		})
		p.RegisterPreDrefHook(func(b *AlignedBuffer) {
			if err := Free(b); err != nil {
				log.Error().Err(err).Int("size", size).Msg("Allocator: failed to unmap buffer")
			}
		})
		log.Debug().Msgf("Allocator: size class %d: %d", i, size)
		a.classes = append(a.classes, sizeClass{size: size, pool: p})
	}
	sort.Slice(a.classes, func(i, j int) bool { return a.classes[i].size < a.classes[j].size })
	return a, nil
}

func (a *Allocator) classFor(size int) *sizeClass {
	for i := range a.classes {
		if size <= a.classes[i].size {
			return &a.classes[i]
		}
	}
	return nil
}

// Get returns a buffer of at least size bytes whose contents are unspecified.
// Len reports the size class, not the requested size.
func (a *Allocator) Get(size int) (*AlignedBuffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: size %d", ErrInvalidArgument, size)
	}
	c := a.classFor(size)
	if c == nil {
		rounded := (size + a.alignment - 1) / a.alignment * a.alignment
		b, err := NewAligned(rounded, a.alignment)
		if err != nil {
			return nil, err
		}
		b.owner = a
		return b, nil
	}
	b, crossBound, err := c.pool.Get()
	if err != nil {
		return nil, err
	}
	if crossBound {
		log.Warn().Msgf("Allocator: crossed bound for size class %d", c.size)
	}
	return b, nil
}

// GetZeroed is Get followed by clearing the whole buffer.
func (a *Allocator) GetZeroed(size int) (*AlignedBuffer, error) {
	b, err := a.Get(size)
	if err != nil {
		return nil, err
	}
	clear(b.Buf)
	return b, nil
}

// Put recycles b. Oversized buffers are unmapped. Buffers this allocator did
// not hand out are rejected and left to the caller.
func (a *Allocator) Put(b *AlignedBuffer) error {
	if b == nil || b.Freed() {
		return fmt.Errorf("%w: put of a released buffer", ErrInvalidArgument)
	}
	if b.owner != a {
		return fmt.Errorf("%w: buffer not from this allocator", ErrInvalidArgument)
	}
	c := a.classFor(b.Len())
	if c == nil || c.size != b.Len() {
		return Free(b)
	}
	c.pool.Put(b)
	return nil
}

// Close unmaps every idle buffer. Buffers still held by callers stay valid
// and are unmapped when put back past the idle limit or freed directly.
func (a *Allocator) Close() int {
	n := 0
	for i := range a.classes {
		n += a.classes[i].pool.Drain()
	}
	return n
}

// InUse returns the number of pooled buffers handed out and not yet returned.
func (a *Allocator) InUse() int64 {
	var n int64
	for i := range a.classes {
		n += a.classes[i].pool.Count()
	}
	return n
}
