//go:build linux

package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/coocood/freecache"
	"github.com/rs/zerolog/log"
	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"
)

const checksumSize = 8

var errChecksumMismatch = errors.New("checksum mismatch")

// planReadVerify writes blocks stamped with a checksum of their payload,
// indexes the checksum once the write completes, then reads every indexed
// block back and checks it.
func planReadVerify(flags runFlags) error {
	h, err := newHarness("readverify", flags, flags.queueDepth)
	if err != nil {
		return err
	}
	defer h.close()

	total := flags.workers * flags.opsPerWorker
	if total > h.capacity() {
		log.Warn().Int("requested", total).Int("capacity", h.capacity()).Msg("clamping block count to file capacity")
		total = h.capacity()
	}
	index := freecache.NewCache(flags.indexMB * 1024 * 1024)

	log.Info().Int("blocks", total).Msg("writing stamped blocks")
	if err := h.forEachKey(total, func(ctx context.Context, rng *rand.Rand, key uint64) error {
		f, off := h.locateSeq(key)
		return h.writeAt(ctx, f, off, key, stamp(rng), func(op *blockOp) error {
			return index.Set(indexKey(key), op.buf.Buf[:checksumSize], 0)
		})
	}); err != nil {
		return err
	}
	if err := h.quiesce(); err != nil {
		return err
	}

	var verified, skipped atomic.Int64
	log.Info().Int64("indexed", index.EntryCount()).Msg("reading blocks back")
	err = h.forEachKey(total, func(ctx context.Context, _ *rand.Rand, key uint64) error {
		expected, err := index.Get(indexKey(key))
		if errors.Is(err, freecache.ErrNotFound) {
			// write failed or the entry was evicted
			skipped.Add(1)
			return nil
		}
		if err != nil {
			return err
		}
		want := binary.LittleEndian.Uint64(expected)
		return h.readAt(ctx, key, func(op *blockOp) error {
			if err := checkStamp(op.buf.Buf[:h.reqSize], want); err != nil {
				return err
			}
			verified.Add(1)
			return nil
		})
	})
	if qerr := h.quiesce(); err == nil {
		err = qerr
	}

	m := h.mc.GetMetrics()
	log.Info().Int64("verified", verified.Load()).Int64("skipped", skipped.Load()).
		Int64("read_errors", m.Read.Errors).Int64("write_errors", m.Write.Errors).Msg("verification done")
	h.report()
	if err == nil && m.Read.Errors > 0 {
		err = fmt.Errorf("%d blocks failed verification", m.Read.Errors)
	}
	return err
}

// forEachKey splits keys [0, total) across the workers.
func (h *harness) forEachKey(total int, fn func(ctx context.Context, rng *rand.Rand, key uint64) error) error {
	limiter := h.limiter()
	g, ctx := errgroup.WithContext(context.Background())
	for w := 0; w < h.flags.workers; w++ {
		workerID := w
		g.Go(func() error {
			rng := rand.New(rand.NewSource(int64(workerID) + time.Now().UnixNano()))
			for key := workerID; key < total; key += h.flags.workers {
				if err := limiter.Wait(ctx); err != nil {
					return err
				}
				if err := fn(ctx, rng, uint64(key)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (h *harness) readAt(ctx context.Context, key uint64, verify func(*blockOp) error) error {
	buf, err := h.alloc.Get(h.reqSize)
	if err != nil {
		return err
	}
	f, off := h.locateSeq(key)
	op := &blockOp{h: h, key: key, buf: buf, verify: verify}
	err = h.submit(ctx, func() error {
		op.start = time.Now()
		return f.Read(off, buf.Buf, h.reqSize, op)
	})
	if err != nil {
		op.release()
		h.mc.RecordError(false)
	}
	return err
}

// stamp fills the payload with random bytes and prefixes it with its xxh3
// checksum.
func stamp(rng *rand.Rand) func([]byte) {
	fill := fillRandom(rng)
	return func(b []byte) {
		fill(b[checksumSize:])
		binary.LittleEndian.PutUint64(b, xxh3.Hash(b[checksumSize:]))
	}
}

func checkStamp(b []byte, want uint64) error {
	stored := binary.LittleEndian.Uint64(b)
	sum := xxh3.Hash(b[checksumSize:])
	if stored != want || sum != want {
		return fmt.Errorf("%w: want %x stored %x computed %x", errChecksumMismatch, want, stored, sum)
	}
	return nil
}

func indexKey(key uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], key)
	return k[:]
}
