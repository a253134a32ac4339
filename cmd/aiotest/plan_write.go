//go:build linux

package main

import (
	"context"
	"encoding/binary"
	"math/rand"
	"time"

	"github.com/Meesho/BharatMLStack/directio/pkg/aio"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// planWrite keeps every worker submitting block writes as fast as the rate
// limiter and the queue allow.
func planWrite(flags runFlags) error {
	h, err := newHarness("write", flags, flags.queueDepth)
	if err != nil {
		return err
	}
	defer h.close()

	limiter := h.limiter()
	g, ctx := errgroup.WithContext(context.Background())
	for w := 0; w < flags.workers; w++ {
		workerID := w
		g.Go(func() error {
			rng := rand.New(rand.NewSource(int64(workerID) + time.Now().UnixNano()))
			for i := 0; i < flags.opsPerWorker; i++ {
				if err := limiter.Wait(ctx); err != nil {
					return err
				}
				key := uint64(workerID)<<32 | uint64(i)
				if err := h.writeBlock(ctx, key, fillRandom(rng)); err != nil {
					return err
				}
				if i%100_000 == 0 {
					log.Info().Msgf("wrote %d blocks, worker %d", i, workerID)
				}
			}
			return nil
		})
	}
	err = g.Wait()
	if qerr := h.quiesce(); err == nil {
		err = qerr
	}
	h.report()
	return err
}

func fillRandom(rng *rand.Rand) func([]byte) {
	return func(b []byte) {
		for i := 0; i+8 <= len(b); i += 8 {
			binary.LittleEndian.PutUint64(b[i:], rng.Uint64())
		}
	}
}

// writeBlock fills a recycled buffer and submits it at the key's location.
func (h *harness) writeBlock(ctx context.Context, key uint64, fill func([]byte)) error {
	f, off := h.locate(key)
	return h.writeAt(ctx, f, off, key, fill, nil)
}

func (h *harness) writeAt(ctx context.Context, f *aio.File, off int64, key uint64, fill func([]byte), onDone func(*blockOp) error) error {
	buf, err := h.alloc.Get(h.reqSize)
	if err != nil {
		return err
	}
	fill(buf.Buf[:h.reqSize])
	op := &blockOp{h: h, write: true, key: key, buf: buf, verify: onDone}
	err = h.submit(ctx, func() error {
		op.start = time.Now()
		return f.Write(off, buf.Buf, h.reqSize, op)
	})
	if err != nil {
		op.release()
		h.mc.RecordError(true)
	}
	return err
}
