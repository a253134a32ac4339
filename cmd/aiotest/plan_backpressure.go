//go:build linux

package main

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/Meesho/BharatMLStack/directio/pkg/aio"
	"github.com/rs/zerolog/log"
)

const backpressureDepth = 4

// planBackpressure runs many workers against a tiny queue. Every worker tries
// a plain submission first so rejections are visible, then falls back to
// SubmitWithBackoff.
func planBackpressure(flags runFlags) error {
	depth := flags.queueDepth
	if depth <= 0 {
		depth = backpressureDepth
	}
	h, err := newHarness("backpressure", flags, depth)
	if err != nil {
		return err
	}
	defer h.close()

	err = h.forEachKey(flags.workers*flags.opsPerWorker, func(ctx context.Context, rng *rand.Rand, key uint64) error {
		f, off := h.locate(key)
		buf, err := h.alloc.Get(h.reqSize)
		if err != nil {
			return err
		}
		fillRandom(rng)(buf.Buf)
		op := &blockOp{h: h, write: true, key: key, buf: buf, start: time.Now()}
		err = f.Write(off, buf.Buf, h.reqSize, op)
		if errors.Is(err, aio.ErrQueueFull) {
			h.mc.RecordQueueFull()
			err = h.submit(ctx, func() error {
				return f.Write(off, buf.Buf, h.reqSize, op)
			})
		}
		if err != nil {
			op.release()
			h.mc.RecordError(true)
		}
		return err
	})
	if qerr := h.quiesce(); err == nil {
		err = qerr
	}

	m := h.mc.GetMetrics()
	log.Info().Int("queue_depth", depth).Int64("queue_full", m.QueueFull).Int64("retries", m.Retries).
		Int64("completed", m.Write.Ops).Int64("errors", m.Write.Errors).Msg("backpressure summary")
	h.report()
	return err
}
