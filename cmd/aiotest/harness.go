//go:build linux

package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Meesho/BharatMLStack/directio/pkg/aio"
	"github.com/Meesho/BharatMLStack/directio/pkg/buffer"
	"github.com/Meesho/BharatMLStack/directio/pkg/config"
	"github.com/Meesho/BharatMLStack/directio/pkg/metrics"
	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const drainTimeout = 30 * time.Second

// harness owns everything a plan shares: the context, its files, the buffer
// allocator and the run metrics.
type harness struct {
	plan    string
	env     config.Env
	flags   runFlags
	ioctx   *aio.Context
	files   []*aio.File
	alloc   *buffer.Allocator
	mc      *metrics.MetricsCollector
	poller  *aio.Poller
	reqSize int
}

func newHarness(plan string, flags runFlags, depth int) (*harness, error) {
	env := config.Instance()
	if depth <= 0 {
		depth = env.QueueDepth
	}
	if flags.files <= 0 || flags.blocksPerFile <= 0 || flags.ioBlocks <= 0 || flags.workers <= 0 {
		return nil, fmt.Errorf("%w: files, blocks-per-file, io-blocks and workers must be positive", aio.ErrInvalidArgument)
	}

	ioctx, err := aio.NewContext(aio.Config{
		QueueDepth: depth,
		Backend:    env.Backend,
		SQPoll:     env.SQPoll,
		BlockSize:  env.BlockSize,
		Name:       plan,
	})
	if err != nil {
		return nil, err
	}
	h := &harness{
		plan:    plan,
		env:     env,
		flags:   flags,
		ioctx:   ioctx,
		reqSize: env.BlockSize * flags.ioBlocks,
	}

	h.alloc, err = buffer.NewAllocator(buffer.AllocatorConfig{
		Alignment:   env.BlockSize,
		Multipliers: []int{flags.ioBlocks},
		MaxIdle:     []int{depth + flags.workers},
	})
	if err != nil {
		_ = ioctx.Destroy()
		return nil, err
	}

	fileSize := int64(h.reqSize) * int64(flags.blocksPerFile)
	for i := 0; i < flags.files; i++ {
		path := filepath.Join(env.DataDir, fmt.Sprintf("aiotest-%s-%d.dat", plan, i))
		f, err := ioctx.OpenFile(path, env.Direct)
		if err != nil {
			h.close()
			return nil, err
		}
		h.files = append(h.files, f)
		if err := f.Fallocate(fileSize); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("fallocate failed, file will grow on write")
		}
	}

	h.mc = metrics.InitMetricsCollector(metrics.MetricsCollectorConfig{
		ConsoleLogging: flags.logStats,
		StatsdLogging:  flags.statsd,
		Interval:       flags.statsInterval,
		Metadata: map[string]any{
			"plan":        plan,
			"backend":     ioctx.Backend().String(),
			"queue_depth": depth,
			"workers":     flags.workers,
			"req_size":    h.reqSize,
		},
	})
	h.poller = aio.NewPoller(ioctx, aio.PollerConfig{
		Wait: env.PollInterval,
		Handler: func(c aio.Completion) {
			log.Warn().Interface("token", c.Token).Msg("completion without a callback")
		},
	})
	log.Info().Str("plan", plan).Int("files", flags.files).Int64("file_size", fileSize).
		Str("data_dir", env.DataDir).Msg("harness ready")
	return h, nil
}

// locate spreads keys across files by hash. Distinct keys may share a slot.
func (h *harness) locate(key uint64) (*aio.File, int64) {
	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], key)
	sum := xxhash.Sum64(raw[:])
	f := h.files[sum%uint64(len(h.files))]
	slot := (sum >> 32) % uint64(h.flags.blocksPerFile)
	return f, int64(slot) * int64(h.reqSize)
}

// locateSeq lays keys out round-robin so every key below capacity() owns its
// slot.
func (h *harness) locateSeq(key uint64) (*aio.File, int64) {
	n := uint64(len(h.files))
	return h.files[key%n], int64(key/n) * int64(h.reqSize)
}

func (h *harness) capacity() int {
	return len(h.files) * h.flags.blocksPerFile
}

func (h *harness) limiter() *rate.Limiter {
	if h.flags.opsPerSec <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(h.flags.opsPerSec), h.flags.workers)
}

// submit retries queue-full rejections with backoff and feeds the run metrics.
func (h *harness) submit(ctx context.Context, fn func() error) error {
	attempt := 0
	return aio.SubmitWithBackoff(ctx, aio.NewSubmitBackOff(50*time.Microsecond, 5*time.Millisecond, drainTimeout), func() error {
		if attempt > 0 {
			h.mc.RecordRetry()
		}
		attempt++
		err := fn()
		if errors.Is(err, aio.ErrQueueFull) {
			h.mc.RecordQueueFull()
		}
		return err
	})
}

// quiesce waits for the poller to consume every in-flight operation.
func (h *harness) quiesce() error {
	deadline := time.Now().Add(drainTimeout)
	for h.ioctx.InFlight() > 0 {
		if time.Now().After(deadline) {
			return fmt.Errorf("%d operations still in flight after %s", h.ioctx.InFlight(), drainTimeout)
		}
		time.Sleep(h.env.PollInterval)
	}
	return nil
}

func (h *harness) report() {
	m := h.mc.GetMetrics()
	metrics.LogRunMetrics(h.mc.Config.Metadata, metrics.RunMetrics{}, m, m.Elapsed)
}

func (h *harness) close() {
	if h.poller != nil {
		h.poller.Close()
	}
	if h.mc != nil {
		h.mc.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := h.ioctx.Close(ctx); err != nil {
		log.Error().Err(err).Msg("failed to close I/O context")
	}
	for _, f := range h.files {
		name := f.Name()
		if err := f.Close(); err != nil {
			log.Error().Err(err).Str("path", name).Msg("failed to close file")
		}
		if !h.flags.keepFiles {
			os.Remove(name)
		}
	}
	if h.alloc != nil {
		if n := h.alloc.InUse(); n > 0 {
			log.Warn().Int64("buffers", n).Msg("buffers still in use at shutdown")
		}
		h.alloc.Close()
	}
}

// blockOp is the token carried by every request; the poller hands the
// completion back to it.
type blockOp struct {
	h      *harness
	write  bool
	key    uint64
	buf    *buffer.AlignedBuffer
	start  time.Time
	verify func(op *blockOp) error
}

func (o *blockOp) OnComplete(c aio.Completion) {
	defer o.release()
	if c.Result != int64(o.h.reqSize) {
		log.Error().Uint64("key", o.key).Int64("result", c.Result).Bool("write", o.write).Msg("short transfer")
		o.h.mc.RecordError(o.write)
		return
	}
	if o.verify != nil {
		if err := o.verify(o); err != nil {
			log.Error().Err(err).Uint64("key", o.key).Msg("verification failed")
			o.h.mc.RecordError(o.write)
			return
		}
	}
	o.h.mc.RecordOp(o.write, int(c.Result), time.Since(o.start))
}

func (o *blockOp) OnError(err *aio.CompletionError) {
	defer o.release()
	log.Error().Err(err).Uint64("key", o.key).Bool("write", o.write).Msg("operation failed")
	o.h.mc.RecordError(o.write)
}

func (o *blockOp) release() {
	if err := o.h.alloc.Put(o.buf); err != nil {
		log.Error().Err(err).Msg("failed to recycle buffer")
	}
	o.buf = nil
}
