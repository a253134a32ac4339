package aio

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type PollerConfig struct {
	// MaxEvents per poll. Zero means the queue depth.
	MaxEvents int
	// Wait bounds each poll so Close is noticed. Zero means 10ms.
	Wait time.Duration
	// Handler receives completions whose token is not a Callback.
	Handler func(Completion)
}

// Poller drains a context on a background goroutine and dispatches every
// completion. Only one poller should run per context.
type Poller struct {
	ioctx   *Context
	config  PollerConfig
	closeCh chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func NewPoller(ioctx *Context, config PollerConfig) *Poller {
	if config.MaxEvents <= 0 || config.MaxEvents > ioctx.Cap() {
		config.MaxEvents = ioctx.Cap()
	}
	if config.Wait <= 0 {
		config.Wait = drainStep
	}
	p := &Poller{
		ioctx:   ioctx,
		config:  config,
		closeCh: make(chan struct{}),
	}
	p.wg.Add(1)
	go p.loop()
	return p
}

func (p *Poller) loop() {
	defer p.wg.Done()
	batch := make([]Completion, 0, p.config.MaxEvents)
	for {
		select {
		case <-p.closeCh:
			return
		default:
		}

		var err error
		batch, err = p.ioctx.PollInto(batch[:0], 1, p.config.MaxEvents, p.config.Wait)
		for i := range batch {
			Dispatch(batch[i], p.config.Handler)
			batch[i] = Completion{}
		}
		if err != nil {
			if errors.Is(err, ErrContextClosed) {
				return
			}
			log.Error().Err(err).Str("context", p.ioctx.name).Msg("poller: poll failed")
			select {
			case <-p.closeCh:
				return
			case <-time.After(p.config.Wait):
			}
		}
	}
}

// Close stops the poller and waits for the loop to exit. Completions not yet
// polled stay queued on the context.
func (p *Poller) Close() {
	p.once.Do(func() { close(p.closeCh) })
	p.wg.Wait()
}
