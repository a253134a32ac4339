package aio

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestDispatch(t *testing.T) {
	cb := &recordingCallback{}
	Dispatch(Completion{Token: cb, Result: 10}, nil)
	Dispatch(Completion{Token: cb, Err: newCompletionError(cb, OpRead, int(unix.EIO))}, nil)
	assert.Len(t, cb.ok, 1)
	assert.Len(t, cb.errs, 1)

	var got []Completion
	Dispatch(Completion{Token: "plain"}, func(c Completion) { got = append(got, c) })
	require.Len(t, got, 1)
	assert.Equal(t, "plain", got[0].Token)

	assert.NotPanics(t, func() { Dispatch(Completion{Token: "dropped"}, nil) })
}

func TestPollerDispatchesCompletions(t *testing.T) {
	c, q := newFakeContext(t, 8)
	cb := &recordingCallback{}

	var (
		mu      sync.Mutex
		handled []any
	)
	p := NewPoller(c, PollerConfig{
		Wait: 2 * time.Millisecond,
		Handler: func(comp Completion) {
			mu.Lock()
			defer mu.Unlock()
			handled = append(handled, comp.Token)
		},
	})

	buf := make([]byte, 512)
	require.NoError(t, c.SubmitWrite(3, 0, buf, 512, cb))
	require.NoError(t, c.SubmitWrite(3, 0, buf, 512, "plain"))
	require.NoError(t, c.SubmitRead(3, 0, buf, 512, cb))
	q.finish(0, 512)
	q.finish(0, 512)
	q.finish(0, -int64(unix.EIO))

	assert.Eventually(t, func() bool { return c.InFlight() == 0 }, 2*time.Second, time.Millisecond)
	p.Close()
	p.Close()

	mu.Lock()
	assert.Equal(t, []any{"plain"}, handled)
	mu.Unlock()
	cb.mu.Lock()
	assert.Len(t, cb.ok, 1)
	assert.Len(t, cb.errs, 1)
	cb.mu.Unlock()

	require.NoError(t, c.Destroy())
}

func TestPollerExitsOnClosedContext(t *testing.T) {
	c, _ := newFakeContext(t, 2)
	require.NoError(t, c.Destroy())

	p := NewPoller(c, PollerConfig{Wait: time.Millisecond})
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
	p.Close()
}

func TestDestroyRefusedWhilePolling(t *testing.T) {
	c, _ := newFakeContext(t, 2)
	p := NewPoller(c, PollerConfig{Wait: 50 * time.Millisecond})

	// give the loop time to enter its first poll
	time.Sleep(10 * time.Millisecond)
	assert.ErrorIs(t, c.Destroy(), ErrContextBusy)

	p.Close()
	require.NoError(t, c.Destroy())
}
