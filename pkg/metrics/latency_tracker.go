package metrics

import (
	"sort"
	"sync"
	"time"
)

// LatencyTracker keeps the most recent read and write latencies in two
// fixed-size rings.
type LatencyTracker struct {
	mu             sync.RWMutex
	readLatencies  []time.Duration
	writeLatencies []time.Duration
	maxSamples     int
	readIndex      int
	writeIndex     int
	readCount      int64
	writeCount     int64
}

const defaultMaxSamples = 100000

func NewLatencyTracker(maxSamples int) *LatencyTracker {
	if maxSamples <= 0 {
		maxSamples = defaultMaxSamples
	}
	return &LatencyTracker{
		readLatencies:  make([]time.Duration, maxSamples),
		writeLatencies: make([]time.Duration, maxSamples),
		maxSamples:     maxSamples,
	}
}

func (lt *LatencyTracker) Record(write bool, duration time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if write {
		lt.writeLatencies[lt.writeIndex] = duration
		lt.writeIndex = (lt.writeIndex + 1) % lt.maxSamples
		lt.writeCount++
		return
	}
	lt.readLatencies[lt.readIndex] = duration
	lt.readIndex = (lt.readIndex + 1) % lt.maxSamples
	lt.readCount++
}

// Percentiles returns p50, p99 and p99.9 over the retained samples.
func (lt *LatencyTracker) Percentiles(write bool) (p50, p99, p999 time.Duration) {
	lt.mu.RLock()
	src, count := lt.readLatencies, lt.readCount
	if write {
		src, count = lt.writeLatencies, lt.writeCount
	}
	samples := count
	if samples > int64(lt.maxSamples) {
		samples = int64(lt.maxSamples)
	}
	if samples == 0 {
		lt.mu.RUnlock()
		return 0, 0, 0
	}
	latenciesCopy := make([]time.Duration, samples)
	copy(latenciesCopy, src[:samples])
	lt.mu.RUnlock()

	sort.Slice(latenciesCopy, func(i, j int) bool {
		return latenciesCopy[i] < latenciesCopy[j]
	})

	p50 = latenciesCopy[int(float64(samples)*0.50)]
	p99 = latenciesCopy[int(float64(samples)*0.99)]
	p999 = latenciesCopy[int(float64(samples)*0.999)]
	return p50, p99, p999
}
