package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// MetricsRecorder receives per-operation observations from a load run.
type MetricsRecorder interface {
	RecordOp(write bool, bytes int, latency time.Duration)
	RecordError(write bool)
	RecordQueueFull()
	RecordRetry()
}

type MetricsCollectorConfig struct {
	ConsoleLogging bool // log a summary every Interval
	StatsdLogging  bool // push the summary as gauges every Interval
	Interval       time.Duration

	// Metadata for the reporters, e.g. plan, backend, queue_depth, workers
	Metadata map[string]any
}

// OpStats is a point-in-time view of one operation kind.
type OpStats struct {
	Ops    int64
	Bytes  int64
	Errors int64
	P50    time.Duration
	P99    time.Duration
	P999   time.Duration
}

type RunMetrics struct {
	Read      OpStats
	Write     OpStats
	QueueFull int64
	Retries   int64
	Elapsed   time.Duration
}

type opCounters struct {
	ops    atomic.Int64
	bytes  atomic.Int64
	errors atomic.Int64
}

// MetricsCollector aggregates observations and drives the periodic reporters.
type MetricsCollector struct {
	Config    MetricsCollectorConfig
	read      opCounters
	write     opCounters
	queueFull atomic.Int64
	retries   atomic.Int64
	latencies *LatencyTracker
	started   time.Time
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// InitMetricsCollector creates the collector and starts the configured
// reporters.
func InitMetricsCollector(config MetricsCollectorConfig) *MetricsCollector {
	if config.StatsdLogging {
		Init()
	}
	mc := NewMetricsCollector(config)
	if config.ConsoleLogging {
		mc.wg.Add(1)
		go func() {
			defer mc.wg.Done()
			RunConsoleLogger(mc)
		}()
	}
	if config.StatsdLogging {
		mc.wg.Add(1)
		go func() {
			defer mc.wg.Done()
			RunStatsdLogger(mc)
		}()
	}
	return mc
}

func NewMetricsCollector(config MetricsCollectorConfig) *MetricsCollector {
	if config.Interval <= 0 {
		config.Interval = 10 * time.Second
	}
	if config.Metadata == nil {
		config.Metadata = map[string]any{}
	}
	return &MetricsCollector{
		Config:    config,
		latencies: NewLatencyTracker(defaultMaxSamples),
		started:   time.Now(),
		stopCh:    make(chan struct{}),
	}
}

func (mc *MetricsCollector) counters(write bool) *opCounters {
	if write {
		return &mc.write
	}
	return &mc.read
}

func (mc *MetricsCollector) RecordOp(write bool, bytes int, latency time.Duration) {
	c := mc.counters(write)
	c.ops.Add(1)
	c.bytes.Add(int64(bytes))
	mc.latencies.Record(write, latency)
}

func (mc *MetricsCollector) RecordError(write bool) {
	mc.counters(write).errors.Add(1)
}

func (mc *MetricsCollector) RecordQueueFull() {
	mc.queueFull.Add(1)
}

func (mc *MetricsCollector) RecordRetry() {
	mc.retries.Add(1)
}

func (mc *MetricsCollector) opStats(write bool) OpStats {
	c := mc.counters(write)
	p50, p99, p999 := mc.latencies.Percentiles(write)
	return OpStats{
		Ops:    c.ops.Load(),
		Bytes:  c.bytes.Load(),
		Errors: c.errors.Load(),
		P50:    p50,
		P99:    p99,
		P999:   p999,
	}
}

func (mc *MetricsCollector) GetMetrics() RunMetrics {
	return RunMetrics{
		Read:      mc.opStats(false),
		Write:     mc.opStats(true),
		QueueFull: mc.queueFull.Load(),
		Retries:   mc.retries.Load(),
		Elapsed:   time.Since(mc.started),
	}
}

// Stop stops the reporters and waits for them to exit.
func (mc *MetricsCollector) Stop() {
	mc.stopOnce.Do(func() { close(mc.stopCh) })
	mc.wg.Wait()
}
