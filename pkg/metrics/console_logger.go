package metrics

import (
	"time"

	"github.com/rs/zerolog/log"
)

func RunConsoleLogger(metricsCollector *MetricsCollector) {
	interval := metricsCollector.Config.Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var prev RunMetrics
	for {
		select {
		case <-metricsCollector.stopCh:
			return
		case <-ticker.C:
			cur := metricsCollector.GetMetrics()
			LogRunMetrics(metricsCollector.Config.Metadata, prev, cur, interval)
			prev = cur
		}
	}
}

// LogRunMetrics logs the delta between two snapshots taken interval apart.
func LogRunMetrics(metadata map[string]any, prev, cur RunMetrics, interval time.Duration) {
	secs := interval.Seconds()
	if secs <= 0 {
		secs = 1
	}
	log.Info().
		Fields(metadata).
		Float64("read_iops", float64(cur.Read.Ops-prev.Read.Ops)/secs).
		Float64("write_iops", float64(cur.Write.Ops-prev.Write.Ops)/secs).
		Float64("read_mbps", float64(cur.Read.Bytes-prev.Read.Bytes)/secs/(1<<20)).
		Float64("write_mbps", float64(cur.Write.Bytes-prev.Write.Bytes)/secs/(1<<20)).
		Dur("rp50", cur.Read.P50).
		Dur("rp99", cur.Read.P99).
		Dur("rp999", cur.Read.P999).
		Dur("wp50", cur.Write.P50).
		Dur("wp99", cur.Write.P99).
		Dur("wp999", cur.Write.P999).
		Int64("read_errors", cur.Read.Errors).
		Int64("write_errors", cur.Write.Errors).
		Int64("queue_full", cur.QueueFull).
		Int64("retries", cur.Retries).
		Msg("run metrics")
}
