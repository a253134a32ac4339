package metrics

import "time"

func RunStatsdLogger(metricsCollector *MetricsCollector) {
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
			publishOp(true, prev.Write, cur.Write, interval)
			publishOp(false, prev.Read, cur.Read, interval)
			prev = cur
		}
	}
}

func publishOp(write bool, prev, cur OpStats, interval time.Duration) {
	tags := GetOpTag(write)
	Gauge(KEY_THROUGHPUT, float64(cur.Ops-prev.Ops)/interval.Seconds(), tags)
	Gauge(KEY_OP_LATENCY, float64(cur.P50), append(tags, TagAsString(TAG_LATENCY_PERCENTILE, TAG_VALUE_P50)))
	Gauge(KEY_OP_LATENCY, float64(cur.P99), append(tags, TagAsString(TAG_LATENCY_PERCENTILE, TAG_VALUE_P99)))
	Gauge(KEY_OP_LATENCY, float64(cur.P999), append(tags, TagAsString(TAG_LATENCY_PERCENTILE, TAG_VALUE_P999)))
}
