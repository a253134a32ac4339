package metrics

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Engine metric keys
const (
	KEY_SUBMIT_COUNT           = "directio_submit_count"
	KEY_SUBMIT_LATENCY         = "directio_submit_latency"
	KEY_QUEUE_FULL_COUNT       = "directio_queue_full_count"
	KEY_SUBMIT_ERROR_COUNT     = "directio_submit_error_count"
	KEY_COMPLETION_COUNT       = "directio_completion_count"
	KEY_COMPLETION_ERROR_COUNT = "directio_completion_error_count"
	KEY_COMPLETION_BYTES       = "directio_completion_bytes"
	KEY_POLL_LATENCY           = "directio_poll_latency"
	KEY_POLL_BATCH_SIZE        = "directio_poll_batch_size"
	KEY_INFLIGHT               = "directio_inflight"
	KEY_CONTEXT_CREATE_COUNT   = "directio_context_create_count"
	KEY_SUBMIT_RETRY_COUNT     = "directio_submit_retry_count"

	KEY_OP_LATENCY = "directio_op_latency"
	KEY_THROUGHPUT = "directio_throughput"
)

// Tag keys
const (
	TAG_OP                 = "op"
	TAG_BACKEND            = "backend"
	TAG_CONTEXT            = "context"
	TAG_ERRNO              = "errno"
	TAG_LATENCY_PERCENTILE = "latency_percentile"
	TAG_VALUE_READ         = "read"
	TAG_VALUE_WRITE        = "write"
	TAG_VALUE_P50          = "p50"
	TAG_VALUE_P99          = "p99"
	TAG_VALUE_P999         = "p999"
)

var (
	statsDClient    = getDefaultClient()
	samplingRate    = 0.1
	telegrafAddress = "localhost:8125"
	appName         = ""
	initialized     = false
	once            sync.Once

	// When false, all Timing/Count/Incr/Gauge calls are no-ops (zero allocations).
	// Controlled by DIRECTIO_METRICS_ENABLED env var ("true"/"1" to enable).
	metricsEnabled atomic.Bool
)

func init() {
	metricsEnabled.Store(loadMetricsEnabled())
}

func loadMetricsEnabled() bool {
	v := os.Getenv("DIRECTIO_METRICS_ENABLED")
	if v == "" {
		return false
	}
	return strings.EqualFold(v, "true") || v == "1"
}

// Init initializes the metrics client
func Init() {
	if initialized {
		log.Debug().Msgf("Metrics already initialized!")
		return
	}
	once.Do(func() {
		if viper.IsSet("APP_METRIC_SAMPLING_RATE") {
			samplingRate = viper.GetFloat64("APP_METRIC_SAMPLING_RATE")
		}
		if addr := viper.GetString("TELEGRAF_ADDRESS"); addr != "" {
			telegrafAddress = addr
		}
		appName = viper.GetString("APP_NAME")
		globalTags := getGlobalTags()

		client, err := statsd.New(
			telegrafAddress,
			statsd.WithTags(globalTags),
		)
		if err != nil {
			log.Panic().Err(err).Msg("StatsD client initialization failed")
		}
		statsDClient = client
		log.Info().Msgf("Metrics client initialized with telegraf address - %s, global tags - %v, and "+
			"sampling rate - %f, directio metrics enabled - %v", telegrafAddress, globalTags, samplingRate, metricsEnabled.Load())
		initialized = true
	})
}

func getDefaultClient() statsd.ClientInterface {
	client, err := statsd.New("localhost:8125")
	if err != nil {
		return nil
	}
	return client
}

func getGlobalTags() []string {
	env := viper.GetString("APP_ENV")
	if len(env) == 0 {
		log.Warn().Msg("APP_ENV is not set")
	}
	service := viper.GetString("APP_NAME")
	if len(service) == 0 {
		log.Warn().Msg("APP_NAME is not set")
	}
	return []string{
		TagAsString(TagEnv, env),
		TagAsString(TagService, service),
	}
}

// Timing sends timing information. No-op when metrics are disabled.
func Timing(name string, value time.Duration, tags []string) {
	if !metricsEnabled.Load() || statsDClient == nil {
		return
	}
	tags = withServiceTag(tags)
	err := statsDClient.Timing(name, value, tags, samplingRate)
	if err != nil {
		log.Warn().Err(err).Msg("Error occurred while doing statsd timing")
	}
}

// Count increases metric counter by value. No-op when metrics are disabled.
func Count(name string, value int64, tags []string) {
	if !metricsEnabled.Load() || statsDClient == nil {
		return
	}
	tags = withServiceTag(tags)
	err := statsDClient.Count(name, value, tags, samplingRate)
	if err != nil {
		log.Warn().Err(err).Msg("Error occurred while doing statsd count")
	}
}

// Incr increases metric counter by 1. No-op when metrics are disabled.
func Incr(name string, tags []string) {
	if !metricsEnabled.Load() {
		return
	}
	Count(name, 1, tags)
}

// Gauge sets a gauge value. No-op when metrics are disabled.
func Gauge(name string, value float64, tags []string) {
	if !metricsEnabled.Load() || statsDClient == nil {
		return
	}
	tags = withServiceTag(tags)
	err := statsDClient.Gauge(name, value, tags, samplingRate)
	if err != nil {
		log.Warn().Err(err).Msg("Error occurred while doing statsd gauge")
	}
}

// Enabled returns whether directio metrics are enabled.
// Call sites should check this before allocating tags to avoid heap allocations.
func Enabled() bool {
	return metricsEnabled.Load()
}

// SetEnabled overrides DIRECTIO_METRICS_ENABLED. Intended for tools and tests.
func SetEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// withServiceTag appends without touching the caller's backing array, which
// is shared between goroutines.
func withServiceTag(tags []string) []string {
	return append(tags[:len(tags):len(tags)], TagAsString(TagService, appName))
}

// WithErrno returns a copy of tags carrying the errno tag.
func WithErrno(tags []string, errno int) []string {
	out := make([]string, len(tags), len(tags)+1)
	copy(out, tags)
	UpdateTags(&out, NewTag(TAG_ERRNO, strconv.Itoa(errno)))
	return out
}

func GetOpTag(write bool) []string {
	if write {
		return BuildTag(NewTag(TAG_OP, TAG_VALUE_WRITE))
	}
	return BuildTag(NewTag(TAG_OP, TAG_VALUE_READ))
}

func GetContextTags(name, backend string) []string {
	return BuildTag(NewTag(TAG_CONTEXT, name), NewTag(TAG_BACKEND, backend))
}
