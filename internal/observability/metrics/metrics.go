package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "meterflow_"

	resultSuccess = "success"
)

var (
	registerOnce sync.Once

	messagesProcessed *prometheus.CounterVec
	decodeFailures    prometheus.Counter
	authFailures      prometheus.Counter

	lateDataDropped *prometheus.CounterVec

	anomalyEvents   *prometheus.CounterVec
	publishFailures *prometheus.CounterVec

	flushBatchSize    *prometheus.HistogramVec
	flushTotal        *prometheus.CounterVec
	flushLatency      *prometheus.HistogramVec
	flushDroppedBatch *prometheus.CounterVec

	consumerLag   *prometheus.GaugeVec
	liveBaselines prometheus.Gauge
	liveWindows   *prometheus.GaugeVec
)

// Init registers observability metrics. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		messagesProcessed = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "messages_processed_total",
				Help: "Total consumed messages by result",
			},
			[]string{"result"},
		)
		decodeFailures = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "decode_failures_total",
				Help: "Total skipped messages with malformed payloads",
			},
		)
		authFailures = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "auth_failures_total",
				Help: "Total skipped messages with invalid producer tokens",
			},
		)

		lateDataDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "late_data_dropped_total",
				Help: "Total readings dropped because their window was already flushed",
			},
			[]string{"granularity"},
		)

		anomalyEvents = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "anomaly_events_total",
				Help: "Total anomaly events emitted by kind",
			},
			[]string{"kind"},
		)
		publishFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "publish_failures_total",
				Help: "Total outbound publish failures by message type",
			},
			[]string{"type"},
		)

		flushBatchSize = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "flush_batch_size",
				Help:    "Number of accumulators per flush batch",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"granularity"},
		)
		flushTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "flush_total",
				Help: "Total flush operations by granularity and result",
			},
			[]string{"granularity", "result"},
		)
		flushLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "flush_latency_seconds",
				Help:    "Flush write latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"granularity", "result"},
		)
		flushDroppedBatch = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "flush_dropped_batches_total",
				Help: "Total flush batches dropped after the retry budget was exhausted",
			},
			[]string{"granularity"},
		)

		consumerLag = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "consumer_lag_messages",
				Help: "Unconsumed messages per inbound partition",
			},
			[]string{"partition"},
		)
		liveBaselines = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "live_baselines",
				Help: "Number of per-source anomaly baselines held in memory",
			},
		)
		liveWindows = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "live_windows",
				Help: "Number of open window accumulators by granularity",
			},
			[]string{"granularity"},
		)

		prometheus.MustRegister(
			messagesProcessed,
			decodeFailures,
			authFailures,
			lateDataDropped,
			anomalyEvents,
			publishFailures,
			flushBatchSize,
			flushTotal,
			flushLatency,
			flushDroppedBatch,
			consumerLag,
			liveBaselines,
			liveWindows,
		)
	})
}

// ObserveMessage records one consumed message by result.
func ObserveMessage(result string) {
	if result == "" {
		result = resultSuccess
	}
	if messagesProcessed != nil {
		messagesProcessed.WithLabelValues(result).Inc()
	}
}

// ObserveDecodeFailure counts a skipped malformed message.
func ObserveDecodeFailure() {
	if decodeFailures != nil {
		decodeFailures.Inc()
	}
}

// ObserveAuthFailure counts a skipped message with a bad producer token.
func ObserveAuthFailure() {
	if authFailures != nil {
		authFailures.Inc()
	}
}

// ObserveLateData counts a reading dropped as late for a granularity.
func ObserveLateData(granularity string) {
	if lateDataDropped != nil {
		lateDataDropped.WithLabelValues(granularity).Inc()
	}
}

// ObserveAnomaly counts an emitted anomaly event by kind.
func ObserveAnomaly(kind string) {
	if anomalyEvents != nil {
		anomalyEvents.WithLabelValues(kind).Inc()
	}
}

// ObservePublishFailure counts a failed outbound publish by message type.
func ObservePublishFailure(messageType string) {
	if publishFailures != nil {
		publishFailures.WithLabelValues(messageType).Inc()
	}
}

// ObserveFlush records one flush attempt outcome.
func ObserveFlush(granularity, result string, batchSize int, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if flushTotal != nil {
		flushTotal.WithLabelValues(granularity, result).Inc()
	}
	if flushLatency != nil {
		flushLatency.WithLabelValues(granularity, result).Observe(duration.Seconds())
	}
	if flushBatchSize != nil && batchSize > 0 {
		flushBatchSize.WithLabelValues(granularity).Observe(float64(batchSize))
	}
}

// ObserveFlushDropped counts a batch discarded after retry exhaustion.
func ObserveFlushDropped(granularity string) {
	if flushDroppedBatch != nil {
		flushDroppedBatch.WithLabelValues(granularity).Inc()
	}
}

// SetConsumerLag publishes the lag gauge for one partition.
func SetConsumerLag(partition string, lag float64) {
	if consumerLag != nil {
		consumerLag.WithLabelValues(partition).Set(lag)
	}
}

// SetLiveBaselines publishes the live baseline count gauge.
func SetLiveBaselines(n int) {
	if liveBaselines != nil {
		liveBaselines.Set(float64(n))
	}
}

// SetLiveWindows publishes the open accumulator gauge for a granularity.
func SetLiveWindows(granularity string, n int) {
	if liveWindows != nil {
		liveWindows.WithLabelValues(granularity).Set(float64(n))
	}
}
