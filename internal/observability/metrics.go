package observability

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the daemon.
type Metrics struct {
	// Session metrics
	SessionsTotal    *prometheus.CounterVec
	SessionsActive   prometheus.Gauge
	SessionDuration  prometheus.Histogram

	// Segment metrics
	SegmentsCapturedTotal   prometheus.Counter
	SegmentBytesTotal       prometheus.Counter
	SegmentUploadRetries    *prometheus.CounterVec
	SegmentDedupeHitsTotal  prometheus.Counter

	// Upload queue metrics
	QueueDepth          prometheus.Gauge
	QueueTaskDuration    prometheus.Histogram

	// Ledger metrics
	LedgerSubmissionsTotal  *prometheus.CounterVec
	LedgerSubmitDuration    prometheus.Histogram
	LedgerInclusionsTotal   *prometheus.CounterVec

	// Crypto metrics
	CryptoOperationsTotal   *prometheus.CounterVec
	CryptoOperationDuration prometheus.Histogram
	MerkleVerificationsTotal *prometheus.CounterVec

	// Storage metrics
	DatabaseOperationsTotal *prometheus.CounterVec
	DiskSpaceUsedBytes      prometheus.Gauge

	// Active sessions counter (atomic for thread-safety)
	activeSessions int64
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		SessionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "witnessvault_sessions_total",
				Help: "Total sessions created, by terminal status",
			},
			[]string{"status"},
		),

		SessionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "witnessvault_sessions_active",
				Help: "Currently active (non-terminal) sessions",
			},
		),

		SessionDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "witnessvault_session_duration_seconds",
				Help:    "Session lifetime from create to terminal state",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
			},
		),

		SegmentsCapturedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "witnessvault_segments_captured_total",
				Help: "Total segments hashed, encrypted, and uploaded",
			},
		),

		SegmentBytesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "witnessvault_segment_bytes_total",
				Help: "Total ciphertext bytes uploaded across all segments",
			},
		),

		SegmentUploadRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "witnessvault_segment_upload_retries_total",
				Help: "Segment upload retry attempts, by outcome",
			},
			[]string{"outcome"},
		),

		SegmentDedupeHitsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "witnessvault_segment_dedupe_hits_total",
				Help: "Segments served from the object cache without re-encryption",
			},
		),

		QueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "witnessvault_upload_queue_depth",
				Help: "Pending upload tasks across all sessions",
			},
		),

		QueueTaskDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "witnessvault_upload_queue_task_duration_seconds",
				Help:    "Time from claim to terminal state for one upload task",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
			},
		),

		LedgerSubmissionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "witnessvault_ledger_submissions_total",
				Help: "Ledger submitUpdate calls, by result",
			},
			[]string{"result"},
		),

		LedgerSubmitDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "witnessvault_ledger_submit_duration_seconds",
				Help:    "Latency of a successful submitUpdate call",
				Buckets: []float64{0.05, 0.1, 0.5, 1.0, 5.0, 15.0},
			},
		),

		LedgerInclusionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "witnessvault_ledger_inclusions_total",
				Help: "waitForInclusion outcomes",
			},
			[]string{"status"},
		),

		CryptoOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "witnessvault_crypto_operations_total",
				Help: "Cryptographic operations performed",
			},
			[]string{"operation"},
		),

		CryptoOperationDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "witnessvault_crypto_operation_duration_seconds",
				Help:    "Crypto operation latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
		),

		MerkleVerificationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "witnessvault_merkle_verifications_total",
				Help: "Merkle inclusion-proof verifications",
			},
			[]string{"result"},
		),

		DatabaseOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "witnessvault_database_operations_total",
				Help: "BoltDB/SQLite operation count",
			},
			[]string{"store", "result"},
		),

		DiskSpaceUsedBytes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "witnessvault_disk_space_used_bytes",
				Help: "Disk space used by local durable stores",
			},
		),
	}

	return m
}

// RecordSessionStart increments active session counters.
func (m *Metrics) RecordSessionStart() {
	atomic.AddInt64(&m.activeSessions, 1)
	m.SessionsActive.Set(float64(atomic.LoadInt64(&m.activeSessions)))
}

// RecordSessionEnd records session completion metrics.
func (m *Metrics) RecordSessionEnd(status string, durationSeconds float64) {
	atomic.AddInt64(&m.activeSessions, -1)
	m.SessionsActive.Set(float64(atomic.LoadInt64(&m.activeSessions)))

	m.SessionsTotal.WithLabelValues(status).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordSegmentCaptured updates metrics for a captured segment.
func (m *Metrics) RecordSegmentCaptured(bytes uint64, dedupeHit bool) {
	m.SegmentsCapturedTotal.Inc()
	m.SegmentBytesTotal.Add(float64(bytes))
	if dedupeHit {
		m.SegmentDedupeHitsTotal.Inc()
	}
}

// RecordSegmentUploadRetry increments retry counters.
func (m *Metrics) RecordSegmentUploadRetry(outcome string) {
	m.SegmentUploadRetries.WithLabelValues(outcome).Inc()
}

// SetQueueDepth reports the current upload queue depth.
func (m *Metrics) SetQueueDepth(depth int) {
	m.QueueDepth.Set(float64(depth))
}

// RecordQueueTaskDuration records one task's claim-to-terminal latency.
func (m *Metrics) RecordQueueTaskDuration(durationSeconds float64) {
	m.QueueTaskDuration.Observe(durationSeconds)
}

// RecordLedgerSubmission records a submitUpdate attempt outcome.
func (m *Metrics) RecordLedgerSubmission(success bool, durationSeconds float64) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.LedgerSubmissionsTotal.WithLabelValues(result).Inc()
	if success {
		m.LedgerSubmitDuration.Observe(durationSeconds)
	}
}

// RecordLedgerInclusion records a waitForInclusion outcome.
func (m *Metrics) RecordLedgerInclusion(status string) {
	m.LedgerInclusionsTotal.WithLabelValues(status).Inc()
}

// RecordCryptoOperation records cryptographic operation duration.
func (m *Metrics) RecordCryptoOperation(operation string, durationSeconds float64) {
	m.CryptoOperationsTotal.WithLabelValues(operation).Inc()
	m.CryptoOperationDuration.Observe(durationSeconds)
}

// RecordMerkleVerification increments Merkle verification counters.
func (m *Metrics) RecordMerkleVerification(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.MerkleVerificationsTotal.WithLabelValues(result).Inc()
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
