package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/grantledger/pkg/ledger"
)

// Metrics implements ledger.Metrics using Prometheus.
type Metrics struct {
	trackTotal          *prometheus.CounterVec
	trackAmount         *prometheus.HistogramVec
	balanceReadDuration *prometheus.HistogramVec
	cacheHitsTotal      prometheus.Counter
	cacheMissesTotal    prometheus.Counter
	syncTotal           *prometheus.CounterVec
	syncUpdatedCusEnts  prometheus.Histogram
	syncConflictsTotal  *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		trackTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "track_total",
			Help:      "Total number of usage tracking attempts.",
		}, []string{"feature", "applied"}),

		trackAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "track_amount",
			Help:      "Distribution of tracked usage amounts.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000},
		}, []string{"feature"}),

		balanceReadDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "balance_read_duration_seconds",
			Help:      "Latency of balance reads.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"feature"}),

		cacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_cache_hits_total",
			Help:      "Total number of snapshot cache hits.",
		}),

		cacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_cache_misses_total",
			Help:      "Total number of snapshot cache misses.",
		}),

		syncTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_total",
			Help:      "Total number of cache-to-store sync attempts.",
		}, []string{"success"}),

		syncUpdatedCusEnts: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_updated_entitlements",
			Help:      "Number of entitlements updated per successful sync.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
		}),

		syncConflictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_conflicts_total",
			Help:      "Total number of rejected sync merges by conflict code.",
		}, []string{"code"}),
	}
}

func (m *Metrics) RecordTrack(_, featureID string, amount int64, applied bool) {
	m.trackTotal.WithLabelValues(featureID, strconv.FormatBool(applied)).Inc()
	if applied {
		m.trackAmount.WithLabelValues(featureID).Observe(float64(amount))
	}
}

func (m *Metrics) RecordBalanceRead(_, featureID string, duration time.Duration) {
	m.balanceReadDuration.WithLabelValues(featureID).Observe(duration.Seconds())
}

func (m *Metrics) RecordCacheHit() {
	m.cacheHitsTotal.Inc()
}

func (m *Metrics) RecordCacheMiss() {
	m.cacheMissesTotal.Inc()
}

func (m *Metrics) RecordSync(_ string, updated int, err error) {
	m.syncTotal.WithLabelValues(strconv.FormatBool(err == nil)).Inc()
	if err == nil {
		m.syncUpdatedCusEnts.Observe(float64(updated))
	}
}

func (m *Metrics) RecordSyncConflict(code ledger.ConflictCode) {
	m.syncConflictsTotal.WithLabelValues(string(code)).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
