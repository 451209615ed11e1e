package ledger

import "time"

// Metrics defines the interface for tracking ledger operations.
type Metrics interface {
	// RecordTrack records a usage-tracking attempt.
	RecordTrack(customerID, featureID string, amount int64, applied bool)

	// RecordBalanceRead records the duration of a balance read.
	RecordBalanceRead(customerID, featureID string, duration time.Duration)

	// RecordCacheHit records a snapshot cache hit.
	RecordCacheHit()

	// RecordCacheMiss records a snapshot cache miss.
	RecordCacheMiss()

	// RecordSync records the outcome of a cache-to-store sync attempt.
	RecordSync(customerID string, updated int, err error)

	// RecordSyncConflict records a rejected merge by conflict code.
	RecordSyncConflict(code ConflictCode)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordTrack(customerID, featureID string, amount int64, applied bool)   {}
func (n *NoopMetrics) RecordBalanceRead(customerID, featureID string, duration time.Duration) {}
func (n *NoopMetrics) RecordCacheHit()                                                        {}
func (n *NoopMetrics) RecordCacheMiss()                                                       {}
func (n *NoopMetrics) RecordSync(customerID string, updated int, err error)                   {}
func (n *NoopMetrics) RecordSyncConflict(code ConflictCode)                                   {}
