package authgate

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one engine counter.
type MetricID uint16

const (
	// MetricLoginSuccess counts fully authenticated logins.
	MetricLoginSuccess MetricID = iota
	// MetricLoginFailure counts rejected credential presentations.
	MetricLoginFailure
	// MetricAccountLocked counts logins rejected by an active lockout.
	MetricAccountLocked
	// MetricTenantRejected counts logins against missing or inactive tenants.
	MetricTenantRejected
	// MetricMFARequired counts logins that produced an MFA session.
	MetricMFARequired
	// MetricMFASuccess counts verified MFA confirmations.
	MetricMFASuccess
	// MetricMFAFailure counts failed MFA confirmations.
	MetricMFAFailure
	// MetricMFAReplayBlocked counts confirmations lost to the single-use guard.
	MetricMFAReplayBlocked
	// MetricRecoveryCodeUsed counts successful recovery code logins.
	MetricRecoveryCodeUsed
	// MetricRecoveryCodeFailed counts rejected recovery codes.
	MetricRecoveryCodeFailed
	// MetricRecoveryCodesGenerated counts recovery code batch generations.
	MetricRecoveryCodesGenerated
	// MetricTokenIssued counts issued token pairs.
	MetricTokenIssued
	// MetricRefreshSuccess counts successful rotations.
	MetricRefreshSuccess
	// MetricRefreshFailure counts rejected refresh attempts.
	MetricRefreshFailure
	// MetricRefreshReuseDetected counts presentations of revoked refresh tokens.
	MetricRefreshReuseDetected
	// MetricTokenRevoked counts access token revocations.
	MetricTokenRevoked
	// MetricValidateSuccess counts accepted access tokens.
	MetricValidateSuccess
	// MetricValidateRevoked counts access tokens rejected as revoked.
	MetricValidateRevoked
	// MetricRevocationUnavailable counts fail-closed revocation lookups.
	MetricRevocationUnavailable
	// MetricLogout counts explicit logouts.
	MetricLogout
	// MetricMFASetupStarted counts opened setup challenges.
	MetricMFASetupStarted
	// MetricMFAEnabled counts confirmed enrollments.
	MetricMFAEnabled
	// MetricMFADisabled counts verified disables.
	MetricMFADisabled
	// MetricPasswordChangeSuccess counts completed password changes.
	MetricPasswordChangeSuccess
	// MetricPasswordChangeFailure counts rejected password changes.
	MetricPasswordChangeFailure
	// MetricPasswordReuseRejected counts reuse-policy rejections.
	MetricPasswordReuseRejected
	// MetricPasswordResetRequest counts issued reset tokens.
	MetricPasswordResetRequest
	// MetricPasswordResetConfirm counts completed resets.
	MetricPasswordResetConfirm
	// MetricValidateLatency is the ValidateAccess latency histogram.
	MetricValidateLatency
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics is the in-process counter registry. Counters are cache-line
// padded; Inc is a single atomic add.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of all counters and histograms.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics returns a registry honoring cfg.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

// Enabled reports whether counters are being recorded.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// Inc adds one to the counter.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records a latency sample. Only MetricValidateLatency has a
// histogram.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enableLatency || id != MetricValidateLatency {
		return
	}

	b := bucketIndex(d)
	atomic.AddUint64(&m.histograms[id].buckets[b], 1)
}

// Value returns the current counter value.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies all counters and histogram buckets.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricValidateLatency].buckets[i])
		}
		s.Histograms[MetricValidateLatency] = buckets
	}

	return s
}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}
