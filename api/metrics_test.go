package api

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alertRecorder struct {
	mu     sync.Mutex
	alerts []AlertEvent
}

func (r *alertRecorder) record(e AlertEvent) {
	r.mu.Lock()
	r.alerts = append(r.alerts, e)
	r.mu.Unlock()
}

func (r *alertRecorder) snapshot() []AlertEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AlertEvent(nil), r.alerts...)
}

func TestLoginFailureSpikeAlert(t *testing.T) {
	rec := &alertRecorder{}
	collector := newMetricsCollector(rec.record)
	collector.loginFailures.threshold = 5

	for range 4 {
		collector.recordEvent(AuditLoginFailure)
	}
	assert.Empty(t, rec.snapshot(), "no alert below threshold")

	// Second-factor failures count toward the same spike.
	collector.recordEvent(AuditTwoFactorFailure)
	alerts := rec.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertLoginFailureSpike, alerts[0].Type)
	assert.Equal(t, 5, alerts[0].Count)
}

func TestAdminDeniedSpikeAlert(t *testing.T) {
	rec := &alertRecorder{}
	collector := newMetricsCollector(rec.record)
	collector.adminDenials.threshold = 3

	collector.recordEvent(AuditAdminDenied)
	collector.recordEvent(AuditAdminDenied)
	collector.recordEvent(AuditLoginSuccess)
	assert.Empty(t, rec.snapshot())

	collector.recordEvent(AuditAdminDenied)
	alerts := rec.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertAdminDeniedSpike, alerts[0].Type)
	assert.Equal(t, 3, alerts[0].Threshold)
}

func TestMetricsNoAlertWithoutCallback(t *testing.T) {
	collector := newMetricsCollector(nil)
	collector.recordEvent(AuditLoginFailure)
}

func TestMetricsNilCollector(t *testing.T) {
	var collector *metricsCollector
	collector.recordEvent(AuditLoginFailure)
}

func TestMetricsSlidingWindowExpiry(t *testing.T) {
	rec := &alertRecorder{}
	collector := newMetricsCollector(rec.record)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	collector.now = func() time.Time { return now }
	collector.loginFailures.threshold = 5

	for range 4 {
		collector.recordEvent(AuditLoginFailure)
	}

	now = now.Add(2 * time.Minute)
	collector.recordEvent(AuditLoginFailure)
	assert.Empty(t, rec.snapshot(), "old failures should not count after window expiry")
}

func TestMetricsResetAfterAlert(t *testing.T) {
	rec := &alertRecorder{}
	collector := newMetricsCollector(rec.record)
	collector.loginFailures.threshold = 3

	for range 3 {
		collector.recordEvent(AuditLoginFailure)
	}
	require.Len(t, rec.snapshot(), 1, "first alert triggered")

	for range 2 {
		collector.recordEvent(AuditLoginFailure)
	}
	assert.Len(t, rec.snapshot(), 1, "no second alert yet")

	collector.recordEvent(AuditLoginFailure)
	assert.Len(t, rec.snapshot(), 2, "second alert triggered")
}
