package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike AlertType = "login_failure_spike"
	AlertAdminDeniedSpike  AlertType = "admin_denied_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// slidingCounter fires once its window holds threshold events, then resets.
type slidingCounter struct {
	events    []time.Time
	window    time.Duration
	threshold int
}

func (c *slidingCounter) add(now time.Time) (int, bool) {
	c.events = append(c.events, now)
	c.events = trimWindow(c.events, now, c.window)
	n := len(c.events)
	if n < c.threshold {
		return n, false
	}
	c.events = c.events[:0]
	return n, true
}

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu  sync.Mutex
	now func() time.Time

	loginFailures slidingCounter
	adminDenials  slidingCounter

	alertFn AlertFunc
}

const (
	defaultLoginFailureWindow    = 1 * time.Minute
	defaultLoginFailureThreshold = 50
	defaultAdminDeniedWindow     = 5 * time.Minute
	defaultAdminDeniedThreshold  = 10
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		now:           time.Now,
		loginFailures: slidingCounter{window: defaultLoginFailureWindow, threshold: defaultLoginFailureThreshold},
		adminDenials:  slidingCounter{window: defaultAdminDeniedWindow, threshold: defaultAdminDeniedThreshold},
		alertFn:       alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditLoginFailure, AuditTwoFactorFailure:
		m.record(&m.loginFailures, AlertLoginFailureSpike, "login failure rate exceeds threshold")
	case AuditAdminDenied:
		m.record(&m.adminDenials, AlertAdminDeniedSpike, "denied admin requests exceed threshold")
	}
}

func (m *metricsCollector) record(c *slidingCounter, typ AlertType, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	count, fire := c.add(now)
	if !fire {
		return
	}
	m.alertFn(AlertEvent{
		Type:      typ,
		Message:   msg,
		Count:     count,
		Threshold: c.threshold,
		Timestamp: now,
	})
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
