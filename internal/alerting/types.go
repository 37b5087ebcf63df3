package alerting

import "time"

// Severity orders alerts by urgency.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// rank is used for notification prefixes and sorting; higher is worse.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	}
	return 0
}

// Alert is one threshold breach. Alerts are append-only: resolving sets
// ResolvedAt, nothing is ever deleted.
type Alert struct {
	ID         string     `json:"id"`
	Rule       string     `json:"rule"`
	Metric     string     `json:"metric"`
	Severity   Severity   `json:"severity"`
	Message    string     `json:"message"`
	Value      float64    `json:"value"`
	Threshold  float64    `json:"threshold"`
	OpenedAt   time.Time  `json:"opened_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Active reports whether the alert is still open.
func (a Alert) Active() bool { return a.ResolvedAt == nil }

// Notification is what leaves the daemon through a sink.
type Notification struct {
	Severity Severity
	Event    string // "opened" or "resolved"
	Title    string
	Body     string
	At       time.Time
	Alert    Alert
}

// AlertEvent is the bus payload for alert lifecycle events.
type AlertEvent struct {
	ID       string    `json:"id"`
	Rule     string    `json:"rule"`
	Metric   string    `json:"metric"`
	Severity Severity  `json:"severity"`
	Value    float64   `json:"value"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

// Bus topics published by this package.
const (
	EventOpened        = "alert.opened"
	EventResolved      = "alert.resolved"
	EventNotifySent    = "alert.notify.sent"
	EventNotifyFailed  = "alert.notify.failed"
	EventNotifyDeduped = "alert.notify.deduped"
	EventNotifyDropped = "alert.notify.dropped"
)
