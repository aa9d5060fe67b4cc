// Package alert delivers security alerts to operator channels (email,
// webhook) under per-channel rate budgets. Delivery is at-most-once and
// best-effort: a saturated or failing channel loses the notification, never
// the alert's record in the security metrics.
package alert

import (
	"time"

	"github.com/google/uuid"
)

// Severity grades an alert.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Alert is a single security notification raised by a threshold rule.
type Alert struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Severity Severity          `json:"severity"`
	Time     time.Time         `json:"time"`
	Details  map[string]string `json:"details,omitempty"`
}

// New builds an alert with a fresh ID and the current time.
func New(alertType string, severity Severity, details map[string]string) Alert {
	return Alert{
		ID:       uuid.NewString(),
		Type:     alertType,
		Severity: severity,
		Time:     time.Now(),
		Details:  details,
	}
}

// Sender accepts alerts for asynchronous delivery. The threat engine holds
// this interface so it never blocks on channel I/O.
type Sender interface {
	Send(a Alert)
}
