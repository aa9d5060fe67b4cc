package threat

import "time"

// Kind enumerates the security event categories the engine tracks.
type Kind int

const (
	KindFailedLogin Kind = iota
	KindSuspicious
	KindRateLimit
	KindSecurityError
	KindGeneric
)

var kindNames = map[Kind]string{
	KindFailedLogin:   "failed_login",
	KindSuspicious:    "suspicious_activity",
	KindRateLimit:     "rate_limit_violation",
	KindSecurityError: "security_error",
	KindGeneric:       "generic",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// KindFromString maps a category name back to its Kind. The second return
// is false for unknown names.
func KindFromString(s string) (Kind, bool) {
	for k, name := range kindNames {
		if name == s {
			return k, true
		}
	}
	return KindGeneric, false
}

// The payload types below form the tagged union of event categories. Each
// recording method takes the payload for its category so required fields are
// enforced at the call site instead of checked at runtime.

// FailedLogin is one failed authentication attempt.
type FailedLogin struct {
	IP        string
	Email     string
	Reason    string
	UserAgent string
}

// SuccessfulLogin is one successful authentication.
type SuccessfulLogin struct {
	IP        string
	Email     string
	UserAgent string
}

// SuspiciousActivity is an explicit report from a collaborator.
type SuspiciousActivity struct {
	IP       string
	Reason   string
	Severity string // low, medium, high
}

// RateLimitViolation is one request rejected by a rate limiter.
type RateLimitViolation struct {
	IP       string
	Endpoint string
}

// SecurityError is an error on a security-relevant code path.
type SecurityError struct {
	IP      string
	Message string
}

// Record is the stored form of any event. Events are never mutated after
// creation.
type Record struct {
	Kind      Kind              `json:"kind"`
	Category  string            `json:"category"`
	Time      time.Time         `json:"time"`
	IP        string            `json:"ip,omitempty"`
	Email     string            `json:"email,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Endpoint  string            `json:"endpoint,omitempty"`
	Severity  string            `json:"severity,omitempty"`
	Message   string            `json:"message,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}
