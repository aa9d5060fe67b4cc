package threat

import (
	"sort"
	"time"
)

// Offender summarizes one IP's recent failed-login activity.
type Offender struct {
	IP           string `json:"ip"`
	FailedLogins int    `json:"failed_logins"`
}

// Report aggregates the last 24 hours for operator review.
type Report struct {
	GeneratedAt     time.Time      `json:"generated_at"`
	Window          string         `json:"window"`
	EventCounts     map[string]int `json:"event_counts"`
	TopOffenders    []Offender     `json:"top_offenders"`
	BlockedIPCount  int            `json:"blocked_ip_count"`
	AlertsRaised    int64          `json:"alerts_raised"`
	Recommendations []string       `json:"recommendations"`
}

// GenerateReport builds the 24 h security report: per-category counts, the
// top failed-login sources, and static hardening recommendations keyed off
// the counters.
func (e *Engine) GenerateReport() Report {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	cutoff := now.Add(-24 * time.Hour)

	counts := make(map[string]int, len(kindNames))
	offenders := make(map[string]int)
	for kind, buf := range e.buffers {
		for _, r := range buf {
			if !r.Time.After(cutoff) {
				continue
			}
			counts[kind.String()]++
			if kind == KindFailedLogin && r.IP != "" {
				offenders[r.IP]++
			}
		}
	}

	top := make([]Offender, 0, len(offenders))
	for ip, n := range offenders {
		top = append(top, Offender{IP: ip, FailedLogins: n})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].FailedLogins != top[j].FailedLogins {
			return top[i].FailedLogins > top[j].FailedLogins
		}
		return top[i].IP < top[j].IP
	})
	if len(top) > 10 {
		top = top[:10]
	}

	blocked := 0
	for _, entry := range e.blocks {
		if now.Before(entry.ExpiresAt) {
			blocked++
		}
	}

	return Report{
		GeneratedAt:     now,
		Window:          "24h",
		EventCounts:     counts,
		TopOffenders:    top,
		BlockedIPCount:  blocked,
		AlertsRaised:    e.counters.AlertsRaised,
		Recommendations: e.recommendationsLocked(),
	}
}

func (e *Engine) recommendationsLocked() []string {
	recs := []string{
		"Review blocked IPs weekly and promote repeat offenders to a network-level deny list.",
	}
	if e.counters.BruteForceAttempts > 0 {
		recs = append(recs,
			"Brute-force activity detected: enforce MFA for all accounts and consider CAPTCHA after the second failed login.")
	}
	if e.counters.RateLimitViolations > 10 {
		recs = append(recs,
			"Sustained rate-limit pressure: lower per-client request budgets or move bulk consumers to authenticated API keys.")
	}
	if e.counters.SecurityErrors > 50 {
		recs = append(recs,
			"Elevated security error volume: audit recent deployments and input validation on public endpoints.")
	}
	if e.counters.SuspiciousActivities > 0 {
		recs = append(recs,
			"Suspicious activity reports present: correlate with access logs before expiring the related blocks.")
	}
	return recs
}
