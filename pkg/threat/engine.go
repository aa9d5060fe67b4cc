// Package threat classifies security events into categories, evaluates
// threshold rules over sliding windows, and escalates crossings into alerts
// and IP blocks. It owns the authoritative blocklist and a best-effort JSON
// metrics snapshot.
package threat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"sentinel/pkg/alert"
	"sentinel/pkg/attempt"
	"sentinel/pkg/structlog"
)

var (
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "sentinel", Subsystem: "threat", Name: "events_total", Help: "Security events recorded by category."},
		[]string{"category"},
	)
	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "sentinel", Subsystem: "threat", Name: "alerts_total", Help: "Alerts raised by type and severity."},
		[]string{"type", "severity"},
	)
	blockedGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "sentinel", Subsystem: "threat", Name: "blocked_ips", Help: "IPs currently on the engine blocklist."},
	)
)

func init() {
	_ = prometheus.Register(eventsTotal)
	_ = prometheus.Register(alertsTotal)
	_ = prometheus.Register(blockedGauge)
}

// Alert types raised by the threshold rules.
const (
	AlertFailedLoginThreshold = "FAILED_LOGIN_THRESHOLD"
	AlertRateLimitAbuse       = "RATE_LIMIT_ABUSE"
	AlertErrorSpike           = "ERROR_SPIKE"
	AlertEmailEnumeration     = "EMAIL_ENUMERATION"
	AlertSuspiciousActivity   = "SUSPICIOUS_ACTIVITY"
)

// Config holds the threshold rules. Each rule is evaluated independently
// over its own sliding window.
type Config struct {
	FailedLoginThreshold int
	FailedLoginWindow    time.Duration
	RateLimitThreshold   int
	RateLimitWindow      time.Duration
	ErrorSpikeThreshold  int
	ErrorSpikeWindow     time.Duration
	EmailEnumThreshold   int
	EmailEnumWindow      time.Duration

	// BlockDuration applies to blocks raised by threshold rules.
	BlockDuration time.Duration
	// BufferSize caps each category buffer.
	BufferSize int
	// Retention bounds how long events are kept before the sweep drops them.
	Retention time.Duration
	// SweepInterval is the cadence of the retention sweep.
	SweepInterval time.Duration
	// SnapshotPath is the JSON metrics snapshot file; empty disables
	// persistence.
	SnapshotPath string
}

// DefaultConfig returns the production rule set.
func DefaultConfig() Config {
	return Config{
		FailedLoginThreshold: 5,
		FailedLoginWindow:    15 * time.Minute,
		RateLimitThreshold:   3,
		RateLimitWindow:      5 * time.Minute,
		ErrorSpikeThreshold:  20,
		ErrorSpikeWindow:     10 * time.Minute,
		EmailEnumThreshold:   3,
		EmailEnumWindow:      time.Minute,
		BlockDuration:        time.Hour,
		BufferSize:           1000,
		Retention:            24 * time.Hour,
		SweepInterval:        time.Hour,
	}
}

// Counters are the engine's running totals.
type Counters struct {
	FailedLogins         int64 `json:"failed_logins"`
	SuccessfulLogins     int64 `json:"successful_logins"`
	SuspiciousActivities int64 `json:"suspicious_activities"`
	RateLimitViolations  int64 `json:"rate_limit_violations"`
	SecurityErrors       int64 `json:"security_errors"`
	GenericEvents        int64 `json:"generic_events"`
	BruteForceAttempts   int64 `json:"brute_force_attempts"`
	AlertsRaised         int64 `json:"alerts_raised"`
	IPsBlocked           int64 `json:"ips_blocked"`
}

// Metrics is the dashboard view of engine state.
type Metrics struct {
	Counters     Counters            `json:"counters"`
	BlockedIPs   []BlockEntry        `json:"blocked_ips"`
	RecentEvents map[string][]Record `json:"recent_events"`
}

// Engine is the threat detection engine. All recording methods are safe for
// concurrent use, never return errors, and contain their own failures;
// callers sit on hot request paths.
type Engine struct {
	cfg     Config
	logger  *structlog.Logger
	alerter alert.Sender
	tracker *attempt.Tracker

	mu             sync.Mutex
	buffers        map[Kind][]Record
	counters       Counters
	blocks         map[string]BlockEntry
	expiries       expiryHeap
	lastErrorSpike time.Time
	lastEnumAlert  map[string]time.Time
	lastLoginAlert map[string]time.Time

	wake   chan struct{}
	now    func() time.Time
	cancel context.CancelFunc

	// saveSeq is taken under mu; savedSeq under saveMu. Together they order
	// the async snapshot writers.
	saveSeq  uint64
	saveMu   sync.Mutex
	savedSeq uint64
}

// NewEngine constructs the engine and loads the metrics snapshot if one
// exists. The tracker may be nil (no hot-path mirror); when present the
// engine registers itself as the tracker's block sink.
func NewEngine(cfg Config, tracker *attempt.Tracker, alerter alert.Sender, logger *structlog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.FailedLoginThreshold <= 0 {
		cfg.FailedLoginThreshold = def.FailedLoginThreshold
	}
	if cfg.FailedLoginWindow <= 0 {
		cfg.FailedLoginWindow = def.FailedLoginWindow
	}
	if cfg.RateLimitThreshold <= 0 {
		cfg.RateLimitThreshold = def.RateLimitThreshold
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = def.RateLimitWindow
	}
	if cfg.ErrorSpikeThreshold <= 0 {
		cfg.ErrorSpikeThreshold = def.ErrorSpikeThreshold
	}
	if cfg.ErrorSpikeWindow <= 0 {
		cfg.ErrorSpikeWindow = def.ErrorSpikeWindow
	}
	if cfg.EmailEnumThreshold <= 0 {
		cfg.EmailEnumThreshold = def.EmailEnumThreshold
	}
	if cfg.EmailEnumWindow <= 0 {
		cfg.EmailEnumWindow = def.EmailEnumWindow
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = def.BlockDuration
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}

	e := &Engine{
		cfg:            cfg,
		logger:         logger,
		alerter:        alerter,
		tracker:        tracker,
		buffers:        make(map[Kind][]Record),
		blocks:         make(map[string]BlockEntry),
		lastEnumAlert:  make(map[string]time.Time),
		lastLoginAlert: make(map[string]time.Time),
		wake:           make(chan struct{}, 1),
		now:            time.Now,
	}
	if tracker != nil {
		tracker.SetSink(e)
	}
	e.loadSnapshot()
	blockedGauge.Set(float64(len(e.blocks)))
	return e
}

// Start launches the expiry scheduler and the retention sweep.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	go e.expiryLoop(ctx)
	go e.sweepLoop(ctx)
}

// Close stops the background goroutines.
func (e *Engine) Close() {
	if e.cancel != nil {
		e.cancel()
	}
}

// RecordFailedLogin records one failed authentication attempt and evaluates
// the failed-login and email-enumeration rules.
func (e *Engine) RecordFailedLogin(f FailedLogin) {
	if f.IP == "" {
		e.logger.Warn("failed login event without ip dropped", structlog.Fields{"email": f.Email})
		return
	}

	var raised []alert.Alert
	var blockedIP string
	var blockDur time.Duration

	e.mu.Lock()
	now := e.now()
	e.appendLocked(Record{
		Kind: KindFailedLogin, Category: KindFailedLogin.String(), Time: now,
		IP: f.IP, Email: f.Email, Reason: f.Reason, UserAgent: f.UserAgent,
	})
	e.counters.FailedLogins++

	// Failed-login threshold, per IP. Deduped on the rule's own last-alert
	// time: the tracker mirror may already hold a block for this IP when the
	// rule fires, and that must not swallow the alert.
	n := e.countLocked(KindFailedLogin, e.cfg.FailedLoginWindow, func(r Record) bool { return r.IP == f.IP })
	if n >= e.cfg.FailedLoginThreshold && now.Sub(e.lastLoginAlert[f.IP]) >= e.cfg.FailedLoginWindow {
		e.lastLoginAlert[f.IP] = now
		e.counters.BruteForceAttempts++
		reason := fmt.Sprintf("Brute force: %d failed logins within %s", n, e.cfg.FailedLoginWindow)
		e.blockLocked(f.IP, reason, e.cfg.BlockDuration)
		blockedIP = f.IP
		blockDur = e.cfg.BlockDuration
		raised = append(raised, e.raiseLocked(AlertFailedLoginThreshold, alert.SeverityHigh, map[string]string{
			"ip":       f.IP,
			"email":    f.Email,
			"attempts": fmt.Sprintf("%d", n),
			"window":   e.cfg.FailedLoginWindow.String(),
		}))
	}

	// Email enumeration: same email failing from any IP.
	if f.Email != "" {
		n := e.countLocked(KindFailedLogin, e.cfg.EmailEnumWindow, func(r Record) bool { return r.Email == f.Email })
		if n >= e.cfg.EmailEnumThreshold && now.Sub(e.lastEnumAlert[f.Email]) >= e.cfg.EmailEnumWindow {
			e.lastEnumAlert[f.Email] = now
			e.appendLocked(Record{
				Kind: KindSuspicious, Category: KindSuspicious.String(), Time: now,
				IP: f.IP, Email: f.Email, Severity: string(alert.SeverityHigh),
				Reason: fmt.Sprintf("Possible email enumeration: %d failed logins for %s", n, f.Email),
			})
			e.counters.SuspiciousActivities++
			raised = append(raised, e.raiseLocked(AlertEmailEnumeration, alert.SeverityHigh, map[string]string{
				"email":    f.Email,
				"ip":       f.IP,
				"attempts": fmt.Sprintf("%d", n),
			}))
		}
	}
	e.mu.Unlock()

	if blockedIP != "" && e.tracker != nil {
		e.tracker.Block(blockedIP, blockDur)
	}
	e.sendAlerts(raised)
	e.persist()
}

// RecordSuccessfulLogin clears the IP's failed-login history so the attempt
// tracker and the engine never diverge after a success.
func (e *Engine) RecordSuccessfulLogin(s SuccessfulLogin) {
	if s.IP == "" {
		e.logger.Warn("successful login event without ip dropped", structlog.Fields{"email": s.Email})
		return
	}

	e.mu.Lock()
	e.counters.SuccessfulLogins++
	buf := e.buffers[KindFailedLogin]
	kept := buf[:0:len(buf)]
	for _, r := range buf {
		if r.IP != s.IP {
			kept = append(kept, r)
		}
	}
	e.buffers[KindFailedLogin] = kept
	delete(e.lastLoginAlert, s.IP)
	e.mu.Unlock()

	if e.tracker != nil {
		e.tracker.ResetFailedAttempts(s.IP)
	}
	e.persist()
}

// RecordSuspiciousActivity records an explicit report. High-severity reports
// raise an alert immediately.
func (e *Engine) RecordSuspiciousActivity(s SuspiciousActivity) {
	if s.IP == "" && s.Reason == "" {
		e.logger.Warn("suspicious activity event without ip or reason dropped", nil)
		return
	}
	sev := normalizeSeverity(s.Severity)

	var raised []alert.Alert
	e.mu.Lock()
	e.appendLocked(Record{
		Kind: KindSuspicious, Category: KindSuspicious.String(), Time: e.now(),
		IP: s.IP, Reason: s.Reason, Severity: string(sev),
	})
	e.counters.SuspiciousActivities++
	if sev == alert.SeverityHigh {
		raised = append(raised, e.raiseLocked(AlertSuspiciousActivity, sev, map[string]string{
			"ip":     s.IP,
			"reason": s.Reason,
		}))
	}
	e.mu.Unlock()

	e.sendAlerts(raised)
	e.persist()
}

// RecordRateLimitViolation records one rejected request and evaluates the
// rate-limit-abuse rule.
func (e *Engine) RecordRateLimitViolation(v RateLimitViolation) {
	if v.IP == "" {
		e.logger.Warn("rate limit violation without ip dropped", structlog.Fields{"endpoint": v.Endpoint})
		return
	}

	var raised []alert.Alert
	var blockedIP string
	var blockDur time.Duration

	e.mu.Lock()
	e.appendLocked(Record{
		Kind: KindRateLimit, Category: KindRateLimit.String(), Time: e.now(),
		IP: v.IP, Endpoint: v.Endpoint,
	})
	e.counters.RateLimitViolations++

	if _, already := e.blocks[v.IP]; !already {
		n := e.countLocked(KindRateLimit, e.cfg.RateLimitWindow, func(r Record) bool { return r.IP == v.IP })
		if n >= e.cfg.RateLimitThreshold {
			reason := fmt.Sprintf("Rate limit abuse: %d violations within %s", n, e.cfg.RateLimitWindow)
			e.blockLocked(v.IP, reason, e.cfg.BlockDuration)
			blockedIP = v.IP
			blockDur = e.cfg.BlockDuration
			raised = append(raised, e.raiseLocked(AlertRateLimitAbuse, alert.SeverityHigh, map[string]string{
				"ip":         v.IP,
				"endpoint":   v.Endpoint,
				"violations": fmt.Sprintf("%d", n),
			}))
		}
	}
	e.mu.Unlock()

	if blockedIP != "" && e.tracker != nil {
		e.tracker.Block(blockedIP, blockDur)
	}
	e.sendAlerts(raised)
	e.persist()
}

// RecordSecurityError records an error on a security-relevant path and
// evaluates the global error-spike rule.
func (e *Engine) RecordSecurityError(se SecurityError) {
	if se.Message == "" {
		e.logger.Warn("security error event without message dropped", structlog.Fields{"ip": se.IP})
		return
	}

	var raised []alert.Alert
	e.mu.Lock()
	now := e.now()
	e.appendLocked(Record{
		Kind: KindSecurityError, Category: KindSecurityError.String(), Time: now,
		IP: se.IP, Message: se.Message,
	})
	e.counters.SecurityErrors++

	n := e.countLocked(KindSecurityError, e.cfg.ErrorSpikeWindow, func(Record) bool { return true })
	if n >= e.cfg.ErrorSpikeThreshold && now.Sub(e.lastErrorSpike) >= e.cfg.ErrorSpikeWindow {
		e.lastErrorSpike = now
		raised = append(raised, e.raiseLocked(AlertErrorSpike, alert.SeverityMedium, map[string]string{
			"errors": fmt.Sprintf("%d", n),
			"window": e.cfg.ErrorSpikeWindow.String(),
		}))
	}
	e.mu.Unlock()

	e.sendAlerts(raised)
	e.persist()
}

// RecordEvent records a generic security event with free-form details.
func (e *Engine) RecordEvent(eventType string, details map[string]string) {
	if eventType == "" {
		e.logger.Warn("generic security event without type dropped", nil)
		return
	}

	e.mu.Lock()
	e.appendLocked(Record{
		Kind: KindGeneric, Category: KindGeneric.String(), Time: e.now(),
		Message: eventType, Details: details,
	})
	e.counters.GenericEvents++
	e.mu.Unlock()
	e.persist()
}

// GetMetrics returns current counters, the blocklist, and the last 10 events
// per category.
func (e *Engine) GetMetrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := Metrics{
		Counters:     e.counters,
		RecentEvents: make(map[string][]Record, len(kindNames)),
	}
	now := e.now()
	for _, entry := range e.blocks {
		if now.Before(entry.ExpiresAt) {
			m.BlockedIPs = append(m.BlockedIPs, entry)
		}
	}
	for kind := range kindNames {
		m.RecentEvents[kind.String()] = newestFirstLocked(e.buffers[kind], 10)
	}
	return m
}

// RecentEvents returns up to limit events of the given category, newest
// first.
func (e *Engine) RecentEvents(kind Kind, limit int) []Record {
	if limit <= 0 {
		limit = 50
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return newestFirstLocked(e.buffers[kind], limit)
}

// appendLocked appends to the category buffer, dropping the oldest entry
// when the buffer is at capacity. Caller holds e.mu.
func (e *Engine) appendLocked(r Record) {
	buf := append(e.buffers[r.Kind], r)
	if len(buf) > e.cfg.BufferSize {
		buf = buf[len(buf)-e.cfg.BufferSize:]
	}
	e.buffers[r.Kind] = buf
	eventsTotal.WithLabelValues(r.Kind.String()).Inc()
}

// countLocked counts events of kind within the window that satisfy match.
func (e *Engine) countLocked(kind Kind, window time.Duration, match func(Record) bool) int {
	cutoff := e.now().Add(-window)
	n := 0
	for _, r := range e.buffers[kind] {
		if r.Time.After(cutoff) && match(r) {
			n++
		}
	}
	return n
}

// raiseLocked counts the alert and returns it for sending after the lock is
// released.
func (e *Engine) raiseLocked(alertType string, sev alert.Severity, details map[string]string) alert.Alert {
	e.counters.AlertsRaised++
	alertsTotal.WithLabelValues(alertType, string(sev)).Inc()
	return alert.New(alertType, sev, details)
}

func (e *Engine) sendAlerts(alerts []alert.Alert) {
	if e.alerter == nil {
		return
	}
	for _, a := range alerts {
		e.alerter.Send(a)
	}
}

func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.sweepRetention()
		case <-ctx.Done():
			return
		}
	}
}

// sweepRetention drops buffered events older than the retention horizon.
func (e *Engine) sweepRetention() {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-e.cfg.Retention)
	for kind, buf := range e.buffers {
		kept := buf[:0:len(buf)]
		for _, r := range buf {
			if r.Time.After(cutoff) {
				kept = append(kept, r)
			}
		}
		e.buffers[kind] = kept
	}
	for email, at := range e.lastEnumAlert {
		if at.Before(cutoff) {
			delete(e.lastEnumAlert, email)
		}
	}
	for ip, at := range e.lastLoginAlert {
		if at.Before(cutoff) {
			delete(e.lastLoginAlert, ip)
		}
	}
}

func newestFirstLocked(buf []Record, limit int) []Record {
	if limit > len(buf) {
		limit = len(buf)
	}
	out := make([]Record, 0, limit)
	for i := len(buf) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, buf[i])
	}
	return out
}

func normalizeSeverity(s string) alert.Severity {
	switch alert.Severity(s) {
	case alert.SeverityHigh:
		return alert.SeverityHigh
	case alert.SeverityMedium:
		return alert.SeverityMedium
	default:
		return alert.SeverityLow
	}
}
