package threat

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"sentinel/pkg/alert"
	"sentinel/pkg/attempt"
	"sentinel/pkg/structlog"
)

func testLogger() *structlog.Logger {
	return structlog.NewLogger("test", structlog.LevelError, io.Discard)
}

type captureSender struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (c *captureSender) Send(a alert.Alert) {
	c.mu.Lock()
	c.alerts = append(c.alerts, a)
	c.mu.Unlock()
}

func (c *captureSender) byType(t string) []alert.Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []alert.Alert
	for _, a := range c.alerts {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}

func newTestEngine(cfg Config) (*Engine, *attempt.Tracker, *captureSender) {
	sender := &captureSender{}
	tracker := attempt.NewTracker(attempt.DefaultConfig(), testLogger())
	e := NewEngine(cfg, tracker, sender, testLogger())
	return e, tracker, sender
}

func TestFailedLoginThresholdBlocksAndAlerts(t *testing.T) {
	e, tracker, sender := newTestEngine(DefaultConfig())

	for i := 0; i < 5; i++ {
		e.RecordFailedLogin(FailedLogin{IP: "1.2.3.4", Email: "victim@example.com", Reason: "bad password"})
	}

	if !e.IsIPBlocked("1.2.3.4") {
		t.Fatal("engine blocklist missing 1.2.3.4 after 5 failed logins")
	}
	if !tracker.IsBlocked("1.2.3.4") {
		t.Fatal("tracker mirror missing the block")
	}

	raised := sender.byType(AlertFailedLoginThreshold)
	if len(raised) != 1 {
		t.Fatalf("FAILED_LOGIN_THRESHOLD alerts = %d, want 1", len(raised))
	}
	if raised[0].Severity != alert.SeverityHigh {
		t.Fatalf("alert severity = %s, want high", raised[0].Severity)
	}
	if raised[0].Details["ip"] != "1.2.3.4" {
		t.Fatalf("alert ip = %q", raised[0].Details["ip"])
	}

	entries := e.BlockedIPs()
	if len(entries) != 1 {
		t.Fatalf("BlockedIPs = %d entries, want 1", len(entries))
	}
	if !strings.Contains(entries[0].Reason, "Brute force") {
		t.Fatalf("block reason = %q, want brute force reason", entries[0].Reason)
	}

	m := e.GetMetrics()
	if m.Counters.FailedLogins != 5 {
		t.Fatalf("FailedLogins = %d, want 5", m.Counters.FailedLogins)
	}
	if m.Counters.BruteForceAttempts != 1 {
		t.Fatalf("BruteForceAttempts = %d, want 1", m.Counters.BruteForceAttempts)
	}
	if m.Counters.IPsBlocked != 1 {
		t.Fatalf("IPsBlocked = %d, want 1", m.Counters.IPsBlocked)
	}
}

func TestTrackerFedBeforeEngineStillAlerts(t *testing.T) {
	e, tracker, sender := newTestEngine(DefaultConfig())

	// The intake handler feeds the tracker before the engine, so on the 5th
	// failure the mirror block lands in the engine before the rule runs.
	for i := 0; i < 5; i++ {
		tracker.RecordFailedAttempt("1.2.3.4")
		e.RecordFailedLogin(FailedLogin{IP: "1.2.3.4", Email: "victim@example.com"})
	}

	if !e.IsIPBlocked("1.2.3.4") || !tracker.IsBlocked("1.2.3.4") {
		t.Fatal("1.2.3.4 not blocked in both views")
	}
	if got := len(sender.byType(AlertFailedLoginThreshold)); got != 1 {
		t.Fatalf("FAILED_LOGIN_THRESHOLD alerts = %d, want 1", got)
	}
	m := e.GetMetrics()
	if m.Counters.BruteForceAttempts != 1 {
		t.Fatalf("BruteForceAttempts = %d, want 1", m.Counters.BruteForceAttempts)
	}
	if m.Counters.IPsBlocked != 1 {
		t.Fatalf("IPsBlocked = %d, want 1", m.Counters.IPsBlocked)
	}
}

func TestAlreadyBlockedIPRaisesNoSecondAlert(t *testing.T) {
	e, _, sender := newTestEngine(DefaultConfig())

	for i := 0; i < 8; i++ {
		e.RecordFailedLogin(FailedLogin{IP: "1.2.3.4"})
	}
	if got := len(sender.byType(AlertFailedLoginThreshold)); got != 1 {
		t.Fatalf("alerts for one sustained attack = %d, want 1", got)
	}
}

func TestRateLimitAbuseBlocks(t *testing.T) {
	e, tracker, sender := newTestEngine(DefaultConfig())

	for i := 0; i < 3; i++ {
		e.RecordRateLimitViolation(RateLimitViolation{IP: "9.9.9.9", Endpoint: "/api/search"})
	}

	if !e.IsIPBlocked("9.9.9.9") {
		t.Fatal("9.9.9.9 not blocked after 3 violations")
	}
	if !tracker.IsBlocked("9.9.9.9") {
		t.Fatal("tracker mirror missing the block")
	}
	if got := len(sender.byType(AlertRateLimitAbuse)); got != 1 {
		t.Fatalf("RATE_LIMIT_ABUSE alerts = %d, want 1", got)
	}

	entries := e.BlockedIPs()
	if len(entries) != 1 || !strings.Contains(entries[0].Reason, "Rate limit abuse") {
		t.Fatalf("block entries = %+v, want one with rate limit abuse reason", entries)
	}
}

func TestEmailEnumerationAcrossIPs(t *testing.T) {
	e, _, sender := newTestEngine(DefaultConfig())

	ips := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}
	for _, ip := range ips {
		e.RecordFailedLogin(FailedLogin{IP: ip, Email: "target@example.com"})
	}

	raised := sender.byType(AlertEmailEnumeration)
	if len(raised) != 1 {
		t.Fatalf("EMAIL_ENUMERATION alerts = %d, want 1", len(raised))
	}
	if raised[0].Details["email"] != "target@example.com" {
		t.Fatalf("alert email = %q", raised[0].Details["email"])
	}

	// No IP crossed its own threshold, so nothing is blocked.
	if got := len(e.BlockedIPs()); got != 0 {
		t.Fatalf("blocked IPs = %d, want 0", got)
	}

	// More failures within the dedup window stay silent.
	e.RecordFailedLogin(FailedLogin{IP: "10.0.0.4", Email: "target@example.com"})
	if got := len(sender.byType(AlertEmailEnumeration)); got != 1 {
		t.Fatalf("de-duplicated enumeration alerts = %d, want 1", got)
	}
}

func TestErrorSpikeDeduplicated(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ErrorSpikeThreshold = 5
	e, _, sender := newTestEngine(cfg)

	for i := 0; i < 12; i++ {
		e.RecordSecurityError(SecurityError{IP: "10.0.0.1", Message: "signature verification failed"})
	}

	raised := sender.byType(AlertErrorSpike)
	if len(raised) != 1 {
		t.Fatalf("ERROR_SPIKE alerts = %d, want 1 within the window", len(raised))
	}
	if raised[0].Severity != alert.SeverityMedium {
		t.Fatalf("spike severity = %s, want medium", raised[0].Severity)
	}
}

func TestHighSuspiciousActivityAlertsImmediately(t *testing.T) {
	e, _, sender := newTestEngine(DefaultConfig())

	e.RecordSuspiciousActivity(SuspiciousActivity{IP: "10.0.0.1", Reason: "payload tampering", Severity: "high"})
	e.RecordSuspiciousActivity(SuspiciousActivity{IP: "10.0.0.2", Reason: "odd user agent", Severity: "low"})

	if got := len(sender.byType(AlertSuspiciousActivity)); got != 1 {
		t.Fatalf("SUSPICIOUS_ACTIVITY alerts = %d, want 1 (high only)", got)
	}
	if got := e.GetMetrics().Counters.SuspiciousActivities; got != 2 {
		t.Fatalf("SuspiciousActivities = %d, want 2", got)
	}
}

func TestSuccessfulLoginClearsFailureHistory(t *testing.T) {
	e, tracker, sender := newTestEngine(DefaultConfig())

	for i := 0; i < 4; i++ {
		e.RecordFailedLogin(FailedLogin{IP: "1.2.3.4", Email: "u@example.com"})
	}
	e.RecordSuccessfulLogin(SuccessfulLogin{IP: "1.2.3.4", Email: "u@example.com"})

	// A fresh run of failures counts from zero again.
	for i := 0; i < 4; i++ {
		e.RecordFailedLogin(FailedLogin{IP: "1.2.3.4"})
	}
	if e.IsIPBlocked("1.2.3.4") {
		t.Fatal("blocked although the success reset the failure history")
	}
	if tracker.IsBlocked("1.2.3.4") {
		t.Fatal("tracker blocked although history was reset")
	}
	if got := len(sender.byType(AlertFailedLoginThreshold)); got != 0 {
		t.Fatalf("threshold alerts = %d, want 0", got)
	}
}

func TestMalformedEventsAreNoOps(t *testing.T) {
	e, _, sender := newTestEngine(DefaultConfig())

	e.RecordFailedLogin(FailedLogin{Email: "no-ip@example.com"})
	e.RecordSuccessfulLogin(SuccessfulLogin{})
	e.RecordRateLimitViolation(RateLimitViolation{Endpoint: "/x"})
	e.RecordSecurityError(SecurityError{IP: "10.0.0.1"})
	e.RecordSuspiciousActivity(SuspiciousActivity{})
	e.RecordEvent("", nil)

	m := e.GetMetrics()
	if m.Counters != (Counters{}) {
		t.Fatalf("malformed events mutated counters: %+v", m.Counters)
	}
	if len(sender.alerts) != 0 {
		t.Fatalf("malformed events raised %d alerts", len(sender.alerts))
	}
}

func TestManualBlockAndUnblock(t *testing.T) {
	e, tracker, _ := newTestEngine(DefaultConfig())

	e.BlockIP("172.16.0.9", "Manual block by operator", 0)
	if !e.IsIPBlocked("172.16.0.9") || !tracker.IsBlocked("172.16.0.9") {
		t.Fatal("manual block not visible in both views")
	}
	entries := e.BlockedIPs()
	if len(entries) != 1 || entries[0].Reason != "Manual block by operator" {
		t.Fatalf("entries = %+v", entries)
	}

	e.UnblockIP("172.16.0.9")
	if e.IsIPBlocked("172.16.0.9") || tracker.IsBlocked("172.16.0.9") {
		t.Fatal("unblock did not clear both views")
	}
}

func TestRecentEventsNewestFirst(t *testing.T) {
	e, _, _ := newTestEngine(DefaultConfig())

	e.RecordEvent("csrf_failure", map[string]string{"path": "/a"})
	e.RecordEvent("csrf_failure", map[string]string{"path": "/b"})
	e.RecordEvent("csrf_failure", map[string]string{"path": "/c"})

	events := e.RecentEvents(KindGeneric, 2)
	if len(events) != 2 {
		t.Fatalf("RecentEvents = %d, want 2", len(events))
	}
	if events[0].Details["path"] != "/c" || events[1].Details["path"] != "/b" {
		t.Fatalf("order wrong: %+v", events)
	}
}

func TestBufferDropsOldestAtCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferSize = 10
	e, _, _ := newTestEngine(cfg)

	for i := 0; i < 25; i++ {
		e.RecordEvent("probe", map[string]string{"n": string(rune('a' + i%26))})
	}
	events := e.RecentEvents(KindGeneric, 100)
	if len(events) != 10 {
		t.Fatalf("buffered events = %d, want capped at 10", len(events))
	}
	if got := e.GetMetrics().Counters.GenericEvents; got != 25 {
		t.Fatalf("GenericEvents counter = %d, want 25 despite the cap", got)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "security-metrics.json")

	cfg := DefaultConfig()
	cfg.SnapshotPath = path
	cfg.FailedLoginThreshold = 1
	e, _, _ := newTestEngine(cfg)

	// A single event crosses the threshold, so exactly one snapshot write
	// happens and the file settles on the blocked state.
	e.RecordFailedLogin(FailedLogin{IP: "1.2.3.4", Email: "v@example.com"})
	waitForSnapshot(t, path)

	// A new engine on the same path restores the blocklist and counters.
	tracker2 := attempt.NewTracker(attempt.DefaultConfig(), testLogger())
	e2 := NewEngine(cfg, tracker2, nil, testLogger())

	if !e2.IsIPBlocked("1.2.3.4") {
		t.Fatal("restored engine lost the block")
	}
	if !tracker2.IsBlocked("1.2.3.4") {
		t.Fatal("restore did not mirror the block into the tracker")
	}
	if got := e2.GetMetrics().Counters.FailedLogins; got != 1 {
		t.Fatalf("restored FailedLogins = %d, want 1", got)
	}
}

func TestSnapshotNeverRegressesToStaleState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "security-metrics.json")

	cfg := DefaultConfig()
	cfg.SnapshotPath = path
	e, _, _ := newTestEngine(cfg)

	// Two back-to-back writes race: block then unblock. Whichever writer runs
	// last, the file must settle on the unblocked state and stay there.
	e.BlockIP("5.5.5.5", "short lived", time.Hour)
	e.UnblockIP("5.5.5.5")

	deadline := time.Now().Add(2 * time.Second)
	for {
		data, err := os.ReadFile(path)
		if err == nil && !strings.Contains(string(data), "5.5.5.5") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("snapshot never settled on the unblocked state")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Give a straggling stale writer time to run; it must skip its write.
	time.Sleep(50 * time.Millisecond)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "5.5.5.5") {
		t.Fatal("stale snapshot overwrote a newer one")
	}
}

func TestCorruptSnapshotIgnored(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "security-metrics.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.SnapshotPath = path
	e, _, _ := newTestEngine(cfg)

	if got := e.GetMetrics().Counters; got != (Counters{}) {
		t.Fatalf("corrupt snapshot leaked state: %+v", got)
	}
}

// waitForSnapshot polls for the async snapshot write to settle on a file that
// covers the recorded block.
func waitForSnapshot(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && strings.Contains(string(data), "1.2.3.4") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("snapshot file never materialized")
}
