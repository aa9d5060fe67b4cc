package alert

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"sentinel/pkg/structlog"
)

func testLogger() *structlog.Logger {
	return structlog.NewLogger("test", structlog.LevelError, io.Discard)
}

type fakeChannel struct {
	name    string
	enabled bool
	err     error

	mu   sync.Mutex
	sent []Alert
}

func (f *fakeChannel) Name() string  { return f.name }
func (f *fakeChannel) Enabled() bool { return f.enabled }

func (f *fakeChannel) Send(ctx context.Context, a Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, a)
	return nil
}

func (f *fakeChannel) delivered() []Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Alert, len(f.sent))
	copy(out, f.sent)
	return out
}

func fastConfig() DispatcherConfig {
	return DispatcherConfig{DrainDelay: time.Millisecond, SendTimeout: time.Second}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}

func TestQueueDrainsInOrder(t *testing.T) {
	ch := &fakeChannel{name: "webhook", enabled: true}
	d := NewDispatcher(fastConfig(), []Channel{ch}, nil, testLogger())
	defer d.Close()

	first := New("FIRST", SeverityHigh, nil)
	second := New("SECOND", SeverityHigh, nil)
	third := New("THIRD", SeverityHigh, nil)
	d.Send(first)
	d.Send(second)
	d.Send(third)

	waitFor(t, func() bool { return len(ch.delivered()) == 3 })
	got := ch.delivered()
	if got[0].ID != first.ID || got[1].ID != second.ID || got[2].ID != third.ID {
		t.Fatalf("delivery order = %s %s %s", got[0].Type, got[1].Type, got[2].Type)
	}
}

func TestSeverityRouting(t *testing.T) {
	webhook := &fakeChannel{name: "webhook", enabled: true}
	email := &fakeChannel{name: "email", enabled: true}
	d := NewDispatcher(fastConfig(), []Channel{webhook, email}, nil, testLogger())
	defer d.Close()

	d.Send(New("MEDIUM_EVENT", SeverityMedium, nil))
	d.Send(New("HIGH_EVENT", SeverityHigh, nil))

	waitFor(t, func() bool { return len(webhook.delivered()) == 2 })
	waitFor(t, func() bool { return len(email.delivered()) == 1 })

	if email.delivered()[0].Type != "HIGH_EVENT" {
		t.Fatalf("email received %s, want HIGH_EVENT only", email.delivered()[0].Type)
	}
}

func TestDisabledChannelSkipped(t *testing.T) {
	webhook := &fakeChannel{name: "webhook", enabled: true}
	email := &fakeChannel{name: "email", enabled: false}
	d := NewDispatcher(fastConfig(), []Channel{webhook, email}, nil, testLogger())
	defer d.Close()

	d.Send(New("HIGH_EVENT", SeverityHigh, nil))
	waitFor(t, func() bool { return len(webhook.delivered()) == 1 })

	if len(email.delivered()) != 0 {
		t.Fatal("disabled channel received an alert")
	}
}

func TestQuotaExhaustionSkipsNotQueues(t *testing.T) {
	ch := &fakeChannel{name: "webhook", enabled: true}
	quotas := map[string]*Quota{"webhook": NewQuota(2, 100)}
	d := NewDispatcher(fastConfig(), []Channel{ch}, quotas, testLogger())
	defer d.Close()

	for i := 0; i < 5; i++ {
		d.Send(New("EVENT", SeverityHigh, nil))
	}

	// The queue fully drains; only the first two clear the hourly budget.
	waitFor(t, func() bool {
		st := d.Status()
		return st.QueueDepth == 0 && !st.Draining
	})
	if got := len(ch.delivered()); got != 2 {
		t.Fatalf("delivered = %d, want 2 under hourly quota", got)
	}
}

func TestChannelFailureDoesNotBlockOthers(t *testing.T) {
	broken := &fakeChannel{name: "webhook", enabled: true, err: errors.New("connection refused")}
	email := &fakeChannel{name: "email", enabled: true}
	d := NewDispatcher(fastConfig(), []Channel{broken, email}, nil, testLogger())
	defer d.Close()

	d.Send(New("HIGH_EVENT", SeverityHigh, nil))
	waitFor(t, func() bool { return len(email.delivered()) == 1 })
}

func TestTestAlertBypassesQuota(t *testing.T) {
	ch := &fakeChannel{name: "webhook", enabled: true}
	quotas := map[string]*Quota{"webhook": NewQuota(1, 1)}
	d := NewDispatcher(fastConfig(), []Channel{ch}, quotas, testLogger())
	defer d.Close()

	if !quotas["webhook"].TryAcquire() {
		t.Fatal("could not exhaust quota")
	}

	results := d.TestAlert("webhook")
	if results["webhook"] != "ok" {
		t.Fatalf("test alert result = %q, want ok", results["webhook"])
	}
	if len(ch.delivered()) != 1 {
		t.Fatal("test alert not delivered despite exhausted quota")
	}
	// The bypass must not consume budget either.
	if st := quotas["webhook"].Status(); st.HourlyCount != 1 {
		t.Fatalf("hourly count = %d, want 1", st.HourlyCount)
	}
}

func TestTestAlertReportsDisabled(t *testing.T) {
	ch := &fakeChannel{name: "email", enabled: false}
	d := NewDispatcher(fastConfig(), []Channel{ch}, nil, testLogger())
	defer d.Close()

	results := d.TestAlert("")
	if results["email"] != "disabled" {
		t.Fatalf("result = %q, want disabled", results["email"])
	}
}

func TestStatusReportsChannelsAndQuota(t *testing.T) {
	ch := &fakeChannel{name: "webhook", enabled: true}
	quotas := map[string]*Quota{"webhook": NewQuota(30, 200)}
	d := NewDispatcher(fastConfig(), []Channel{ch}, quotas, testLogger())
	defer d.Close()

	st := d.Status()
	if len(st.Channels) != 1 || st.Channels[0].Name != "webhook" || !st.Channels[0].Enabled {
		t.Fatalf("status channels = %+v", st.Channels)
	}
	if st.Channels[0].Quota.HourlyLimit != 30 || st.Channels[0].Quota.DailyLimit != 200 {
		t.Fatalf("quota status = %+v", st.Channels[0].Quota)
	}
}

func TestSendAfterCloseDropped(t *testing.T) {
	ch := &fakeChannel{name: "webhook", enabled: true}
	d := NewDispatcher(fastConfig(), []Channel{ch}, nil, testLogger())
	d.Close()

	d.Send(New("LATE", SeverityHigh, nil))
	time.Sleep(20 * time.Millisecond)
	if len(ch.delivered()) != 0 {
		t.Fatal("alert delivered after Close")
	}
}

func TestQuotaWindowsResetIndependently(t *testing.T) {
	q := NewQuota(1, 2)
	clock := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return clock }
	q.hourlyReset = clock.Add(time.Hour)
	q.dailyReset = clock.Add(24 * time.Hour)

	if !q.TryAcquire() {
		t.Fatal("first acquire refused")
	}
	if q.TryAcquire() {
		t.Fatal("second acquire allowed past hourly limit")
	}

	clock = clock.Add(61 * time.Minute)
	if !q.TryAcquire() {
		t.Fatal("acquire refused after hourly reset")
	}
	// Daily budget is now spent; the next hourly window does not revive it.
	clock = clock.Add(61 * time.Minute)
	if q.TryAcquire() {
		t.Fatal("acquire allowed past daily limit")
	}

	clock = clock.Add(25 * time.Hour)
	if !q.TryAcquire() {
		t.Fatal("acquire refused after daily reset")
	}
}

func TestUnlimitedQuota(t *testing.T) {
	q := NewQuota(0, 0)
	for i := 0; i < 1000; i++ {
		if !q.TryAcquire() {
			t.Fatalf("unlimited quota refused at %d", i)
		}
	}
}
