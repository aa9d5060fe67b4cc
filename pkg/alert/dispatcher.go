package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"sentinel/pkg/structlog"
)

var (
	sendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "sentinel", Subsystem: "alert", Name: "sends_total", Help: "Alert delivery attempts by channel and outcome."},
		[]string{"channel", "outcome"},
	)
	queueDepthGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "sentinel", Subsystem: "alert", Name: "queue_depth", Help: "Alerts waiting in the dispatch queue."},
	)
)

func init() {
	_ = prometheus.Register(sendsTotal)
	_ = prometheus.Register(queueDepthGauge)
}

// Channel is one delivery target.
type Channel interface {
	Name() string
	Enabled() bool
	Send(ctx context.Context, a Alert) error
}

// DispatcherConfig tunes the drain loop.
type DispatcherConfig struct {
	// DrainDelay is the pause between alerts to throttle burst delivery.
	DrainDelay time.Duration
	// SendTimeout bounds one delivery attempt across all channels.
	SendTimeout time.Duration
}

// DefaultDispatcherConfig returns the production drain settings.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		DrainDelay:  100 * time.Millisecond,
		SendTimeout: 15 * time.Second,
	}
}

type queued struct {
	alert      Alert
	enqueuedAt time.Time
}

// ChannelStatus is the operator view of one channel.
type ChannelStatus struct {
	Name    string      `json:"name"`
	Enabled bool        `json:"enabled"`
	Quota   QuotaStatus `json:"quota"`
}

// Status reports dispatcher state for the operator surface.
type Status struct {
	Channels   []ChannelStatus `json:"channels"`
	QueueDepth int             `json:"queue_depth"`
	Draining   bool            `json:"draining"`
}

// Dispatcher consumes a FIFO queue of alerts and fans each one out to the
// channels selected by severity. At most one drain loop runs at a time.
type Dispatcher struct {
	cfg    DispatcherConfig
	logger *structlog.Logger

	mu       sync.Mutex
	queue    []queued
	draining bool
	closed   bool

	channels []Channel
	quotas   map[string]*Quota

	stop chan struct{}
}

// NewDispatcher builds a dispatcher over the given channels. Quotas are
// keyed by channel name; channels without a quota are unmetered.
func NewDispatcher(cfg DispatcherConfig, channels []Channel, quotas map[string]*Quota, logger *structlog.Logger) *Dispatcher {
	if cfg.DrainDelay <= 0 {
		cfg.DrainDelay = 100 * time.Millisecond
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if quotas == nil {
		quotas = map[string]*Quota{}
	}
	return &Dispatcher{
		cfg:      cfg,
		logger:   logger,
		channels: channels,
		quotas:   quotas,
		stop:     make(chan struct{}),
	}
}

// Send enqueues an alert and triggers draining if not already in progress.
// It never blocks on channel I/O.
func (d *Dispatcher) Send(a Alert) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, queued{alert: a, enqueuedAt: time.Now()})
	queueDepthGauge.Set(float64(len(d.queue)))
	start := !d.draining
	if start {
		d.draining = true
	}
	d.mu.Unlock()

	if start {
		go d.drain()
	}
}

func (d *Dispatcher) drain() {
	for {
		d.mu.Lock()
		if d.closed || len(d.queue) == 0 {
			d.draining = false
			d.mu.Unlock()
			return
		}
		item := d.queue[0]
		d.queue = d.queue[1:]
		queueDepthGauge.Set(float64(len(d.queue)))
		d.mu.Unlock()

		d.deliver(item.alert)

		select {
		case <-time.After(d.cfg.DrainDelay):
		case <-d.stop:
			d.mu.Lock()
			d.draining = false
			d.mu.Unlock()
			return
		}
	}
}

// channelsFor maps severity to eligible channels: high goes everywhere,
// medium and low go to webhook only.
func (d *Dispatcher) channelsFor(severity Severity) []Channel {
	var out []Channel
	for _, ch := range d.channels {
		if !ch.Enabled() {
			continue
		}
		if severity != SeverityHigh && ch.Name() == "email" {
			continue
		}
		out = append(out, ch)
	}
	return out
}

// deliver attempts the alert on every eligible channel in parallel. One
// channel's failure never blocks or fails the others.
func (d *Dispatcher) deliver(a Alert) {
	targets := d.channelsFor(a.Severity)
	if len(targets) == 0 {
		d.logger.Debug("no channels eligible for alert", structlog.Fields{"alert_type": a.Type, "severity": a.Severity})
		return
	}

	var wg sync.WaitGroup
	for _, ch := range targets {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			d.sendOne(ch, a, true)
		}(ch)
	}
	wg.Wait()
}

func (d *Dispatcher) sendOne(ch Channel, a Alert, metered bool) error {
	if metered {
		if q := d.quotas[ch.Name()]; q != nil && !q.TryAcquire() {
			d.logger.Info("alert skipped: channel quota exhausted", structlog.Fields{
				"channel":    ch.Name(),
				"alert_type": a.Type,
				"severity":   a.Severity,
			})
			sendsTotal.WithLabelValues(ch.Name(), "skipped").Inc()
			return nil
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
	defer cancel()

	if err := ch.Send(ctx, a); err != nil {
		d.logger.Error("alert delivery failed", structlog.Fields{
			"channel":    ch.Name(),
			"alert_type": a.Type,
			"severity":   a.Severity,
			"error":      err.Error(),
		})
		sendsTotal.WithLabelValues(ch.Name(), "failure").Inc()
		return err
	}

	d.logger.Info("alert delivered", structlog.Fields{
		"channel":    ch.Name(),
		"alert_type": a.Type,
		"severity":   a.Severity,
	})
	sendsTotal.WithLabelValues(ch.Name(), "success").Inc()
	return nil
}

// TestAlert sends a synthetic low-severity alert directly through the named
// channel, or through every enabled channel when name is empty. The queue
// and quotas are bypassed so operators get immediate feedback.
func (d *Dispatcher) TestAlert(name string) map[string]string {
	a := New("TEST_ALERT", SeverityLow, map[string]string{
		"message": "Synthetic alert for channel verification",
	})

	results := make(map[string]string)
	for _, ch := range d.channels {
		if name != "" && ch.Name() != name {
			continue
		}
		if !ch.Enabled() {
			results[ch.Name()] = "disabled"
			continue
		}
		if err := d.sendOne(ch, a, false); err != nil {
			results[ch.Name()] = fmt.Sprintf("error: %v", err)
		} else {
			results[ch.Name()] = "ok"
		}
	}
	return results
}

// Status reports channel configuration, queue depth, and drain activity.
func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := Status{
		QueueDepth: len(d.queue),
		Draining:   d.draining,
	}
	for _, ch := range d.channels {
		cs := ChannelStatus{Name: ch.Name(), Enabled: ch.Enabled()}
		if q := d.quotas[ch.Name()]; q != nil {
			cs.Quota = q.Status()
		}
		st.Channels = append(st.Channels, cs)
	}
	return st
}

// Close stops the drain loop. Alerts still queued are dropped.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	close(d.stop)
}
