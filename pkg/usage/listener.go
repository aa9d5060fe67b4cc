package usage

import (
	"encoding/json"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"sentinel/pkg/structlog"
)

// streamEvent is the envelope written to live listeners, one JSON object per
// line.
type streamEvent struct {
	Type   string  `json:"type"` // request, reset, heartbeat
	Time   string  `json:"ts,omitempty"`
	Record *Record `json:"record,omitempty"`
	UserID string  `json:"user_id,omitempty"`
}

// ListenerMeta identifies who attached a live listener.
type ListenerMeta struct {
	IP        string `json:"ip"`
	UserID    string `json:"user_id,omitempty"`
	UserEmail string `json:"user_email,omitempty"`
}

// ListenerInfo is the operator view of one attached listener.
type ListenerInfo struct {
	ID          string    `json:"id"`
	IP          string    `json:"ip"`
	UserID      string    `json:"user_id,omitempty"`
	UserEmail   string    `json:"user_email,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	Events      int64     `json:"events"`
}

type listener struct {
	id          string
	w           io.Writer
	meta        ListenerMeta
	connectedAt time.Time
	events      atomic.Int64

	ch   chan []byte
	stop chan struct{}
	once sync.Once
}

// AddListener registers a live listener writing newline-delimited JSON to w.
// A heartbeat is written every HeartbeatInterval to keep the transport
// alive. The returned closure deregisters the listener and stops its
// goroutine; it is safe to call more than once but must be called at least
// once, or the listener leaks.
func (a *Aggregator) AddListener(w io.Writer, meta ListenerMeta) func() {
	l := &listener{
		id:          uuid.NewString(),
		w:           w,
		meta:        meta,
		connectedAt: a.now(),
		ch:          make(chan []byte, a.cfg.ListenerBuffer),
		stop:        make(chan struct{}),
	}

	a.mu.Lock()
	a.listeners[l.id] = l
	listenersGauge.Set(float64(len(a.listeners)))
	a.mu.Unlock()

	a.logger.Info("live listener attached", structlog.Fields{
		"listener_id": l.id,
		"ip":          meta.IP,
		"user_id":     meta.UserID,
	})

	unsubscribe := func() { a.removeListener(l) }
	go a.writeLoop(l, unsubscribe)
	return unsubscribe
}

func (a *Aggregator) removeListener(l *listener) {
	l.once.Do(func() {
		close(l.stop)
		a.mu.Lock()
		delete(a.listeners, l.id)
		listenersGauge.Set(float64(len(a.listeners)))
		a.mu.Unlock()
		a.logger.Info("live listener detached", structlog.Fields{"listener_id": l.id, "ip": l.meta.IP})
	})
}

// writeLoop owns all writes to one listener. A write failure evicts only
// this listener; the producer and the remaining listeners are unaffected.
func (a *Aggregator) writeLoop(l *listener, unsubscribe func()) {
	heartbeat := time.NewTicker(a.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case line := <-l.ch:
			if _, err := l.w.Write(line); err != nil {
				a.logger.Debug("listener write failed, evicting", structlog.Fields{"listener_id": l.id, "error": err.Error()})
				unsubscribe()
				return
			}
			l.events.Add(1)
		case <-heartbeat.C:
			hb, _ := json.Marshal(streamEvent{Type: "heartbeat", Time: a.now().UTC().Format(time.RFC3339)})
			if _, err := l.w.Write(append(hb, '\n')); err != nil {
				unsubscribe()
				return
			}
		case <-l.stop:
			return
		}
	}
}

// broadcast delivers one event to every currently attached listener. A
// listener whose buffer is full is evicted rather than allowed to stall the
// producer.
func (a *Aggregator) broadcast(ev streamEvent) {
	a.mu.Lock()
	if len(a.listeners) == 0 {
		a.mu.Unlock()
		return
	}
	targets := make([]*listener, 0, len(a.listeners))
	for _, l := range a.listeners {
		targets = append(targets, l)
	}
	a.mu.Unlock()

	line, err := json.Marshal(ev)
	if err != nil {
		a.logger.Error("stream event marshal failed", structlog.Fields{"error": err.Error()})
		return
	}
	line = append(line, '\n')

	for _, l := range targets {
		select {
		case l.ch <- line:
		case <-l.stop:
		default:
			a.logger.Warn("listener buffer full, evicting slow consumer", structlog.Fields{"listener_id": l.id, "ip": l.meta.IP})
			a.removeListener(l)
		}
	}
}

// Close detaches every listener. Aggregates stay readable after Close.
func (a *Aggregator) Close() {
	a.mu.Lock()
	targets := make([]*listener, 0, len(a.listeners))
	for _, l := range a.listeners {
		targets = append(targets, l)
	}
	a.mu.Unlock()

	for _, l := range targets {
		a.removeListener(l)
	}
}

// ActiveConnections lists the attached listeners, oldest first.
func (a *Aggregator) ActiveConnections() []ListenerInfo {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]ListenerInfo, 0, len(a.listeners))
	for _, l := range a.listeners {
		out = append(out, ListenerInfo{
			ID:          l.id,
			IP:          l.meta.IP,
			UserID:      l.meta.UserID,
			UserEmail:   l.meta.UserEmail,
			ConnectedAt: l.connectedAt,
			Events:      l.events.Load(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}
