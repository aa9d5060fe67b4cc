// Package usage aggregates per-request telemetry into a bounded ring buffer
// and endpoint/IP/user rollups, and fans live events out to any number of
// attached stream listeners.
package usage

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"sentinel/pkg/structlog"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "sentinel", Subsystem: "usage", Name: "requests_total", Help: "Requests observed by status bucket."},
		[]string{"bucket"},
	)
	listenersGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "sentinel", Subsystem: "usage", Name: "live_listeners", Help: "Currently attached live stream listeners."},
	)
)

func init() {
	_ = prometheus.Register(requestsTotal)
	_ = prometheus.Register(listenersGauge)
}

// Record is one completed request's telemetry.
type Record struct {
	Time       time.Time `json:"ts"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Status     int       `json:"status"`
	DurationMs int64     `json:"duration_ms"`
	IP         string    `json:"ip"`
	UserID     string    `json:"user_id,omitempty"`
	UserEmail  string    `json:"user_email,omitempty"`
}

var bucketNames = [4]string{"2xx", "3xx", "4xx", "5xx"}

// statusBucket maps a status code to its bucket index. Informational codes
// land in the 2xx bucket; anything above 599 in 5xx.
func statusBucket(status int) int {
	b := status/100 - 2
	if b < 0 {
		b = 0
	}
	if b > 3 {
		b = 3
	}
	return b
}

// aggregate is one rollup entry (per endpoint key, IP, or user).
type aggregate struct {
	Count           int64
	Buckets         [4]int64
	TotalDurationMs int64
	LastSeen        time.Time
}

func (a *aggregate) fold(r Record) {
	a.Count++
	a.Buckets[statusBucket(r.Status)]++
	a.TotalDurationMs += r.DurationMs
	a.LastSeen = r.Time
}

func (a *aggregate) errorRate() float64 {
	if a.Count == 0 {
		return 0
	}
	return float64(a.Buckets[2]+a.Buckets[3]) / float64(a.Count)
}

func (a *aggregate) avgDurationMs() float64 {
	if a.Count == 0 {
		return 0
	}
	return float64(a.TotalDurationMs) / float64(a.Count)
}

// Config tunes the aggregator's bounds.
type Config struct {
	// HistorySize is the ring buffer capacity.
	HistorySize int
	// MaxEndpoints caps the endpoint rollup map; new endpoint keys are
	// silently dropped past the cap to bound memory under path-cardinality
	// explosion.
	MaxEndpoints int
	// RateRetention bounds the rolling timestamp list used for the
	// 1-minute/5-minute rate figures.
	RateRetention time.Duration
	// HeartbeatInterval keeps listener transports alive.
	HeartbeatInterval time.Duration
	// ListenerBuffer is the per-listener event buffer; a listener whose
	// buffer fills is disconnected rather than allowed to backpressure the
	// producer.
	ListenerBuffer int
}

// DefaultConfig returns the production bounds.
func DefaultConfig() Config {
	return Config{
		HistorySize:       1000,
		MaxEndpoints:      500,
		RateRetention:     10 * time.Minute,
		HeartbeatInterval: 20 * time.Second,
		ListenerBuffer:    64,
	}
}

// Aggregator collects request telemetry. All methods are safe for concurrent
// use; Observe sits on the hot path and never fails.
type Aggregator struct {
	cfg    Config
	logger *structlog.Logger

	mu        sync.Mutex
	history   []Record // ring buffer
	head      int      // next write position
	size      int
	total     int64
	buckets   [4]int64
	endpoints map[string]*aggregate
	ips       map[string]*aggregate
	users     map[string]*aggregate
	stamps    []time.Time
	listeners map[string]*listener

	now func() time.Time
}

// NewAggregator constructs an aggregator.
func NewAggregator(cfg Config, logger *structlog.Logger) *Aggregator {
	def := DefaultConfig()
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.MaxEndpoints <= 0 {
		cfg.MaxEndpoints = def.MaxEndpoints
	}
	if cfg.RateRetention <= 0 {
		cfg.RateRetention = def.RateRetention
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.ListenerBuffer <= 0 {
		cfg.ListenerBuffer = def.ListenerBuffer
	}
	return &Aggregator{
		cfg:       cfg,
		logger:    logger,
		history:   make([]Record, cfg.HistorySize),
		endpoints: make(map[string]*aggregate),
		ips:       make(map[string]*aggregate),
		users:     make(map[string]*aggregate),
		listeners: make(map[string]*listener),
		now:       time.Now,
	}
}

// EndpointKey builds the endpoint rollup key.
func EndpointKey(method, path string) string { return method + " " + path }

// Observe records one completed request and broadcasts it to all live
// listeners.
func (a *Aggregator) Observe(r Record) {
	if r.Time.IsZero() {
		r.Time = a.now()
	}
	requestsTotal.WithLabelValues(bucketNames[statusBucket(r.Status)]).Inc()

	a.mu.Lock()
	a.history[a.head] = r
	a.head = (a.head + 1) % len(a.history)
	if a.size < len(a.history) {
		a.size++
	}

	a.total++
	a.buckets[statusBucket(r.Status)]++

	key := EndpointKey(r.Method, r.Path)
	if agg, ok := a.endpoints[key]; ok {
		agg.fold(r)
	} else if len(a.endpoints) < a.cfg.MaxEndpoints {
		agg = &aggregate{}
		agg.fold(r)
		a.endpoints[key] = agg
	}
	if r.IP != "" {
		agg, ok := a.ips[r.IP]
		if !ok {
			agg = &aggregate{}
			a.ips[r.IP] = agg
		}
		agg.fold(r)
	}
	if r.UserID != "" {
		agg, ok := a.users[r.UserID]
		if !ok {
			agg = &aggregate{}
			a.users[r.UserID] = agg
		}
		agg.fold(r)
	}

	a.stamps = append(a.stamps, r.Time)
	a.pruneStampsLocked()
	a.mu.Unlock()

	a.broadcast(streamEvent{Type: "request", Record: &r})
}

// pruneStampsLocked drops rate timestamps past the retention horizon.
func (a *Aggregator) pruneStampsLocked() {
	cutoff := a.now().Add(-a.cfg.RateRetention)
	i := 0
	for ; i < len(a.stamps); i++ {
		if a.stamps[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		a.stamps = append(a.stamps[:0], a.stamps[i:]...)
	}
}

// EndpointSummary is one row of the top-endpoints view.
type EndpointSummary struct {
	Endpoint      string    `json:"endpoint"`
	Count         int64     `json:"count"`
	AvgDurationMs float64   `json:"avg_duration_ms"`
	ErrorRate     float64   `json:"error_rate"`
	LastSeen      time.Time `json:"last_seen"`
}

// KeySummary is one row of the top-IPs or top-users views.
type KeySummary struct {
	Key           string    `json:"key"`
	Count         int64     `json:"count"`
	AvgDurationMs float64   `json:"avg_duration_ms"`
	ErrorRate     float64   `json:"error_rate"`
	LastSeen      time.Time `json:"last_seen"`
}

// Summary is the point-in-time overview for dashboards.
type Summary struct {
	TotalRequests  int64             `json:"total_requests"`
	StatusBuckets  map[string]int64  `json:"status_buckets"`
	LastMinute     int               `json:"requests_last_1m"`
	LastFiveMin    int               `json:"requests_last_5m"`
	TopEndpoints   []EndpointSummary `json:"top_endpoints"`
	LiveListeners  int               `json:"live_listeners"`
	HistoryEntries int               `json:"history_entries"`
}

// GetSummary returns the current overview.
func (a *Aggregator) GetSummary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	oneMin := now.Add(-time.Minute)
	fiveMin := now.Add(-5 * time.Minute)
	last1, last5 := 0, 0
	for _, ts := range a.stamps {
		if ts.After(fiveMin) {
			last5++
			if ts.After(oneMin) {
				last1++
			}
		}
	}

	s := Summary{
		TotalRequests:  a.total,
		StatusBuckets:  make(map[string]int64, 4),
		LastMinute:     last1,
		LastFiveMin:    last5,
		TopEndpoints:   a.topEndpointsLocked(10),
		LiveListeners:  len(a.listeners),
		HistoryEntries: a.size,
	}
	for i, name := range bucketNames {
		s.StatusBuckets[name] = a.buckets[i]
	}
	return s
}

func (a *Aggregator) topEndpointsLocked(n int) []EndpointSummary {
	out := make([]EndpointSummary, 0, len(a.endpoints))
	for key, agg := range a.endpoints {
		out = append(out, EndpointSummary{
			Endpoint:      key,
			Count:         agg.Count,
			AvgDurationMs: agg.avgDurationMs(),
			ErrorRate:     agg.errorRate(),
			LastSeen:      agg.LastSeen,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Endpoint < out[j].Endpoint
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// GetHistory returns the most recent limit records, newest first, bounded by
// the ring buffer capacity.
func (a *Aggregator) GetHistory(limit int) []Record {
	a.mu.Lock()
	defer a.mu.Unlock()

	if limit <= 0 || limit > a.size {
		limit = a.size
	}
	out := make([]Record, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (a.head - i + len(a.history)) % len(a.history)
		out = append(out, a.history[idx])
	}
	return out
}

// GetEndpoints returns all endpoint rollups sorted by count descending.
func (a *Aggregator) GetEndpoints() []EndpointSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.topEndpointsLocked(len(a.endpoints))
}

// GetTopIPs returns the n busiest client IPs.
func (a *Aggregator) GetTopIPs(n int) []KeySummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return topKeysLocked(a.ips, n)
}

// GetTopUsers returns the n busiest authenticated users.
func (a *Aggregator) GetTopUsers(n int) []KeySummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return topKeysLocked(a.users, n)
}

func topKeysLocked(m map[string]*aggregate, n int) []KeySummary {
	if n <= 0 {
		n = 10
	}
	out := make([]KeySummary, 0, len(m))
	for key, agg := range m {
		out = append(out, KeySummary{
			Key:           key,
			Count:         agg.Count,
			AvgDurationMs: agg.avgDurationMs(),
			ErrorRate:     agg.errorRate(),
			LastSeen:      agg.LastSeen,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Reset clears recorded usage. With a userID it surgically removes that
// user's contribution from the global totals, status buckets, and history,
// returning false if the user has no recorded activity. With an empty userID
// it clears all state. Listeners are notified either way.
func (a *Aggregator) Reset(userID string) bool {
	a.mu.Lock()
	if userID == "" {
		a.history = make([]Record, a.cfg.HistorySize)
		a.head, a.size = 0, 0
		a.total = 0
		a.buckets = [4]int64{}
		a.endpoints = make(map[string]*aggregate)
		a.ips = make(map[string]*aggregate)
		a.users = make(map[string]*aggregate)
		a.stamps = nil
		a.mu.Unlock()
		a.broadcast(streamEvent{Type: "reset"})
		return true
	}

	agg, ok := a.users[userID]
	if !ok {
		a.mu.Unlock()
		return false
	}

	// Subtract the user's aggregate from the global totals rather than
	// recounting history: history is bounded and may no longer hold all of
	// the user's requests.
	a.total -= agg.Count
	for i := range a.buckets {
		a.buckets[i] -= agg.Buckets[i]
	}
	delete(a.users, userID)

	kept := make([]Record, 0, a.size)
	for i := a.size; i >= 1; i-- {
		idx := (a.head - i + len(a.history)) % len(a.history)
		if a.history[idx].UserID != userID {
			kept = append(kept, a.history[idx])
		}
	}
	a.history = make([]Record, a.cfg.HistorySize)
	copy(a.history, kept)
	a.head = len(kept) % len(a.history)
	a.size = len(kept)
	a.mu.Unlock()

	a.broadcast(streamEvent{Type: "reset", UserID: userID})
	return true
}
