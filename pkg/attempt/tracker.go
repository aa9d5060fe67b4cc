// Package attempt tracks failed authentication attempts per client IP over a
// sliding window and promotes abusive IPs to a TTL blocklist. It sits on the
// hot request path: no method returns an error and malformed input degrades
// to a logged no-op.
package attempt

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"sentinel/pkg/structlog"
)

// BlockSink receives mirror notifications when the tracker blocks or clears
// an IP, so the authoritative blocklist elsewhere stays in sync without an
// import cycle. Mirror calls must not call back into the tracker.
type BlockSink interface {
	MirrorBlock(ip, reason string, duration time.Duration)
	MirrorUnblock(ip string)
}

// Config holds tracker thresholds.
type Config struct {
	MaxAttempts   int           // failed attempts within Window that trigger a block
	Window        time.Duration // sliding window for counting attempts
	BlockDuration time.Duration // how long a triggered block lasts
	SweepInterval time.Duration // periodic eviction cadence
}

// DefaultConfig returns production thresholds: 5 attempts / 15 min,
// 1 h block, 5 min sweep.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   5,
		Window:        15 * time.Minute,
		BlockDuration: time.Hour,
		SweepInterval: 5 * time.Minute,
	}
}

// BlockedIP is the operator view of one blocklist entry.
type BlockedIP struct {
	IP        string    `json:"ip"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Tracker is the lightweight failed-attempt counter and blocklist consulted
// on every inbound request.
type Tracker struct {
	cfg    Config
	logger *structlog.Logger

	mu       sync.Mutex
	attempts map[string][]time.Time
	blocks   map[string]time.Time // ip -> expiry
	sink     BlockSink

	now    func() time.Time
	cancel context.CancelFunc
}

// NewTracker constructs a tracker. The sink may be nil; set it later with
// SetSink once the owning engine exists.
func NewTracker(cfg Config, logger *structlog.Logger) *Tracker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Minute
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	return &Tracker{
		cfg:      cfg,
		logger:   logger,
		attempts: make(map[string][]time.Time),
		blocks:   make(map[string]time.Time),
		now:      time.Now,
	}
}

// SetSink wires the mirror target for block/unblock events.
func (t *Tracker) SetSink(sink BlockSink) {
	t.mu.Lock()
	t.sink = sink
	t.mu.Unlock()
}

// Start launches the periodic sweep. Cancel the context or call Close to
// stop it.
func (t *Tracker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	go t.sweepLoop(ctx)
}

// Close stops the sweep goroutine.
func (t *Tracker) Close() {
	if t.cancel != nil {
		t.cancel()
	}
}

// RecordFailedAttempt appends a failed attempt for ip and blocks the IP once
// the windowed count reaches the threshold. The block is mirrored into the
// sink best-effort.
func (t *Tracker) RecordFailedAttempt(ip string) {
	if !validIP(ip) {
		t.logger.Warn("failed attempt with invalid ip ignored", structlog.Fields{"ip": ip})
		return
	}

	var blocked bool
	var sink BlockSink

	t.mu.Lock()
	now := t.now()
	cutoff := now.Add(-t.cfg.Window)
	recent := pruneBefore(append(t.attempts[ip], now), cutoff)
	t.attempts[ip] = recent

	if len(recent) >= t.cfg.MaxAttempts {
		t.blocks[ip] = now.Add(t.cfg.BlockDuration)
		blocked = true
		sink = t.sink
	}
	t.mu.Unlock()

	if blocked {
		t.logger.SecurityEvent("ip_blocked", structlog.Fields{
			"ip":       ip,
			"attempts": t.cfg.MaxAttempts,
			"duration": t.cfg.BlockDuration.String(),
		})
		if sink != nil {
			sink.MirrorBlock(ip, "Too many failed login attempts", t.cfg.BlockDuration)
		}
	}
}

// ResetFailedAttempts clears the attempt history and any block for ip.
// Called on successful authentication.
func (t *Tracker) ResetFailedAttempts(ip string) {
	if !validIP(ip) {
		t.logger.Warn("reset with invalid ip ignored", structlog.Fields{"ip": ip})
		return
	}

	t.mu.Lock()
	_, wasBlocked := t.blocks[ip]
	delete(t.attempts, ip)
	delete(t.blocks, ip)
	sink := t.sink
	t.mu.Unlock()

	if wasBlocked && sink != nil {
		sink.MirrorUnblock(ip)
	}
}

// IsBlocked reports whether ip is currently blocked. An expired entry found
// during the check is evicted immediately (lazy expiry).
func (t *Tracker) IsBlocked(ip string) bool {
	if !validIP(ip) {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	expiry, ok := t.blocks[ip]
	if !ok {
		return false
	}
	if t.now().Before(expiry) {
		return true
	}
	delete(t.blocks, ip)
	return false
}

// Block records a manual or mirrored block without touching the attempt
// history. It does not notify the sink; only threshold blocks do.
func (t *Tracker) Block(ip string, duration time.Duration) {
	if !validIP(ip) {
		t.logger.Warn("block with invalid ip ignored", structlog.Fields{"ip": ip})
		return
	}
	if duration <= 0 {
		duration = t.cfg.BlockDuration
	}
	t.mu.Lock()
	t.blocks[ip] = t.now().Add(duration)
	t.mu.Unlock()
}

// Unblock removes a block for ip without notifying the sink.
func (t *Tracker) Unblock(ip string) {
	t.mu.Lock()
	delete(t.blocks, ip)
	t.mu.Unlock()
}

// BlockedIPs returns a snapshot of all active blocks, soonest expiry first.
func (t *Tracker) BlockedIPs() []BlockedIP {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	out := make([]BlockedIP, 0, len(t.blocks))
	for ip, expiry := range t.blocks {
		if now.Before(expiry) {
			out = append(out, BlockedIP{IP: ip, ExpiresAt: expiry})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out
}

// ActiveAttempts returns the windowed failed-attempt count per IP for IPs
// with at least one recent attempt.
func (t *Tracker) ActiveAttempts() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.cfg.Window)
	out := make(map[string]int)
	for ip, ts := range t.attempts {
		if n := len(pruneBefore(ts, cutoff)); n > 0 {
			out[ip] = n
		}
	}
	return out
}

func (t *Tracker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.sweep()
		case <-ctx.Done():
			return
		}
	}
}

// sweep evicts expired blocks and attempt lists with no remaining recent
// timestamps.
func (t *Tracker) sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	cutoff := now.Add(-t.cfg.Window)

	for ip, expiry := range t.blocks {
		if !now.Before(expiry) {
			delete(t.blocks, ip)
		}
	}
	for ip, ts := range t.attempts {
		recent := pruneBefore(ts, cutoff)
		if len(recent) == 0 {
			delete(t.attempts, ip)
		} else {
			t.attempts[ip] = recent
		}
	}
}

// pruneBefore drops timestamps at or before cutoff. Appends may arrive out
// of order, so filter rather than assume sorted input.
func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	out := ts[:0:len(ts)]
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

func validIP(ip string) bool {
	return ip != "" && net.ParseIP(ip) != nil
}
