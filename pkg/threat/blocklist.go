package threat

import (
	"container/heap"
	"context"
	"time"

	"sentinel/pkg/structlog"
)

// BlockEntry is the engine's authoritative record of one blocked IP.
type BlockEntry struct {
	IP        string    `json:"ip"`
	Reason    string    `json:"reason"`
	BlockedAt time.Time `json:"blocked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// expiryItem schedules one block's eviction. A single heap plus one
// goroutine replaces a timer per entry, which would grow without bound under
// sustained attack traffic.
type expiryItem struct {
	ip string
	at time.Time
}

type expiryHeap []expiryItem

func (h expiryHeap) Len() int            { return len(h) }
func (h expiryHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h expiryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x interface{}) { *h = append(*h, x.(expiryItem)) }
func (h *expiryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// DefaultBlockDuration applies when BlockIP is called without a duration.
const DefaultBlockDuration = 15 * time.Minute

// BlockIP adds ip to the authoritative blocklist for the given duration
// (DefaultBlockDuration when zero) and mirrors the block into the attempt
// tracker so the hot-path check sees it.
func (e *Engine) BlockIP(ip, reason string, duration time.Duration) {
	if ip == "" {
		e.logger.Warn("block request with empty ip ignored", nil)
		return
	}
	if duration <= 0 {
		duration = DefaultBlockDuration
	}

	e.mu.Lock()
	e.blockLocked(ip, reason, duration)
	e.mu.Unlock()

	if e.tracker != nil {
		e.tracker.Block(ip, duration)
	}
	e.persist()
}

// blockLocked records the entry and schedules its expiry. Caller holds e.mu.
func (e *Engine) blockLocked(ip, reason string, duration time.Duration) {
	now := e.now()
	entry := BlockEntry{
		IP:        ip,
		Reason:    reason,
		BlockedAt: now,
		ExpiresAt: now.Add(duration),
	}
	if _, exists := e.blocks[ip]; !exists {
		e.counters.IPsBlocked++
	}
	e.blocks[ip] = entry
	heap.Push(&e.expiries, expiryItem{ip: ip, at: entry.ExpiresAt})
	blockedGauge.Set(float64(len(e.blocks)))

	e.logger.SecurityEvent("ip_blocked", structlog.Fields{
		"ip":      ip,
		"reason":  reason,
		"expires": entry.ExpiresAt.UTC().Format(time.RFC3339),
	})

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// UnblockIP removes ip from the blocklist and the tracker mirror.
func (e *Engine) UnblockIP(ip string) {
	e.mu.Lock()
	_, existed := e.blocks[ip]
	delete(e.blocks, ip)
	blockedGauge.Set(float64(len(e.blocks)))
	e.mu.Unlock()

	if !existed {
		return
	}
	if e.tracker != nil {
		e.tracker.Unblock(ip)
	}
	e.logger.Info("ip unblocked", structlog.Fields{"ip": ip})
	e.persist()
}

// IsIPBlocked reports whether the engine's blocklist holds an unexpired
// entry for ip.
func (e *Engine) IsIPBlocked(ip string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.blocks[ip]
	return ok && e.now().Before(entry.ExpiresAt)
}

// BlockedIPs returns a snapshot of all active entries.
func (e *Engine) BlockedIPs() []BlockEntry {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	out := make([]BlockEntry, 0, len(e.blocks))
	for _, entry := range e.blocks {
		if now.Before(entry.ExpiresAt) {
			out = append(out, entry)
		}
	}
	return out
}

// MirrorBlock implements attempt.BlockSink: it records a block raised by the
// attempt tracker without calling back into it.
func (e *Engine) MirrorBlock(ip, reason string, duration time.Duration) {
	if ip == "" {
		return
	}
	if duration <= 0 {
		duration = DefaultBlockDuration
	}
	e.mu.Lock()
	e.blockLocked(ip, reason, duration)
	e.mu.Unlock()
	e.persist()
}

// MirrorUnblock implements attempt.BlockSink.
func (e *Engine) MirrorUnblock(ip string) {
	e.mu.Lock()
	_, existed := e.blocks[ip]
	delete(e.blocks, ip)
	blockedGauge.Set(float64(len(e.blocks)))
	e.mu.Unlock()
	if existed {
		e.persist()
	}
}

// expiryLoop evicts blocks as their TTL elapses. Entries re-blocked with a
// later expiry leave a stale heap item behind; those are skipped when the
// stored entry no longer matches.
func (e *Engine) expiryLoop(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		var expired []string

		e.mu.Lock()
		wait := time.Duration(-1)
		now := e.now()
		for e.expiries.Len() > 0 {
			head := e.expiries[0]
			entry, ok := e.blocks[head.ip]
			if !ok || entry.ExpiresAt.After(head.at) {
				heap.Pop(&e.expiries) // stale item
				continue
			}
			if d := head.at.Sub(now); d > 0 {
				wait = d
				break
			}
			heap.Pop(&e.expiries)
			delete(e.blocks, head.ip)
			expired = append(expired, head.ip)
		}
		blockedGauge.Set(float64(len(e.blocks)))
		e.mu.Unlock()

		for _, ip := range expired {
			if e.tracker != nil {
				e.tracker.Unblock(ip)
			}
			e.logger.Info("ip block expired", structlog.Fields{"ip": ip})
		}
		if len(expired) > 0 {
			e.persist()
		}

		if wait < 0 {
			wait = time.Hour
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-timer.C:
		case <-e.wake:
		case <-ctx.Done():
			return
		}
	}
}
