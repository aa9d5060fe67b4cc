package threat

import (
	"container/heap"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"time"

	"sentinel/pkg/structlog"
)

// snapshot is the persisted state layout: counters plus both views of the
// blocklist, overwritten wholesale on every mutation. This is best-effort
// durability across restarts, not a transactional store.
type snapshot struct {
	SavedAt          time.Time    `json:"saved_at"`
	Counters         Counters     `json:"counters"`
	BlockedIPs       []string     `json:"blocked_ips"`
	BlockedIPDetails []BlockEntry `json:"blocked_ip_details"`
}

// persist writes the snapshot in the background. Failures are logged and the
// engine keeps operating purely in memory. Captures carry a sequence number
// taken under the state lock; a writer that lost the race to a newer capture
// skips its write, so the file never regresses to stale state.
func (e *Engine) persist() {
	if e.cfg.SnapshotPath == "" {
		return
	}

	e.mu.Lock()
	e.saveSeq++
	seq := e.saveSeq
	snap := snapshot{
		SavedAt:  e.now(),
		Counters: e.counters,
	}
	for ip, entry := range e.blocks {
		snap.BlockedIPs = append(snap.BlockedIPs, ip)
		snap.BlockedIPDetails = append(snap.BlockedIPDetails, entry)
	}
	e.mu.Unlock()

	go func() {
		e.saveMu.Lock()
		defer e.saveMu.Unlock()
		if seq <= e.savedSeq {
			return
		}

		data, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			e.logger.Error("metrics snapshot marshal failed", structlog.Fields{"error": err.Error()})
			return
		}
		tmp := e.cfg.SnapshotPath + ".tmp"
		if err := os.WriteFile(tmp, data, 0o600); err != nil {
			e.logger.Error("metrics snapshot write failed", structlog.Fields{"path": tmp, "error": err.Error()})
			return
		}
		if err := os.Rename(tmp, e.cfg.SnapshotPath); err != nil {
			e.logger.Error("metrics snapshot rename failed", structlog.Fields{"path": e.cfg.SnapshotPath, "error": err.Error()})
			return
		}
		e.savedSeq = seq
	}()
}

// loadSnapshot restores counters and unexpired blocks on startup. A missing
// file is not an error; a corrupt one is logged and ignored.
func (e *Engine) loadSnapshot() {
	if e.cfg.SnapshotPath == "" {
		return
	}

	data, err := os.ReadFile(e.cfg.SnapshotPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			e.logger.Error("metrics snapshot read failed", structlog.Fields{"path": e.cfg.SnapshotPath, "error": err.Error()})
		}
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		e.logger.Error("metrics snapshot corrupt, starting fresh", structlog.Fields{"path": e.cfg.SnapshotPath, "error": err.Error()})
		return
	}

	now := e.now()
	e.mu.Lock()
	e.counters = snap.Counters
	for _, entry := range snap.BlockedIPDetails {
		if now.Before(entry.ExpiresAt) {
			e.blocks[entry.IP] = entry
			heap.Push(&e.expiries, expiryItem{ip: entry.IP, at: entry.ExpiresAt})
		}
	}
	restored := len(e.blocks)
	e.mu.Unlock()

	if e.tracker != nil {
		for _, entry := range snap.BlockedIPDetails {
			if now.Before(entry.ExpiresAt) {
				e.tracker.Block(entry.IP, entry.ExpiresAt.Sub(now))
			}
		}
	}

	e.logger.Info("metrics snapshot restored", structlog.Fields{
		"path":        e.cfg.SnapshotPath,
		"blocked_ips": restored,
		"saved_at":    snap.SavedAt.UTC().Format(time.RFC3339),
	})
}
