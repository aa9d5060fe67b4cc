package alert

import (
	"sync"
	"time"
)

// Quota enforces independent hourly and daily send budgets for one channel.
// Windows reset lazily when observed after their period has elapsed; a send
// that would exceed either budget is refused, never queued.
type Quota struct {
	mu          sync.Mutex
	hourlyLimit int
	dailyLimit  int
	hourlyCount int
	dailyCount  int
	hourlyReset time.Time
	dailyReset  time.Time
	now         func() time.Time
}

// QuotaStatus is the operator view of one quota.
type QuotaStatus struct {
	HourlyCount int       `json:"hourly_count"`
	HourlyLimit int       `json:"hourly_limit"`
	DailyCount  int       `json:"daily_count"`
	DailyLimit  int       `json:"daily_limit"`
	HourlyReset time.Time `json:"hourly_reset"`
	DailyReset  time.Time `json:"daily_reset"`
}

// NewQuota creates a quota with the given budgets. Non-positive limits
// disable that window (unlimited).
func NewQuota(hourlyLimit, dailyLimit int) *Quota {
	q := &Quota{
		hourlyLimit: hourlyLimit,
		dailyLimit:  dailyLimit,
		now:         time.Now,
	}
	now := q.now()
	q.hourlyReset = now.Add(time.Hour)
	q.dailyReset = now.Add(24 * time.Hour)
	return q
}

// TryAcquire reserves one send. It returns false without counting anything
// when either window is exhausted.
func (q *Quota) TryAcquire() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	if !now.Before(q.hourlyReset) {
		q.hourlyCount = 0
		q.hourlyReset = now.Add(time.Hour)
	}
	if !now.Before(q.dailyReset) {
		q.dailyCount = 0
		q.dailyReset = now.Add(24 * time.Hour)
	}

	if q.hourlyLimit > 0 && q.hourlyCount >= q.hourlyLimit {
		return false
	}
	if q.dailyLimit > 0 && q.dailyCount >= q.dailyLimit {
		return false
	}

	q.hourlyCount++
	q.dailyCount++
	return true
}

// Status returns a snapshot of the quota state.
func (q *Quota) Status() QuotaStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QuotaStatus{
		HourlyCount: q.hourlyCount,
		HourlyLimit: q.hourlyLimit,
		DailyCount:  q.dailyCount,
		DailyLimit:  q.dailyLimit,
		HourlyReset: q.hourlyReset,
		DailyReset:  q.dailyReset,
	}
}
