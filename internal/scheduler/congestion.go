package scheduler

import (
	"sync"
	"time"
)

// HostLimiter implements an AIMD (Additive Increase, Multiplicative
// Decrease) algorithm to dynamically scale the per-host concurrency
// ceiling the Scheduler allows, on top of the fixed K_total/K_bundle caps.
// A host returning errors backs off automatically; a host behaving well
// is allowed to climb back up to K_total. It can only make a host
// stricter than K_total, never looser.
type HostLimiter struct {
	mu         sync.RWMutex
	hosts      map[string]*hostStats
	minWorkers int
	maxWorkers int
}

type hostStats struct {
	SmoothedRTT  time.Duration
	Concurrency  int
	LastUpdate   time.Time
	SuccessCount int
	ErrorCount   int
}

// NewHostLimiter creates a limiter with min/max per-host concurrency bounds.
func NewHostLimiter(min, max int) *HostLimiter {
	return &HostLimiter{
		hosts:      make(map[string]*hostStats),
		minWorkers: min,
		maxWorkers: max,
	}
}

// RecordOutcome updates stats for a host based on one completed transfer
// attempt (success or failure).
func (hl *HostLimiter) RecordOutcome(host string, latency time.Duration, err error) {
	hl.mu.Lock()
	defer hl.mu.Unlock()

	stats, ok := hl.hosts[host]
	if !ok {
		stats = &hostStats{Concurrency: hl.maxWorkers, SmoothedRTT: latency}
		hl.hosts[host] = stats
	}

	alpha := 0.125
	stats.SmoothedRTT = time.Duration((1-alpha)*float64(stats.SmoothedRTT) + alpha*float64(latency))
	stats.LastUpdate = time.Now()

	if err != nil {
		stats.ErrorCount++
	} else {
		stats.SuccessCount++
	}
}

// Ceiling returns the current per-host concurrency ceiling, reacting to
// errors with a multiplicative decrease and to a run of successes with an
// additive increase back toward maxWorkers.
func (hl *HostLimiter) Ceiling(host string) int {
	hl.mu.Lock()
	defer hl.mu.Unlock()

	stats, ok := hl.hosts[host]
	if !ok {
		return hl.maxWorkers // no history yet: full ceiling until errors are seen
	}

	if stats.ErrorCount > 0 {
		stats.Concurrency = maxInt(hl.minWorkers, stats.Concurrency/2)
		stats.ErrorCount = 0
		return stats.Concurrency
	}

	if stats.SuccessCount > stats.Concurrency {
		if stats.Concurrency < hl.maxWorkers {
			stats.Concurrency++
		}
		stats.SuccessCount = 0
	}

	return stats.Concurrency
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
