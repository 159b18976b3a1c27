package transfer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// BandwidthManager enforces the device-wide bandwidth ceiling with zero
// overhead when disabled, following the donor's bandwidth manager: a
// single global token bucket shared by every in-flight transfer, with a
// per-task priority hint that lets low-priority tasks yield a little to
// everyone else.
type BandwidthManager struct {
	globalLimiter *rate.Limiter
	limitEnabled  atomic.Bool
	mu            sync.RWMutex

	taskPriorities map[uint32]int // tid -> 1 low, 2 normal, 3 high
}

func NewBandwidthManager() *BandwidthManager {
	return &BandwidthManager{
		globalLimiter:  rate.NewLimiter(rate.Inf, 0),
		taskPriorities: make(map[uint32]int),
	}
}

// SetLimit updates the global ceiling in bytes per second; 0 means unlimited.
func (bm *BandwidthManager) SetLimit(bytesPerSec int64) {
	if bytesPerSec <= 0 {
		bm.limitEnabled.Store(false)
		bm.globalLimiter.SetLimit(rate.Inf)
		return
	}
	bm.limitEnabled.Store(true)
	bm.globalLimiter.SetLimit(rate.Limit(bytesPerSec))
	bm.globalLimiter.SetBurst(int(bytesPerSec))
}

func (bm *BandwidthManager) SetTaskPriority(tid uint32, priority int) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.taskPriorities[tid] = priority
}

// Wait blocks until n bytes may be transferred, returning immediately when
// no ceiling is configured. It also serves as one of the per-chunk
// suspension points cancellation is checked at, since WaitN observes ctx.
func (bm *BandwidthManager) Wait(ctx context.Context, tid uint32, n int) error {
	if !bm.limitEnabled.Load() {
		return nil
	}

	bm.mu.RLock()
	priority, ok := bm.taskPriorities[tid]
	bm.mu.RUnlock()
	if !ok {
		priority = 2
	}

	if err := bm.globalLimiter.WaitN(ctx, n); err != nil {
		return err
	}
	if priority == 1 {
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}
