// Package analytics tracks lifetime and daily transfer totals and surfaces
// disk usage for the transfer root, supplementing the registry's per-task
// bookkeeping with the aggregate history a complete engine exposes.
package analytics

import (
	"sync/atomic"
	"time"

	"transferengine/internal/filesystem"
	"transferengine/internal/taskstore"

	"github.com/shirou/gopsutil/v3/disk"
)

// DiskUsageInfo mirrors gopsutil's disk.UsageStat, trimmed to what callers need.
type DiskUsageInfo struct {
	UsedGB  float64 `json:"usedGb"`
	FreeGB  float64 `json:"freeGb"`
	TotalGB float64 `json:"totalGb"`
	Percent float64 `json:"percent"`
}

// DailyPoint is one day's recorded totals.
type DailyPoint struct {
	Date  string `json:"date"`
	Bytes int64  `json:"bytes"`
	Files int64  `json:"files"`
}

// Snapshot is the aggregate view returned by GetAnalytics.
type Snapshot struct {
	TotalBytes   int64         `json:"totalBytes"`
	TotalFiles   int64         `json:"totalFiles"`
	DailyHistory []DailyPoint  `json:"dailyHistory"`
	DiskUsage    DiskUsageInfo `json:"diskUsage"`
}

// StatsManager tracks completed-transfer totals and the current aggregate
// throughput, backed by the taskstore's daily_stats table.
type StatsManager struct {
	storage      *taskstore.Storage
	resolver     *filesystem.PathResolver
	currentSpeed atomic.Int64
}

func NewStatsManager(storage *taskstore.Storage, resolver *filesystem.PathResolver) *StatsManager {
	return &StatsManager{storage: storage, resolver: resolver}
}

// UpdateSpeed records the Transfer Engine's instantaneous aggregate
// throughput as tasks progress.
func (sm *StatsManager) UpdateSpeed(bytesPerSec int64) {
	sm.currentSpeed.Store(bytesPerSec)
}

// CurrentSpeed returns the last recorded instantaneous throughput.
func (sm *StatsManager) CurrentSpeed() int64 {
	return sm.currentSpeed.Load()
}

// TrackBytes upserts n bytes onto today's row. Fire-and-forget: a lost stats
// write must never fail or stall the transfer that produced it.
func (sm *StatsManager) TrackBytes(n int64) {
	if n <= 0 {
		return
	}
	go sm.storage.IncrementDailyBytes(today(), n)
}

// TrackFileCompleted increments today's completed-file count.
func (sm *StatsManager) TrackFileCompleted() {
	go sm.storage.IncrementDailyFiles(today())
}

// LifetimeBytes returns the all-time completed byte total.
func (sm *StatsManager) LifetimeBytes() (int64, error) {
	return sm.storage.TotalLifetimeBytes()
}

// LifetimeFiles returns the all-time completed file total.
func (sm *StatsManager) LifetimeFiles() (int64, error) {
	return sm.storage.TotalLifetimeFiles()
}

// History returns up to the last `days` recorded days, most recent first.
func (sm *StatsManager) History(days int) ([]DailyPoint, error) {
	rows, err := sm.storage.DailyHistory()
	if err != nil {
		return nil, err
	}
	if days > 0 && len(rows) > days {
		rows = rows[:days]
	}
	out := make([]DailyPoint, len(rows))
	for i, r := range rows {
		out[i] = DailyPoint{Date: r.Date, Bytes: r.Bytes, Files: r.Files}
	}
	return out, nil
}

// DiskUsage reports free/used/total space on the volume backing the
// transfer root, reusing the same gopsutil call the filesystem Allocator
// makes per-download, but scoped to the whole root rather than one file.
func (sm *StatsManager) DiskUsage() DiskUsageInfo {
	usage, err := disk.Usage(sm.resolver.Root())
	if err != nil {
		return DiskUsageInfo{}
	}
	const bytesPerGB = 1024 * 1024 * 1024
	return DiskUsageInfo{
		UsedGB:  float64(usage.Used) / bytesPerGB,
		FreeGB:  float64(usage.Free) / bytesPerGB,
		TotalGB: float64(usage.Total) / bytesPerGB,
		Percent: usage.UsedPercent,
	}
}

// GetAnalytics assembles the full snapshot for the IPC surface's status query.
func (sm *StatsManager) GetAnalytics() Snapshot {
	lifetime, _ := sm.LifetimeBytes()
	totalFiles, _ := sm.LifetimeFiles()
	history, _ := sm.History(7)
	return Snapshot{
		TotalBytes:   lifetime,
		TotalFiles:   totalFiles,
		DailyHistory: history,
		DiskUsage:    sm.DiskUsage(),
	}
}

func today() string {
	return time.Now().Format("2006-01-02")
}
