package analytics

import (
	"log/slog"
	"testing"
	"time"

	"transferengine/internal/filesystem"
	"transferengine/internal/taskstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStats(t *testing.T) *StatsManager {
	t.Helper()
	storage, err := taskstore.NewStorage(":memory:", slog.Default())
	require.NoError(t, err)
	resolver := filesystem.NewPathResolver(t.TempDir())
	return NewStatsManager(storage, resolver)
}

func TestTrackBytesAccumulatesIntoLifetimeTotal(t *testing.T) {
	sm := newTestStats(t)
	sm.TrackBytes(1024)
	sm.TrackBytes(2048)

	require.Eventually(t, func() bool {
		total, err := sm.LifetimeBytes()
		return err == nil && total == 3072
	}, time.Second, 5*time.Millisecond)
}

func TestTrackFileCompletedIncrementsLifetimeFiles(t *testing.T) {
	sm := newTestStats(t)
	sm.TrackFileCompleted()
	sm.TrackFileCompleted()

	require.Eventually(t, func() bool {
		total, err := sm.LifetimeFiles()
		return err == nil && total == 2
	}, time.Second, 5*time.Millisecond)
}

func TestTrackBytesIgnoresNonPositiveAmounts(t *testing.T) {
	sm := newTestStats(t)
	sm.TrackBytes(0)
	sm.TrackBytes(-5)

	time.Sleep(20 * time.Millisecond)
	total, err := sm.LifetimeBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}

func TestCurrentSpeedReflectsLastUpdate(t *testing.T) {
	sm := newTestStats(t)
	assert.Equal(t, int64(0), sm.CurrentSpeed())

	sm.UpdateSpeed(5000)
	assert.Equal(t, int64(5000), sm.CurrentSpeed())
}

func TestGetAnalyticsAssemblesSnapshot(t *testing.T) {
	sm := newTestStats(t)
	sm.TrackBytes(500)
	sm.TrackFileCompleted()

	require.Eventually(t, func() bool {
		snap := sm.GetAnalytics()
		return snap.TotalBytes == 500 && snap.TotalFiles == 1
	}, time.Second, 5*time.Millisecond)

	snap := sm.GetAnalytics()
	require.Len(t, snap.DailyHistory, 1)
	assert.Equal(t, int64(500), snap.DailyHistory[0].Bytes)
}
