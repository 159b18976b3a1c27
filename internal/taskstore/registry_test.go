package taskstore

import (
	"log/slog"
	"os"
	"testing"

	"transferengine/internal/filesystem"
	"transferengine/internal/statemachine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, *Storage) {
	t.Helper()
	storage, err := NewStorage(":memory:", slog.Default())
	require.NoError(t, err)

	dir := t.TempDir()
	resolver := filesystem.NewPathResolver(dir)

	reg, err := NewRegistry(storage, resolver, 5)
	require.NoError(t, err)
	return reg, storage
}

func sampleConfig(bundle string) Config {
	return Config{
		Action: ActionDownload,
		Mode:   ModeForeground,
		URL:    "https://example.invalid/1mb.bin",
		Bundle: bundle,
		FileSpecs: []FileSpec{
			{Filename: "1mb.bin"},
		},
		Options: Options{NetworkPolicy: NetworkAny, RetryEnabled: true},
		Version: VersionV10,
	}
}

func TestInsertAssignsMonotonicTid(t *testing.T) {
	reg, _ := newTestRegistry(t)

	tid1, err := reg.Insert(sampleConfig("app.one"))
	require.NoError(t, err)
	tid2, err := reg.Insert(sampleConfig("app.one"))
	require.NoError(t, err)

	assert.Less(t, tid1, tid2)
	assert.NotEqual(t, uint32(0), tid1)
}

func TestInsertRejectsMalformedConfig(t *testing.T) {
	reg, _ := newTestRegistry(t)
	cfg := sampleConfig("app.one")
	cfg.URL = ""

	_, err := reg.Insert(cfg)
	require.Error(t, err)
	var rerr *RegistryError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, ErrParameterCheck, rerr.Code)
}

func TestInsertEnforcesBundleQuota(t *testing.T) {
	reg, _ := newTestRegistry(t)
	cfg := sampleConfig("app.one")

	for i := 0; i < 5; i++ {
		cfg.FileSpecs[0].Filename = "file"
		_, err := reg.Insert(cfg)
		require.NoError(t, err)
	}

	_, err := reg.Insert(cfg)
	require.Error(t, err)
	var rerr *RegistryError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, ErrTaskQueue, rerr.Code)
}

func TestGetVisibilityIsBundleScoped(t *testing.T) {
	reg, _ := newTestRegistry(t)
	tid, err := reg.Insert(sampleConfig("app.one"))
	require.NoError(t, err)

	_, err = reg.Get(tid, "app.two")
	require.Error(t, err)

	got, err := reg.Get(tid, "app.one")
	require.NoError(t, err)
	assert.Equal(t, tid, got.Tid)
}

func TestTouchRequiresMatchingToken(t *testing.T) {
	reg, _ := newTestRegistry(t)
	cfg := sampleConfig("app.one")
	cfg.Token = "secret-handle"
	tid, err := reg.Insert(cfg)
	require.NoError(t, err)

	_, err = reg.Touch(tid, "wrong")
	require.Error(t, err)

	got, err := reg.Touch(tid, "secret-handle")
	require.NoError(t, err)
	assert.Equal(t, tid, got.Tid)
}

func TestRemoveHidesFromSearchButNotFromTouch(t *testing.T) {
	reg, _ := newTestRegistry(t)
	cfg := sampleConfig("app.one")
	cfg.Token = "tok"
	tid, err := reg.Insert(cfg)
	require.NoError(t, err)

	require.NoError(t, reg.Remove(tid, "app.one"))

	tids, err := reg.Search(SearchFilter{Bundle: "app.one"})
	require.NoError(t, err)
	assert.NotContains(t, tids, tid)

	got, err := reg.Touch(tid, "tok")
	require.NoError(t, err)
	assert.Equal(t, statemachine.Removed, got.State)
}

func TestSearchByGroupIDFindsMatchingTasks(t *testing.T) {
	reg, _ := newTestRegistry(t)
	cfg := sampleConfig("app.one")
	cfg.GroupID = "batch-1"
	tid, err := reg.Insert(cfg)
	require.NoError(t, err)

	other := sampleConfig("app.one")
	other.FileSpecs[0].Filename = "other.bin"
	_, err = reg.Insert(other)
	require.NoError(t, err)

	tids, err := reg.Search(SearchFilter{GroupID: "batch-1"})
	require.NoError(t, err)
	assert.Equal(t, []uint32{tid}, tids)
}

func TestSearchUnknownGroupIDReturnsGroupNotFound(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.Insert(sampleConfig("app.one"))
	require.NoError(t, err)

	_, err = reg.Search(SearchFilter{GroupID: "never-assigned"})
	require.Error(t, err)
	var rerr *RegistryError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, ErrGroupNotFound, rerr.Code)
}

func TestSearchEmptyGroupAfterRemovalIsNotGroupNotFound(t *testing.T) {
	reg, _ := newTestRegistry(t)
	cfg := sampleConfig("app.one")
	cfg.GroupID = "batch-2"
	tid, err := reg.Insert(cfg)
	require.NoError(t, err)
	require.NoError(t, reg.Remove(tid, "app.one"))

	tids, err := reg.Search(SearchFilter{GroupID: "batch-2"})
	require.NoError(t, err)
	assert.Empty(t, tids)
}

func TestRehydrateNeverLeavesRunning(t *testing.T) {
	reg, storage := newTestRegistry(t)
	tid, err := reg.Insert(sampleConfig("app.one"))
	require.NoError(t, err)

	require.NoError(t, reg.Mutate(tid, func(tk *Task) error {
		tk.State = statemachine.Running
		return nil
	}))
	require.NoError(t, storage.SaveProgress(ProgressRow{Tid: tid, Processed: 4096}))

	reg2, err := NewRegistry(storage, filesystem.NewPathResolver(os.TempDir()), 5)
	require.NoError(t, err)
	require.NoError(t, reg2.Rehydrate())

	got, err := reg2.Get(tid, "app.one")
	require.NoError(t, err)
	assert.Equal(t, statemachine.Paused, got.State)
}
