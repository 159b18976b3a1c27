package transfer

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"transferengine/internal/config"
	"transferengine/internal/filesystem"
	"transferengine/internal/notify"
	"transferengine/internal/scheduler"
	"transferengine/internal/statemachine"
	"transferengine/internal/taskstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, *taskstore.Registry, *notify.Bus, string) {
	t.Helper()
	storage, err := taskstore.NewStorage(":memory:", slog.Default())
	require.NoError(t, err)

	dir := t.TempDir()
	resolver := filesystem.NewPathResolver(dir)

	reg, err := taskstore.NewRegistry(storage, resolver, 50)
	require.NoError(t, err)

	net := scheduler.NewNetworkMonitor(slog.Default())
	sched := scheduler.NewScheduler(slog.Default(), reg, net, 4, 4)
	bus := notify.NewBus(slog.Default(), storage)
	cfg := config.NewServiceConfig(storage)

	engine := NewEngine(slog.Default(), reg, sched, bus, cfg, resolver)
	return engine, reg, bus, dir
}

// makeRunning mimics what the Scheduler does before calling Dispatch:
// Initialized --start--> Waiting --dispatch--> Running. Tests that exercise
// the Engine directly skip the Scheduler, so they must apply the same
// transition themselves before calling Dispatch.
func makeRunning(t *testing.T, reg *taskstore.Registry, tid uint32) taskstore.Task {
	t.Helper()
	require.NoError(t, reg.Mutate(tid, func(tk *taskstore.Task) error {
		if err := statemachine.Validate(tk.State, statemachine.EventStart, statemachine.Waiting); err != nil {
			return err
		}
		tk.State = statemachine.Waiting
		return nil
	}))
	require.NoError(t, reg.Mutate(tid, func(tk *taskstore.Task) error {
		if err := statemachine.Validate(tk.State, statemachine.EventDispatch, statemachine.Running); err != nil {
			return err
		}
		tk.State = statemachine.Running
		return nil
	}))
	task, err := reg.Get(tid, "")
	require.NoError(t, err)
	return task
}

func waitForTerminal(t *testing.T, reg *taskstore.Registry, tid uint32) taskstore.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := reg.Get(tid, "")
		require.NoError(t, err)
		if task.State.Terminal() {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %d never reached a terminal state", tid)
	return taskstore.Task{}
}

func waitForState(t *testing.T, reg *taskstore.Registry, tid uint32, want statemachine.State) taskstore.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := reg.Get(tid, "")
		require.NoError(t, err)
		if task.State == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %d never reached state %s", tid, want)
	return taskstore.Task{}
}

func TestDownloadCompletesAndRenamesFromTemp(t *testing.T) {
	const body = "the quick brown fox jumps over the lazy dog"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Write([]byte(body))
	}))
	defer srv.Close()

	engine, reg, _, dir := newTestEngine(t)

	tid, err := reg.Insert(taskstore.Config{
		Action: taskstore.ActionDownload,
		Mode:   taskstore.ModeForeground,
		URL:    srv.URL,
		Bundle: "bundle.a",
		FileSpecs: []taskstore.FileSpec{
			{Filename: "fox.txt"},
		},
		Options: taskstore.Options{NetworkPolicy: taskstore.NetworkAny, RetryEnabled: true},
		Version: taskstore.VersionV10,
	})
	require.NoError(t, err)

	task := makeRunning(t, reg, tid)
	engine.Dispatch(task)

	final := waitForTerminal(t, reg, tid)
	assert.Equal(t, statemachine.Completed, final.State)

	savedPath := filepath.Join(dir, "bundle.a", "fox.txt")
	data, err := os.ReadFile(savedPath)
	require.NoError(t, err)
	assert.Equal(t, body, string(data))

	_, err = os.Stat(savedPath + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should have been renamed away")
}

func TestDownloadFailsOnForbiddenWithoutRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	engine, reg, _, _ := newTestEngine(t)
	tid, err := reg.Insert(taskstore.Config{
		Action: taskstore.ActionDownload,
		Mode:   taskstore.ModeForeground,
		URL:    srv.URL,
		Bundle: "bundle.b",
		FileSpecs: []taskstore.FileSpec{
			{Filename: "gone.bin"},
		},
		Options: taskstore.Options{NetworkPolicy: taskstore.NetworkAny, RetryEnabled: true},
		Version: taskstore.VersionV10,
	})
	require.NoError(t, err)

	task := makeRunning(t, reg, tid)
	engine.Dispatch(task)

	final := waitForTerminal(t, reg, tid)
	assert.Equal(t, statemachine.Failed, final.State)
}

func TestDownloadRejectsOverwriteOfExistingFile(t *testing.T) {
	engine, reg, _, dir := newTestEngine(t)

	bundleDir := filepath.Join(dir, "bundle.c")
	require.NoError(t, os.MkdirAll(bundleDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(bundleDir, "exists.bin"), []byte("already here"), 0644))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("new content"))
	}))
	defer srv.Close()

	tid, err := reg.Insert(taskstore.Config{
		Action: taskstore.ActionDownload,
		Mode:   taskstore.ModeForeground,
		URL:    srv.URL,
		Bundle: "bundle.c",
		FileSpecs: []taskstore.FileSpec{
			{Filename: "exists.bin"},
		},
		Options: taskstore.Options{NetworkPolicy: taskstore.NetworkAny, Overwrite: false},
		Version: taskstore.VersionV10,
	})
	require.NoError(t, err)

	task := makeRunning(t, reg, tid)
	engine.Dispatch(task)

	final := waitForTerminal(t, reg, tid)
	assert.Equal(t, statemachine.Failed, final.State)

	data, err := os.ReadFile(filepath.Join(bundleDir, "exists.bin"))
	require.NoError(t, err)
	assert.Equal(t, "already here", string(data))
}

func TestUploadSingleFileStreamsBody(t *testing.T) {
	var receivedLen int64
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		receivedLen = r.ContentLength
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	engine, reg, _, dir := newTestEngine(t)

	srcPath := filepath.Join(dir, "payload.bin")
	require.NoError(t, os.WriteFile(srcPath, []byte("upload-me"), 0644))

	tid, err := reg.Insert(taskstore.Config{
		Action: taskstore.ActionUpload,
		Mode:   taskstore.ModeForeground,
		URL:    srv.URL,
		Method: http.MethodPut,
		Bundle: "bundle.d",
		FileSpecs: []taskstore.FileSpec{
			{URI: srcPath, Filename: "payload.bin"},
		},
		Options: taskstore.Options{NetworkPolicy: taskstore.NetworkAny},
		Version: taskstore.VersionV10,
	})
	require.NoError(t, err)

	task := makeRunning(t, reg, tid)
	engine.Dispatch(task)

	final := waitForTerminal(t, reg, tid)
	assert.Equal(t, statemachine.Completed, final.State)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int64(len("upload-me")), receivedLen)
}

func TestPauseInterruptsRunningDownload(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", fmt.Sprintf("%d", 256*1024))
		flusher, _ := w.(http.Flusher)
		chunk := make([]byte, 64*1024)
		for i := 0; i < 4; i++ {
			w.Write(chunk)
			if flusher != nil {
				flusher.Flush()
			}
			if i == 0 {
				<-release
			}
		}
	}))
	defer srv.Close()

	engine, reg, _, _ := newTestEngine(t)
	tid, err := reg.Insert(taskstore.Config{
		Action: taskstore.ActionDownload,
		Mode:   taskstore.ModeForeground,
		URL:    srv.URL,
		Bundle: "bundle.e",
		FileSpecs: []taskstore.FileSpec{
			{Filename: "slow.bin"},
		},
		Options: taskstore.Options{NetworkPolicy: taskstore.NetworkAny},
		Version: taskstore.VersionV10,
	})
	require.NoError(t, err)

	task := makeRunning(t, reg, tid)
	engine.Dispatch(task)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if engine.Pause(tid) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(release)

	final := waitForState(t, reg, tid, statemachine.Paused)
	assert.Equal(t, statemachine.Paused, final.State)
}
