package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"transferengine/internal/config"
	"transferengine/internal/filesystem"
	"transferengine/internal/notify"
	"transferengine/internal/scheduler"
	"transferengine/internal/security"
	"transferengine/internal/statemachine"
	"transferengine/internal/taskstore"
	"transferengine/internal/transfer"

	"github.com/stretchr/testify/require"
)

type testHarness struct {
	dispatcher *Dispatcher
	cfg        *config.ServiceConfig
	registry   *taskstore.Registry
	sockPath   string
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	storage, err := taskstore.NewStorage(":memory:", slog.Default())
	require.NoError(t, err)

	dir := t.TempDir()
	resolver := filesystem.NewPathResolver(dir)

	reg, err := taskstore.NewRegistry(storage, resolver, 50)
	require.NoError(t, err)

	netMon := scheduler.NewNetworkMonitor(slog.Default())
	sched := scheduler.NewScheduler(slog.Default(), reg, netMon, 4, 4)
	bus := notify.NewBus(slog.Default(), storage)
	cfg := config.NewServiceConfig(storage)
	engine := transfer.NewEngine(slog.Default(), reg, sched, bus, cfg, resolver)
	audit := security.NewAuditLogger(slog.Default(), t.TempDir())

	sockPath := filepath.Join(t.TempDir(), "test.sock")
	require.NoError(t, storage.SetString(config.KeySocketPath, sockPath))

	d := NewDispatcher(slog.Default(), reg, sched, engine, bus, cfg, audit)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Listen(ctx)

	// Give the listener a moment to bind before the first dial.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := net.Dial("unix", sockPath); err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	return &testHarness{dispatcher: d, cfg: cfg, registry: reg, sockPath: sockPath}
}

func (h *testHarness) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", h.sockPath)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func buildRequest(op Opcode, token, bundle string, version taskstore.VersionTag, body []byte) []byte {
	w := newWriter().str(token).str(bundle).str(string(version))
	w.buf.Write(body)
	payload := w.bytes()
	head := newWriter().u32(uint32(op)).u32(uint32(len(payload)))
	return append(head.bytes(), payload...)
}

func sendRequest(t *testing.T, conn net.Conn, op Opcode, token, bundle string, version taskstore.VersionTag, body []byte) (uint32, []byte) {
	t.Helper()
	_, err := conn.Write(buildRequest(op, token, bundle, version, body))
	require.NoError(t, err)
	return readFrame(t, conn)
}

func readFrame(t *testing.T, conn net.Conn) (uint32, []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	status, payload, err := readRequest(conn) // same <u32><u32><payload> shape as a reply
	require.NoError(t, err)
	return uint32(status), payload
}

func createConfig(t *testing.T, bundle, filename string) []byte {
	t.Helper()
	cfg := taskstore.Config{
		Action: taskstore.ActionDownload,
		Bundle: bundle,
		URL:    "https://example.test/file.bin",
		FileSpecs: []taskstore.FileSpec{
			{Filename: filename},
		},
	}
	blob, err := json.Marshal(cfg)
	require.NoError(t, err)
	return newWriter().bytesField(blob).bytes()
}

func TestCreateAndQueryRoundTrip(t *testing.T) {
	h := newTestHarness(t)
	conn := h.dial(t)
	token := h.cfg.IPCToken()

	status, payload := sendRequest(t, conn, OpCreate, token, "app.one", taskstore.VersionV10, createConfig(t, "app.one", "a.bin"))
	require.Equal(t, uint32(StatusOK), status)
	tid, err := newReader(payload).u32()
	require.NoError(t, err)
	require.NotZero(t, tid)

	status, payload = sendRequest(t, conn, OpQuery, token, "app.one", taskstore.VersionV10, newWriter().u32(tid).bytes())
	require.Equal(t, uint32(StatusOK), status)
	rd := newReader(payload)
	state, err := rd.str()
	require.NoError(t, err)
	reason, err := rd.str()
	require.NoError(t, err)
	require.Equal(t, string(statemachine.Initialized), state)
	require.Equal(t, string(statemachine.ReasonOK), reason)
}

func TestInvalidTokenRejected(t *testing.T) {
	h := newTestHarness(t)
	conn := h.dial(t)

	status, _ := sendRequest(t, conn, OpQuery, "wrong-token", "app.one", taskstore.VersionV10, newWriter().u32(1).bytes())
	require.Equal(t, uint32(StatusPermission), status)
}

func TestRemoveMissingTaskDowngradedUnderV9(t *testing.T) {
	h := newTestHarness(t)
	conn := h.dial(t)
	token := h.cfg.IPCToken()

	status, _ := sendRequest(t, conn, OpRemove, token, "app.one", taskstore.VersionV10, newWriter().u32(999).bytes())
	require.Equal(t, uint32(StatusTaskNotFound), status)

	status, _ = sendRequest(t, conn, OpRemove, token, "app.one", taskstore.VersionV9, newWriter().u32(999).bytes())
	require.Equal(t, uint32(StatusOK), status)
}

func TestStartPublishesStateNotificationToSubscriber(t *testing.T) {
	h := newTestHarness(t)
	conn := h.dial(t)
	token := h.cfg.IPCToken()

	status, payload := sendRequest(t, conn, OpCreate, token, "app.one", taskstore.VersionV10, createConfig(t, "app.one", "a.bin"))
	require.Equal(t, uint32(StatusOK), status)
	tid, err := newReader(payload).u32()
	require.NoError(t, err)

	status, payload = sendRequest(t, conn, OpOpenChannel, token, "app.one", taskstore.VersionV10, nil)
	require.Equal(t, uint32(StatusOK), status)
	_, err = newReader(payload).str()
	require.NoError(t, err)

	status, _ = sendRequest(t, conn, OpSubscribe, token, "app.one", taskstore.VersionV10, newWriter().u32(tid).bytes())
	require.Equal(t, uint32(StatusOK), status)

	_, err = conn.Write(buildRequest(OpStart, token, "app.one", taskstore.VersionV10, newWriter().u32(tid).bytes()))
	require.NoError(t, err)

	var sawReply, sawState bool
	for i := 0; i < 2; i++ {
		status, payload := readFrame(t, conn)
		if status == statusNotification {
			f, err := notify.DecodeFrame(bytes.NewReader(payload))
			require.NoError(t, err)
			if f.Kind == notify.KindState {
				sawState = true
			}
			continue
		}
		require.Equal(t, uint32(StatusOK), status)
		sawReply = true
	}
	require.True(t, sawReply, "expected the Start command's own reply")
	require.True(t, sawState, "expected a state-change notification frame")
}
