package security

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLoggerWritesAndReadsBack(t *testing.T) {
	dir := t.TempDir()
	logger := NewAuditLogger(slog.New(slog.NewTextHandler(os.Stdout, nil)), dir)
	defer logger.Close()

	logger.Log("chan-1", "bundle.a", "Create", "OK", "tid=1")
	logger.Log("chan-1", "bundle.a", "Pause", "TaskNotFound", "tid=2")

	entries := logger.GetRecentLogs(10)
	require.Len(t, entries, 2)
	assert.Equal(t, "Pause", entries[0].Action)
	assert.Equal(t, "TaskNotFound", entries[0].Status)
	assert.Equal(t, "Create", entries[1].Action)

	_, err := os.Stat(filepath.Join(dir, "logs", "ipc_access.log"))
	require.NoError(t, err)
}

func TestAuditLoggerRespectsLimit(t *testing.T) {
	dir := t.TempDir()
	logger := NewAuditLogger(slog.New(slog.NewTextHandler(os.Stdout, nil)), dir)
	defer logger.Close()

	for i := 0; i < 5; i++ {
		logger.Log("chan-1", "bundle.a", "Create", "OK", "")
	}

	entries := logger.GetRecentLogs(2)
	assert.Len(t, entries, 2)
}

func TestAuditLoggerEmptyLogReturnsNoEntries(t *testing.T) {
	dir := t.TempDir()
	logger := NewAuditLogger(slog.New(slog.NewTextHandler(os.Stdout, nil)), dir)
	defer logger.Close()

	entries := logger.GetRecentLogs(10)
	assert.Empty(t, entries)
}
