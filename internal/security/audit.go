package security

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AccessLogEntry records one IPC command dispatch for later review.
type AccessLogEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	ChannelID string    `json:"channel_id"`
	Bundle    string    `json:"bundle"`
	Action    string    `json:"action"` // e.g. "Create", "Pause", "Remove"
	Status    string    `json:"status"` // the §7 error code, "OK" on success
	Details   string    `json:"details"`
}

// AuditLogger appends one JSON line per IPC call to a log file under the
// service's state directory, independent of the structured slog stream.
type AuditLogger struct {
	logFile *os.File
	mu      sync.Mutex
	logPath string
	logger  *slog.Logger
}

func NewAuditLogger(logger *slog.Logger, stateDir string) *AuditLogger {
	logDir := filepath.Join(stateDir, "logs")
	os.MkdirAll(logDir, 0755)

	path := filepath.Join(logDir, "ipc_access.log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logger.Error("failed to open audit log", "error", err)
	}

	return &AuditLogger{
		logFile: f,
		logPath: path,
		logger:  logger,
	}
}

// Log appends one entry and mirrors it at the appropriate slog level.
func (a *AuditLogger) Log(channelID, bundle, action, status, details string) {
	entry := AccessLogEntry{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		ChannelID: channelID,
		Bundle:    bundle,
		Action:    action,
		Status:    status,
		Details:   details,
	}

	a.mu.Lock()
	if a.logFile != nil {
		if jsonBytes, err := json.Marshal(entry); err == nil {
			a.logFile.WriteString(string(jsonBytes) + "\n")
		}
	}
	a.mu.Unlock()

	level := slog.LevelInfo
	if status != "OK" {
		level = slog.LevelWarn
	}
	a.logger.Log(context.Background(), level, "ipc call", "action", action, "status", status, "bundle", bundle)
}

func (a *AuditLogger) Close() {
	if a.logFile != nil {
		a.logFile.Close()
	}
}

// GetRecentLogs returns up to limit entries, most recent first.
func (a *AuditLogger) GetRecentLogs(limit int) []AccessLogEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	content, err := os.ReadFile(a.logPath)
	if err != nil {
		return []AccessLogEntry{}
	}

	lines := strings.Split(string(content), "\n")
	var entries []AccessLogEntry
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var entry AccessLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err == nil {
			entries = append(entries, entry)
		}
		if len(entries) >= limit {
			break
		}
	}
	return entries
}
