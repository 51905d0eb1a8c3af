// Package security carries the engine's audit trail and optional
// antivirus scanning hook, grounded on the donor's AuditLogger/Scanner.
// AuditLogger's donor role was logging calls to the out-of-scope
// HTTP/MCP control surface; here it logs calls to the Go-level engine
// API (submit/cancel/pause/resume/query/open) instead, and its Wails
// event emission is replaced by a plain callback sink matching
// internal/logger's EventHandler pattern, since there is no frontend
// bridge in this module.
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

type AccessLogEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Owner     string    `json:"owner"`
	Action    string    `json:"action"` // e.g. "submit", "cancel", "pause", "resume"
	Status    int       `json:"status"` // HTTP-style status for severity only: 200 ok, 4xx rejected, 5xx error
	Details   string    `json:"details"`
}

type AuditLogger struct {
	logFile *os.File
	mu      sync.Mutex
	logPath string
	logger  *slog.Logger
	sink    func(AccessLogEntry)
}

// NewAuditLogger opens (or creates) the audit log under
// UserConfigDir()/appName/logs/access.log.
func NewAuditLogger(logger *slog.Logger, appName string) *AuditLogger {
	appData, _ := os.UserConfigDir()
	logDir := filepath.Join(appData, appName, "logs")
	os.MkdirAll(logDir, 0755)

	path := filepath.Join(logDir, "access.log")
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

// SetSink installs a callback that receives every subsequent entry, e.g.
// to republish onto the notifier's event bus.
func (a *AuditLogger) SetSink(sink func(AccessLogEntry)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sink = sink
}

func (a *AuditLogger) Log(owner, action string, status int, details string) {
	entry := AccessLogEntry{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		Owner:     owner,
		Action:    action,
		Status:    status,
		Details:   details,
	}

	a.mu.Lock()
	if a.logFile != nil {
		jsonBytes, _ := json.Marshal(entry)
		a.logFile.WriteString(string(jsonBytes) + "\n")
	}
	sink := a.sink
	a.mu.Unlock()

	if sink != nil {
		sink(entry)
	}

	level := slog.LevelInfo
	if status >= 400 {
		level = slog.LevelWarn
	}
	a.logger.Log(context.Background(), level, "audit", "action", action, "status", status, "owner", owner)
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
