// Safety audit logging. Brake transitions and blocked actions are
// appended as JSON lines to a dated file alongside the category logs,
// giving an append-only trail independent of the database copy.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType classifies a safety audit entry.
type AuditEventType string

const (
	AuditBrakeEngage  AuditEventType = "brake_engage"
	AuditBrakeRelease AuditEventType = "brake_release"
	AuditBrakeBlock   AuditEventType = "brake_block"
	AuditDriveFailed  AuditEventType = "drive_failed"
)

// AuditEvent is one structured audit log entry.
type AuditEvent struct {
	Timestamp int64          `json:"ts"` // Unix milliseconds
	EventType AuditEventType `json:"event"`
	Action    string         `json:"action,omitempty"` // drive or operation involved
	Scopes    []string       `json:"scopes,omitempty"` // brake scopes at the time
	Error     string         `json:"error,omitempty"`
	Message   string         `json:"msg"`
}

var (
	auditFile   *os.File
	auditMu     sync.Mutex
	auditLogger *AuditLogger
)

// AuditLogger appends safety audit events.
type AuditLogger struct{}

// InitAudit opens the audit log file. Safe to call more than once.
func InitAudit() error {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil
	}
	loggersMu.RLock()
	dir := logsDir
	loggersMu.RUnlock()
	if dir == "" {
		return fmt.Errorf("logging not initialized")
	}

	path := filepath.Join(dir, fmt.Sprintf("%s_audit.log", time.Now().Format("2006-01-02")))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file
	fmt.Fprintf(auditFile, "# Audit log started at %s\n", time.Now().Format(time.RFC3339))
	return nil
}

// CloseAudit closes the audit log file.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns the global audit logger.
func Audit() *AuditLogger {
	if auditLogger == nil {
		auditLogger = &AuditLogger{}
	}
	return auditLogger
}

// Log writes an audit event as a JSON line. Events are dropped when the
// audit file is not open; audit failures never propagate to callers.
func (a *AuditLogger) Log(event AuditEvent) {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile == nil {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	auditFile.Write(append(data, '\n'))
}

// BrakeEngaged records the brake being set over a scope list.
func (a *AuditLogger) BrakeEngaged(scopes []string) {
	a.Log(AuditEvent{
		EventType: AuditBrakeEngage,
		Scopes:    scopes,
		Message:   fmt.Sprintf("brake engaged scopes=%v", scopes),
	})
}

// BrakeReleased records the brake being cleared.
func (a *AuditLogger) BrakeReleased() {
	a.Log(AuditEvent{
		EventType: AuditBrakeRelease,
		Message:   "brake released",
	})
}

// BrakeBlocked records an action refused while the brake was engaged.
func (a *AuditLogger) BrakeBlocked(action string, scopes []string) {
	a.Log(AuditEvent{
		EventType: AuditBrakeBlock,
		Action:    action,
		Scopes:    scopes,
		Message:   fmt.Sprintf("blocked %s scopes=%v", action, scopes),
	})
}

// DriveFailed records a drive tick that ended in error.
func (a *AuditLogger) DriveFailed(drive string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	a.Log(AuditEvent{
		EventType: AuditDriveFailed,
		Action:    drive,
		Error:     msg,
		Message:   fmt.Sprintf("drive %s failed", drive),
	})
}
