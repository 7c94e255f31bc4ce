package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType names a security-relevant event.
type AuditEventType string

const (
	AuditLogin          AuditEventType = "login"
	AuditLoginFailed    AuditEventType = "login_failed"
	AuditLogout         AuditEventType = "logout"
	AuditRegister       AuditEventType = "register"
	AuditRoleChange     AuditEventType = "role_change"
	AuditPaidChange     AuditEventType = "paid_change"
	AuditPaymentVerify  AuditEventType = "payment_verified"
	AuditPaymentReject  AuditEventType = "payment_rejected"
	AuditReportExport   AuditEventType = "report_exported"
	AuditReportDelete   AuditEventType = "report_deleted"
	AuditPhotoDelete    AuditEventType = "photo_deleted"
	AuditSummaryExport  AuditEventType = "summary_exported"
	AuditReportEmailed  AuditEventType = "report_emailed"
)

// AuditEvent is one JSON line in the audit log.
type AuditEvent struct {
	Timestamp int64                  `json:"ts"`
	EventType AuditEventType         `json:"event"`
	UserID    string                 `json:"user,omitempty"`
	ActorID   string                 `json:"actor,omitempty"`
	Target    string                 `json:"target,omitempty"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

var (
	auditFile   *os.File
	auditMu     sync.Mutex
	auditLogger = &AuditLogger{}
)

// AuditLogger appends audit events to <logs>/audit.jsonl.
type AuditLogger struct {
	actorID string
}

// InitAudit opens the audit log. Unlike category logs, the audit trail is
// written regardless of debug mode.
func InitAudit() error {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil
	}

	optsMu.RLock()
	dir := logsDir
	optsMu.RUnlock()
	if dir == "" {
		return fmt.Errorf("logging not initialized")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = f
	return nil
}

// CloseAudit closes the audit log file
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns the global audit logger
func Audit() *AuditLogger {
	return auditLogger
}

// AuditAs returns an audit logger that stamps every event with an actor.
func AuditAs(actorID string) *AuditLogger {
	return &AuditLogger{actorID: actorID}
}

// Log writes an audit event. A nil audit file makes this a no-op.
func (a *AuditLogger) Log(event AuditEvent) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.ActorID == "" {
		event.ActorID = a.actorID
	}

	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile == nil {
		return
	}
	auditFile.Write(append(data, '\n'))
}

// Event is shorthand for a success/failure event on a target.
func (a *AuditLogger) Event(kind AuditEventType, userID, target string, err error) {
	ev := AuditEvent{EventType: kind, UserID: userID, Target: target, Success: err == nil}
	if err != nil {
		ev.Error = err.Error()
	}
	a.Log(ev)
}
