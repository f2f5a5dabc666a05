package audit

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeUpload represents a document ingestion.
	EventTypeUpload EventType = "upload"
	// EventTypeView represents a decrypting read.
	EventTypeView EventType = "view"
	// EventTypeStat represents a metadata-only read.
	EventTypeStat EventType = "stat"
	// EventTypeDelete represents a document deletion.
	EventTypeDelete EventType = "delete"
	// EventTypeList represents a catalog listing.
	EventTypeList EventType = "list"
)

// AuditEvent represents a single audit log event.
type AuditEvent struct {
	Timestamp time.Time     `json:"timestamp"`
	EventType EventType     `json:"event_type"`
	Actor     string        `json:"actor"`
	Admin     bool          `json:"admin,omitempty"`
	OwnerID   string        `json:"owner_id,omitempty"`
	Path      string        `json:"path,omitempty"`
	ClientIP  string        `json:"client_ip,omitempty"`
	UserAgent string        `json:"user_agent,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
	Success   bool          `json:"success"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	Cached    bool          `json:"cached,omitempty"`
	Duration  time.Duration `json:"duration_ms"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs an audit event.
	Log(event *AuditEvent) error

	// Events returns the retained events, oldest first.
	Events() []*AuditEvent
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// auditLogger keeps the most recent events in memory and forwards each to a writer.
type auditLogger struct {
	mu        sync.Mutex
	events    []*AuditEvent
	maxEvents int
	writer    EventWriter
}

// NewLogger creates a new audit logger. A nil writer discards events after buffering.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	return &auditLogger{
		events:    make([]*AuditEvent, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
	}
}

// Log logs an audit event. Writer failures are returned but the event is still retained.
func (l *auditLogger) Log(event *AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
	l.mu.Unlock()

	if l.writer != nil {
		return l.writer.WriteEvent(event)
	}
	return nil
}

// Events returns a copy of the retained events.
func (l *auditLogger) Events() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// LogrusWriter writes audit events as structured log entries.
type LogrusWriter struct {
	logger *logrus.Logger
}

// NewLogrusWriter creates a writer on logger.
func NewLogrusWriter(logger *logrus.Logger) *LogrusWriter {
	return &LogrusWriter{logger: logger}
}

// WriteEvent implements EventWriter.
func (w *LogrusWriter) WriteEvent(event *AuditEvent) error {
	entry := w.logger.WithFields(logrus.Fields{
		"audit":       true,
		"event_type":  event.EventType,
		"actor":       event.Actor,
		"admin":       event.Admin,
		"owner_id":    event.OwnerID,
		"path":        event.Path,
		"client_ip":   event.ClientIP,
		"request_id":  event.RequestID,
		"success":     event.Success,
		"cached":      event.Cached,
		"duration_ms": event.Duration.Milliseconds(),
	})
	if !event.Success {
		entry.WithFields(logrus.Fields{
			"error_kind": event.ErrorKind,
			"error":      event.Error,
		}).Warn("Audit event")
		return nil
	}
	entry.Info("Audit event")
	return nil
}
