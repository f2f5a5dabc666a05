package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLogger_Log(t *testing.T) {
	logger := NewLogger(100, nil)

	require.NoError(t, logger.Log(&AuditEvent{
		EventType: EventTypeUpload,
		Actor:     "user123",
		OwnerID:   "user123",
		Path:      "w2Forms/user123/1700000000000-0123456789abcdef0123456789abcdef.jpg",
		Success:   true,
		Duration:  100 * time.Millisecond,
	}))

	events := logger.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventTypeUpload, events[0].EventType)
	assert.False(t, events[0].Timestamp.IsZero())
	assert.True(t, events[0].Success)
}

func TestAuditLogger_MaxEvents(t *testing.T) {
	logger := NewLogger(10, nil)

	for i := 0; i < 15; i++ {
		_ = logger.Log(&AuditEvent{EventType: EventTypeView, Path: fmt.Sprintf("medical/user123/%d", i)})
	}

	events := logger.Events()
	require.Len(t, events, 10)
	assert.Equal(t, "medical/user123/5", events[0].Path)
	assert.Equal(t, "medical/user123/14", events[9].Path)
}

type failingWriter struct{}

func (failingWriter) WriteEvent(*AuditEvent) error { return errors.New("sink down") }

func TestAuditLogger_WriterFailureKeepsEvent(t *testing.T) {
	logger := NewLogger(5, failingWriter{})
	err := logger.Log(&AuditEvent{EventType: EventTypeDelete})
	assert.Error(t, err)
	assert.Len(t, logger.Events(), 1)
}

func TestLogrusWriter(t *testing.T) {
	var buf bytes.Buffer
	base := logrus.New()
	base.SetOutput(&buf)
	base.SetFormatter(&logrus.JSONFormatter{})

	logger := NewLogger(5, NewLogrusWriter(base))
	require.NoError(t, logger.Log(&AuditEvent{
		EventType: EventTypeView,
		Actor:     "user456",
		OwnerID:   "user123",
		Path:      "medical/user123/1700000000000-0123456789abcdef0123456789abcdef.pdf",
		Success:   false,
		ErrorKind: "unauthorized",
		Error:     "requester does not own this document",
	}))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warning", entry["level"])
	assert.Equal(t, "view", entry["event_type"])
	assert.Equal(t, "user456", entry["actor"])
	assert.Equal(t, "unauthorized", entry["error_kind"])
}
