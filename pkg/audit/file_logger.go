package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// FileLogger writes audit events as JSON lines to a file via logrus.
type FileLogger struct {
	log  *logrus.Logger
	file *os.File
}

// NewFileLogger creates a file-based audit logger at path.
func NewFileLogger(path string) (*FileLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	log := logrus.New()
	log.SetOutput(file)
	log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	log.SetLevel(logrus.InfoLevel)

	return &FileLogger{log: log, file: file}, nil
}

// Log writes one event.
func (l *FileLogger) Log(ctx context.Context, event *Event) error {
	fields := logrus.Fields{
		"audit_id":   event.ID,
		"event_type": event.EventType,
		"status":     event.Status,
	}
	if event.UserID != nil {
		fields["user_id"] = *event.UserID
	}
	if event.ActorID != nil {
		fields["actor_id"] = *event.ActorID
	}
	if event.OrganizationID != nil {
		fields["organization_id"] = *event.OrganizationID
	}
	if event.RoleID != nil {
		fields["role_id"] = *event.RoleID
	}
	if event.Permission != "" {
		fields["permission"] = event.Permission
	}
	if event.ResourceID != "" {
		fields["resource_id"] = event.ResourceID
	}
	if event.RequestID != "" {
		fields["request_id"] = event.RequestID
	}
	for k, v := range event.Metadata {
		fields["meta_"+k] = v
	}

	l.log.WithFields(fields).WithTime(event.Timestamp).Info(event.Message)
	return nil
}

// Close flushes and closes the underlying file.
func (l *FileLogger) Close() error {
	return l.file.Close()
}
