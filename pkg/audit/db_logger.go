package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// DBLogger implements audit logging to PostgreSQL
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates a new database-based audit logger
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	logger := &DBLogger{db: db}
	if err := logger.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure authz_audit_logs table: %w", err)
	}
	return logger, nil
}

// ensureTable creates the authz_audit_logs table if it doesn't exist
func (l *DBLogger) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS authz_audit_logs (
		id VARCHAR(36) PRIMARY KEY,
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
		event_type VARCHAR(100) NOT NULL,
		status VARCHAR(20) NOT NULL,
		user_id BIGINT,
		actor_id BIGINT,
		organization_id BIGINT,
		role_id BIGINT,
		permission VARCHAR(255),
		resource_id VARCHAR(255),
		request_id VARCHAR(100),
		message TEXT,
		metadata JSONB
	);

	CREATE INDEX IF NOT EXISTS idx_authz_audit_user ON authz_audit_logs(user_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_authz_audit_type ON authz_audit_logs(event_type, timestamp);
	`
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := l.db.ExecContext(ctx, query)
	return err
}

// Log writes an event to the database.
func (l *DBLogger) Log(ctx context.Context, event *Event) error {
	var metadata []byte
	if event.Metadata != nil {
		var err error
		metadata, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	query := `
		INSERT INTO authz_audit_logs
			(id, timestamp, event_type, status, user_id, actor_id, organization_id, role_id, permission, resource_id, request_id, message, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := l.db.ExecContext(ctx, query,
		event.ID,
		event.Timestamp,
		event.EventType,
		event.Status,
		event.UserID,
		event.ActorID,
		event.OrganizationID,
		event.RoleID,
		event.Permission,
		event.ResourceID,
		event.RequestID,
		event.Message,
		nullableJSON(metadata),
	)
	if err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

// Close is a no-op; the connection pool is owned by the caller.
func (l *DBLogger) Close() error {
	return nil
}

// SearchByUser returns recent events for a user, newest first.
func (l *DBLogger) SearchByUser(ctx context.Context, userID int64, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, timestamp, event_type, status, user_id, actor_id, organization_id, role_id, permission, resource_id, request_id, message, metadata
		FROM authz_audit_logs
		WHERE user_id = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`
	rows, err := l.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var userID, actorID, orgID, roleID sql.NullInt64
		var metadata []byte

		err := rows.Scan(
			&e.ID,
			&e.Timestamp,
			&e.EventType,
			&e.Status,
			&userID,
			&actorID,
			&orgID,
			&roleID,
			&e.Permission,
			&e.ResourceID,
			&e.RequestID,
			&e.Message,
			&metadata,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}

		if userID.Valid {
			id := userID.Int64
			e.UserID = &id
		}
		if actorID.Valid {
			id := actorID.Int64
			e.ActorID = &id
		}
		if orgID.Valid {
			id := orgID.Int64
			e.OrganizationID = &id
		}
		if roleID.Valid {
			id := roleID.Int64
			e.RoleID = &id
		}
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &e.Metadata)
		}

		events = append(events, &e)
	}
	return events, rows.Err()
}

func nullableJSON(data []byte) interface{} {
	if len(data) == 0 {
		return nil
	}
	return data
}
