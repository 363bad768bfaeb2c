package event

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore persists security events in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the security_events table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS security_events (
			id           VARCHAR(36) PRIMARY KEY,
			session_id   VARCHAR(36) NOT NULL,
			event_type   VARCHAR(32) NOT NULL,
			description  TEXT NOT NULL DEFAULT '',
			severity     VARCHAR(10) NOT NULL CHECK (severity IN ('high', 'critical')),
			observed_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_security_events_session
			ON security_events (session_id, observed_at DESC);

		CREATE INDEX IF NOT EXISTS idx_security_events_type
			ON security_events (event_type, observed_at DESC);
	`)
	return err
}

func (s *PostgresStore) Record(ctx context.Context, e *SecurityEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO security_events (id, session_id, event_type, description, severity, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		e.ID,
		e.SessionID,
		string(e.Type),
		e.Description,
		string(e.Severity),
		e.ObservedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record security event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]*SecurityEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, event_type, description, severity, observed_at
		FROM security_events
		WHERE session_id = $1
		ORDER BY observed_at DESC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list security events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*SecurityEvent
	for rows.Next() {
		var e SecurityEvent
		var observedAt time.Time

		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Description, &e.Severity, &observedAt); err != nil {
			continue
		}
		e.ObservedAt = observedAt
		result = append(result, &e)
	}
	return result, nil
}
