package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"mindtrail/api/internal/graph"
)

// PostgresStore persists sessions as JSONB snapshots in the sessions table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) SaveSession(ctx context.Context, session graph.Session) error {
	snapshot, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, name, snapshot, created_at, updated_at)
		VALUES ($1, $2, $3::jsonb, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
			snapshot = EXCLUDED.snapshot,
			updated_at = EXCLUDED.updated_at
	`, session.ID, session.Name, string(snapshot), session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadSession(ctx context.Context, id string) (graph.Session, error) {
	var snapshot []byte
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM sessions WHERE id=$1`, id).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return graph.Session{}, graph.ErrSessionNotFound
	}
	if err != nil {
		return graph.Session{}, fmt.Errorf("select session: %w", err)
	}
	return decodeSnapshot(snapshot)
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSessions(ctx context.Context) ([]graph.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT snapshot FROM sessions ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]graph.Session, 0)
	for rows.Next() {
		var snapshot []byte
		if err := rows.Scan(&snapshot); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		session, err := decodeSnapshot(snapshot)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

func decodeSnapshot(raw []byte) (graph.Session, error) {
	var session graph.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return graph.Session{}, fmt.Errorf("decode session snapshot: %w", err)
	}
	return session, nil
}
