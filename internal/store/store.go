package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lukasbauer/negocia/internal/insight"
)

// Schema creates the tables used by Store and the event log.
const Schema = `
CREATE TABLE IF NOT EXISTS session_snapshots (
	session_id     TEXT PRIMARY KEY,
	export_id      UUID NOT NULL,
	status         TEXT NOT NULL,
	fragment_count INTEGER NOT NULL DEFAULT 0,
	signal_count   INTEGER NOT NULL DEFAULT 0,
	snapshot       JSONB NOT NULL,
	transcript     JSONB NOT NULL DEFAULT '[]',
	closed_at      TIMESTAMPTZ,
	exported_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS session_events (
	id         BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	event_data JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS session_events_session_id_idx ON session_events (session_id, created_at);
`

// Store persists exported sessions to PostgreSQL.
type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// EnsureSchema creates missing tables.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	return err
}

// Persist upserts the export of a session. A later export of the same
// session replaces the earlier one.
func (s *Store) Persist(ctx context.Context, sessionID string, rec insight.Record) error {
	snapJSON, err := json.Marshal(rec.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	transcript := rec.Transcript
	if transcript == nil {
		transcript = []insight.Fragment{}
	}
	transcriptJSON, err := json.Marshal(transcript)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO session_snapshots (session_id, export_id, status, fragment_count, signal_count,
		                               snapshot, transcript, closed_at, exported_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id) DO UPDATE SET
			export_id = EXCLUDED.export_id,
			status = EXCLUDED.status,
			fragment_count = EXCLUDED.fragment_count,
			signal_count = EXCLUDED.signal_count,
			snapshot = EXCLUDED.snapshot,
			transcript = EXCLUDED.transcript,
			closed_at = EXCLUDED.closed_at,
			exported_at = EXCLUDED.exported_at
	`, sessionID, uuid.NewString(), string(rec.Snapshot.Status), rec.Snapshot.FragmentCount, rec.Snapshot.Total(),
		snapJSON, transcriptJSON, rec.Snapshot.ClosedAt, rec.ExportedAt)
	return err
}

// ExportSummary is one row of the exported session list.
type ExportSummary struct {
	SessionID     string     `json:"session_id"`
	ExportID      string     `json:"export_id"`
	Status        string     `json:"status"`
	FragmentCount int        `json:"fragment_count"`
	SignalCount   int        `json:"signal_count"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
	ExportedAt    time.Time  `json:"exported_at"`
}

// Get returns the stored export of a session, or insight.ErrNotFound.
func (s *Store) Get(ctx context.Context, sessionID string) (insight.Record, error) {
	var rec insight.Record
	var snapJSON, transcriptJSON []byte
	err := s.db.QueryRow(ctx, `
		SELECT snapshot, transcript, exported_at
		FROM session_snapshots
		WHERE session_id = $1
	`, sessionID).Scan(&snapJSON, &transcriptJSON, &rec.ExportedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, fmt.Errorf("export %s: %w", sessionID, insight.ErrNotFound)
	}
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(snapJSON, &rec.Snapshot); err != nil {
		return rec, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if err := json.Unmarshal(transcriptJSON, &rec.Transcript); err != nil {
		return rec, fmt.Errorf("unmarshal transcript: %w", err)
	}
	return rec, nil
}

// ListExports returns the most recent exports, newest first.
func (s *Store) ListExports(ctx context.Context, limit int) ([]ExportSummary, error) {
	rows, err := s.db.Query(ctx, `
		SELECT session_id, export_id::text, status, fragment_count, signal_count, closed_at, exported_at
		FROM session_snapshots
		ORDER BY exported_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExportSummary
	for rows.Next() {
		var e ExportSummary
		if err := rows.Scan(&e.SessionID, &e.ExportID, &e.Status, &e.FragmentCount, &e.SignalCount, &e.ClosedAt, &e.ExportedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SessionEvent is one row of the session event journal.
type SessionEvent struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	EventType string          `json:"event_type"`
	EventData json.RawMessage `json:"event_data"`
	CreatedAt time.Time       `json:"created_at"`
}

// ListSessionEvents returns the journal of a session, oldest first.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]SessionEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, session_id, event_type, event_data, created_at
		FROM session_events
		WHERE session_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []SessionEvent
	for rows.Next() {
		var e SessionEvent
		var eventData []byte
		if err := rows.Scan(&e.ID, &e.SessionID, &e.EventType, &eventData, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.EventData = json.RawMessage(eventData)
		events = append(events, e)
	}
	return events, rows.Err()
}
