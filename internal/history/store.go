package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flitsinc/go-sessions/internal/event"
)

// Store is a durable append-only copy of the session event logs. The
// bus stays authoritative while a session is live; the store exists so
// history survives eviction and restarts.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record persists one event. It implements sessionbus.Recorder.
// Replays of an already-recorded (session_id, seq) pair are ignored so
// the bus can call it with at-least-once semantics.
func (s *Store) Record(ctx context.Context, evt event.Event) error {
	payloadJSON, err := encodeJSON(evt.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO session_events (session_id, seq, kind, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, evt.SessionID, evt.Seq, string(evt.Kind), payloadJSON, evt.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListSession returns up to limit persisted events with seq > afterSeq,
// in sequence order.
func (s *Store) ListSession(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]event.Event, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, seq, kind, payload, created_at
		FROM session_events
		WHERE session_id = ? AND seq > ?
		ORDER BY seq ASC LIMIT ?
	`, sessionID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		var evt event.Event
		var kind string
		var payloadStr sql.NullString
		var createdAtStr string
		if err := rows.Scan(&evt.SessionID, &evt.Seq, &kind, &payloadStr, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evt.Kind = event.Kind(kind)
		evt.Payload = decodeJSONMap(payloadStr.String)
		evt.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// LastRecorded returns the highest-sequence event persisted for the
// session, if any. The status endpoint uses it to answer for sessions
// whose in-memory log has already been evicted.
func (s *Store) LastRecorded(ctx context.Context, sessionID string) (event.Event, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, seq, kind, payload, created_at
		FROM session_events
		WHERE session_id = ?
		ORDER BY seq DESC LIMIT 1
	`, sessionID)

	var evt event.Event
	var kind string
	var payloadStr sql.NullString
	var createdAtStr string
	err := row.Scan(&evt.SessionID, &evt.Seq, &kind, &payloadStr, &createdAtStr)
	if err == sql.ErrNoRows {
		return event.Event{}, false, nil
	}
	if err != nil {
		return event.Event{}, false, fmt.Errorf("last recorded event: %w", err)
	}
	evt.Kind = event.Kind(kind)
	evt.Payload = decodeJSONMap(payloadStr.String)
	evt.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	return evt, true, nil
}

// HasSession reports whether any events are persisted for the session.
func (s *Store) HasSession(ctx context.Context, sessionID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM session_events WHERE session_id = ? LIMIT 1`, sessionID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("probe session: %w", err)
	}
	return true, nil
}

// DeleteSession removes all persisted events for the session.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_events WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session events: %w", err)
	}
	return nil
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJSONMap(v string) map[string]any {
	if v == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil
	}
	return out
}
