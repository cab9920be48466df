package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// Journal event types.
const (
	EventSeeded    = "seeded"
	EventCreated   = "created"
	EventUpdated   = "updated"
	EventCompleted = "completed"
	EventAbandoned = "abandoned"
	EventPromoted  = "promoted"
	EventSnapshot  = "snapshot"
)

// JournalEntry is one row of the append-only goal lifecycle audit log.
// GoalID is nil for session-level snapshot events.
type JournalEntry struct {
	ID        int64
	UserID    string
	SessionID string
	GoalID    *string
	EventType string
	Payload   map[string]any
	CreatedAt int64
}

// AppendJournal inserts a journal row. Pure insert; journal rows are
// never updated or deleted.
func (s *GoalStore) AppendJournal(userID, sessionID string, goalID *string, eventType string, payload map[string]any, now int64) error {
	var payloadJSON any
	if len(payload) > 0 {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal journal payload: %w", err)
		}
		payloadJSON = string(data)
	}

	_, err := s.q.Exec(`
		INSERT INTO goal_journal (user_id, session_id, goal_id, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, userID, sessionID, goalID, eventType, payloadJSON, now)
	if err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}

// ListJournal returns the session's most recent journal entries,
// newest first.
func (s *GoalStore) ListJournal(userID, sessionID string, limit int) ([]JournalEntry, error) {
	rows, err := s.q.Query(`
		SELECT id, user_id, session_id, goal_id, event_type, payload, created_at
		FROM goal_journal
		WHERE user_id = ? AND session_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, userID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var goalID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.SessionID, &goalID, &e.EventType, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		if goalID.Valid {
			e.GoalID = &goalID.String
		}
		if payload.Valid && payload.String != "" {
			var m map[string]any
			if err := json.Unmarshal([]byte(payload.String), &m); err == nil {
				e.Payload = m
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountJournal returns the number of journal entries for a session and
// event type. Used by tests and the health surface.
func (s *GoalStore) CountJournal(userID, sessionID, eventType string) (int, error) {
	var count int
	err := s.q.QueryRow(`
		SELECT COUNT(*) FROM goal_journal
		WHERE user_id = ? AND session_id = ? AND event_type = ?
	`, userID, sessionID, eventType).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count journal: %w", err)
	}
	return count, nil
}
