package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is an in-app notification addressed to one user.
type Message struct {
	ID       string     `json:"id"`
	UserID   int64      `json:"user_id"`
	EntityID int64      `json:"entity_id"`
	AlertID  int64      `json:"alert_id"`
	Severity string     `json:"severity"`
	Subject  string     `json:"subject"`
	Body     string     `json:"body"`
	Created  time.Time  `json:"created_at"`
	ReadAt   *time.Time `json:"read_at,omitempty"`
}

// MessageStore persists the in-app inbox.
type MessageStore struct {
	db *DB
}

// NewMessageStore creates a new MessageStore.
func NewMessageStore(db *DB) *MessageStore {
	return &MessageStore{db: db}
}

// SaveMessages inserts messages in one transaction, assigning IDs.
func (s *MessageStore) SaveMessages(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, user_id, entity_id, alert_id, severity, subject, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.Created.IsZero() {
			m.Created = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, m.ID, m.UserID, m.EntityID, m.AlertID,
			m.Severity, m.Subject, m.Body, toMillis(m.Created)); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListForUser returns a user's messages, newest first.
func (s *MessageStore) ListForUser(ctx context.Context, userID int64, unreadOnly bool, limit int) ([]Message, error) {
	query := `
		SELECT id, user_id, entity_id, alert_id, severity, subject, body, created_at, read_at
		FROM messages WHERE user_id = ?`
	if unreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += ` ORDER BY created_at DESC LIMIT ?`

	rows, err := s.db.conn.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var created int64
		var read sql.NullInt64
		if err := rows.Scan(&m.ID, &m.UserID, &m.EntityID, &m.AlertID, &m.Severity,
			&m.Subject, &m.Body, &created, &read); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Created = fromMillis(created)
		m.ReadAt = timePtr(read)
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkRead marks a message as read. It returns false if no unread message
// with that ID exists.
func (s *MessageStore) MarkRead(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := s.db.conn.ExecContext(ctx,
		`UPDATE messages SET read_at = ? WHERE id = ? AND read_at IS NULL`, toMillis(at), id)
	if err != nil {
		return false, fmt.Errorf("mark message read: %w", err)
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// PruneRead deletes up to limit read messages created before cutoff.
func (s *MessageStore) PruneRead(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	result, err := s.db.conn.ExecContext(ctx, `
		DELETE FROM messages WHERE rowid IN (
			SELECT rowid FROM messages WHERE read_at IS NOT NULL AND created_at < ? LIMIT ?
		)`, toMillis(cutoff), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to prune messages: %w", err)
	}
	return result.RowsAffected()
}
