package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ConversationLog is the append-only message log of one session.
// It borrows the store's handle; it owns no connection of its own.
type ConversationLog struct {
	store     *Store
	sessionID string
}

// NewConversationLog binds a log view to an existing session.
func NewConversationLog(store *Store, sessionID string) *ConversationLog {
	return &ConversationLog{store: store, sessionID: sessionID}
}

func (l *ConversationLog) SessionID() string {
	return l.sessionID
}

// Add appends one message. tokenCount may be 0 when unknown.
func (l *ConversationLog) Add(ctx context.Context, role, content string, tokenCount int, metadata map[string]interface{}) (*Message, error) {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	msg := &Message{
		SessionID:  l.sessionID,
		Role:       role,
		Content:    content,
		TokenCount: tokenCount,
		CreatedAt:  time.Now().UTC(),
		Metadata:   metadata,
	}

	l.store.Lock()
	defer l.store.Unlock()

	res, err := l.store.db.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, content, token_count, created_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.SessionID, msg.Role, msg.Content, msg.TokenCount, msg.CreatedAt, string(meta))
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}
	msg.ID, err = res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// GetAll returns the full log in chronological order.
func (l *ConversationLog) GetAll(ctx context.Context) ([]*Message, error) {
	return l.queryMessages(ctx,
		`SELECT id, session_id, role, content, token_count, created_at, metadata
		 FROM messages WHERE session_id = ? ORDER BY created_at ASC, id ASC`, l.sessionID)
}

// GetRecent returns the most recent N messages in chronological order.
func (l *ConversationLog) GetRecent(ctx context.Context, limit int) ([]*Message, error) {
	msgs, err := l.queryMessages(ctx,
		`SELECT id, session_id, role, content, token_count, created_at, metadata
		 FROM messages WHERE session_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		l.sessionID, limit)
	if err != nil {
		return nil, err
	}
	// Flip back to chronological.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// GetByTokenBudget walks newest to oldest, keeping messages until the
// cumulative stored token count would exceed maxTokens. System rows are
// always retained, even past the budget, in their original order.
func (l *ConversationLog) GetByTokenBudget(ctx context.Context, maxTokens int) ([]*Message, error) {
	all, err := l.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	kept := make(map[int64]bool, len(all))
	total := 0
	for i := len(all) - 1; i >= 0; i-- {
		msg := all[i]
		if msg.Role == "system" {
			kept[msg.ID] = true
			continue
		}
		if total+msg.TokenCount > maxTokens {
			continue
		}
		total += msg.TokenCount
		kept[msg.ID] = true
	}

	var out []*Message
	for _, msg := range all {
		if kept[msg.ID] {
			out = append(out, msg)
		}
	}
	return out, nil
}

// Count returns the number of messages in the log.
func (l *ConversationLog) Count(ctx context.Context) (int, error) {
	var count int
	err := l.store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, l.sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// Clear deletes the log; with keepSystem, system rows survive.
func (l *ConversationLog) Clear(ctx context.Context, keepSystem bool) error {
	l.store.Lock()
	defer l.store.Unlock()

	query := `DELETE FROM messages WHERE session_id = ?`
	if keepSystem {
		query += ` AND role != 'system'`
	}
	if _, err := l.store.db.ExecContext(ctx, query, l.sessionID); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	return nil
}

// GetTotalTokens sums the stored token counts of the log.
func (l *ConversationLog) GetTotalTokens(ctx context.Context) (int, error) {
	var total sql.NullInt64
	err := l.store.db.QueryRowContext(ctx,
		`SELECT SUM(token_count) FROM messages WHERE session_id = ?`, l.sessionID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum token counts: %w", err)
	}
	return int(total.Int64), nil
}

func (l *ConversationLog) queryMessages(ctx context.Context, query string, args ...interface{}) ([]*Message, error) {
	rows, err := l.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var msg Message
		var metaJSON string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content,
			&msg.TokenCount, &msg.CreatedAt, &metaJSON); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(metaJSON), &msg.Metadata); err != nil {
			msg.Metadata = map[string]interface{}{}
		}
		msgs = append(msgs, &msg)
	}
	return msgs, rows.Err()
}
