package store

import (
	"database/sql"
	"time"
)

// MarkRead records the last message id the local user acknowledged for a chat.
// This is the only mutation path for read cursors; the sync engine never
// touches them.
func (db *DB) MarkRead(chatID, lastReadMessageID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO read_cursors (chat_id, last_read_message_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			last_read_message_id = excluded.last_read_message_id,
			updated_at = excluded.updated_at`,
		chatID, lastReadMessageID, now)
	return err
}

// GetReadCursor returns the read cursor for a chat, or nil if none exists.
func (db *DB) GetReadCursor(chatID string) (*ReadCursor, error) {
	var c ReadCursor
	err := db.QueryRow(`
		SELECT chat_id, last_read_message_id FROM read_cursors WHERE chat_id = ?`, chatID).
		Scan(&c.ChatID, &c.LastReadMessageID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
