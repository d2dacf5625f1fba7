package unread

import (
	"fmt"
	"time"

	"github.com/beaconhq/beacon/internal/bus"
	"github.com/beaconhq/beacon/internal/store"
)

// Tracker derives per-chat unread state. Nothing is stored beyond the read
// cursor: a chat is unread exactly when its latest message id differs from
// the id the cursor points at. A chat with messages but no cursor is unread.
type Tracker struct {
	db  *store.DB
	bus *bus.Bus
}

func NewTracker(db *store.DB, b *bus.Bus) *Tracker {
	return &Tracker{db: db, bus: b}
}

// IsUnread reports whether a chat has messages the local user has not read.
func (t *Tracker) IsUnread(chatID string) (bool, error) {
	latest, err := t.db.LatestMessageID(chatID)
	if err != nil {
		return false, fmt.Errorf("latest message: %w", err)
	}
	if latest == "" {
		// Empty chat, nothing to read.
		return false, nil
	}
	cursor, err := t.db.GetReadCursor(chatID)
	if err != nil {
		return false, fmt.Errorf("read cursor: %w", err)
	}
	if cursor == nil {
		return true, nil
	}
	return cursor.LastReadMessageID != latest, nil
}

// MarkRead moves the chat's cursor to its current latest message and reports
// the change. Marking an empty chat read is a no-op.
func (t *Tracker) MarkRead(chatID string) error {
	latest, err := t.db.LatestMessageID(chatID)
	if err != nil {
		return fmt.Errorf("latest message: %w", err)
	}
	if latest == "" {
		return nil
	}
	if err := t.db.MarkRead(chatID, latest); err != nil {
		return fmt.Errorf("store cursor: %w", err)
	}
	t.bus.Publish(bus.Event{
		Kind:      "chat.read",
		Timestamp: time.Now(),
		Payload:   map[string]string{"chat_id": chatID, "last_read_message_id": latest},
	})
	return nil
}
