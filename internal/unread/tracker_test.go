package unread

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/beaconhq/beacon/internal/bus"
	"github.com/beaconhq/beacon/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func addMessage(t *testing.T, db *store.DB, chatID, msgID string, ts int64) {
	t.Helper()
	err := db.UpsertMessage(&store.Message{
		ChatID:      chatID,
		MsgID:       msgID,
		SenderID:    "u2",
		Body:        "body of " + msgID,
		MessageType: "text",
		Status:      "delivered",
		Timestamp:   ts,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestEmptyChatIsRead(t *testing.T) {
	db := testDB(t)
	tr := NewTracker(db, bus.New())

	unread, err := tr.IsUnread("77")
	if err != nil {
		t.Fatal(err)
	}
	if unread {
		t.Error("empty chat reported unread")
	}
}

func TestChatWithoutCursorIsUnread(t *testing.T) {
	db := testDB(t)
	tr := NewTracker(db, bus.New())

	addMessage(t, db, "77", "m1", 100)

	unread, err := tr.IsUnread("77")
	if err != nil {
		t.Fatal(err)
	}
	if !unread {
		t.Error("chat with messages and no cursor reported read")
	}
}

func TestMarkReadThenNewMessage(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	tr := NewTracker(db, b)

	readEvents, unsub := b.Subscribe("chat.read", 10)
	defer unsub()

	addMessage(t, db, "77", "m1", 100)
	addMessage(t, db, "77", "m2", 200)

	if err := tr.MarkRead("77"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-readEvents:
	case <-time.After(time.Second):
		t.Fatal("no chat.read event")
	}

	unread, err := tr.IsUnread("77")
	if err != nil {
		t.Fatal(err)
	}
	if unread {
		t.Error("chat reported unread right after marking read")
	}

	// A newer message flips it back.
	addMessage(t, db, "77", "m3", 300)
	unread, err = tr.IsUnread("77")
	if err != nil {
		t.Fatal(err)
	}
	if !unread {
		t.Error("chat reported read after a new message arrived")
	}
}

func TestMarkReadEmptyChatIsNoop(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	tr := NewTracker(db, b)

	readEvents, unsub := b.Subscribe("chat.read", 10)
	defer unsub()

	if err := tr.MarkRead("77"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-readEvents:
		t.Error("chat.read published for empty chat")
	case <-time.After(100 * time.Millisecond):
	}

	cursor, err := db.GetReadCursor("77")
	if err != nil {
		t.Fatal(err)
	}
	if cursor != nil {
		t.Errorf("cursor created for empty chat: %+v", cursor)
	}
}

func TestUnreadIsPerChat(t *testing.T) {
	db := testDB(t)
	tr := NewTracker(db, bus.New())

	addMessage(t, db, "77", "m1", 100)
	addMessage(t, db, "88", "m2", 100)

	if err := tr.MarkRead("77"); err != nil {
		t.Fatal(err)
	}

	if unread, _ := tr.IsUnread("77"); unread {
		t.Error("chat 77 should be read")
	}
	if unread, _ := tr.IsUnread("88"); !unread {
		t.Error("chat 88 should be unread")
	}
}
