package sync

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/beaconhq/beacon/internal/bus"
	"github.com/beaconhq/beacon/internal/conn"
	"go.uber.org/zap"
)

// TypingTracker holds the ephemeral set of users currently typing per chat.
// Nothing is persisted; the whole state is dropped when the channel goes down
// since stop events sent during the outage were lost.
type TypingTracker struct {
	bus    *bus.Bus
	logger *zap.Logger

	mu     sync.Mutex
	byChat map[string]map[string]struct{}

	cancel context.CancelFunc
}

// NewTypingTracker creates an empty tracker.
func NewTypingTracker(b *bus.Bus, logger *zap.Logger) *TypingTracker {
	return &TypingTracker{
		bus:    b,
		logger: logger,
		byChat: make(map[string]map[string]struct{}),
	}
}

// Start registers typing push handlers and clears state on disconnect.
func (t *TypingTracker) Start(ctx context.Context, manager *conn.Manager) {
	ctx, t.cancel = context.WithCancel(ctx)

	manager.On(conn.EmitTypingStart, func(raw json.RawMessage) {
		t.handle(raw, true)
	})
	manager.On(conn.EmitTypingStop, func(raw json.RawMessage) {
		t.handle(raw, false)
	})

	ch, unsub := t.bus.Subscribe("conn.disconnected", 16)
	go func() {
		defer unsub()
		for {
			select {
			case <-ch:
				t.Clear()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the disconnect watcher.
func (t *TypingTracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *TypingTracker) handle(raw json.RawMessage, start bool) {
	var p conn.TypingPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ChatID == "" || p.UserID == "" {
		t.logger.Warn("malformed typing push ignored", zap.Error(err))
		return
	}

	t.mu.Lock()
	if start {
		users, ok := t.byChat[p.ChatID]
		if !ok {
			users = make(map[string]struct{})
			t.byChat[p.ChatID] = users
		}
		users[p.UserID] = struct{}{}
	} else {
		if users, ok := t.byChat[p.ChatID]; ok {
			delete(users, p.UserID)
			if len(users) == 0 {
				delete(t.byChat, p.ChatID)
			}
		}
	}
	t.mu.Unlock()

	t.bus.Publish(bus.Event{
		Kind:      "typing.changed",
		Timestamp: time.Now(),
		Payload:   p,
	})
}

// Typing returns the sorted user ids currently typing in a chat.
func (t *TypingTracker) Typing(chatID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	users := t.byChat[chatID]
	if len(users) == 0 {
		return nil
	}
	ids := make([]string, 0, len(users))
	for id := range users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clear drops all typing state.
func (t *TypingTracker) Clear() {
	t.mu.Lock()
	t.byChat = make(map[string]map[string]struct{})
	t.mu.Unlock()
}
