// Package conn owns the lifecycle of the per-user push channel. It joins the
// user's private room on every (re)connection and signals collaborators over
// the bus; events missed during an outage are never replayed individually, so
// those signals are what makes the protocol self-healing.
package conn

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/beaconhq/beacon/internal/bus"
	"github.com/beaconhq/beacon/internal/status"
	"github.com/beaconhq/beacon/internal/transport"
	"go.uber.org/zap"
)

// Channel events emitted to the server.
const (
	EmitJoinUserRoom = "join_user_room"
	EmitJoinChat     = "join_chat"
	EmitLeaveChat    = "leave_chat"
	EmitTypingStart  = "chat:typing_start"
	EmitTypingStop   = "chat:typing_stop"
)

// ListUpdateEvent returns the per-user event name carrying full conversation
// list snapshots.
func ListUpdateEvent(userID string) string {
	return "chat_list_update:" + userID
}

// TypingPayload is the body of typing start/stop events, both directions.
type TypingPayload struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

// Manager maintains exactly one channel per authenticated user. Calling
// Connect again tears down and replaces any existing channel.
type Manager struct {
	serverURL string
	bus       *bus.Bus
	machine   *status.Machine
	logger    *zap.Logger

	mu       sync.Mutex
	channel  *transport.Channel
	userID   string
	handlers map[string]transport.Handler
}

// NewManager creates a manager dialing serverURL.
func NewManager(serverURL string, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *Manager {
	return &Manager{
		serverURL: serverURL,
		bus:       b,
		machine:   machine,
		logger:    logger,
		handlers:  make(map[string]transport.Handler),
	}
}

// On registers a handler for a server-pushed event. Registration survives
// Connect calls: handlers are re-applied to every replacement channel.
func (m *Manager) On(event string, h transport.Handler) {
	m.mu.Lock()
	m.handlers[event] = h
	ch := m.channel
	m.mu.Unlock()
	if ch != nil {
		ch.On(event, h)
	}
}

// Off removes a handler.
func (m *Manager) Off(event string) {
	m.mu.Lock()
	delete(m.handlers, event)
	ch := m.channel
	m.mu.Unlock()
	if ch != nil {
		ch.Off(event)
	}
}

// Connect establishes the push channel for userID. Idempotent: an existing
// channel (same user or not) is closed first.
func (m *Manager) Connect(ctx context.Context, userID, token string) error {
	m.mu.Lock()
	old := m.channel
	m.channel = nil
	m.mu.Unlock()
	if old != nil {
		old.Close()
	}

	if err := m.machine.Transition(status.Connecting); err != nil {
		m.logger.Warn("state transition rejected", zap.Error(err))
	}

	ch, err := transport.NewChannel(m.serverURL, transport.Auth{UserID: userID, Token: token}, m.logger)
	if err != nil {
		return err
	}

	ch.On(transport.EventConnect, func(json.RawMessage) {
		m.onUp(ch, userID, "conn.connected")
	})
	ch.On(transport.EventReconnect, func(json.RawMessage) {
		m.onUp(ch, userID, "conn.reconnected")
	})
	ch.On(transport.EventDisconnect, func(json.RawMessage) {
		m.logger.Warn("push channel lost", zap.String("user_id", userID))
		if err := m.machine.Transition(status.Reconnecting); err != nil {
			m.logger.Warn("state transition rejected", zap.Error(err))
		}
		m.bus.Publish(bus.Event{Kind: "conn.disconnected", Timestamp: time.Now(), Payload: userID})
	})

	m.mu.Lock()
	m.channel = ch
	m.userID = userID
	for event, h := range m.handlers {
		ch.On(event, h)
	}
	m.mu.Unlock()

	ch.Open(ctx)
	return nil
}

// onUp runs on every successful (re)connection: rejoin the private room and
// tell collaborators to re-fetch full state.
func (m *Manager) onUp(ch *transport.Channel, userID, kind string) {
	m.logger.Info("push channel up", zap.String("user_id", userID), zap.String("kind", kind))
	if err := ch.Emit(EmitJoinUserRoom, userID); err != nil {
		m.logger.Warn("join_user_room failed", zap.Error(err))
	}
	if err := m.machine.Transition(status.Live); err != nil {
		m.logger.Warn("state transition rejected", zap.Error(err))
	}
	m.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: userID})
}

// UserID returns the currently connected user, or empty string.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// JoinChat subscribes the channel to a conversation's room.
func (m *Manager) JoinChat(chatID string) error {
	return m.emit(EmitJoinChat, chatID)
}

// LeaveChat unsubscribes from a conversation's room.
func (m *Manager) LeaveChat(chatID string) error {
	return m.emit(EmitLeaveChat, chatID)
}

// TypingStart announces the local user typing in a chat.
func (m *Manager) TypingStart(chatID string) error {
	return m.emit(EmitTypingStart, TypingPayload{ChatID: chatID, UserID: m.UserID()})
}

// TypingStop retracts a typing announcement.
func (m *Manager) TypingStop(chatID string) error {
	return m.emit(EmitTypingStop, TypingPayload{ChatID: chatID, UserID: m.UserID()})
}

func (m *Manager) emit(event string, payload any) error {
	m.mu.Lock()
	ch := m.channel
	m.mu.Unlock()
	if ch == nil {
		return transport.ErrNotConnected
	}
	return ch.Emit(event, payload)
}

// Close tears down the channel (logout, user switch). Errors are swallowed;
// teardown must not throw to the caller.
func (m *Manager) Close() {
	m.mu.Lock()
	ch := m.channel
	m.channel = nil
	m.userID = ""
	m.mu.Unlock()
	if ch != nil {
		ch.Close()
	}
	if m.machine.Current() != status.Stopped {
		if err := m.machine.Transition(status.Stopped); err != nil {
			m.logger.Warn("state transition rejected", zap.Error(err))
		}
	}
}
