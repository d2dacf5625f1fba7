package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/beaconhq/beacon/internal/bus"
	"github.com/beaconhq/beacon/internal/rest"
	"github.com/beaconhq/beacon/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrFlushInFlight is returned when a flush is requested for a chat whose
// previous flush has not finished yet.
var ErrFlushInFlight = errors.New("outbox: flush already in flight for chat")

// MessageSender is the interface for delivering a composed message to the
// server. The returned id is the server-assigned message id.
type MessageSender interface {
	SendMessage(ctx context.Context, chatID string, req rest.SendMessageRequest) (string, error)
}

// Flusher drains per-chat offline queues. Each chat's queue is flushed
// strictly sequentially, one entry at a time, and a failed send stops the
// flush for that chat with the failed entry back at the head of the queue.
type Flusher struct {
	db     *store.DB
	sender MessageSender
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewFlusher creates a flusher over the given queue storage and sender.
func NewFlusher(db *store.DB, sender MessageSender, b *bus.Bus, logger *zap.Logger) *Flusher {
	return &Flusher{
		db:       db,
		sender:   sender,
		bus:      b,
		logger:   logger,
		inFlight: make(map[string]struct{}),
	}
}

// Start flushes all pending queues whenever the push channel comes up.
func (f *Flusher) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)

	ch, unsub := f.bus.Subscribe("conn.", 16)
	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if evt.Kind != "conn.connected" && evt.Kind != "conn.reconnected" {
					continue
				}
				f.FlushAll(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the connectivity watcher.
func (f *Flusher) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
}

// Enqueue appends a message to the tail of a chat's queue and returns the
// generated client message id. The entry survives restarts; it leaves the
// queue only after the server acknowledges it with a real id.
func (f *Flusher) Enqueue(chatID, senderID, body, messageType string) (string, error) {
	if messageType == "" {
		messageType = "text"
	}
	clientMsgID := uuid.NewString()
	err := f.db.QueueOutbox(&store.OutboxEntry{
		ClientMsgID: clientMsgID,
		ChatID:      chatID,
		SenderID:    senderID,
		Body:        body,
		MessageType: messageType,
	})
	if err != nil {
		return "", fmt.Errorf("queue message: %w", err)
	}

	f.logger.Info("message queued",
		zap.String("chat_id", chatID),
		zap.String("client_msg_id", clientMsgID))
	f.bus.Publish(bus.Event{
		Kind:      "message.queued",
		Timestamp: time.Now(),
		Payload:   map[string]string{"chat_id": chatID, "client_msg_id": clientMsgID},
	})
	return clientMsgID, nil
}

// Flush drains one chat's queue in FIFO order. Entries are sent one at a
// time; the first failure requeues the entry in place and aborts, so nothing
// behind it can overtake. Concurrent flushes of the same chat are rejected
// with ErrFlushInFlight.
func (f *Flusher) Flush(ctx context.Context, chatID string) error {
	f.mu.Lock()
	if _, busy := f.inFlight[chatID]; busy {
		f.mu.Unlock()
		return ErrFlushInFlight
	}
	f.inFlight[chatID] = struct{}{}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.inFlight, chatID)
		f.mu.Unlock()
	}()

	pending, err := f.db.PendingOutbox(chatID)
	if err != nil {
		return fmt.Errorf("read queue: %w", err)
	}

	for _, entry := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f.sendOne(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

// FlushAll flushes every chat that has queued entries. A failure in one chat
// does not block the others.
func (f *Flusher) FlushAll(ctx context.Context) {
	chats, err := f.db.PendingChats()
	if err != nil {
		f.logger.Error("failed to list pending chats", zap.Error(err))
		return
	}
	for _, chatID := range chats {
		if err := f.Flush(ctx, chatID); err != nil && !errors.Is(err, ErrFlushInFlight) {
			f.logger.Warn("flush stopped",
				zap.String("chat_id", chatID),
				zap.Error(err))
		}
	}
}

func (f *Flusher) sendOne(ctx context.Context, entry store.OutboxEntry) error {
	if err := f.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
		return fmt.Errorf("mark sending: %w", err)
	}

	serverMsgID, err := f.sender.SendMessage(ctx, entry.ChatID, rest.SendMessageRequest{
		SenderID:    entry.SenderID,
		Message:     entry.Body,
		MessageType: entry.MessageType,
	})
	if err != nil {
		f.logger.Error("failed to send queued message",
			zap.String("chat_id", entry.ChatID),
			zap.String("client_msg_id", entry.ClientMsgID),
			zap.Error(err))
		if reqErr := f.db.RequeueOutbox(entry.ClientMsgID, err.Error()); reqErr != nil {
			f.logger.Error("failed to requeue entry", zap.Error(reqErr))
		}
		f.bus.Publish(bus.Event{
			Kind:      "message.send_failed",
			Timestamp: time.Now(),
			Payload: map[string]string{
				"chat_id":       entry.ChatID,
				"client_msg_id": entry.ClientMsgID,
				"error":         err.Error(),
			},
		})
		return fmt.Errorf("send %s: %w", entry.ClientMsgID, err)
	}

	if err := f.db.MarkOutboxSent(entry.ClientMsgID, serverMsgID); err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if err := f.db.UpsertMessage(&store.Message{
		ChatID:      entry.ChatID,
		MsgID:       serverMsgID,
		SenderID:    entry.SenderID,
		Body:        entry.Body,
		MessageType: entry.MessageType,
		FromMe:      true,
		Status:      "sent",
		Timestamp:   time.Now().UnixMilli(),
	}); err != nil {
		f.logger.Error("failed to store sent message", zap.Error(err))
	}

	f.logger.Info("queued message delivered",
		zap.String("chat_id", entry.ChatID),
		zap.String("client_msg_id", entry.ClientMsgID),
		zap.String("server_msg_id", serverMsgID))
	f.bus.Publish(bus.Event{
		Kind:      "message.send_ack",
		Timestamp: time.Now(),
		Payload: map[string]string{
			"chat_id":       entry.ChatID,
			"client_msg_id": entry.ClientMsgID,
			"server_msg_id": serverMsgID,
		},
	})
	return nil
}
