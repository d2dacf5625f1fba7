package store

import "time"

// QueueOutbox appends a message to the tail of a chat's offline queue.
func (db *DB) QueueOutbox(e *OutboxEntry) error {
	now := time.Now().UnixMilli()
	enqueuedAt := e.EnqueuedAt
	if enqueuedAt == 0 {
		enqueuedAt = now
	}
	_, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, chat_id, sender_id, body, message_type, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'queued', ?, ?)`,
		e.ClientMsgID, e.ChatID, e.SenderID, e.Body, e.MessageType, enqueuedAt, now)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE client_msg_id = ?`, now, clientMsgID)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent' with the server message ID,
// removing it from the pending queue.
func (db *DB) MarkOutboxSent(clientMsgID, serverMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', server_msg_id = ?, updated_at = ? WHERE client_msg_id = ?`, serverMsgID, now, clientMsgID)
	return err
}

// RequeueOutbox returns a 'sending' entry to 'queued' after a failed send,
// recording the error. The entry keeps its place in FIFO order.
func (db *DB) RequeueOutbox(clientMsgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'queued', error_message = ?, updated_at = ? WHERE client_msg_id = ?`, errMsg, now, clientMsgID)
	return err
}

// PendingOutbox returns a chat's queued entries in FIFO order.
func (db *DB) PendingOutbox(chatID string) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_msg_id, chat_id, sender_id, body, message_type, status, error_message, server_msg_id, created_at
		FROM outbox WHERE chat_id = ? AND status = 'queued' ORDER BY id ASC`, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.ChatID, &e.SenderID, &e.Body, &e.MessageType, &e.Status, &e.ErrorMessage, &e.ServerMsgID, &e.EnqueuedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PendingChats returns the distinct chat ids that still have queued entries.
func (db *DB) PendingChats() ([]string, error) {
	rows, err := db.Query(`SELECT DISTINCT chat_id FROM outbox WHERE status = 'queued' ORDER BY chat_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		chats = append(chats, id)
	}
	return chats, rows.Err()
}
