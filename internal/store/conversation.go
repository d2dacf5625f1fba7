package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// ReplaceConversations swaps the authoritative conversation list wholesale.
// The server list is the source of truth for membership and metadata; message
// bodies and read cursors live in separate tables and are untouched.
func (db *DB) ReplaceConversations(convs []Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM conversations`); err != nil {
		return fmt.Errorf("clear conversations: %w", err)
	}

	for _, c := range convs {
		members, err := json.Marshal(c.Members)
		if err != nil {
			return fmt.Errorf("marshal members: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO conversations (id, is_group, title, members, latitude, longitude, radius_km, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.IsGroup, c.Title, string(members), c.Latitude, c.Longitude, c.RadiusKm, c.UpdatedAt); err != nil {
			return fmt.Errorf("insert conversation %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListConversations returns all conversations sorted by updated_at descending.
func (db *DB) ListConversations() ([]Conversation, error) {
	rows, err := db.Query(`
		SELECT id, is_group, title, members, latitude, longitude, radius_km, updated_at
		FROM conversations
		ORDER BY updated_at DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single conversation by id, or nil if absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	row := db.QueryRow(`
		SELECT id, is_group, title, members, latitude, longitude, radius_km, updated_at
		FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(r rowScanner) (*Conversation, error) {
	var c Conversation
	var members string
	if err := r.Scan(&c.ID, &c.IsGroup, &c.Title, &members, &c.Latitude, &c.Longitude, &c.RadiusKm, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(members), &c.Members); err != nil {
		return nil, fmt.Errorf("unmarshal members for %s: %w", c.ID, err)
	}
	return &c, nil
}
