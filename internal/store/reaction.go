package store

import (
	"database/sql"
	"time"
)

// UpsertReaction replaces the current reaction for (message, direction). An
// empty emoji removes the row instead: clearing a reaction is modeled as
// deletion, not an empty value.
func (db *DB) UpsertReaction(accountID string, messageID int64, fromMe bool, emoji string) error {
	if emoji == "" {
		return db.DeleteReaction(accountID, messageID, fromMe)
	}
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO reactions (account_id, message_id, from_me, emoji, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(message_id, from_me) DO UPDATE SET
			emoji = excluded.emoji,
			updated_at = excluded.updated_at`,
		accountID, messageID, fromMe, emoji, now)
	return err
}

// DeleteReaction removes the reaction for (message, direction), if any.
func (db *DB) DeleteReaction(accountID string, messageID int64, fromMe bool) error {
	_, err := db.Exec(`
		DELETE FROM reactions WHERE account_id = ? AND message_id = ? AND from_me = ?`,
		accountID, messageID, fromMe)
	return err
}

// GetReaction returns the current reaction for (message, direction), or nil.
func (db *DB) GetReaction(accountID string, messageID int64, fromMe bool) (*Reaction, error) {
	var r Reaction
	err := db.QueryRow(`
		SELECT id, account_id, message_id, from_me, emoji, updated_at
		FROM reactions WHERE account_id = ? AND message_id = ? AND from_me = ?`,
		accountID, messageID, fromMe).
		Scan(&r.ID, &r.AccountID, &r.MessageID, &r.FromMe, &r.Emoji, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListReactions returns all reactions on a message.
func (db *DB) ListReactions(accountID string, messageID int64) ([]Reaction, error) {
	rows, err := db.Query(`
		SELECT id, account_id, message_id, from_me, emoji, updated_at
		FROM reactions WHERE account_id = ? AND message_id = ?`,
		accountID, messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var reactions []Reaction
	for rows.Next() {
		var r Reaction
		if err := rows.Scan(&r.ID, &r.AccountID, &r.MessageID, &r.FromMe, &r.Emoji, &r.UpdatedAt); err != nil {
			return nil, err
		}
		reactions = append(reactions, r)
	}
	return reactions, rows.Err()
}
