package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// InsertMessage writes a message row if its external id is new. Returns false
// when a row with the same (account, wa_msg_id) already exists: a duplicate
// delivery is a no-op, not an error.
func (db *DB) InsertMessage(m *Message) (bool, error) {
	now := time.Now().UnixMilli()
	mentions, err := json.Marshal(m.Mentions)
	if err != nil {
		return false, fmt.Errorf("encode mentions: %w", err)
	}

	var body any
	if m.Body != "" {
		body = m.Body
	}

	res, err := db.Exec(`
		INSERT INTO messages (account_id, contact_id, wa_msg_id, from_me, body, msg_type,
			timestamp, has_media, quoted_msg_id, quoted_body, group_sender_jid, mentions, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, wa_msg_id) DO NOTHING`,
		m.AccountID, m.ContactID, m.WAID, m.FromMe, body, string(m.Type),
		m.Timestamp, m.HasMedia, nullable(m.QuotedWAID), nullable(m.QuotedBody),
		m.GroupSenderJID, string(mentions), now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetMessageByWAID looks a message up by its external id. The weak quoted
// reference is resolved through this; absence is not an error.
func (db *DB) GetMessageByWAID(accountID, waID string) (*Message, error) {
	return db.scanMessage(db.QueryRow(messageSelect+` WHERE account_id = ? AND wa_msg_id = ?`, accountID, waID))
}

// ListMessages returns a contact's messages newest first.
func (db *DB) ListMessages(accountID, contactID string, limit, offset int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(messageSelect+`
		WHERE account_id = ? AND contact_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?`, accountID, contactID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessageRow(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// MarkRead flags every inbound message of a contact as read. Idempotent:
// repeated calls leave the same unread count of zero.
func (db *DB) MarkRead(accountID, contactID string) error {
	_, err := db.Exec(`
		UPDATE messages SET read = 1
		WHERE account_id = ? AND contact_id = ? AND from_me = 0 AND read = 0`,
		accountID, contactID)
	return err
}

// AttachMedia patches a committed message with the offloaded media reference.
// This is the only content mutation a message row ever receives.
func (db *DB) AttachMedia(accountID, waID, url, mime string, size int64) error {
	_, err := db.Exec(`
		UPDATE messages SET media_url = ?, media_mime = ?, media_size = ?
		WHERE account_id = ? AND wa_msg_id = ?`,
		url, mime, size, accountID, waID)
	return err
}

// CountMessagesSince counts a contact's messages with timestamp >= since.
func (db *DB) CountMessagesSince(accountID, contactID string, since int64) (int, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE account_id = ? AND contact_id = ? AND timestamp >= ?`,
		accountID, contactID, since).Scan(&n)
	return n, err
}

// MessageTotals returns total, sent and received counts for a contact.
func (db *DB) MessageTotals(accountID, contactID string) (total, sent, received int, err error) {
	err = db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(from_me), 0),
		       COALESCE(SUM(1 - from_me), 0)
		FROM messages WHERE account_id = ? AND contact_id = ?`,
		accountID, contactID).Scan(&total, &sent, &received)
	return total, sent, received, err
}

const messageSelect = `
	SELECT id, account_id, contact_id, wa_msg_id, from_me, COALESCE(body, ''), msg_type,
	       timestamp, has_media, COALESCE(media_url, ''), COALESCE(media_mime, ''),
	       COALESCE(media_size, 0), COALESCE(quoted_msg_id, ''), COALESCE(quoted_body, ''),
	       group_sender_jid, mentions, read, created_at
	FROM messages`

type rowScanner interface {
	Scan(dest ...any) error
}

func (db *DB) scanMessage(row *sql.Row) (*Message, error) {
	m, err := scanMessageRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

func scanMessageRow(row rowScanner) (*Message, error) {
	var m Message
	var msgType, mentions string
	err := row.Scan(
		&m.ID, &m.AccountID, &m.ContactID, &m.WAID, &m.FromMe, &m.Body, &msgType,
		&m.Timestamp, &m.HasMedia, &m.MediaURL, &m.MediaMime,
		&m.MediaSize, &m.QuotedWAID, &m.QuotedBody,
		&m.GroupSenderJID, &mentions, &m.Read, &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Type = MessageType(msgType)
	if err := json.Unmarshal([]byte(mentions), &m.Mentions); err != nil {
		m.Mentions = nil
	}
	return &m, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
