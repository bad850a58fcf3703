package store

import "time"

// PendingReply is a direct conversation whose latest message came from the
// other side, meaning the account owner has not answered yet.
type PendingReply struct {
	ContactID   string
	JID         string
	Name        string
	PushName    string
	LastMessage Message
}

// PendingReplies lists direct (non-group) conversations waiting on a reply,
// oldest pending first so the longest-waiting contact surfaces on top.
func (db *DB) PendingReplies(accountID string, limit int) ([]PendingReply, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.Query(`
		SELECT c.id, c.jid, c.name, c.push_name,
		       m.id, m.wa_msg_id, COALESCE(m.body, ''), m.msg_type, m.timestamp
		FROM contacts c
		JOIN messages m ON m.id = (
			SELECT id FROM messages
			WHERE account_id = c.account_id AND contact_id = c.id
			ORDER BY timestamp DESC, id DESC LIMIT 1
		)
		WHERE c.account_id = ? AND c.is_group = 0 AND m.from_me = 0
		ORDER BY m.timestamp ASC
		LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var pending []PendingReply
	for rows.Next() {
		var p PendingReply
		var msgType string
		if err := rows.Scan(&p.ContactID, &p.JID, &p.Name, &p.PushName,
			&p.LastMessage.ID, &p.LastMessage.WAID, &p.LastMessage.Body,
			&msgType, &p.LastMessage.Timestamp); err != nil {
			return nil, err
		}
		p.LastMessage.AccountID = accountID
		p.LastMessage.ContactID = p.ContactID
		p.LastMessage.Type = MessageType(msgType)
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// NeedsAttention lists direct contacts with no interaction inside the cutoff
// window, longest-silent first. Contacts never interacted with are included
// and sort before everyone else.
func (db *DB) NeedsAttention(accountID string, cutoff int64, limit int) ([]Contact, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.Query(contactSelect+`
		WHERE account_id = ? AND is_group = 0
		  AND (last_interaction_at IS NULL OR last_interaction_at < ?)
		ORDER BY COALESCE(last_interaction_at, 0) ASC
		LIMIT ?`, accountID, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var contacts []Contact
	for rows.Next() {
		c, err := scanContactRow(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, *c)
	}
	return contacts, rows.Err()
}

// RecomputeCounters rebuilds a contact's sliding interaction counters from
// the message table and stamps the recompute time. The counts derive from
// message timestamps, so a full rebuild and incremental bumps agree.
func (db *DB) RecomputeCounters(accountID, contactID string, now time.Time) error {
	ms := now.UnixMilli()
	_, err := db.Exec(`
		UPDATE contacts SET
			count_7d = (SELECT COUNT(*) FROM messages
				WHERE account_id = ? AND contact_id = ? AND timestamp >= ?),
			count_30d = (SELECT COUNT(*) FROM messages
				WHERE account_id = ? AND contact_id = ? AND timestamp >= ?),
			count_90d = (SELECT COUNT(*) FROM messages
				WHERE account_id = ? AND contact_id = ? AND timestamp >= ?),
			stats_updated_at = ?,
			updated_at = ?
		WHERE account_id = ? AND id = ?`,
		accountID, contactID, ms-7*dayMillis,
		accountID, contactID, ms-30*dayMillis,
		accountID, contactID, ms-90*dayMillis,
		ms, ms, accountID, contactID)
	return err
}

// BumpCounters increments the sliding counters the committed message's
// timestamp falls inside. Backfilled messages older than a window leave that
// counter untouched, so incremental maintenance agrees with a full rebuild.
func (db *DB) BumpCounters(accountID, contactID string, ts int64, now time.Time) error {
	ms := now.UnixMilli()
	if ts < ms-90*dayMillis {
		return nil
	}
	var in7, in30 int
	if ts >= ms-7*dayMillis {
		in7 = 1
	}
	if ts >= ms-30*dayMillis {
		in30 = 1
	}
	_, err := db.Exec(`
		UPDATE contacts SET
			count_7d = count_7d + ?,
			count_30d = count_30d + ?,
			count_90d = count_90d + 1
		WHERE account_id = ? AND id = ?`,
		in7, in30, accountID, contactID)
	return err
}

const dayMillis = int64(24 * time.Hour / time.Millisecond)
