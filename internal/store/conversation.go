package store

import "encoding/json"

// ListConversations serves the conversations projection as a derived query:
// contacts with their latest message and unread count, newest conversation
// first. Contacts without any message are excluded. A lookahead row beyond
// limit determines hasMore; the extra row is trimmed from the result.
func (db *DB) ListConversations(accountID string, limit, offset int, search string) ([]Conversation, bool, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT c.id, c.jid, c.name, c.push_name, c.is_group,
		       (SELECT COUNT(*) FROM messages u
		        WHERE u.contact_id = c.id AND u.from_me = 0 AND u.read = 0) AS unread,
		       m.id, m.wa_msg_id, m.from_me, COALESCE(m.body, ''), m.msg_type, m.timestamp,
		       m.has_media, COALESCE(m.media_url, ''), COALESCE(m.media_mime, ''),
		       COALESCE(m.media_size, 0), m.mentions
		FROM contacts c
		JOIN messages m ON m.id = (
			SELECT id FROM messages
			WHERE account_id = c.account_id AND contact_id = c.id
			ORDER BY timestamp DESC, id DESC LIMIT 1
		)
		WHERE c.account_id = ?`
	args := []any{accountID}

	if search != "" {
		query += ` AND (c.name LIKE ? OR c.push_name LIKE ? OR c.jid LIKE ?)`
		like := "%" + search + "%"
		args = append(args, like, like, like)
	}

	query += ` ORDER BY m.timestamp DESC, m.id DESC LIMIT ? OFFSET ?`
	args = append(args, limit+1, offset)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var cv Conversation
		var msgType, mentions string
		if err := rows.Scan(
			&cv.ContactID, &cv.JID, &cv.Name, &cv.PushName, &cv.IsGroup, &cv.UnreadCount,
			&cv.LastMessage.ID, &cv.LastMessage.WAID, &cv.LastMessage.FromMe,
			&cv.LastMessage.Body, &msgType, &cv.LastMessage.Timestamp,
			&cv.LastMessage.HasMedia, &cv.LastMessage.MediaURL, &cv.LastMessage.MediaMime,
			&cv.LastMessage.MediaSize, &mentions,
		); err != nil {
			return nil, false, err
		}
		cv.LastMessage.AccountID = accountID
		cv.LastMessage.ContactID = cv.ContactID
		cv.LastMessage.Type = MessageType(msgType)
		if err := json.Unmarshal([]byte(mentions), &cv.LastMessage.Mentions); err != nil {
			cv.LastMessage.Mentions = nil
		}
		convs = append(convs, cv)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	hasMore := len(convs) > limit
	if hasMore {
		convs = convs[:limit]
	}
	return convs, hasMore, nil
}
