package store

import (
	"database/sql"
	"time"
)

// GetSession returns the session row for an account, or nil when the account
// was never initialized.
func (db *DB) GetSession(accountID string) (*Session, error) {
	var s Session
	var lastConnected sql.NullInt64
	err := db.QueryRow(`
		SELECT account_id, status, phone_number, last_error_code, last_error, last_connected_at, updated_at
		FROM sessions WHERE account_id = ?`, accountID).
		Scan(&s.AccountID, &s.Status, &s.PhoneNumber, &s.LastErrorCode, &s.LastError, &lastConnected, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.LastConnectedAt = lastConnected.Int64
	return &s, nil
}

// UpsertSessionStatus records a status change, preserving the phone identity
// and last-connected timestamp.
func (db *DB) UpsertSessionStatus(accountID, status string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sessions (account_id, status, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at`,
		accountID, status, now)
	return err
}

// MarkSessionConnected records a successful connection along with the phone
// identity, and clears the stored error.
func (db *DB) MarkSessionConnected(accountID, phoneNumber string, at time.Time) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sessions (account_id, status, phone_number, last_connected_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			status = excluded.status,
			phone_number = excluded.phone_number,
			last_connected_at = excluded.last_connected_at,
			last_error_code = 0,
			last_error = '',
			updated_at = excluded.updated_at`,
		accountID, SessionConnected, phoneNumber, at.UnixMilli(), now)
	return err
}

// MarkSessionDisconnected records a disconnect and the cause, if any.
func (db *DB) MarkSessionDisconnected(accountID string, errCode int, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sessions (account_id, status, last_error_code, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			status = excluded.status,
			last_error_code = excluded.last_error_code,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		accountID, SessionDisconnected, errCode, errMsg, now)
	return err
}

// DeleteSession removes the session row entirely. Used when the account is
// explicitly unlinked and must re-link from scratch.
func (db *DB) DeleteSession(accountID string) error {
	_, err := db.Exec(`DELETE FROM sessions WHERE account_id = ?`, accountID)
	return err
}

// ConnectedSessions returns the account ids whose session row was connected,
// used to restore sessions at daemon boot.
func (db *DB) ConnectedSessions() ([]string, error) {
	rows, err := db.Query(`SELECT account_id FROM sessions WHERE status = ?`, SessionConnected)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
