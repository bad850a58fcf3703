package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GetOrCreateContact returns the contact for (account, jid), creating it on
// first sight. The group flag is derived from the address shape by the caller.
func (db *DB) GetOrCreateContact(accountID, jid string, isGroup bool) (*Contact, error) {
	c, err := db.GetContactByJID(accountID, jid)
	if err != nil {
		return nil, err
	}
	if c != nil {
		return c, nil
	}

	now := time.Now().UnixMilli()
	id := uuid.New().String()
	_, err = db.Exec(`
		INSERT INTO contacts (id, account_id, jid, is_group, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, jid) DO NOTHING`,
		id, accountID, jid, isGroup, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert contact: %w", err)
	}
	// Re-read: a concurrent insert may have won the conflict.
	return db.GetContactByJID(accountID, jid)
}

// UpsertContactMeta records network-observed names for a contact, never
// clobbering an existing non-empty name with an empty one.
func (db *DB) UpsertContactMeta(accountID, jid, name, pushName string, isGroup bool) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO contacts (id, account_id, jid, name, push_name, is_group, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, jid) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE contacts.name END,
			push_name = CASE WHEN excluded.push_name != '' THEN excluded.push_name ELSE contacts.push_name END,
			updated_at = excluded.updated_at`,
		uuid.New().String(), accountID, jid, name, pushName, isGroup, now, now)
	return err
}

// BulkUpsertContacts applies a contact backfill batch in a single transaction.
func (db *DB) BulkUpsertContacts(accountID string, contacts []ContactUpsert) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, c := range contacts {
		if _, err := tx.Exec(`
			INSERT INTO contacts (id, account_id, jid, name, push_name, is_group, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(account_id, jid) DO UPDATE SET
				name = CASE WHEN excluded.name != '' THEN excluded.name ELSE contacts.name END,
				push_name = CASE WHEN excluded.push_name != '' THEN excluded.push_name ELSE contacts.push_name END,
				updated_at = excluded.updated_at`,
			uuid.New().String(), accountID, c.JID, c.Name, c.PushName, c.IsGroup, now, now); err != nil {
			return fmt.Errorf("upsert contact %q: %w", c.JID, err)
		}
	}
	return tx.Commit()
}

// SaveAlias persists an observed permanent/temporary address pairing so
// future alias-only references resolve to the canonical contact.
func (db *DB) SaveAlias(accountID, jid, alias string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE contacts SET alias_jid = ?, updated_at = ?
		WHERE account_id = ? AND jid = ?`,
		alias, now, accountID, jid)
	return err
}

// CanonicalForAlias resolves an alias address to the canonical contact jid.
// Implements identity.AliasLookup.
func (db *DB) CanonicalForAlias(accountID, alias string) (string, bool, error) {
	var jid string
	err := db.QueryRow(`
		SELECT jid FROM contacts WHERE account_id = ? AND alias_jid = ?`,
		accountID, alias).Scan(&jid)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return jid, true, nil
}

// GetContact returns a contact by its id.
func (db *DB) GetContact(accountID, contactID string) (*Contact, error) {
	return db.scanContact(db.QueryRow(contactSelect+` WHERE account_id = ? AND id = ?`, accountID, contactID))
}

// GetContactByJID returns a contact by canonical address.
func (db *DB) GetContactByJID(accountID, jid string) (*Contact, error) {
	return db.scanContact(db.QueryRow(contactSelect+` WHERE account_id = ? AND jid = ?`, accountID, jid))
}

const contactSelect = `
	SELECT id, account_id, jid, COALESCE(alias_jid, ''), name, push_name, is_group,
	       notes, tags, COALESCE(birthday, 0), company, job_title, location,
	       relationship_type, contact_frequency, importance, custom_fields,
	       COALESCE(last_interaction_at, 0), count_7d, count_30d, count_90d,
	       COALESCE(stats_updated_at, 0), created_at, updated_at
	FROM contacts`

func (db *DB) scanContact(row *sql.Row) (*Contact, error) {
	c, err := scanContactRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func scanContactRow(row rowScanner) (*Contact, error) {
	var c Contact
	var tags string
	err := row.Scan(
		&c.ID, &c.AccountID, &c.JID, &c.AliasJID, &c.Name, &c.PushName, &c.IsGroup,
		&c.Notes, &tags, &c.Birthday, &c.Company, &c.JobTitle, &c.Location,
		&c.RelationshipType, &c.ContactFrequency, &c.Importance, &c.CustomFields,
		&c.LastInteractionAt, &c.Count7d, &c.Count30d, &c.Count90d,
		&c.StatsUpdatedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &c.Tags); err != nil {
		c.Tags = nil
	}
	return &c, nil
}

// TouchLastInteraction moves a contact's last-interaction timestamp forward.
// Backfilled history never moves it backwards.
func (db *DB) TouchLastInteraction(accountID, contactID string, ts int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE contacts
		SET last_interaction_at = MAX(COALESCE(last_interaction_at, 0), ?), updated_at = ?
		WHERE account_id = ? AND id = ?`,
		ts, now, accountID, contactID)
	return err
}
