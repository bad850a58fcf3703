package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound reports a lookup for a row that does not exist, for callers
// that need a hard failure instead of the nil-result convention.
var ErrNotFound = errors.New("store: not found")

// DB wraps the SQLite connection for the app-owned CRM database. All rows are
// scoped by an account id; idempotency relies on the unique constraints on
// (account_id, wa_msg_id) and (account_id, jid).
type DB struct {
	*sql.DB
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}
