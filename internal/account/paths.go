package account

import (
	"os"
	"path/filepath"
)

// DefaultBaseDir returns ~/.kindred, the default data directory.
func DefaultBaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".kindred")
}

// Dir returns the per-account directory under the data directory.
func Dir(base, id string) string {
	return filepath.Join(base, "accounts", id)
}

// CredentialDBPath returns the path of the whatsmeow credential store for an
// account. Deleting this file discards the account's credential material.
func CredentialDBPath(base, id string) string {
	return filepath.Join(Dir(base, id), "session.db")
}

// StorePath returns the path of the shared CRM database.
func StorePath(base string) string {
	return filepath.Join(base, "kindred.db")
}

// LogPath returns the daemon log file path.
func LogPath(base string) string {
	return filepath.Join(base, "logs", "kindredd.log")
}

// ConfigPath returns the default config file path.
func ConfigPath() string {
	return filepath.Join(DefaultBaseDir(), "config.toml")
}

// EnsureDir creates the per-account directory tree with owner-only permissions.
func EnsureDir(base, id string) error {
	return os.MkdirAll(Dir(base, id), 0700)
}
