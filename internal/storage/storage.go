// Package storage persists metric snapshots and alert history in embedded
// SQLite databases. Both stores are append-mostly: rows are written once,
// read back for history and restart recovery, and removed only by age-based
// pruning.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a lookup matches no rows.
var ErrNotFound = errors.New("not found")

// openDB opens a SQLite database under dir, creating the directory if
// needed. WAL keeps readers unblocked while the cycle writer appends.
func openDB(dir, file string) (*sql.DB, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	path := filepath.Join(dir, file)
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// nullTime converts an optional timestamp to its nullable column value.
func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

// timePtr converts a nullable column value back to an optional timestamp.
func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}
