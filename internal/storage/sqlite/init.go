package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDSN keeps the registry in a shared in-memory database, so no state
// survives a restart.
const DefaultDSN = "file:songfetch?mode=memory&cache=shared"

// InitDB opens the SQLite database and creates the status table if it doesn't exist.
func InitDB(dsn string) (*sql.DB, error) {
	if dsn == "" {
		dsn = DefaultDSN
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// One connection: an in-memory database lives as long as a connection to
	// it does, and writes are serialised anyway.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS download_status (
		file_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create download_status table: %w", err)
	}

	return db, nil
}
