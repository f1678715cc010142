package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// DefaultPath is used when no database path is configured.
const DefaultPath = "downloads.db"

// InitDB opens the SQLite database at path and creates the downloads table if it doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	if path == "" {
		path = DefaultPath
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS downloads (
		id INTEGER PRIMARY KEY,
		task_id TEXT UNIQUE,
		song_mid TEXT,
		title TEXT,
		singer TEXT,
		quality INTEGER,
		file_path TEXT,
		status TEXT DEFAULT 'downloading',
		instance_id TEXT,
		started_at TEXT,
		finished_at TEXT
	)`)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("create downloads table: %w", err)
	}

	return db, nil
}
