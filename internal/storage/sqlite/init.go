package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database at path and creates the decision log if it doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	// One writer keeps concurrent handlers from tripping SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS decisions (
		id INTEGER PRIMARY KEY,
		key TEXT NOT NULL,
		url TEXT,
		source TEXT,
		decision TEXT,
		reason TEXT,
		filename TEXT,
		size_bytes INTEGER DEFAULT 0,
		outcome TEXT DEFAULT 'pending',
		recorded_by TEXT,
		created_at DATETIME,
		updated_at DATETIME
	)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create decisions table: %w", err)
	}

	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS decisions_created_at ON decisions (created_at)`,
		`CREATE INDEX IF NOT EXISTS decisions_key ON decisions (key, created_at)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create decisions index: %w", err)
		}
	}

	return db, nil
}
