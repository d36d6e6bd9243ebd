package sqlite

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB is the SQLite file backing every collection. Writes go through a single
// connection; immediate transactions serialize writers across processes.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and installs the schema.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Set connection pool for single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", path)
	return &DB{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS docs (
			collection TEXT    NOT NULL,
			id         TEXT    NOT NULL,
			rev        INTEGER NOT NULL,
			body       TEXT    NOT NULL,
			PRIMARY KEY (collection, id)
		);

		CREATE TABLE IF NOT EXISTS doc_views (
			collection TEXT NOT NULL,
			view       TEXT NOT NULL,
			key        TEXT NOT NULL,
			id         TEXT NOT NULL,
			PRIMARY KEY (collection, view, key, id)
		);

		CREATE INDEX IF NOT EXISTS idx_doc_views_doc ON doc_views(collection, id);
	`)
	return err
}

// SQL returns the underlying sql.DB for health checks.
func (d *DB) SQL() *sql.DB { return d.db }

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}
