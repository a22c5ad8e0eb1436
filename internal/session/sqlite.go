package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteBackend stores one row per token in a SQLite database.
type SQLiteBackend struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteBackend opens (creating if needed) the database at dbPath.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	backend := &SQLiteBackend{db: db, dbPath: dbPath}
	if err := backend.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return backend, nil
}

func (s *SQLiteBackend) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		token TEXT PRIMARY KEY,
		block TEXT NOT NULL
	);`)
	return err
}

func (s *SQLiteBackend) Load() (map[string]*Block, error) {
	rows, err := s.db.Query(`SELECT token, block FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	blocks := make(map[string]*Block)
	for rows.Next() {
		var token, raw string
		if err := rows.Scan(&token, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		b := &Block{}
		if err := json.Unmarshal([]byte(raw), b); err != nil {
			return nil, fmt.Errorf("failed to parse session %s: %w", token, err)
		}
		blocks[token] = b
	}
	return blocks, rows.Err()
}

// Write replaces the table contents in a single transaction.
func (s *SQLiteBackend) Write(blocks map[string]*Block) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM sessions`); err != nil {
		return fmt.Errorf("failed to clear sessions: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO sessions (token, block) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for token, b := range blocks {
		raw, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("failed to encode session %s: %w", token, err)
		}
		if _, err := stmt.Exec(token, string(raw)); err != nil {
			return fmt.Errorf("failed to insert session %s: %w", token, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}
