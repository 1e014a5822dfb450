// Package sqlitestore persists learned device parameters in a SQLite table,
// one row per device.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dokzlo13/govee/learning"
)

const schema = `
CREATE TABLE IF NOT EXISTS learned_info (
	device     TEXT PRIMARY KEY,
	info       TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Store is a learning.Storage backed by SQLite.
type Store struct {
	db    *sql.DB
	owned bool
}

// Open creates a store with its own database handle at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s, err := NewWithDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewWithDB creates a store on an existing handle, ensuring the schema.
// The handle stays owned by the caller.
func NewWithDB(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle if the store owns it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// Read implements learning.Storage.
func (s *Store) Read(ctx context.Context) (map[string]learning.LearnedInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT device, info FROM learned_info`)
	if err != nil {
		return nil, fmt.Errorf("failed to read learned info: %w", err)
	}
	defer rows.Close()

	infos := make(map[string]learning.LearnedInfo)
	for rows.Next() {
		var device, raw string
		if err := rows.Scan(&device, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		var info learning.LearnedInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			return nil, fmt.Errorf("failed to unmarshal info for %s: %w", device, err)
		}
		infos[device] = info
	}
	return infos, rows.Err()
}

// Write implements learning.Storage. The whole mapping is replaced in one
// transaction.
func (s *Store) Write(ctx context.Context, infos map[string]learning.LearnedInfo) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM learned_info`); err != nil {
		return fmt.Errorf("failed to clear learned info: %w", err)
	}

	now := time.Now().UTC().Unix()
	for device, info := range infos {
		data, err := json.Marshal(info)
		if err != nil {
			return fmt.Errorf("failed to marshal info for %s: %w", device, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO learned_info (device, info, updated_at)
			VALUES (?, ?, ?)
		`, device, string(data), now); err != nil {
			return fmt.Errorf("failed to store info for %s: %w", device, err)
		}
	}

	return tx.Commit()
}
