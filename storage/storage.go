// Package storage persists a bounded history of terminal transfers to
// SQLite. It is a best-effort mirror of the in-memory ring buffer the
// Transfer Coordinator already keeps: the ring, not this table, remains
// the source of truth for snapshot(). Only transfer history is kept here
// — no peer identity, message content, or key material.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"localshare/models"
)

// DefaultDBFileName is the SQLite filename under the app data directory.
const DefaultDBFileName = "history.db"

// DefaultHistoryLimit bounds transfer_history the same way the in-memory
// ring buffer is bounded (transfer.DefaultHistoryCapacity), so persisted
// history never outgrows what snapshot() can show.
const DefaultHistoryLimit = 200

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS transfer_history (
 id TEXT PRIMARY KEY,
 direction TEXT NOT NULL CHECK(direction IN ('inbound','outbound')),
 kind TEXT NOT NULL CHECK(kind IN ('file','text')),
 peer_address TEXT NOT NULL DEFAULT '',
 peer_alias TEXT NOT NULL DEFAULT '',
 file_name TEXT NOT NULL DEFAULT '',
 declared_size INTEGER NOT NULL DEFAULT -1,
 bytes_transferred INTEGER NOT NULL DEFAULT 0,
 state TEXT NOT NULL,
 final_path TEXT NOT NULL DEFAULT '',
 failure_reason TEXT NOT NULL DEFAULT '',
 created_at INTEGER NOT NULL,
 state_changed_at INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfer_history_created_at
ON transfer_history (created_at DESC, id);
`,
}

// Store is a thin wrapper around a SQLite connection holding transfer
// history.
type Store struct {
	db    *sql.DB
	limit int
}

// Open opens (or creates) history.db under dataDir and applies migrations.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return OpenPath(filepath.Join(dataDir, DefaultDBFileName))
}

// OpenPath opens SQLite at an explicit path and applies migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{db: db, limit: DefaultHistoryLimit}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}
	return tx.Commit()
}

// Record upserts one terminal transfer and prunes the table back to limit.
// Implements transfer.HistorySink. Failures are logged, never returned —
// the Coordinator calls Record from a detached goroutine and does not wait
// on it.
func (s *Store) Record(rec models.TransferRecord) {
	if s == nil || s.db == nil {
		return
	}
	if err := s.insert(rec); err != nil {
		log.Printf("storage: failed to persist transfer %s: %v", rec.ID, err)
		return
	}
	if err := s.prune(); err != nil {
		log.Printf("storage: failed to prune transfer history: %v", err)
	}
}

func (s *Store) insert(rec models.TransferRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO transfer_history (
			id, direction, kind, peer_address, peer_alias, file_name,
			declared_size, bytes_transferred, state, final_path, failure_reason,
			created_at, state_changed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			bytes_transferred = excluded.bytes_transferred,
			final_path = excluded.final_path,
			failure_reason = excluded.failure_reason,
			state_changed_at = excluded.state_changed_at`,
		rec.ID, rec.Direction, rec.Kind, rec.PeerAddress, rec.PeerAlias, rec.FileName,
		rec.DeclaredSize, rec.BytesTransferred, rec.State, rec.FinalPath, rec.FailureReason,
		rec.CreatedAt.UnixMilli(), rec.StateChangedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert transfer history %q: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) prune() error {
	_, err := s.db.Exec(
		`DELETE FROM transfer_history WHERE id NOT IN (
			SELECT id FROM transfer_history ORDER BY created_at DESC, id DESC LIMIT ?
		)`,
		s.limit,
	)
	return err
}

// ErrNotFound is returned for a missing row.
var ErrNotFound = errors.New("storage: transfer record not found")

// List returns up to limit most-recent transfer records, newest first —
// used to seed a future history view; the Coordinator's in-memory ring
// remains authoritative for the current process's snapshot().
func (s *Store) List(limit int) ([]models.TransferRecord, error) {
	if limit <= 0 {
		limit = s.limit
	}
	rows, err := s.db.Query(
		`SELECT id, direction, kind, peer_address, peer_alias, file_name,
			declared_size, bytes_transferred, state, final_path, failure_reason,
			created_at, state_changed_at
		FROM transfer_history
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfer history: %w", err)
	}
	defer rows.Close()

	var out []models.TransferRecord
	for rows.Next() {
		var rec models.TransferRecord
		var createdMillis, changedMillis int64
		if err := rows.Scan(
			&rec.ID, &rec.Direction, &rec.Kind, &rec.PeerAddress, &rec.PeerAlias, &rec.FileName,
			&rec.DeclaredSize, &rec.BytesTransferred, &rec.State, &rec.FinalPath, &rec.FailureReason,
			&createdMillis, &changedMillis,
		); err != nil {
			return nil, fmt.Errorf("scan transfer history row: %w", err)
		}
		rec.CreatedAt = time.UnixMilli(createdMillis)
		rec.StateChangedAt = time.UnixMilli(changedMillis)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer history: %w", err)
	}
	return out, nil
}
