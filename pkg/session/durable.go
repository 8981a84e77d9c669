package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DurableStore is the optional secondary source of truth for session
// records once their cache entry has expired. It is consulted only as a
// fallback read; a successful fallback re-populates the cache.
type DurableStore struct {
	db *sql.DB
}

const durableSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	model      TEXT NOT NULL,
	status     TEXT NOT NULL,
	turns      INTEGER NOT NULL DEFAULT 0,
	cost_usd   REAL NOT NULL DEFAULT 0,
	owner_hash TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// NewDurableStore opens (and if needed initializes) the sqlite database at
// path.
func NewDurableStore(path string) (*DurableStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("durable: open %s: %w", path, err)
	}
	if _, err := db.Exec(durableSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("durable: init schema: %w", err)
	}
	return &DurableStore{db: db}, nil
}

// Upsert writes a record through to sqlite.
func (d *DurableStore) Upsert(ctx context.Context, rec *Record) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO sessions (id, model, status, turns, cost_usd, owner_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			model = excluded.model,
			status = excluded.status,
			turns = excluded.turns,
			cost_usd = excluded.cost_usd,
			owner_hash = excluded.owner_hash,
			updated_at = excluded.updated_at`,
		rec.ID, rec.Model, string(rec.Status), rec.Turns, rec.CostUSD, rec.OwnerHash,
		rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("durable: upsert %s: %w", rec.ID, err)
	}
	return nil
}

// Get returns the record for id, or ErrSessionNotFound.
func (d *DurableStore) Get(ctx context.Context, id string) (*Record, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, model, status, turns, cost_usd, owner_hash, created_at, updated_at
		FROM sessions WHERE id = ?`, id)

	var rec Record
	var status string
	var createdAt, updatedAt int64
	err := row.Scan(&rec.ID, &rec.Model, &status, &rec.Turns, &rec.CostUSD, &rec.OwnerHash, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("durable: get %s: %w", id, err)
	}
	rec.Status = Status(status)
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &rec, nil
}

// Delete removes the record for id. Deleting a missing record is not an
// error.
func (d *DurableStore) Delete(ctx context.Context, id string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("durable: delete %s: %w", id, err)
	}
	return nil
}

// Close closes the database handle.
func (d *DurableStore) Close() error {
	return d.db.Close()
}
