package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/zot/livequery/internal/query"
)

// SQLiteStorage is a SQLite registry backend.
type SQLiteStorage struct {
	db   *sql.DB
	opts Options
}

// NewSQLiteStorage opens (creating if needed) a SQLite registry at path.
func NewSQLiteStorage(path string, opts Options) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases shared and avoids
	// SQLITE_BUSY between our own writers.
	db.SetMaxOpenConns(1)

	s := &SQLiteStorage{db: db, opts: opts.withDefaults()}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// init creates the necessary tables.
func (s *SQLiteStorage) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			entity TEXT NOT NULL,
			query TEXT NOT NULL,
			last_ids TEXT NOT NULL DEFAULT '[]',
			last_used INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_subscriptions_entity ON subscriptions(entity);
		CREATE INDEX IF NOT EXISTS idx_subscriptions_last_used ON subscriptions(last_used);
	`)
	return err
}

// Store persists a record to SQLite.
func (s *SQLiteStorage) Store(ctx context.Context, rec *Record) error {
	queryJSON, idsJSON, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO subscriptions (id, client_id, entity, query, last_ids, last_used)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.ClientID, rec.Entity, queryJSON, idsJSON, s.opts.Clock.Now().UnixNano())
	return err
}

// Remove deletes a record from SQLite.
func (s *SQLiteStorage) Remove(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM subscriptions WHERE id = ?", id)
	return err
}

// Load retrieves a record from SQLite.
func (s *SQLiteStorage) Load(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, client_id, entity, query, last_ids, last_used
		FROM subscriptions WHERE id = ?
	`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// ProvideListeners prunes, then hands each live record on entity to fn.
func (s *SQLiteStorage) ProvideListeners(ctx context.Context, entity string, fn ListenerFunc) error {
	if _, err := s.Prune(ctx); err != nil {
		return err
	}
	recs, err := s.query(ctx, `
		SELECT id, client_id, entity, query, last_ids, last_used
		FROM subscriptions WHERE entity = ? ORDER BY id
	`, entity)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		id := rec.ID
		fn(rec, func(ids []query.Key) error {
			data, err := json.Marshal(nonNilIDs(ids))
			if err != nil {
				return err
			}
			_, err = s.db.ExecContext(ctx, "UPDATE subscriptions SET last_ids = ? WHERE id = ?", string(data), id)
			return err
		})
	}
	return nil
}

// KeepAliveAndReturnUnknownIDs refreshes known ids and returns the rest.
func (s *SQLiteStorage) KeepAliveAndReturnUnknownIDs(ctx context.Context, ids []string) ([]string, error) {
	if _, err := s.Prune(ctx); err != nil {
		return nil, err
	}
	now := s.opts.Clock.Now().UnixNano()
	unknown := []string{}
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx, "UPDATE subscriptions SET last_used = ? WHERE id = ?", now, id)
		if err != nil {
			return nil, err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			unknown = append(unknown, id)
		}
	}
	return unknown, nil
}

// Prune removes records idle past the TTL.
func (s *SQLiteStorage) Prune(ctx context.Context) ([]string, error) {
	cutoff := s.opts.cutoff().UnixNano()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT id FROM subscriptions WHERE last_used < ? ORDER BY id", cutoff)
	if err != nil {
		return nil, err
	}
	var pruned []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		pruned = append(pruned, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(pruned) == 0 {
		return nil, nil
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM subscriptions WHERE last_used < ?", cutoff); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	logger.Debugf("pruned %d idle subscriptions", len(pruned))
	return pruned, nil
}

// List returns all records ordered by id.
func (s *SQLiteStorage) List(ctx context.Context) ([]*Record, error) {
	return s.query(ctx, `
		SELECT id, client_id, entity, query, last_ids, last_used
		FROM subscriptions ORDER BY id
	`)
}

func (s *SQLiteStorage) query(ctx context.Context, stmt string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Close closes the storage backend.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var queryStr, idsStr string
	var lastUsed int64
	if err := row.Scan(&rec.ID, &rec.ClientID, &rec.Entity, &queryStr, &idsStr, &lastUsed); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(queryStr), &rec.Query); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(idsStr), &rec.LastIDs); err != nil {
		return nil, err
	}
	rec.LastUsed = time.Unix(0, lastUsed)
	return &rec, nil
}

func encodeRecord(rec *Record) (string, string, error) {
	queryJSON, err := json.Marshal(rec.Query)
	if err != nil {
		return "", "", err
	}
	idsJSON, err := json.Marshal(nonNilIDs(rec.LastIDs))
	if err != nil {
		return "", "", err
	}
	return string(queryJSON), string(idsJSON), nil
}

func nonNilIDs(ids []query.Key) []query.Key {
	if ids == nil {
		return []query.Key{}
	}
	return ids
}
