// Package sqlite is the single-file store backend, for one-box installs.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver

	appLog "classsync/internal/log"
	"classsync/internal/model"
	"classsync/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	location_id TEXT NOT NULL,
	class_id TEXT NOT NULL,
	session_key TEXT NOT NULL DEFAULT '',
	derived INTEGER NOT NULL DEFAULT 0,
	canceled INTEGER NOT NULL DEFAULT 0,
	title TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS session_mappings (
	session_id TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
	location_id TEXT NOT NULL,
	class_id TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_session_mappings_location_class ON session_mappings(location_id, class_id);

CREATE TABLE IF NOT EXISTS digests (
	location_id TEXT NOT NULL,
	class_id TEXT NOT NULL,
	digest TEXT NOT NULL,
	PRIMARY KEY (location_id, class_id)
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const enabledLocationsKey = "enabled_locations"

type Store struct {
	db *sqlx.DB
}

var _ store.Store = (*Store)(nil)

type sessionRow struct {
	ID         string    `db:"id"`
	LocationID string    `db:"location_id"`
	ClassID    string    `db:"class_id"`
	Key        string    `db:"session_key"`
	Derived    bool      `db:"derived"`
	Canceled   bool      `db:"canceled"`
	Title      string    `db:"title"`
	Payload    string    `db:"payload"`
	CreatedAt  time.Time `db:"created_at"`
}

type digestRow struct {
	LocationID string `db:"location_id"`
	ClassID    string `db:"class_id"`
	Digest     string `db:"digest"`
}

// Open opens (creating when missing) the database file at path.
func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}
	// One writer at a time; sqlite serialises anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) MaterializeSession(ctx context.Context, sess model.Session) (string, error) {
	payload, err := json.Marshal(sess)
	if err != nil {
		return "", fmt.Errorf("encode session: %w", err)
	}
	row := sessionRow{
		ID:         uuid.NewString(),
		LocationID: sess.LocationID,
		ClassID:    sess.Class.ClassID,
		Key:        sess.Key,
		Derived:    sess.Derived,
		Canceled:   sess.Canceled,
		Title:      sess.Class.Title,
		Payload:    string(payload),
		CreatedAt:  time.Now().UTC(),
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO sessions (id, location_id, class_id, session_key, derived, canceled, title, payload, created_at)
		VALUES (:id, :location_id, :class_id, :session_key, :derived, :canceled, :title, :payload, :created_at)
	`, row); err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO session_mappings (session_id, location_id, class_id) VALUES (?, ?, ?)`,
		row.ID, row.LocationID, row.ClassID,
	); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return row.ID, nil
}

func (s *Store) PurgeSessionsByLocationAndClass(ctx context.Context, locationID, classID string) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var ids []string
	if err := tx.SelectContext(ctx, &ids, `
		SELECT session_id FROM session_mappings
		WHERE location_id = ? AND class_id = ?
		ORDER BY session_id
	`, locationID, classID); err != nil {
		return 0, err
	}

	removed := 0
	for i, chunk := range store.Chunks(ids, store.PurgeChunkSize) {
		query, args, err := sqlx.In(`DELETE FROM sessions WHERE id IN (?)`, chunk)
		if err != nil {
			return removed, err
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
		if err != nil {
			return removed, fmt.Errorf("purge chunk %d: %w", i, err)
		}
		n, _ := res.RowsAffected()
		removed += int(n)
		appLog.Debug("purged session chunk", "location", locationID, "class", classID, "chunk", i, "count", n)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *Store) LoadDigests(ctx context.Context) (model.DigestMap, error) {
	var rows []digestRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT location_id, class_id, digest FROM digests`); err != nil {
		return nil, err
	}
	out := model.DigestMap{}
	for _, r := range rows {
		out.Set(r.LocationID, r.ClassID, r.Digest)
	}
	return out, nil
}

func (s *Store) StoreDigests(ctx context.Context, digests model.DigestMap) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM digests`); err != nil {
		return err
	}
	var rows []digestRow
	for loc, classes := range digests {
		for class, digest := range classes {
			rows = append(rows, digestRow{LocationID: loc, ClassID: class, Digest: digest})
		}
	}
	for _, r := range rows {
		if _, err := tx.NamedExecContext(ctx,
			`INSERT INTO digests (location_id, class_id, digest) VALUES (:location_id, :class_id, :digest)`, r); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) EnabledLocations(ctx context.Context) ([]string, error) {
	var raw string
	err := s.db.GetContext(ctx, &raw, `SELECT value FROM settings WHERE key = ?`, enabledLocationsKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("decode %s: %w", enabledLocationsKey, err)
	}
	return ids, nil
}

func (s *Store) SetEnabledLocations(ctx context.Context, ids []string) error {
	b, err := json.Marshal(store.NormalizeIDs(ids))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, enabledLocationsKey, string(b))
	return err
}

func (s *Store) ListSessions(ctx context.Context, f store.Filter) ([]model.Stored, error) {
	var rows []sessionRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, location_id, class_id, session_key, derived, canceled, title, payload, created_at
		FROM sessions
		WHERE (? = '' OR location_id = ?) AND (? = '' OR class_id = ?)
	`, f.LocationID, f.LocationID, f.ClassID, f.ClassID); err != nil {
		return nil, err
	}
	out := make([]model.Stored, 0, len(rows))
	for _, r := range rows {
		st := model.Stored{ID: r.ID, ClassID: r.ClassID, CreatedAt: r.CreatedAt}
		if err := json.Unmarshal([]byte(r.Payload), &st.Session); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", r.ID, err)
		}
		out = append(out, st)
	}
	store.SortStored(out)
	return out, nil
}
