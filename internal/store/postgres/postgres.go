// Package postgres is the PostgreSQL store backend.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	appLog "classsync/internal/log"
	"classsync/internal/model"
	"classsync/internal/store"
)

const enabledLocationsKey = "enabled_locations"

type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects to databaseURL and applies pending migrations.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	cfg.MaxConnLifetime = 5 * time.Minute
	cfg.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &Store{pool: pool}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

func (s *Store) MaterializeSession(ctx context.Context, sess model.Session) (string, error) {
	payload, err := json.Marshal(sess)
	if err != nil {
		return "", fmt.Errorf("encode session: %w", err)
	}
	id := uuid.NewString()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO sessions (id, location_id, class_id, session_key, derived, canceled, title, payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, id, sess.LocationID, sess.Class.ClassID, sess.Key, sess.Derived, sess.Canceled, sess.Class.Title, string(payload)); err != nil {
		return "", err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO session_mappings (session_id, location_id, class_id) VALUES ($1,$2,$3)
	`, id, sess.LocationID, sess.Class.ClassID); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return id, nil
}

// PurgeSessionsByLocationAndClass deletes the mapped sessions in chunks of
// store.PurgeChunkSize inside one transaction.
func (s *Store) PurgeSessionsByLocationAndClass(ctx context.Context, locationID, classID string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT session_id FROM session_mappings
		WHERE location_id=$1 AND class_id=$2
		ORDER BY session_id
	`, locationID, classID)
	if err != nil {
		return 0, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return 0, err
	}

	removed := 0
	for i, chunk := range store.Chunks(ids, store.PurgeChunkSize) {
		tag, err := tx.Exec(ctx, `DELETE FROM sessions WHERE id = ANY($1)`, chunk)
		if err != nil {
			return removed, fmt.Errorf("purge chunk %d: %w", i, err)
		}
		removed += int(tag.RowsAffected())
		appLog.Debug("purged session chunk", "location", locationID, "class", classID, "chunk", i, "count", tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *Store) LoadDigests(ctx context.Context) (model.DigestMap, error) {
	rows, err := s.pool.Query(ctx, `SELECT location_id, class_id, digest FROM digests`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := model.DigestMap{}
	for rows.Next() {
		var loc, class, digest string
		if err := rows.Scan(&loc, &class, &digest); err != nil {
			return nil, err
		}
		out.Set(loc, class, digest)
	}
	return out, rows.Err()
}

// StoreDigests replaces the whole digest table in one transaction.
func (s *Store) StoreDigests(ctx context.Context, digests model.DigestMap) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM digests`); err != nil {
		return err
	}
	batch := &pgx.Batch{}
	for loc, classes := range digests {
		for class, digest := range classes {
			batch.Queue(`INSERT INTO digests (location_id, class_id, digest) VALUES ($1,$2,$3)`, loc, class, digest)
		}
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) EnabledLocations(ctx context.Context) ([]string, error) {
	var raw string
	err := s.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key=$1`, enabledLocationsKey).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
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
	_, err = s.pool.Exec(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES ($1,$2,now())
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=EXCLUDED.updated_at
	`, enabledLocationsKey, string(b))
	return err
}

func (s *Store) ListSessions(ctx context.Context, f store.Filter) ([]model.Stored, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, class_id, created_at, payload FROM sessions
		WHERE ($1::text = '' OR location_id = $1) AND ($2::text = '' OR class_id = $2)
	`, f.LocationID, f.ClassID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Stored
	for rows.Next() {
		var st model.Stored
		var payload []byte
		if err := rows.Scan(&st.ID, &st.ClassID, &st.CreatedAt, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &st.Session); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", st.ID, err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	store.SortStored(out)
	return out, nil
}
