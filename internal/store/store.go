// Package store persists materialized sessions, the digest map and the
// admin-selected location set. Backends live in subpackages; Memory is the
// in-process implementation used by tests and dry runs.
package store

import (
	"context"
	"errors"

	"classsync/internal/model"
)

// PurgeChunkSize bounds how many sessions one purge statement removes.
const PurgeChunkSize = 50

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = errors.New("not found")

// Filter narrows ListSessions. Empty fields match everything.
type Filter struct {
	LocationID string
	ClassID    string
}

// Store is the persistence surface the reconciler and the HTTP layer use.
type Store interface {
	MaterializeSession(ctx context.Context, s model.Session) (string, error)
	PurgeSessionsByLocationAndClass(ctx context.Context, locationID, classID string) (int, error)
	LoadDigests(ctx context.Context) (model.DigestMap, error)
	StoreDigests(ctx context.Context, digests model.DigestMap) error
	EnabledLocations(ctx context.Context) ([]string, error)
	SetEnabledLocations(ctx context.Context, ids []string) error
	ListSessions(ctx context.Context, f Filter) ([]model.Stored, error)
	Close() error
}

// Chunks splits ids into slices of at most size elements.
func Chunks(ids []string, size int) [][]string {
	if size <= 0 {
		size = PurgeChunkSize
	}
	var out [][]string
	for len(ids) > 0 {
		n := min(size, len(ids))
		out = append(out, ids[:n:n])
		ids = ids[n:]
	}
	return out
}

// Matches reports whether a session belongs to f.
func (f Filter) Matches(locationID, classID string) bool {
	return (f.LocationID == "" || f.LocationID == locationID) &&
		(f.ClassID == "" || f.ClassID == classID)
}
