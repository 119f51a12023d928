package store

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	appLog "classsync/internal/log"
	"classsync/internal/model"
)

// Memory is a Store held in process memory.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]model.Stored
	digests  model.DigestMap
	enabled  []string
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]model.Stored),
		digests:  model.DigestMap{},
		now:      time.Now,
	}
}

func (m *Memory) MaterializeSession(_ context.Context, s model.Session) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	s.Class = s.Class.Clone()
	m.sessions[id] = model.Stored{ID: id, ClassID: s.Class.ClassID, CreatedAt: m.now().UTC(), Session: s}
	return id, nil
}

func (m *Memory) PurgeSessionsByLocationAndClass(_ context.Context, locationID, classID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, st := range m.sessions {
		if st.Session.LocationID == locationID && st.ClassID == classID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	removed := 0
	for i, chunk := range Chunks(ids, PurgeChunkSize) {
		for _, id := range chunk {
			delete(m.sessions, id)
		}
		removed += len(chunk)
		appLog.Debug("purged session chunk", "location", locationID, "class", classID, "chunk", i, "count", len(chunk))
	}
	return removed, nil
}

func (m *Memory) LoadDigests(context.Context) (model.DigestMap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.digests.Clone(), nil
}

func (m *Memory) StoreDigests(_ context.Context, d model.DigestMap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.digests = d.Clone()
	return nil
}

func (m *Memory) EnabledLocations(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.enabled), nil
}

func (m *Memory) SetEnabledLocations(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = NormalizeIDs(ids)
	return nil
}

func (m *Memory) ListSessions(_ context.Context, f Filter) ([]model.Stored, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Stored, 0, len(m.sessions))
	for _, st := range m.sessions {
		if f.Matches(st.Session.LocationID, st.ClassID) {
			out = append(out, st)
		}
	}
	SortStored(out)
	return out, nil
}

func (m *Memory) Close() error { return nil }

// SortStored orders sessions by location, class, then base before overrides.
func SortStored(s []model.Stored) {
	sort.Slice(s, func(i, j int) bool {
		a, b := s[i], s[j]
		if a.Session.LocationID != b.Session.LocationID {
			return a.Session.LocationID < b.Session.LocationID
		}
		if a.ClassID != b.ClassID {
			return a.ClassID < b.ClassID
		}
		if a.Session.Key != b.Session.Key {
			return a.Session.Key < b.Session.Key
		}
		return a.ID < b.ID
	})
}

// NormalizeIDs trims, drops empties and de-duplicates, keeping order.
func NormalizeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
