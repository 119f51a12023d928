package sqlite

import (
	"path/filepath"
	"testing"

	"classsync/internal/store"
	"classsync/internal/store/storetest"
)

func TestSQLite(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(filepath.Join(t.TempDir(), "classsync.db"))
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		return s
	})
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "classsync.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.SetEnabledLocations(t.Context(), []string{"L"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	ids, err := s.EnabledLocations(t.Context())
	if err != nil || len(ids) != 1 || ids[0] != "L" {
		t.Fatalf("ids = %v, %v", ids, err)
	}
}
