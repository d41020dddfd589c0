package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/contextd/contextd/pkg/storage"
)

func newTestStore(t *testing.T) *SQLiteStorage {
	t.Helper()
	s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "nested", "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStorage: %v", err)
	}
	return s
}

func TestSQLiteStorageSuite(t *testing.T) {
	suite := &storage.StorageTestSuite{
		NewStorage: func(t *testing.T) storage.Storage {
			return newTestStore(t)
		},
	}
	suite.RunAllTests(t)
}

func TestSQLiteStorage_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.db")
	ctx := context.Background()

	s, err := NewSQLiteStorage(path)
	if err != nil {
		t.Fatalf("NewSQLiteStorage: %v", err)
	}
	if err := s.Put(ctx, "ltm", "u1", []byte(`{"facts":[]}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	s.Close()

	s2, err := NewSQLiteStorage(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, err := s2.Get(ctx, "ltm", "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"facts":[]}` {
		t.Errorf("unexpected value %q", got)
	}
}

func TestSQLiteStorage_ListPrefixWithWildcards(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	for _, k := range []string{"a%b:x", "a_b:y", "axb:z"} {
		if err := s.Put(ctx, "active", k, []byte("{}")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	keys, err := s.List(ctx, "active", "a%b")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 1 || keys[0] != "a%b:x" {
		t.Errorf("prefix must match literally, got %v", keys)
	}
}
