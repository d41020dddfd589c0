package storage

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
)

// StorageTestSuite defines a test suite that can be run against any Storage implementation.
type StorageTestSuite struct {
	NewStorage func(t *testing.T) Storage
}

// RunAllTests runs all storage tests against the provided storage implementation.
func (s *StorageTestSuite) RunAllTests(t *testing.T) {
	t.Run("PutGet", s.TestPutGet)
	t.Run("Overwrite", s.TestOverwrite)
	t.Run("NotFound", s.TestNotFound)
	t.Run("Delete", s.TestDelete)
	t.Run("NamespaceIsolation", s.TestNamespaceIsolation)
	t.Run("ListPrefix", s.TestListPrefix)
	t.Run("JSONHelpers", s.TestJSONHelpers)
	t.Run("ConcurrentAccess", s.TestConcurrentAccess)
	t.Run("InvalidAddress", s.TestInvalidAddress)
	t.Run("Ping", s.TestPing)
}

// TestPutGet tests a basic round trip.
func (s *StorageTestSuite) TestPutGet(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()
	ctx := context.Background()

	if err := store.Put(ctx, "ltm", "user-1", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := store.Get(ctx, "ltm", "user-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != `{"a":1}` {
		t.Errorf("expected stored value, got %q", got)
	}
}

// TestOverwrite verifies that a second Put replaces the first (last write wins).
func (s *StorageTestSuite) TestOverwrite(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()
	ctx := context.Background()

	for _, v := range []string{"first", "second"} {
		if err := store.Put(ctx, "active", "user-1:working", []byte(v)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	got, err := store.Get(ctx, "active", "user-1:working")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "second" {
		t.Errorf("expected second value, got %q", got)
	}

	keys, err := store.List(ctx, "active", "user-1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("expected exactly one record, got %v", keys)
	}
}

// TestNotFound tests missing documents.
func (s *StorageTestSuite) TestNotFound(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()

	_, err := store.Get(context.Background(), "ltm", "nobody")
	if !IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

// TestDelete tests deletion, including deleting a missing key.
func (s *StorageTestSuite) TestDelete(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()
	ctx := context.Background()

	if err := store.Put(ctx, "ltm", "user-1", []byte("x")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Delete(ctx, "ltm", "user-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "ltm", "user-1"); !IsNotFound(err) {
		t.Errorf("expected NotFoundError after delete, got %v", err)
	}
	if err := store.Delete(ctx, "ltm", "user-1"); err != nil {
		t.Errorf("deleting a missing key should succeed, got %v", err)
	}
}

// TestNamespaceIsolation verifies that equal keys in different namespaces do not collide.
func (s *StorageTestSuite) TestNamespaceIsolation(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()
	ctx := context.Background()

	if err := store.Put(ctx, "ltm", "user-1", []byte("long")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Put(ctx, "active", "user-1", []byte("short")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := store.Get(ctx, "ltm", "user-1")
	if err != nil || string(got) != "long" {
		t.Errorf("expected ltm value, got %q (%v)", got, err)
	}

	keys, err := store.List(ctx, "ltm", "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if !reflect.DeepEqual(keys, []string{"user-1"}) {
		t.Errorf("expected only ltm keys, got %v", keys)
	}
}

// TestListPrefix tests prefix filtering and ordering.
func (s *StorageTestSuite) TestListPrefix(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()
	ctx := context.Background()

	for _, key := range []string{"bob:working", "alice:working", "alice:project", "carol:working"} {
		if err := store.Put(ctx, "active", key, []byte("{}")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	keys, err := store.List(ctx, "active", "alice:")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if !reflect.DeepEqual(keys, []string{"alice:project", "alice:working"}) {
		t.Errorf("unexpected keys %v", keys)
	}

	all, err := store.List(ctx, "active", "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("expected 4 keys, got %v", all)
	}

	none, err := store.List(ctx, "empty", "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no keys, got %v", none)
	}
}

// TestJSONHelpers tests GetJSON and PutJSON against the backend.
func (s *StorageTestSuite) TestJSONHelpers(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()
	ctx := context.Background()

	type doc struct {
		Name  string   `json:"name"`
		Items []string `json:"items"`
	}
	in := doc{Name: "n", Items: []string{"a", "b"}}

	if err := PutJSON(ctx, store, "docs", "d1", in); err != nil {
		t.Fatalf("PutJSON failed: %v", err)
	}
	var out doc
	if err := GetJSON(ctx, store, "docs", "d1", &out); err != nil {
		t.Fatalf("GetJSON failed: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("expected %+v, got %+v", in, out)
	}

	if err := store.Put(ctx, "docs", "bad", []byte("{not json")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := GetJSON(ctx, store, "docs", "bad", &out); !IsSerialization(err) {
		t.Errorf("expected SerializationError, got %v", err)
	}
}

// TestConcurrentAccess tests concurrent writers on distinct and shared keys.
func (s *StorageTestSuite) TestConcurrentAccess(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()
	ctx := context.Background()

	const workers = 10
	var wg sync.WaitGroup
	errs := make(chan error, workers*2)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := store.Put(ctx, "ltm", fmt.Sprintf("user-%d", n), []byte("v")); err != nil {
				errs <- err
			}
			if err := store.Put(ctx, "ltm", "shared", []byte(fmt.Sprintf("%d", n))); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent put failed: %v", err)
	}

	keys, err := store.List(ctx, "ltm", "user-")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != workers {
		t.Errorf("expected %d keys, got %d", workers, len(keys))
	}
	if _, err := store.Get(ctx, "ltm", "shared"); err != nil {
		t.Errorf("expected shared key to exist: %v", err)
	}
}

// TestInvalidAddress tests that empty namespaces and keys are rejected.
func (s *StorageTestSuite) TestInvalidAddress(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()
	ctx := context.Background()

	if err := store.Put(ctx, "", "k", []byte("v")); err == nil {
		t.Error("expected error for empty namespace")
	}
	if err := store.Put(ctx, "ns", "", []byte("v")); err == nil {
		t.Error("expected error for empty key")
	}
}

// TestPing tests the health check.
func (s *StorageTestSuite) TestPing(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()

	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}
