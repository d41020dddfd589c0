package pgvector

import (
	"context"
	"os"
	"testing"

	"github.com/contextd/contextd/pkg/knowledge"
)

func TestVectorLiteral(t *testing.T) {
	tests := []struct {
		in   []float32
		want string
	}{
		{[]float32{1, 0.5, -2}, "[1,0.5,-2]"},
		{[]float32{0.1}, "[0.1]"},
		{nil, "[]"},
	}
	for _, tt := range tests {
		if got := VectorLiteral(tt.in); got != tt.want {
			t.Errorf("VectorLiteral(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewWithDB_SanitizesTable(t *testing.T) {
	idx := NewWithDB(nil, `chunks"; DROP TABLE x; --`, 3)
	if idx.table != `"chunks""; DROP TABLE x; --"` {
		t.Errorf("table not quoted: %s", idx.table)
	}
	if NewWithDB(nil, "", 3).table != `"knowledge_chunks"` {
		t.Error("default table name not applied")
	}
}

func TestPGVectorIndex_RejectsBadInputBeforeQuerying(t *testing.T) {
	idx := NewWithDB(nil, "", 3)
	ctx := context.Background()

	if _, err := idx.Search(ctx, []float32{1}, 5); err == nil {
		t.Error("expected dimension error")
	}
	if err := idx.Upsert(ctx, []knowledge.Chunk{{ID: "a", Text: "x"}}); err == nil {
		t.Error("expected missing embedding error")
	}
	got, err := idx.Search(ctx, []float32{1, 0, 0}, 0)
	if err != nil || len(got) != 0 {
		t.Errorf("k=0 should short-circuit, got %v, %v", got, err)
	}
}

// TestPGVectorIndex_Live runs the conformance suite against a real server
// when CONTEXTD_TEST_PG_DSN is set.
func TestPGVectorIndex_Live(t *testing.T) {
	dsn := os.Getenv("CONTEXTD_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("CONTEXTD_TEST_PG_DSN not set")
	}

	suite := &knowledge.IndexTestSuite{
		NewIndex: func(t *testing.T) knowledge.Index {
			ctx := context.Background()
			idx, err := New(ctx, Config{DSN: dsn, Table: "contextd_test_chunks", Dimension: 3})
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			if err := idx.Reset(ctx); err != nil {
				t.Fatalf("Reset failed: %v", err)
			}
			t.Cleanup(func() { idx.Close() })
			return idx
		},
	}
	suite.RunAllTests(t)
}
