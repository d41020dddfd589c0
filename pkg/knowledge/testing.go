package knowledge

import (
	"context"
	"errors"
	"testing"
)

// IndexTestSuite is a conformance suite every Index backend runs.
type IndexTestSuite struct {
	// NewIndex returns an empty index of dimension 3.
	NewIndex func(t *testing.T) Index
}

// RunAllTests runs every conformance test.
func (s *IndexTestSuite) RunAllTests(t *testing.T) {
	t.Run("SearchOrder", s.TestSearchOrder)
	t.Run("SearchLimit", s.TestSearchLimit)
	t.Run("EmptyIndex", s.TestEmptyIndex)
	t.Run("UpsertReplaces", s.TestUpsertReplaces)
	t.Run("DimensionMismatch", s.TestDimensionMismatch)
	t.Run("Delete", s.TestDelete)
	t.Run("Reset", s.TestReset)
	t.Run("Metadata", s.TestMetadata)
}

func suiteChunk(id string, vec ...float32) Chunk {
	return Chunk{
		ID:            id,
		Text:          "text of " + id,
		SourceLabel:   "doc.md",
		SequenceIndex: 1,
		Embedding:     vec,
	}
}

func (s *IndexTestSuite) seed(t *testing.T, idx Index) {
	t.Helper()
	err := idx.Upsert(context.Background(), []Chunk{
		suiteChunk("a", 1, 0, 0),
		suiteChunk("b", 0, 1, 0),
		suiteChunk("c", 0.9, 0.1, 0),
	})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
}

// TestSearchOrder checks results are ordered by similarity.
func (s *IndexTestSuite) TestSearchOrder(t *testing.T) {
	idx := s.NewIndex(t)
	s.seed(t, idx)

	got, err := idx.Search(context.Background(), []float32{1, 0, 0}, 3)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 results, got %d", len(got))
	}
	if ids := candidateIDs(got); ids != "a,c,b" {
		t.Errorf("unexpected order %s", ids)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Similarity > got[i-1].Similarity {
			t.Errorf("results not sorted at %d", i)
		}
	}
}

// TestSearchLimit checks k caps results and k larger than the index is fine.
func (s *IndexTestSuite) TestSearchLimit(t *testing.T) {
	idx := s.NewIndex(t)
	s.seed(t, idx)

	got, err := idx.Search(context.Background(), []float32{1, 0, 0}, 1)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(got) != 1 || got[0].Chunk.ID != "a" {
		t.Errorf("expected [a], got %s", candidateIDs(got))
	}

	got, err = idx.Search(context.Background(), []float32{1, 0, 0}, 50)
	if err != nil {
		t.Fatalf("Search with large k failed: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("expected 3 results, got %d", len(got))
	}
}

// TestEmptyIndex checks an empty index returns no candidates and no error.
func (s *IndexTestSuite) TestEmptyIndex(t *testing.T) {
	idx := s.NewIndex(t)
	got, err := idx.Search(context.Background(), []float32{1, 0, 0}, 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no results, got %d", len(got))
	}
	n, err := idx.Count(context.Background())
	if err != nil || n != 0 {
		t.Errorf("Count = %d, %v", n, err)
	}
}

// TestUpsertReplaces checks ids are stable keys.
func (s *IndexTestSuite) TestUpsertReplaces(t *testing.T) {
	idx := s.NewIndex(t)
	s.seed(t, idx)
	ctx := context.Background()

	replaced := suiteChunk("b", 1, 0, 0)
	replaced.Text = "replaced"
	if err := idx.Upsert(ctx, []Chunk{replaced}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	n, _ := idx.Count(ctx)
	if n != 3 {
		t.Errorf("expected 3 chunks after replace, got %d", n)
	}
	got, _ := idx.Search(ctx, []float32{0, 1, 0}, 3)
	for _, c := range got {
		if c.Chunk.ID == "b" && c.Chunk.Text != "replaced" {
			t.Errorf("chunk b not replaced: %q", c.Chunk.Text)
		}
	}
}

// TestDimensionMismatch checks foreign vectors are rejected.
func (s *IndexTestSuite) TestDimensionMismatch(t *testing.T) {
	idx := s.NewIndex(t)
	err := idx.Upsert(context.Background(), []Chunk{suiteChunk("x", 1, 0)})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch on upsert, got %v", err)
	}
	_, err = idx.Search(context.Background(), []float32{1, 0}, 1)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch on search, got %v", err)
	}
}

// TestDelete checks deletes and that unknown ids are ignored.
func (s *IndexTestSuite) TestDelete(t *testing.T) {
	idx := s.NewIndex(t)
	s.seed(t, idx)
	ctx := context.Background()

	if err := idx.Delete(ctx, []string{"a", "missing"}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	n, _ := idx.Count(ctx)
	if n != 2 {
		t.Errorf("expected 2 chunks, got %d", n)
	}
	got, _ := idx.Search(ctx, []float32{1, 0, 0}, 3)
	for _, c := range got {
		if c.Chunk.ID == "a" {
			t.Error("deleted chunk returned by search")
		}
	}
}

// TestReset checks every chunk is removed.
func (s *IndexTestSuite) TestReset(t *testing.T) {
	idx := s.NewIndex(t)
	s.seed(t, idx)
	ctx := context.Background()

	if err := idx.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	n, _ := idx.Count(ctx)
	if n != 0 {
		t.Errorf("expected empty index after reset, got %d", n)
	}
	if err := idx.Upsert(ctx, []Chunk{suiteChunk("z", 0, 0, 1)}); err != nil {
		t.Errorf("Upsert after reset failed: %v", err)
	}
}

// TestMetadata checks chunk fields survive a round trip.
func (s *IndexTestSuite) TestMetadata(t *testing.T) {
	idx := s.NewIndex(t)
	ctx := context.Background()

	c := suiteChunk("m", 1, 0, 0)
	c.SourceLabel = "handbook.pdf"
	c.SequenceIndex = 7
	c.Metadata = map[string]string{MetadataGeneric: "true", "lang": "en"}
	if err := idx.Upsert(ctx, []Chunk{c}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := idx.Search(ctx, []float32{1, 0, 0}, 1)
	if err != nil || len(got) != 1 {
		t.Fatalf("Search = %v, %v", got, err)
	}
	g := got[0].Chunk
	if g.Text != c.Text || g.SourceLabel != "handbook.pdf" || g.SequenceIndex != 7 {
		t.Errorf("fields lost: %+v", g)
	}
	if !g.Generic() || g.Metadata["lang"] != "en" {
		t.Errorf("metadata lost: %v", g.Metadata)
	}
}

func candidateIDs(cs []Candidate) string {
	out := ""
	for i, c := range cs {
		if i > 0 {
			out += ","
		}
		out += c.Chunk.ID
	}
	return out
}
