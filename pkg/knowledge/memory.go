package knowledge

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/contextd/contextd/pkg/embedding"
)

const snapshotMagic uint32 = 0x4b4e4f57 // "KNOW"

// MemoryIndex is an in-process brute-force cosine index. It is exact and
// fast enough for knowledge bases up to the low hundreds of thousands of
// chunks.
type MemoryIndex struct {
	mu        sync.RWMutex
	dimension int
	chunks    map[string]Chunk
}

// NewMemoryIndex creates an empty index for vectors of the given dimension.
func NewMemoryIndex(dimension int) *MemoryIndex {
	return &MemoryIndex{
		dimension: dimension,
		chunks:    make(map[string]Chunk),
	}
}

// Search returns the k most similar chunks. Equal similarities are ordered by
// id so results are deterministic.
func (m *MemoryIndex) Search(ctx context.Context, vector []float32, k int) ([]Candidate, error) {
	if err := CheckVector(vector, m.dimension); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []Candidate{}, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]Candidate, 0, len(m.chunks))
	for _, c := range m.chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		results = append(results, Candidate{
			Chunk:      c,
			Similarity: embedding.CosineSimilarity(vector, c.Embedding),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Chunk.ID < results[j].Chunk.ID
	})

	if k > len(results) {
		k = len(results)
	}
	out := results[:k]
	for i := range out {
		out[i].Chunk = cloneChunk(out[i].Chunk)
	}
	return out, nil
}

// Upsert inserts or replaces chunks. Either every chunk is stored or none is.
func (m *MemoryIndex) Upsert(ctx context.Context, chunks []Chunk) error {
	if err := CheckChunks(chunks, m.dimension); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chunks {
		m.chunks[c.ID] = cloneChunk(c)
	}
	return nil
}

// Delete removes chunks by id.
func (m *MemoryIndex) Delete(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.chunks, id)
	}
	return nil
}

// Reset drops every chunk.
func (m *MemoryIndex) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks = make(map[string]Chunk)
	return nil
}

// Count returns the number of chunks.
func (m *MemoryIndex) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks), nil
}

// Dimension returns the vector length.
func (m *MemoryIndex) Dimension() int { return m.dimension }

// Save persists the index to a file, replacing it atomically.
// Format: [magic:uint32][dimension:uint32][count:uint32] then per chunk:
// [metaLen:uint32][chunk JSON without embedding][vector:float32*dim]
func (m *MemoryIndex) Save(path string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("knowledge: save failed: %w", err)
		}
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("knowledge: save failed: %w", err)
	}

	w := bufio.NewWriter(f)
	if err := m.writeLocked(w); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("knowledge: save failed: %w", err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("knowledge: save failed: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("knowledge: save failed: %w", err)
	}
	return os.Rename(tmp, path)
}

func (m *MemoryIndex) writeLocked(w io.Writer) error {
	for _, v := range []uint32{snapshotMagic, uint32(m.dimension), uint32(len(m.chunks))} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}

	ids := make([]string, 0, len(m.chunks))
	for id := range m.chunks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		c := m.chunks[id]
		vec := c.Embedding
		c.Embedding = nil
		meta, err := json.Marshal(c)
		if err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(meta))); err != nil {
			return err
		}
		if _, err := w.Write(meta); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, vec); err != nil {
			return err
		}
	}
	return nil
}

// Load replaces the index contents with a snapshot written by Save.
func (m *MemoryIndex) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("knowledge: load failed: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var magic, dim, count uint32
	for _, v := range []*uint32{&magic, &dim, &count} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("knowledge: load failed: %w", err)
		}
	}
	if magic != snapshotMagic {
		return fmt.Errorf("knowledge: load failed: %s is not an index snapshot", path)
	}
	if int(dim) != m.dimension {
		return fmt.Errorf("%w: file has %d, index expects %d", ErrDimensionMismatch, dim, m.dimension)
	}

	chunks := make(map[string]Chunk, count)
	for i := uint32(0); i < count; i++ {
		var metaLen uint32
		if err := binary.Read(r, binary.LittleEndian, &metaLen); err != nil {
			return fmt.Errorf("knowledge: load failed: %w", err)
		}
		meta := make([]byte, metaLen)
		if _, err := io.ReadFull(r, meta); err != nil {
			return fmt.Errorf("knowledge: load failed: %w", err)
		}
		var c Chunk
		if err := json.Unmarshal(meta, &c); err != nil {
			return fmt.Errorf("knowledge: load failed: entry %d: %w", i, err)
		}
		c.Embedding = make([]float32, dim)
		if err := binary.Read(r, binary.LittleEndian, c.Embedding); err != nil {
			return fmt.Errorf("knowledge: load failed: %w", err)
		}
		chunks[c.ID] = c
	}

	m.mu.Lock()
	m.chunks = chunks
	m.mu.Unlock()
	return nil
}

// All returns every chunk ordered by id. Used to rebuild lexical indexes.
func (m *MemoryIndex) All() []Chunk {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Chunk, 0, len(m.chunks))
	for _, c := range m.chunks {
		out = append(out, cloneChunk(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func cloneChunk(c Chunk) Chunk {
	if c.Embedding != nil {
		c.Embedding = append([]float32(nil), c.Embedding...)
	}
	c.Metadata = cloneMetadata(c.Metadata)
	return c
}
