package knowledge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/contextd/contextd/pkg/embedding"
)

const maxLineBytes = 4 << 20

// ReadJSONL decodes one chunk per line. Blank lines are skipped.
func ReadJSONL(r io.Reader) ([]Chunk, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), maxLineBytes)

	var chunks []Chunk
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var c Chunk
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("knowledge: line %d: %w", line, err)
		}
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("knowledge: line %d: %w", line, err)
		}
		chunks = append(chunks, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("knowledge: read: %w", err)
	}
	return chunks, nil
}

// ReadJSONLFile opens path and decodes it with ReadJSONL.
func ReadJSONLFile(path string) ([]Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("knowledge: open %s: %w", path, err)
	}
	defer f.Close()
	return ReadJSONL(f)
}

// Ingest embeds chunks that arrive without vectors and upserts them in
// batches. It returns the number of chunks written.
func Ingest(ctx context.Context, idx Index, embedder embedding.Embedder, chunks []Chunk, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 64
	}

	written := 0
	for start := 0; start < len(chunks); start += batchSize {
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := append([]Chunk(nil), chunks[start:end]...)

		var texts []string
		var pos []int
		for i, c := range batch {
			if len(c.Embedding) == 0 {
				texts = append(texts, c.Text)
				pos = append(pos, i)
			}
		}
		if len(texts) > 0 {
			if embedder == nil {
				return written, fmt.Errorf("%w: %s", ErrMissingEmbedding, batch[pos[0]].ID)
			}
			vecs, err := embedder.EmbedBatch(ctx, texts)
			if err != nil {
				return written, fmt.Errorf("knowledge: embed batch at %d: %w", start, err)
			}
			for j, i := range pos {
				batch[i].Embedding = vecs[j]
			}
		}

		if err := idx.Upsert(ctx, batch); err != nil {
			return written, fmt.Errorf("knowledge: upsert batch at %d: %w", start, err)
		}
		written += len(batch)
	}
	return written, nil
}
