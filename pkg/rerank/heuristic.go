package rerank

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/contextd/contextd/config"
	"github.com/contextd/contextd/pkg/knowledge"
)

// StrategyHeuristic names the heuristic scorer in outcomes and metrics.
const StrategyHeuristic = "heuristic"

// Weights are the heuristic scorer's signal weights.
type Weights struct {
	ExactMatch       float64
	TokenOverlap     float64
	Glossary         float64
	GlossaryCap      int
	Position         float64
	GenericPenalty   float64
	LengthPenalty    float64
	LongPassageChars int
}

// DefaultWeights returns the built-in weights.
func DefaultWeights() Weights {
	return Weights{
		ExactMatch:       10.0,
		TokenOverlap:     3.0,
		Glossary:         1.5,
		GlossaryCap:      3,
		Position:         1.0,
		GenericPenalty:   2.0,
		LengthPenalty:    1.0,
		LongPassageChars: 1200,
	}
}

// WeightsFromConfig converts config into weights.
func WeightsFromConfig(cfg config.HeuristicConfig) Weights {
	w := Weights{
		ExactMatch:       cfg.ExactMatch,
		TokenOverlap:     cfg.TokenOverlap,
		Glossary:         cfg.Glossary,
		GlossaryCap:      cfg.GlossaryCap,
		Position:         cfg.Position,
		GenericPenalty:   cfg.GenericPenalty,
		LengthPenalty:    cfg.LengthPenalty,
		LongPassageChars: cfg.LongPassageChars,
	}
	if w.LongPassageChars <= 0 {
		w.LongPassageChars = DefaultWeights().LongPassageChars
	}
	return w
}

// HeuristicReranker scores passages with weighted lexical signals. It never
// fails and needs no external service.
//
// Passages containing the whole query ("exact match") always rank above
// passages that do not, whatever the weights; within each group the weighted
// score decides, and ties keep the original similarity order.
type HeuristicReranker struct {
	mu       sync.RWMutex
	weights  Weights
	markers  []string
	glossary []string
}

// NewHeuristicReranker creates a scorer with explicit settings.
func NewHeuristicReranker(w Weights, genericMarkers, glossary []string) *HeuristicReranker {
	return &HeuristicReranker{
		weights:  w,
		markers:  normalizeTerms(genericMarkers),
		glossary: normalizeTerms(glossary),
	}
}

// NewHeuristicFromConfig creates a scorer from config, loading the glossary
// file when one is configured.
func NewHeuristicFromConfig(cfg config.HeuristicConfig) (*HeuristicReranker, error) {
	h := NewHeuristicReranker(WeightsFromConfig(cfg), nil, nil)
	if err := h.Apply(cfg); err != nil {
		return nil, err
	}
	return h, nil
}

// Apply replaces weights, markers and glossary. It is safe to call while
// requests are being served.
func (h *HeuristicReranker) Apply(cfg config.HeuristicConfig) error {
	terms := append([]string(nil), cfg.GlossaryTerms...)
	if cfg.GlossaryPath != "" {
		fromFile, err := LoadGlossary(cfg.GlossaryPath)
		if err != nil {
			return err
		}
		terms = append(terms, fromFile...)
	}

	h.mu.Lock()
	h.weights = WeightsFromConfig(cfg)
	h.markers = normalizeTerms(cfg.GenericMarkers)
	h.glossary = normalizeTerms(terms)
	h.mu.Unlock()
	return nil
}

// Glossary returns the normalized glossary terms in use.
func (h *HeuristicReranker) Glossary() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.glossary...)
}

// Weights returns the current weights.
func (h *HeuristicReranker) Weights() Weights {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.weights
}

type scored struct {
	passage RankedPassage
	exact   bool
	rank    int
}

// Rerank scores every candidate and returns the top n.
func (h *HeuristicReranker) Rerank(ctx context.Context, query string, candidates []knowledge.Candidate, n int) ([]RankedPassage, error) {
	if len(candidates) == 0 {
		return []RankedPassage{}, nil
	}

	h.mu.RLock()
	w, markers, glossary := h.weights, h.markers, h.glossary
	h.mu.RUnlock()

	q := prepareQuery(query, glossary)
	items := make([]scored, len(candidates))
	for i, c := range candidates {
		exact, score := scorePassage(q, c.Chunk, w, markers)
		items[i] = scored{
			passage: RankedPassage{Chunk: c.Chunk, Relevance: score, Similarity: c.Similarity},
			exact:   exact,
			rank:    i,
		}
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.exact != b.exact {
			return a.exact
		}
		if a.passage.Relevance != b.passage.Relevance {
			return a.passage.Relevance > b.passage.Relevance
		}
		return a.rank < b.rank
	})

	n = clampN(n, len(items))
	out := make([]RankedPassage, n)
	for i := 0; i < n; i++ {
		out[i] = items[i].passage
	}
	return out, nil
}

type preparedQuery struct {
	phrase   string
	tokens   []string
	glossary []string
}

func prepareQuery(query string, glossary []string) preparedQuery {
	q := preparedQuery{phrase: normalizeText(query)}

	seen := make(map[string]struct{})
	for _, t := range knowledge.Terms(query) {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		q.tokens = append(q.tokens, t)
	}

	for _, term := range glossary {
		if containsTerm(q.phrase, term) {
			q.glossary = append(q.glossary, term)
		}
	}
	return q
}

// scorePassage returns whether the passage contains the whole query and its
// weighted score.
func scorePassage(q preparedQuery, c knowledge.Chunk, w Weights, markers []string) (bool, float64) {
	text := normalizeText(c.Text)
	if text == "" {
		return false, 0
	}

	score := 0.0

	exactAt := -1
	if q.phrase != "" {
		exactAt = strings.Index(text, q.phrase)
	}
	exact := exactAt >= 0
	if exact {
		score += w.ExactMatch
	}

	firstAt := exactAt
	if len(q.tokens) > 0 {
		present := make(map[string]struct{})
		for _, t := range knowledge.Terms(text) {
			present[t] = struct{}{}
		}
		hits := 0
		for _, t := range q.tokens {
			if _, ok := present[t]; !ok {
				continue
			}
			hits++
			if firstAt < 0 {
				if at := strings.Index(text, t); at >= 0 {
					firstAt = at
				}
			} else if !exact {
				if at := strings.Index(text, t); at >= 0 && at < firstAt {
					firstAt = at
				}
			}
		}
		score += w.TokenOverlap * float64(hits) / float64(len(q.tokens))
	}

	if len(q.glossary) > 0 && w.GlossaryCap > 0 {
		shared := 0
		for _, term := range q.glossary {
			if containsTerm(text, term) {
				shared++
				if shared == w.GlossaryCap {
					break
				}
			}
		}
		score += w.Glossary * float64(shared)
	}

	if firstAt >= 0 {
		score += w.Position * (1 - float64(firstAt)/float64(len(text)))
	}

	if c.Generic() || containsAny(text, markers) {
		score -= w.GenericPenalty
	}

	if chars := utf8.RuneCountInString(c.Text); w.LongPassageChars > 0 && chars > w.LongPassageChars {
		excess := float64(chars-w.LongPassageChars) / float64(w.LongPassageChars)
		score -= w.LengthPenalty * math.Min(excess, 1)
	}

	return exact, score
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func containsAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

// containsTerm reports whether term occurs in text on word boundaries.
func containsTerm(text, term string) bool {
	if term == "" {
		return false
	}
	from := 0
	for {
		at := strings.Index(text[from:], term)
		if at < 0 {
			return false
		}
		start := from + at
		end := start + len(term)
		if isBoundary(text, start-1, true) && isBoundary(text, end, false) {
			return true
		}
		from = start + 1
		if from >= len(text) {
			return false
		}
	}
}

func isBoundary(text string, pos int, before bool) bool {
	if pos < 0 || pos >= len(text) {
		return true
	}
	var r rune
	if before {
		r, _ = utf8.DecodeLastRuneInString(text[:pos+1])
	} else {
		r, _ = utf8.DecodeRuneInString(text[pos:])
	}
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
