// Package onnxrt holds the pieces shared by the in-process ONNX embedder and
// cross-encoder: a BERT WordPiece tokenizer and, under the onnx build tag,
// onnxruntime session helpers.
package onnxrt

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// ErrEmptyVocab is returned when a vocabulary file holds no tokens.
var ErrEmptyVocab = errors.New("onnxrt: empty vocabulary")

const maxWordChars = 100

// Encoding is a model-ready token sequence.
type Encoding struct {
	InputIDs      []int64
	AttentionMask []int64
	TokenTypeIDs  []int64
}

// Len returns the number of positions.
func (e Encoding) Len() int { return len(e.InputIDs) }

// Pad extends the encoding with padding up to n positions.
func (e Encoding) Pad(n int, padID int64) Encoding {
	for len(e.InputIDs) < n {
		e.InputIDs = append(e.InputIDs, padID)
		e.AttentionMask = append(e.AttentionMask, 0)
		e.TokenTypeIDs = append(e.TokenTypeIDs, 0)
	}
	return e
}

// Tokenizer is an uncased BERT WordPiece tokenizer.
type Tokenizer struct {
	vocab map[string]int64
	cls   int64
	sep   int64
	unk   int64
	pad   int64
}

// LoadTokenizer reads a HuggingFace tokenizer.json or a vocab.txt file.
func LoadTokenizer(path string) (*Tokenizer, error) {
	var (
		vocab map[string]int64
		err   error
	)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		vocab, err = loadJSONVocab(path)
	} else {
		vocab, err = loadTextVocab(path)
	}
	if err != nil {
		return nil, fmt.Errorf("load tokenizer %s: %w", path, err)
	}
	return NewTokenizer(vocab)
}

// NewTokenizer builds a tokenizer from a token to id map.
func NewTokenizer(vocab map[string]int64) (*Tokenizer, error) {
	if len(vocab) == 0 {
		return nil, ErrEmptyVocab
	}
	t := &Tokenizer{vocab: vocab}
	t.cls = t.special("[CLS]", 101)
	t.sep = t.special("[SEP]", 102)
	t.unk = t.special("[UNK]", 100)
	t.pad = t.special("[PAD]", 0)
	return t, nil
}

func (t *Tokenizer) special(tok string, fallback int64) int64 {
	if id, ok := t.vocab[tok]; ok {
		return id
	}
	return fallback
}

// PadID returns the padding token id.
func (t *Tokenizer) PadID() int64 { return t.pad }

// Tokenize converts text to WordPiece ids without special tokens.
func (t *Tokenizer) Tokenize(text string) []int64 {
	var ids []int64
	for _, word := range basicTokenize(text) {
		ids = append(ids, t.wordPiece(word)...)
	}
	return ids
}

// Encode produces [CLS] text [SEP], truncated to maxLen positions.
func (t *Tokenizer) Encode(text string, maxLen int) Encoding {
	ids := t.Tokenize(text)
	if maxLen > 2 && len(ids) > maxLen-2 {
		ids = ids[:maxLen-2]
	}

	enc := Encoding{}
	enc.InputIDs = append(enc.InputIDs, t.cls)
	enc.InputIDs = append(enc.InputIDs, ids...)
	enc.InputIDs = append(enc.InputIDs, t.sep)
	enc.AttentionMask = ones(len(enc.InputIDs))
	enc.TokenTypeIDs = make([]int64, len(enc.InputIDs))
	return enc
}

// EncodePair produces [CLS] a [SEP] b [SEP] for cross-encoders. The longer
// segment is truncated first until the pair fits maxLen.
func (t *Tokenizer) EncodePair(a, b string, maxLen int) Encoding {
	idsA := t.Tokenize(a)
	idsB := t.Tokenize(b)
	if maxLen > 3 {
		for len(idsA)+len(idsB) > maxLen-3 {
			if len(idsA) > len(idsB) {
				idsA = idsA[:len(idsA)-1]
			} else {
				idsB = idsB[:len(idsB)-1]
			}
		}
	}

	enc := Encoding{}
	enc.InputIDs = append(enc.InputIDs, t.cls)
	enc.InputIDs = append(enc.InputIDs, idsA...)
	enc.InputIDs = append(enc.InputIDs, t.sep)
	first := len(enc.InputIDs)
	enc.InputIDs = append(enc.InputIDs, idsB...)
	enc.InputIDs = append(enc.InputIDs, t.sep)

	enc.AttentionMask = ones(len(enc.InputIDs))
	enc.TokenTypeIDs = make([]int64, len(enc.InputIDs))
	for i := first; i < len(enc.TokenTypeIDs); i++ {
		enc.TokenTypeIDs[i] = 1
	}
	return enc
}

func (t *Tokenizer) wordPiece(word string) []int64 {
	if id, ok := t.vocab[word]; ok {
		return []int64{id}
	}
	runes := []rune(word)
	if len(runes) > maxWordChars {
		return []int64{t.unk}
	}

	var ids []int64
	start := 0
	for start < len(runes) {
		end := len(runes)
		var id int64
		found := false
		for end > start {
			sub := string(runes[start:end])
			if start > 0 {
				sub = "##" + sub
			}
			if v, ok := t.vocab[sub]; ok {
				id, found = v, true
				break
			}
			end--
		}
		if !found {
			// A word that cannot be fully covered maps to a single [UNK].
			return []int64{t.unk}
		}
		ids = append(ids, id)
		start = end
	}
	return ids
}

// basicTokenize lowercases, splits on whitespace and isolates punctuation.
func basicTokenize(text string) []string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.Is(unicode.Han, r):
			flush()
			words = append(words, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return words
}

func ones(n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

func loadJSONVocab(path string) (map[string]int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Model struct {
			Vocab map[string]int64 `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc.Model.Vocab, nil
}

func loadTextVocab(path string) (map[string]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	vocab := make(map[string]int64)
	scanner := bufio.NewScanner(f)
	var id int64
	for scanner.Scan() {
		tok := strings.TrimRight(scanner.Text(), "\r")
		if tok != "" {
			vocab[tok] = id
		}
		id++
	}
	return vocab, scanner.Err()
}
