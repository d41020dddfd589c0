package prompt

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode"
)

// Example is one question and answer pair used to show the expected style.
type Example struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Tone     string `json:"tone,omitempty"`
	KeyTerms string `json:"key_terms,omitempty"`
}

type rawExample struct {
	Question    string `json:"question"`
	Answer      string `json:"answer"`
	AnswerStyle string `json:"answer_style"`
	Metadata    struct {
		Tone    string `json:"tone"`
		KeyTerm string `json:"key_term"`
	} `json:"metadata"`
}

// LoadExamples reads a JSONL file of examples. Blank and undecodable lines
// and entries without a question or answer are skipped.
func LoadExamples(path string) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("prompt: open examples: %w", err)
	}
	defer f.Close()

	var out []Example
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var raw rawExample
		if json.Unmarshal([]byte(line), &raw) != nil {
			continue
		}
		ex := Example{
			Question: strings.TrimSpace(raw.Question),
			Answer:   strings.TrimSpace(raw.Answer),
			Tone:     strings.TrimSpace(raw.Metadata.Tone),
			KeyTerms: strings.TrimSpace(raw.Metadata.KeyTerm),
		}
		if ex.Answer == "" {
			ex.Answer = strings.TrimSpace(raw.AnswerStyle)
		}
		if ex.Question == "" || ex.Answer == "" {
			continue
		}
		out = append(out, ex)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("prompt: read examples: %w", err)
	}
	return out, nil
}

// SelectExamples returns up to max examples sharing words with question,
// most overlapping first and file order on ties. Words shorter than four
// characters are ignored.
func SelectExamples(examples []Example, question string, max int) []Example {
	if max <= 0 || len(examples) == 0 {
		return nil
	}
	terms := keywords(question)
	if len(terms) == 0 {
		return nil
	}

	type scored struct {
		idx   int
		score int
	}
	var hits []scored
	for i, ex := range examples {
		words := keywords(ex.Question + " " + ex.Answer + " " + ex.KeyTerms)
		score := 0
		for t := range terms {
			if _, ok := words[t]; ok {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{idx: i, score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > max {
		hits = hits[:max]
	}

	out := make([]Example, len(hits))
	for i, h := range hits {
		out[i] = examples[h.idx]
	}
	return out
}

func keywords(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(w)) > 3 {
			out[w] = struct{}{}
		}
	}
	return out
}

func formatExamples(examples []Example) string {
	var b strings.Builder
	b.WriteString("Examples of the expected answer style:\n")
	for _, ex := range examples {
		fmt.Fprintf(&b, "\nQuestion: %s\nAnswer: %s\n", ex.Question, ex.Answer)
		if ex.Tone != "" || ex.KeyTerms != "" {
			fmt.Fprintf(&b, "[tone: %s, key terms: %s]\n", ex.Tone, ex.KeyTerms)
		}
	}
	return strings.TrimSpace(b.String())
}
