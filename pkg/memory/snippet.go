package memory

import (
	"fmt"
	"sort"
	"strings"
)

// SortFacts orders facts by importance desc, then recency desc, then id
// desc. This is both the eviction order and the snippet order.
func SortFacts(facts []Fact) {
	sort.SliceStable(facts, func(i, j int) bool {
		a, b := facts[i], facts[j]
		if ra, rb := a.Importance.Rank(), b.Importance.Rank(); ra != rb {
			return ra > rb
		}
		if ta, tb := a.Recency(), b.Recency(); !ta.Equal(tb) {
			return ta.After(tb)
		}
		return a.ID > b.ID
	})
}

// Evict keeps the first max facts in eviction order and returns how many
// were dropped. max <= 0 disables the cap.
func Evict(facts []Fact, max int) ([]Fact, int) {
	if max <= 0 || len(facts) <= max {
		return facts, 0
	}
	sorted := append([]Fact(nil), facts...)
	SortFacts(sorted)
	return sorted[:max], len(facts) - max
}

// SnippetOptions bound what a snippet includes.
type SnippetOptions struct {
	MinImportance Importance
	MaxFacts      int
	MaxTasks      int
}

// DefaultSnippetOptions returns the default snippet bounds.
func DefaultSnippetOptions() SnippetOptions {
	return SnippetOptions{MinImportance: ImportanceMedium, MaxFacts: 8, MaxTasks: 3}
}

// Snippet is a compact rendering of long-term memory.
type Snippet struct {
	Text    string
	FactIDs []string
}

// BuildSnippet renders profile and preferences, facts at or above the
// importance threshold, and active tasks. It returns an empty snippet when
// nothing qualifies.
func BuildSnippet(m *LongTermMemory, opts SnippetOptions) Snippet {
	if m == nil {
		return Snippet{}
	}

	var b strings.Builder
	writeMap(&b, "Profile", m.Profile)
	writeMap(&b, "Preferences", m.Preferences)

	minRank := opts.MinImportance.Rank()
	facts := make([]Fact, 0, len(m.Facts))
	for _, f := range m.Facts {
		if f.Importance.Rank() >= minRank {
			facts = append(facts, f)
		}
	}
	SortFacts(facts)
	if opts.MaxFacts >= 0 && len(facts) > opts.MaxFacts {
		facts = facts[:opts.MaxFacts]
	}

	var ids []string
	if len(facts) > 0 {
		b.WriteString("Known facts:\n")
		for _, f := range facts {
			fmt.Fprintf(&b, "- %s (%s)\n", f.Text, f.Importance)
			ids = append(ids, f.ID)
		}
	}

	var tasks []Task
	for _, t := range m.OpenTasks {
		if t.Active() {
			tasks = append(tasks, t)
		}
	}
	if opts.MaxTasks >= 0 && len(tasks) > opts.MaxTasks {
		tasks = tasks[:opts.MaxTasks]
	}
	if len(tasks) > 0 {
		b.WriteString("Open tasks:\n")
		for _, t := range tasks {
			fmt.Fprintf(&b, "- [%s] %s (id: %s)\n", t.Status, t.Description, t.ID)
		}
	}

	return Snippet{Text: strings.TrimSpace(b.String()), FactIDs: ids}
}

func writeMap(b *strings.Builder, title string, m map[string]string) {
	if len(m) == 0 {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteString(title)
	b.WriteString(":\n")
	for _, k := range keys {
		fmt.Fprintf(b, "- %s: %s\n", k, m[k])
	}
}
