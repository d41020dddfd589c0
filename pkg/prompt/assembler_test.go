package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/contextd/contextd/config"
	"github.com/contextd/contextd/pkg/knowledge"
	"github.com/contextd/contextd/pkg/llm"
	"github.com/contextd/contextd/pkg/memory"
	"github.com/contextd/contextd/pkg/rerank"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAssembler(t *testing.T) *Assembler {
	t.Helper()
	a, err := NewAssembler(config.DefaultConfig().Prompt)
	require.NoError(t, err)
	return a
}

func passage(id, label, text string) rerank.RankedPassage {
	return rerank.RankedPassage{Chunk: knowledge.Chunk{ID: id, SourceLabel: label, Text: text}}
}

func TestAssemble_EmptyKnowledgeStillValid(t *testing.T) {
	got := newAssembler(t).Assemble(Input{Question: "What is the refund window?"})

	assert.Equal(t, []Slot{SlotSystem, SlotKnowledge, SlotUserTurn}, got.Slots)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, llm.RoleSystem, got.Messages[0].Role)
	assert.Contains(t, got.Messages[1].Content, NoKnowledgeMarker)
	assert.Equal(t, llm.User("What is the refund window?"), got.Messages[2])
	assert.Empty(t, got.FactIDs)
}

func TestAssemble_FixedOrder(t *testing.T) {
	ltm := memory.NewLongTermMemory("u1", time.Now())
	ltm.Profile["name"] = "Dana"
	ltm.Facts = []memory.Fact{
		{ID: "f1", Text: "Works at Acme", Importance: memory.ImportanceHigh},
		{ID: "f2", Text: "Has a cat", Importance: memory.ImportanceLow},
	}

	got := newAssembler(t).Assemble(Input{
		Question: "  How do I export reports?  ",
		LongTerm: ltm,
		Active:   &memory.ActiveRecord{Summary: "User is setting up reporting."},
		Passages: []rerank.RankedPassage{
			passage("c1", "guide.md", "Export reports as CSV from the Reports tab."),
			passage("c2", "", "Reports refresh hourly."),
			passage("c3", "empty.md", "   "),
		},
	})

	assert.Equal(t, []Slot{SlotSystem, SlotLongTermMemory, SlotActiveSummary, SlotKnowledge, SlotUserTurn}, got.Slots)
	require.Len(t, got.Messages, 5)
	assert.Contains(t, got.Messages[1].Content, "Works at Acme")
	assert.NotContains(t, got.Messages[1].Content, "Has a cat")
	assert.Contains(t, got.Messages[2].Content, "setting up reporting")
	assert.Contains(t, got.Messages[3].Content, "[1] (source: guide.md)")
	assert.Contains(t, got.Messages[3].Content, "[2] (source: c2)")
	assert.NotContains(t, got.Messages[3].Content, "[3]")
	assert.NotContains(t, got.Messages[3].Content, NoKnowledgeMarker)
	assert.Equal(t, "How do I export reports?", got.Messages[4].Content)
	assert.Equal(t, []string{"f1"}, got.FactIDs)

	for _, m := range got.Messages[:4] {
		assert.Equal(t, llm.RoleSystem, m.Role)
	}
}

func TestAssemble_LongPassageTruncated(t *testing.T) {
	long := strings.Repeat("a", maxPassageRunes+100)
	got := newAssembler(t).Assemble(Input{Question: "q", Passages: []rerank.RankedPassage{passage("c1", "x", long)}})
	assert.Less(t, len(got.Messages[1].Content), maxPassageRunes+100)
}

func writeExamples(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "qna.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644))
	return path
}

func TestLoadAndSelectExamples(t *testing.T) {
	path := writeExamples(t,
		`{"question":"How do I reset my password?","answer":"Use the account page."}`,
		``,
		`not json`,
		`{"question":"How do I export reports?","answer_style":"Open Reports and click export.","metadata":{"tone":"warm","key_term":"reports"}}`,
		`{"question":"Missing answer"}`,
		`{"question":"Where are monthly reports stored?","answer":"In the archive."}`,
	)

	examples, err := LoadExamples(path)
	require.NoError(t, err)
	require.Len(t, examples, 3)
	assert.Equal(t, "Open Reports and click export.", examples[1].Answer)
	assert.Equal(t, "reports", examples[1].KeyTerms)

	got := SelectExamples(examples, "Can I export monthly reports?", 3)
	require.Len(t, got, 2)
	assert.Equal(t, "How do I export reports?", got[0].Question)

	assert.Len(t, SelectExamples(examples, "Can I export monthly reports?", 1), 1)
	assert.Empty(t, SelectExamples(examples, "hi", 3))
	assert.Empty(t, SelectExamples(examples, "export", 0))

	_, err = LoadExamples(filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.Error(t, err)
}

func TestAssembler_Apply(t *testing.T) {
	dir := t.TempDir()
	systemPath := filepath.Join(dir, "system.txt")
	require.NoError(t, os.WriteFile(systemPath, []byte("Custom system prompt.\n"), 0o644))

	cfg := config.DefaultConfig().Prompt
	cfg.SystemPath = systemPath
	cfg.FewShotPath = writeExamples(t, `{"question":"How do I export reports?","answer":"Click export."}`)

	a, err := NewAssembler(cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, a.Examples())

	got := a.Assemble(Input{Question: "export reports please"})
	assert.True(t, strings.HasPrefix(got.Messages[0].Content, "Custom system prompt."))
	assert.Contains(t, got.Messages[0].Content, "Click export.")

	bad := cfg
	bad.SystemPath = filepath.Join(dir, "missing.txt")
	assert.Error(t, a.Apply(bad))
	assert.Equal(t, 1, a.Examples(), "failed apply keeps previous settings")
}

func TestSlot_String(t *testing.T) {
	assert.Equal(t, "long_term_memory", SlotLongTermMemory.String())
	assert.Equal(t, "unknown", Slot(42).String())

	var s Slot
	require.NoError(t, s.UnmarshalText([]byte("active_summary")))
	assert.Equal(t, SlotActiveSummary, s)
	assert.Error(t, s.UnmarshalText([]byte("unknown")))
}

func TestAssemble_SystemOverride(t *testing.T) {
	a := newAssembler(t)

	got := a.Assemble(Input{Question: "hi", System: "  You are terse.  "})
	assert.Equal(t, "You are terse.", got.Messages[0].Content)

	got = a.Assemble(Input{Question: "hi", System: "   "})
	assert.Equal(t, config.DefaultSystemInstructions, got.Messages[0].Content)
}
