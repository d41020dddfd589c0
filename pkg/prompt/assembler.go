// Package prompt assembles the ordered message list sent to the model from
// system instructions, user memory, retrieved knowledge and the user turn.
package prompt

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/contextd/contextd/config"
	"github.com/contextd/contextd/pkg/llm"
	"github.com/contextd/contextd/pkg/memory"
	"github.com/contextd/contextd/pkg/rerank"
)

// NoKnowledgeMarker fills the knowledge slot when retrieval found nothing.
const NoKnowledgeMarker = "NO_EXTERNAL_KNOWLEDGE_AVAILABLE"

const noKnowledgeInstruction = "No passages from the knowledge base match this question. " +
	"Tell the user you do not have that information instead of guessing."

// maxPassageRunes bounds a single rendered passage.
const maxPassageRunes = 2000

// Input is everything one turn contributes to the prompt.
type Input struct {
	Question string
	LongTerm *memory.LongTermMemory
	Active   *memory.ActiveRecord
	Passages []rerank.RankedPassage
	Snippet  memory.SnippetOptions
	// System replaces the configured system instructions for this call.
	System string
}

// Assembled is the result of Assemble.
type Assembled struct {
	Messages []llm.Message `json:"messages"`
	// FactIDs are the long-term facts injected into the prompt.
	FactIDs []string `json:"fact_ids,omitempty"`
	// Slots names the slot of each message.
	Slots []Slot `json:"slots"`
}

// Assembler builds prompts. It is safe for concurrent use; Apply swaps the
// system prompt and examples atomically.
type Assembler struct {
	mu          sync.RWMutex
	system      string
	examples    []Example
	maxExamples int
}

// NewAssembler creates an assembler from cfg.
func NewAssembler(cfg config.PromptConfig) (*Assembler, error) {
	a := &Assembler{}
	if err := a.Apply(cfg); err != nil {
		return nil, err
	}
	return a, nil
}

// Apply reloads the system prompt and examples. On error the previous
// settings stay in effect.
func (a *Assembler) Apply(cfg config.PromptConfig) error {
	system := strings.TrimSpace(cfg.SystemInstructions)
	if cfg.SystemPath != "" {
		data, err := os.ReadFile(cfg.SystemPath)
		if err != nil {
			return fmt.Errorf("prompt: read system prompt: %w", err)
		}
		system = strings.TrimSpace(string(data))
	}
	if system == "" {
		system = config.DefaultSystemInstructions
	}

	var examples []Example
	if cfg.FewShotPath != "" {
		var err error
		if examples, err = LoadExamples(cfg.FewShotPath); err != nil {
			return err
		}
	}

	a.mu.Lock()
	a.system = system
	a.examples = examples
	a.maxExamples = cfg.MaxExamples
	a.mu.Unlock()
	return nil
}

// Examples returns the number of loaded few-shot examples.
func (a *Assembler) Examples() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.examples)
}

// Assemble builds the message list. Slots are always emitted in Slot order;
// empty memory slots are left out while the knowledge and user-turn slots
// are always present.
func (a *Assembler) Assemble(in Input) Assembled {
	a.mu.RLock()
	system := a.system
	if override := strings.TrimSpace(in.System); override != "" {
		system = override
	}
	if ex := SelectExamples(a.examples, in.Question, a.maxExamples); len(ex) > 0 {
		system += "\n\n" + formatExamples(ex)
	}
	a.mu.RUnlock()

	var (
		out     Assembled
		content [slotCount]string
	)
	content[SlotSystem] = system

	opts := in.Snippet
	if opts == (memory.SnippetOptions{}) {
		opts = memory.DefaultSnippetOptions()
	}
	if snippet := memory.BuildSnippet(in.LongTerm, opts); snippet.Text != "" {
		content[SlotLongTermMemory] = "What you know about this user:\n" + snippet.Text
		out.FactIDs = snippet.FactIDs
	}
	if in.Active != nil && strings.TrimSpace(in.Active.Summary) != "" {
		content[SlotActiveSummary] = "Summary of the conversation so far:\n" + strings.TrimSpace(in.Active.Summary)
	}
	content[SlotKnowledge] = renderKnowledge(in.Passages)
	content[SlotUserTurn] = strings.TrimSpace(in.Question)

	for slot := SlotSystem; slot < slotCount; slot++ {
		text := content[slot]
		if text == "" && slot != SlotUserTurn {
			continue
		}
		msg := llm.System(text)
		if slot == SlotUserTurn {
			msg = llm.User(text)
		}
		out.Messages = append(out.Messages, msg)
		out.Slots = append(out.Slots, slot)
	}
	return out
}

func renderKnowledge(passages []rerank.RankedPassage) string {
	var b strings.Builder
	n := 0
	for _, p := range passages {
		text := strings.TrimSpace(p.Chunk.Text)
		if text == "" {
			continue
		}
		if r := []rune(text); len(r) > maxPassageRunes {
			text = string(r[:maxPassageRunes]) + "..."
		}
		if n == 0 {
			b.WriteString("Knowledge passages:\n")
		}
		n++
		label := p.Chunk.SourceLabel
		if label == "" {
			label = p.Chunk.ID
		}
		fmt.Fprintf(&b, "\n[%d] (source: %s)\n%s\n", n, label, text)
	}
	if n == 0 {
		return NoKnowledgeMarker + "\n" + noKnowledgeInstruction
	}
	return strings.TrimSpace(b.String())
}
