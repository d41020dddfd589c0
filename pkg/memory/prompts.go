package memory

import (
	"fmt"
	"strings"

	"github.com/contextd/contextd/pkg/llm"
)

const extractionInstructions = `You maintain long-term memory about a user.
Read the latest exchange and the current memory, then report only NEW or CHANGED information
that will still matter in future conversations. Ignore small talk and one-off requests.

Answer with a single JSON object and nothing else:
{"facts":[{"text":"...","importance":"low|medium|high","tags":["..."]}],
 "preferences":{"key":"value"},
 "profile":{"key":"value"},
 "tasks":[{"id":"existing task id, omit for a new task","description":"...","status":"open|in_progress|done"}],
 "themes":["..."],
 "summary":"one or two sentences about the user, or empty"}

Use empty arrays and objects when nothing changed. Do not repeat facts that are already known.`

const summaryInstructions = `You keep a running summary of the current conversation.
Fold the new turns into the previous summary. Keep names, decisions, open questions and
what the user is trying to achieve. Drop greetings and filler.
Answer with the summary text only, at most %d words.`

func extractionMessages(current *LongTermMemory, userTurn, assistantTurn string) []llm.Message {
	snippet := BuildSnippet(current, SnippetOptions{MinImportance: ImportanceLow, MaxFacts: -1, MaxTasks: -1})
	known := snippet.Text
	if known == "" {
		known = "(nothing known yet)"
	}

	var b strings.Builder
	b.WriteString("Current memory:\n")
	b.WriteString(known)
	b.WriteString("\n\nLatest exchange:\nUser: ")
	b.WriteString(strings.TrimSpace(userTurn))
	b.WriteString("\nAssistant: ")
	b.WriteString(strings.TrimSpace(assistantTurn))

	return []llm.Message{llm.System(extractionInstructions), llm.User(b.String())}
}

func summaryMessages(previous string, turns []Turn, maxWords int) []llm.Message {
	var b strings.Builder
	b.WriteString("Previous summary:\n")
	if strings.TrimSpace(previous) == "" {
		b.WriteString("(none)")
	} else {
		b.WriteString(previous)
	}
	b.WriteString("\n\nNew turns:\n")
	for _, t := range turns {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, strings.TrimSpace(t.Content))
	}

	return []llm.Message{
		llm.System(fmt.Sprintf(summaryInstructions, maxWords)),
		llm.User(strings.TrimSpace(b.String())),
	}
}
