package memory

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// looseMemory accepts every stored shape: the current schema, version 1
// documents with plain-string facts, and the short "tasks" and "themes"
// field names.
type looseMemory struct {
	SchemaVersion      int                        `json:"schema_version"`
	UserID             string                     `json:"user_id"`
	Profile            map[string]json.RawMessage `json:"profile"`
	Preferences        map[string]json.RawMessage `json:"preferences"`
	Facts              []json.RawMessage          `json:"facts"`
	OpenTasks          []json.RawMessage          `json:"open_tasks"`
	Tasks              []json.RawMessage          `json:"tasks"`
	ConversationThemes []string                   `json:"conversation_themes"`
	Themes             []string                   `json:"themes"`
	Summary            string                     `json:"summary"`
	LastUpdatedAt      *time.Time                 `json:"last_updated_at"`
}

type looseFact struct {
	ID            string     `json:"id"`
	Text          string     `json:"text"`
	Fact          string     `json:"fact"`
	Importance    string     `json:"importance"`
	Tags          []string   `json:"tags"`
	CreatedAt     *time.Time `json:"created_at"`
	LastUpdatedAt *time.Time `json:"last_updated_at"`
	LastUsedAt    *time.Time `json:"last_used_at"`
}

type looseTask struct {
	ID            string     `json:"id"`
	Description   string     `json:"description"`
	Task          string     `json:"task"`
	Status        string     `json:"status"`
	CreatedAt     *time.Time `json:"created_at"`
	LastUpdatedAt *time.Time `json:"last_updated_at"`
}

// Migrate decodes a stored document of any known version into the current
// schema. Invalid importance becomes low, invalid status becomes open and
// missing IDs are assigned with newID. It fails only when data is not a JSON
// object.
func Migrate(data []byte, userID string, now time.Time, newID func() string) (*LongTermMemory, error) {
	var raw looseMemory
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("memory: decode long-term memory: %w", err)
	}

	m := NewLongTermMemory(userID, now)
	if raw.LastUpdatedAt != nil {
		m.LastUpdatedAt = *raw.LastUpdatedAt
	}
	m.Summary = strings.TrimSpace(raw.Summary)
	m.Profile = looseStringMap(raw.Profile)
	m.Preferences = looseStringMap(raw.Preferences)

	for _, rf := range raw.Facts {
		if f, ok := migrateFact(rf, m.LastUpdatedAt, newID); ok {
			m.Facts = append(m.Facts, f)
		}
	}

	tasks := raw.OpenTasks
	if len(tasks) == 0 {
		tasks = raw.Tasks
	}
	for _, rt := range tasks {
		if t, ok := migrateTask(rt, m.LastUpdatedAt, newID); ok {
			m.OpenTasks = append(m.OpenTasks, t)
		}
	}

	themes := raw.ConversationThemes
	if len(themes) == 0 {
		themes = raw.Themes
	}
	m.ConversationThemes = cleanStrings(themes)

	return m, nil
}

func migrateFact(data json.RawMessage, at time.Time, newID func() string) (Fact, bool) {
	var text string
	if json.Unmarshal(data, &text) == nil {
		text = strings.TrimSpace(text)
		return Fact{ID: newID(), Text: text, Importance: ImportanceLow, CreatedAt: at, LastUpdatedAt: at}, text != ""
	}

	var lf looseFact
	if json.Unmarshal(data, &lf) != nil {
		return Fact{}, false
	}
	f := Fact{
		ID:         strings.TrimSpace(lf.ID),
		Text:       strings.TrimSpace(lf.Text),
		Tags:       cleanStrings(lf.Tags),
		LastUsedAt: lf.LastUsedAt,
	}
	if f.Text == "" {
		f.Text = strings.TrimSpace(lf.Fact)
	}
	if f.Text == "" {
		return Fact{}, false
	}
	if f.ID == "" {
		f.ID = newID()
	}
	imp, ok := ParseImportance(lf.Importance)
	if !ok {
		imp = ImportanceLow
	}
	f.Importance = imp
	f.CreatedAt = timeOr(lf.CreatedAt, at)
	f.LastUpdatedAt = timeOr(lf.LastUpdatedAt, f.CreatedAt)
	return f, true
}

func migrateTask(data json.RawMessage, at time.Time, newID func() string) (Task, bool) {
	var desc string
	if json.Unmarshal(data, &desc) == nil {
		desc = strings.TrimSpace(desc)
		return Task{ID: newID(), Description: desc, Status: TaskOpen, CreatedAt: at, LastUpdatedAt: at}, desc != ""
	}

	var lt looseTask
	if json.Unmarshal(data, &lt) != nil {
		return Task{}, false
	}
	t := Task{ID: strings.TrimSpace(lt.ID), Description: strings.TrimSpace(lt.Description)}
	if t.Description == "" {
		t.Description = strings.TrimSpace(lt.Task)
	}
	if t.Description == "" {
		return Task{}, false
	}
	if t.ID == "" {
		t.ID = newID()
	}
	st, ok := ParseTaskStatus(lt.Status)
	if !ok {
		st = TaskOpen
	}
	t.Status = st
	t.CreatedAt = timeOr(lt.CreatedAt, at)
	t.LastUpdatedAt = timeOr(lt.LastUpdatedAt, t.CreatedAt)
	return t, true
}

// looseStringMap keeps scalar values and drops the rest.
func looseStringMap(in map[string]json.RawMessage) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		var val any
		if json.Unmarshal(v, &val) != nil {
			continue
		}
		switch x := val.(type) {
		case string:
			if s := strings.TrimSpace(x); s != "" {
				out[k] = s
			}
		case float64:
			out[k] = strconv.FormatFloat(x, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(x)
		}
	}
	return out
}

func timeOr(t *time.Time, def time.Time) time.Time {
	if t == nil || t.IsZero() {
		return def
	}
	return *t
}
