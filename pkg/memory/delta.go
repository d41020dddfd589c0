package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/contextd/contextd/pkg/llm"
)

// ErrInvalidDelta is wrapped by every delta validation failure.
var ErrInvalidDelta = errors.New("memory: invalid extraction delta")

// FactDelta is a new fact proposed by extraction.
type FactDelta struct {
	Text       string     `json:"text"`
	Importance Importance `json:"importance"`
	Tags       []string   `json:"tags,omitempty"`
}

// TaskDelta patches a task by ID or, without an ID, adds a new one.
type TaskDelta struct {
	ID          string     `json:"id,omitempty"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status,omitempty"`
}

// Delta is the validated output of one extraction call.
type Delta struct {
	Facts       []FactDelta       `json:"facts"`
	Preferences map[string]string `json:"preferences"`
	Profile     map[string]string `json:"profile"`
	Tasks       []TaskDelta       `json:"tasks"`
	Themes      []string          `json:"themes"`
	Summary     string            `json:"summary,omitempty"`
}

// Empty reports whether the delta changes nothing.
func (d *Delta) Empty() bool {
	return len(d.Facts) == 0 && len(d.Preferences) == 0 && len(d.Profile) == 0 &&
		len(d.Tasks) == 0 && len(d.Themes) == 0 && strings.TrimSpace(d.Summary) == ""
}

type rawDelta struct {
	Facts       []rawFactDelta             `json:"facts"`
	Preferences map[string]json.RawMessage `json:"preferences"`
	Profile     map[string]json.RawMessage `json:"profile"`
	Tasks       []rawTaskDelta             `json:"tasks"`
	Themes      []string                   `json:"themes"`
	Summary     *string                    `json:"summary"`
}

type rawFactDelta struct {
	Text       string   `json:"text"`
	Importance string   `json:"importance"`
	Tags       []string `json:"tags"`
}

type rawTaskDelta struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

// ParseDelta extracts the first JSON object from model output and validates
// it. Any invalid element rejects the whole delta.
func ParseDelta(output string) (*Delta, error) {
	obj, err := llm.ExtractJSONObject(output)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDelta, err)
	}

	var raw rawDelta
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDelta, err)
	}

	d := &Delta{
		Facts:  make([]FactDelta, 0, len(raw.Facts)),
		Tasks:  make([]TaskDelta, 0, len(raw.Tasks)),
		Themes: make([]string, 0, len(raw.Themes)),
	}

	for i, f := range raw.Facts {
		text := strings.TrimSpace(f.Text)
		if text == "" {
			return nil, fmt.Errorf("%w: fact %d has empty text", ErrInvalidDelta, i)
		}
		imp := ImportanceLow
		if strings.TrimSpace(f.Importance) != "" {
			var ok bool
			if imp, ok = ParseImportance(f.Importance); !ok {
				return nil, fmt.Errorf("%w: fact %d has unknown importance %q", ErrInvalidDelta, i, f.Importance)
			}
		}
		d.Facts = append(d.Facts, FactDelta{Text: text, Importance: imp, Tags: cleanStrings(f.Tags)})
	}

	if d.Preferences, err = stringMap(raw.Preferences); err != nil {
		return nil, fmt.Errorf("%w: preferences: %v", ErrInvalidDelta, err)
	}
	if d.Profile, err = stringMap(raw.Profile); err != nil {
		return nil, fmt.Errorf("%w: profile: %v", ErrInvalidDelta, err)
	}

	for i, t := range raw.Tasks {
		td := TaskDelta{ID: strings.TrimSpace(t.ID), Description: strings.TrimSpace(t.Description)}
		if strings.TrimSpace(t.Status) != "" {
			st, ok := ParseTaskStatus(t.Status)
			if !ok {
				return nil, fmt.Errorf("%w: task %d has unknown status %q", ErrInvalidDelta, i, t.Status)
			}
			td.Status = st
		}
		if td.ID == "" && td.Description == "" {
			return nil, fmt.Errorf("%w: task %d needs an id or a description", ErrInvalidDelta, i)
		}
		d.Tasks = append(d.Tasks, td)
	}

	d.Themes = cleanStrings(raw.Themes)
	if raw.Summary != nil {
		d.Summary = strings.TrimSpace(*raw.Summary)
	}
	return d, nil
}

// stringMap accepts string, number and boolean values. Null values are
// skipped; nested values are rejected.
func stringMap(in map[string]json.RawMessage) (map[string]string, error) {
	out := make(map[string]string, len(in))
	for k, v := range in {
		key := strings.TrimSpace(k)
		if key == "" {
			return nil, errors.New("empty key")
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return nil, err
		}
		switch x := val.(type) {
		case nil:
		case string:
			if s := strings.TrimSpace(x); s != "" {
				out[key] = s
			}
		case float64:
			out[key] = strconv.FormatFloat(x, 'f', -1, 64)
		case bool:
			out[key] = strconv.FormatBool(x)
		default:
			return nil, fmt.Errorf("key %q has a non-scalar value", key)
		}
	}
	return out, nil
}

func cleanStrings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
