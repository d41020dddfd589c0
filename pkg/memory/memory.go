// Package memory provides per-user conversational memory: a long-term
// aggregate of facts, preferences and tasks that is updated by model
// extraction after each turn, and a rolling active summary per scope.
package memory

import (
	"errors"
	"strings"
	"time"
)

// SchemaVersion is the current long-term memory document version.
const SchemaVersion = 2

// Storage namespaces.
const (
	NamespaceLongTerm = "ltm"
	NamespaceActive   = "active"
)

// DefaultScope is the live conversation scope.
const DefaultScope = "working"

// ErrInvalidUserID is returned for empty user ids or ids containing ':'.
var ErrInvalidUserID = errors.New("memory: invalid user ID")

// Importance ranks how much a fact matters.
type Importance string

// Importance levels, lowest first.
const (
	ImportanceLow    Importance = "low"
	ImportanceMedium Importance = "medium"
	ImportanceHigh   Importance = "high"
)

// Rank orders importance levels; unknown values rank below low.
func (i Importance) Rank() int {
	switch i {
	case ImportanceLow:
		return 1
	case ImportanceMedium:
		return 2
	case ImportanceHigh:
		return 3
	default:
		return 0
	}
}

// ParseImportance parses a level case-insensitively.
func ParseImportance(s string) (Importance, bool) {
	i := Importance(strings.ToLower(strings.TrimSpace(s)))
	return i, i.Rank() > 0
}

// TaskStatus is the state of a task.
type TaskStatus string

// Task states.
const (
	TaskOpen       TaskStatus = "open"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
)

// ParseTaskStatus parses a status, accepting "in progress" and "in-progress".
func ParseTaskStatus(s string) (TaskStatus, bool) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer(" ", "_", "-", "_").Replace(norm)
	switch st := TaskStatus(norm); st {
	case TaskOpen, TaskInProgress, TaskDone:
		return st, true
	}
	return "", false
}

// Fact is a durable statement about the user.
type Fact struct {
	ID            string     `json:"id"`
	Text          string     `json:"text"`
	Importance    Importance `json:"importance"`
	Tags          []string   `json:"tags,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	LastUpdatedAt time.Time  `json:"last_updated_at"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
}

// Recency is LastUsedAt when set, else LastUpdatedAt.
func (f Fact) Recency() time.Time {
	if f.LastUsedAt != nil && !f.LastUsedAt.IsZero() {
		return *f.LastUsedAt
	}
	return f.LastUpdatedAt
}

// Task is a user goal tracked across conversations.
type Task struct {
	ID            string     `json:"id"`
	Description   string     `json:"description"`
	Status        TaskStatus `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	LastUpdatedAt time.Time  `json:"last_updated_at"`
}

// Active reports whether the task is open or in progress.
func (t Task) Active() bool { return t.Status == TaskOpen || t.Status == TaskInProgress }

// LongTermMemory is the per-user aggregate.
type LongTermMemory struct {
	SchemaVersion      int               `json:"schema_version"`
	UserID             string            `json:"user_id"`
	Profile            map[string]string `json:"profile"`
	Preferences        map[string]string `json:"preferences"`
	Facts              []Fact            `json:"facts"`
	OpenTasks          []Task            `json:"open_tasks"`
	ConversationThemes []string          `json:"conversation_themes"`
	Summary            string            `json:"summary,omitempty"`
	LastUpdatedAt      time.Time         `json:"last_updated_at"`
}

// NewLongTermMemory returns an empty aggregate for userID.
func NewLongTermMemory(userID string, now time.Time) *LongTermMemory {
	return &LongTermMemory{
		SchemaVersion:      SchemaVersion,
		UserID:             userID,
		Profile:            map[string]string{},
		Preferences:        map[string]string{},
		Facts:              []Fact{},
		OpenTasks:          []Task{},
		ConversationThemes: []string{},
		LastUpdatedAt:      now,
	}
}

// Clone returns a deep copy.
func (m *LongTermMemory) Clone() *LongTermMemory {
	if m == nil {
		return nil
	}
	c := *m
	c.Profile = cloneMap(m.Profile)
	c.Preferences = cloneMap(m.Preferences)
	c.Facts = make([]Fact, len(m.Facts))
	for i, f := range m.Facts {
		if f.Tags != nil {
			f.Tags = append([]string{}, f.Tags...)
		}
		if f.LastUsedAt != nil {
			t := *f.LastUsedAt
			f.LastUsedAt = &t
		}
		c.Facts[i] = f
	}
	c.OpenTasks = append([]Task{}, m.OpenTasks...)
	c.ConversationThemes = append([]string{}, m.ConversationThemes...)
	return &c
}

// Empty reports whether the aggregate holds nothing worth injecting.
func (m *LongTermMemory) Empty() bool {
	if m == nil {
		return true
	}
	return len(m.Profile) == 0 && len(m.Preferences) == 0 && len(m.Facts) == 0 &&
		len(m.OpenTasks) == 0 && len(m.ConversationThemes) == 0 && m.Summary == ""
}

// ActiveRecord is the rolling summary for one (user, scope).
type ActiveRecord struct {
	UserID    string    `json:"user_id"`
	Scope     string    `json:"scope"`
	Summary   string    `json:"summary"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Turn is one conversation message.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MetricsRecorder records memory metrics.
type MetricsRecorder interface {
	RecordMemoryExtraction(outcome string)
	RecordMemoryEviction(evicted int)
	RecordSummaryUpdate(outcome string)
	RecordMemoryStoreError(op string)
}

type nopMetrics struct{}

func (nopMetrics) RecordMemoryExtraction(string) {}
func (nopMetrics) RecordMemoryEviction(int)      {}
func (nopMetrics) RecordSummaryUpdate(string)    {}
func (nopMetrics) RecordMemoryStoreError(string) {}

// ValidateUserID rejects ids that cannot be used as storage keys.
func ValidateUserID(userID string) error {
	if strings.TrimSpace(userID) == "" || strings.Contains(userID, ":") {
		return ErrInvalidUserID
	}
	return nil
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// TrimWords keeps at most max whitespace-separated words.
func TrimWords(s string, max int) string {
	words := strings.Fields(s)
	if max > 0 && len(words) > max {
		words = words[:max]
	}
	return strings.Join(words, " ")
}
