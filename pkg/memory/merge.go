package memory

import (
	"strings"
	"time"
)

// maxDoneTasks bounds how many completed tasks are retained.
const maxDoneTasks = 20

// MergeOptions control caps applied during a merge.
type MergeOptions struct {
	FactCap  int
	ThemeCap int
}

// Merge applies d to a copy of current and returns the result together with
// the number of evicted facts. newID must return unique, time-ordered IDs.
func Merge(current *LongTermMemory, d *Delta, now time.Time, newID func() string, opts MergeOptions) (*LongTermMemory, int) {
	m := current.Clone()

	for _, f := range d.Facts {
		m.Facts = append(m.Facts, Fact{
			ID:            newID(),
			Text:          f.Text,
			Importance:    f.Importance,
			Tags:          append([]string(nil), f.Tags...),
			CreatedAt:     now,
			LastUpdatedAt: now,
		})
	}

	for k, v := range d.Preferences {
		m.Preferences[k] = v
	}
	for k, v := range d.Profile {
		m.Profile[k] = v
	}

	m.OpenTasks = mergeTasks(m.OpenTasks, d.Tasks, now, newID)
	m.ConversationThemes = mergeThemes(m.ConversationThemes, d.Themes, opts.ThemeCap)

	if d.Summary != "" {
		m.Summary = d.Summary
	}

	var evicted int
	m.Facts, evicted = Evict(m.Facts, opts.FactCap)
	m.LastUpdatedAt = now
	return m, evicted
}

func mergeTasks(tasks []Task, deltas []TaskDelta, now time.Time, newID func() string) []Task {
	for _, td := range deltas {
		if td.ID == "" {
			status := td.Status
			if status == "" {
				status = TaskOpen
			}
			tasks = append(tasks, Task{
				ID:            newID(),
				Description:   td.Description,
				Status:        status,
				CreatedAt:     now,
				LastUpdatedAt: now,
			})
			continue
		}
		for i := range tasks {
			if tasks[i].ID != td.ID {
				continue
			}
			if td.Description != "" {
				tasks[i].Description = td.Description
			}
			if td.Status != "" {
				tasks[i].Status = td.Status
			}
			tasks[i].LastUpdatedAt = now
			break
		}
	}
	return pruneDone(tasks)
}

// pruneDone drops the oldest completed tasks beyond maxDoneTasks.
func pruneDone(tasks []Task) []Task {
	done := 0
	for _, t := range tasks {
		if t.Status == TaskDone {
			done++
		}
	}
	if done <= maxDoneTasks {
		return tasks
	}

	drop := done - maxDoneTasks
	out := tasks[:0:0]
	for _, t := range tasks {
		if t.Status == TaskDone && drop > 0 {
			drop--
			continue
		}
		out = append(out, t)
	}
	return out
}

// mergeThemes appends themes, moving repeats to the end, and keeps the most
// recent max entries.
func mergeThemes(themes, add []string, max int) []string {
	for _, theme := range add {
		out := themes[:0:0]
		for _, t := range themes {
			if !strings.EqualFold(t, theme) {
				out = append(out, t)
			}
		}
		themes = append(out, theme)
	}
	if max > 0 && len(themes) > max {
		themes = append([]string{}, themes[len(themes)-max:]...)
	}
	return themes
}
