// Package lane runs background jobs on a fixed pool of workers. Every job
// carries a key and all jobs with the same key run on the same worker lane,
// in submission order.
//
// Basic usage:
//
//	pool, err := lane.NewKeyedPool(&lane.Config{
//	    Name:       "memory-updates",
//	    Workers:    4,
//	    QueueSize:  256,
//	    JobTimeout: 45 * time.Second,
//	})
//	if err != nil {
//	    return err
//	}
//	pool.Start()
//	defer pool.Close(context.Background())
//
//	err = pool.Submit(lane.NewJob("user-42", "ltm", func(ctx context.Context) error {
//	    // Do work
//	    return nil
//	}))
package lane

import (
	"context"
	"fmt"
	"time"

	"github.com/contextd/contextd/pkg/logger"
)

// Job is a unit of work bound to a key.
type Job struct {
	key  string
	kind string
	fn   func(ctx context.Context) error
}

// NewJob creates a job. kind labels the job in logs and metrics.
func NewJob(key, kind string, fn func(ctx context.Context) error) Job {
	return Job{key: key, kind: kind, fn: fn}
}

// Key returns the ordering key.
func (j Job) Key() string { return j.key }

// Kind returns the job label.
func (j Job) Kind() string { return j.kind }

// Config holds pool settings.
type Config struct {
	// Name identifies the pool in errors and logs.
	Name string

	// Workers is the number of lanes.
	Workers int

	// QueueSize is the total queue capacity, split evenly across lanes.
	QueueSize int

	// JobTimeout bounds each job. Zero means no bound.
	JobTimeout time.Duration

	// Logger receives job failures and recovered panics.
	Logger logger.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("lane name cannot be empty")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.QueueSize < c.Workers {
		return fmt.Errorf("queue size %d must be at least the worker count %d", c.QueueSize, c.Workers)
	}
	if c.JobTimeout < 0 {
		return fmt.Errorf("job timeout cannot be negative")
	}
	return nil
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Pending   int   `json:"pending"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panicked  int64 `json:"panicked"`
	Dropped   int64 `json:"dropped"`
}

// MetricsRecorder records pool metrics.
type MetricsRecorder interface {
	RecordJob(pool, kind, outcome string, d time.Duration)
	RecordJobDropped(pool, kind string)
}

type nopMetrics struct{}

func (nopMetrics) RecordJob(string, string, string, time.Duration) {}
func (nopMetrics) RecordJobDropped(string, string)                 {}

// Job outcomes used in metrics.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomePanicked  = "panicked"
)
