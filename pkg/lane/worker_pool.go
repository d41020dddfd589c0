package lane

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/contextd/contextd/pkg/logger"
)

// KeyedPool is a fixed set of worker lanes. A job's key selects its lane,
// so jobs sharing a key never run concurrently and run in order.
type KeyedPool struct {
	cfg     Config
	lanes   []chan Job
	logger  logger.Logger
	metrics MetricsRecorder

	// baseCtx parents every job context; it is cancelled when Close gives up
	// waiting for the drain.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	// State
	mu        sync.RWMutex
	closed    bool
	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup

	// Statistics
	pending   atomic.Int32
	completed atomic.Int64
	failed    atomic.Int64
	panicked  atomic.Int64
	dropped   atomic.Int64
}

// NewKeyedPool creates a pool. Call Start to begin processing.
func NewKeyedPool(cfg *Config) (*KeyedPool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Global()
	}
	perLane := cfg.QueueSize / cfg.Workers
	lanes := make([]chan Job, cfg.Workers)
	for i := range lanes {
		lanes[i] = make(chan Job, perLane)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &KeyedPool{
		cfg:        *cfg,
		lanes:      lanes,
		logger:     log.With("lane", cfg.Name),
		metrics:    nopMetrics{},
		baseCtx:    ctx,
		cancelBase: cancel,
	}, nil
}

// SetMetrics sets the metrics recorder.
func (p *KeyedPool) SetMetrics(m MetricsRecorder) {
	if m != nil {
		p.metrics = m
	}
}

// Start launches one worker per lane. Jobs submitted before Start wait in
// their lane.
func (p *KeyedPool) Start() {
	p.startOnce.Do(func() {
		for i, ch := range p.lanes {
			p.wg.Add(1)
			go p.worker(i, ch)
		}
	})
}

// Submit queues job on its lane without blocking. A full lane drops the job;
// the returned *RejectedError then wraps ErrLaneFull.
func (p *KeyedPool) Submit(job Job) error {
	if job.fn == nil {
		return fmt.Errorf("lane %s: job has no function", p.cfg.Name)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return &RejectedError{Pool: p.cfg.Name, Key: job.key, Kind: job.kind, Lane: -1, Reason: ErrPoolClosed}
	}

	idx := p.laneFor(job.key)
	ch := p.lanes[idx]
	select {
	case ch <- job:
		p.pending.Add(1)
		return nil
	default:
		p.dropped.Add(1)
		p.metrics.RecordJobDropped(p.cfg.Name, job.kind)
		return &RejectedError{Pool: p.cfg.Name, Key: job.key, Kind: job.kind, Lane: idx, Reason: ErrLaneFull}
	}
}

func (p *KeyedPool) laneFor(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(p.lanes)))
}

// Close stops accepting jobs and waits for queued jobs to finish. If ctx
// ends first, running jobs are cancelled and ctx's error is returned.
func (p *KeyedPool) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		for _, ch := range p.lanes {
			close(ch)
		}
		p.mu.Unlock()
		p.Start()
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancelBase()
		return nil
	case <-ctx.Done():
		p.cancelBase()
		return ctx.Err()
	}
}

// Stats returns a snapshot of the pool counters.
func (p *KeyedPool) Stats() Stats {
	return Stats{
		Pending:   int(p.pending.Load()),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panicked:  p.panicked.Load(),
		Dropped:   p.dropped.Load(),
	}
}

func (p *KeyedPool) worker(id int, ch <-chan Job) {
	defer p.wg.Done()
	for job := range ch {
		p.pending.Add(-1)
		p.run(id, job)
	}
}

// run executes one job, recovering panics so the lane keeps going.
func (p *KeyedPool) run(id int, job Job) {
	ctx := p.baseCtx
	if p.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.JobTimeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			p.metrics.RecordJob(p.cfg.Name, job.kind, OutcomePanicked, time.Since(start))
			p.logger.Error("lane job panicked",
				"worker", id,
				"kind", job.kind,
				"key", job.key,
				"panic", fmt.Sprint(r),
			)
		}
	}()

	if err := job.fn(ctx); err != nil {
		p.failed.Add(1)
		p.metrics.RecordJob(p.cfg.Name, job.kind, OutcomeFailed, time.Since(start))
		p.logger.Warn("lane job failed",
			"worker", id,
			"kind", job.kind,
			"key", job.key,
			"error", err,
		)
		return
	}
	p.completed.Add(1)
	p.metrics.RecordJob(p.cfg.Name, job.kind, OutcomeCompleted, time.Since(start))
}
