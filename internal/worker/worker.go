package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

// Job is one unit of background work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// RunState describes the most recent execution of a job.
type RunState struct {
	Status     JobStatus `json:"status"`
	LastRunAt  time.Time `json:"last_run_at,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	Executions int64     `json:"executions"`
}

// Periodic runs a Job immediately and then on every interval tick.
type Periodic struct {
	job      Job
	interval time.Duration
	logger   *zap.Logger

	mu    sync.Mutex
	state RunState
}

func NewPeriodic(job Job, interval time.Duration, logger *zap.Logger) *Periodic {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Periodic{
		job:      job,
		interval: interval,
		logger:   logger.With(zap.String("job", job.Name())),
		state:    RunState{Status: JobStatusPending},
	}
}

// Process starts the worker loop and blocks until ctx is done. A failing run
// is logged and retried on the next tick.
func (p *Periodic) Process(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.runOnce(ctx)
		}
	}
}

func (p *Periodic) runOnce(ctx context.Context) {
	p.setState(func(s *RunState) { s.Status = JobStatusRunning })

	started := time.Now()
	err := p.job.Run(ctx)

	p.setState(func(s *RunState) {
		s.LastRunAt = started
		s.Executions++
		if err != nil {
			s.Status, s.LastError = JobStatusFailed, err.Error()
			return
		}
		s.Status, s.LastError = JobStatusDone, ""
	})

	if err != nil {
		p.logger.Error("job failed", zap.Error(err), zap.Duration("elapsed", time.Since(started)))
		return
	}
	p.logger.Debug("job finished", zap.Duration("elapsed", time.Since(started)))
}

func (p *Periodic) setState(fn func(*RunState)) {
	p.mu.Lock()
	fn(&p.state)
	p.mu.Unlock()
}

// State returns a snapshot of the last run.
func (p *Periodic) State() RunState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}
