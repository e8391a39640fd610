package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type countingJob struct {
	runs atomic.Int64
	err  error
}

func (j *countingJob) Name() string { return "counting" }

func (j *countingJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	return j.err
}

func TestPeriodic_RunsImmediatelyAndOnTick(t *testing.T) {
	job := &countingJob{}
	p := NewPeriodic(job, 10*time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()
	if err := p.Process(ctx); err != nil {
		t.Fatalf("Process returned %v", err)
	}

	if job.runs.Load() < 2 {
		t.Errorf("Expected at least 2 runs, got %d", job.runs.Load())
	}
	st := p.State()
	if st.Status != JobStatusDone {
		t.Errorf("Expected status done, got %s", st.Status)
	}
	if st.Executions != job.runs.Load() {
		t.Errorf("Expected %d executions, got %d", job.runs.Load(), st.Executions)
	}
}

func TestPeriodic_RecordsFailure(t *testing.T) {
	job := &countingJob{err: errors.New("boom")}
	p := NewPeriodic(job, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = p.Process(ctx)

	st := p.State()
	if st.Status != JobStatusFailed {
		t.Errorf("Expected status failed, got %s", st.Status)
	}
	if st.LastError != "boom" {
		t.Errorf("Expected last error boom, got %q", st.LastError)
	}
}

func TestPeriodic_PendingBeforeFirstRun(t *testing.T) {
	p := NewPeriodic(&countingJob{}, time.Hour, nil)
	if p.State().Status != JobStatusPending {
		t.Errorf("Expected pending, got %s", p.State().Status)
	}
}
