package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/logger"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/metrics"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/storage/sqlite"
)

// Job is a periodic unit of agent work.
type Job interface {
	// Name returns the job name for logging and metrics.
	Name() string
	// Interval returns how often the job runs.
	Interval() time.Duration
	// Run performs one pass.
	Run(ctx context.Context, now time.Time) error
}

// JobFunc adapts a function to Job.
type JobFunc struct {
	JobName     string
	JobInterval time.Duration
	Fn          func(ctx context.Context, now time.Time) error
}

func (j JobFunc) Name() string { return j.JobName }

func (j JobFunc) Interval() time.Duration { return j.JobInterval }

func (j JobFunc) Run(ctx context.Context, now time.Time) error { return j.Fn(ctx, now) }

// Runner drives all jobs from a single loop. Jobs never overlap: each tick
// runs the due jobs one after another.
type Runner struct {
	jobs        []Job
	statusStore *AgentStatusStore
	tick        time.Duration
	clock       func() time.Time

	mu         sync.Mutex
	nextRun    map[string]time.Time
	errorCount int
	lastError  string
}

// NewRunner creates a Runner. statusStore may be nil.
func NewRunner(statusStore *AgentStatusStore, jobs ...Job) *Runner {
	r := &Runner{
		jobs:        jobs,
		statusStore: statusStore,
		clock:       time.Now,
		nextRun:     make(map[string]time.Time, len(jobs)),
	}
	for _, j := range jobs {
		if r.tick == 0 || j.Interval() < r.tick {
			r.tick = j.Interval()
		}
	}
	if r.tick <= 0 {
		r.tick = time.Minute
	}
	return r
}

// Run blocks, running jobs until ctx is canceled. Every job runs once at
// startup.
func (r *Runner) Run(ctx context.Context) {
	logger.Info("Starting job runner", "jobs", len(r.jobs), "tick", r.tick)

	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	r.runDue(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Info("Job runner stopping")
			return
		case <-ticker.C:
			r.runDue(ctx)
		}
	}
}

// RunOnce runs the named job immediately.
func (r *Runner) RunOnce(ctx context.Context, name string) error {
	for _, j := range r.jobs {
		if j.Name() == name {
			return r.runJob(ctx, j, r.clock())
		}
	}
	return fmt.Errorf("unknown job %q", name)
}

func (r *Runner) runDue(ctx context.Context) {
	for _, j := range r.jobs {
		if ctx.Err() != nil {
			return
		}
		now := r.clock()
		r.mu.Lock()
		next, seen := r.nextRun[j.Name()]
		r.mu.Unlock()
		if seen && now.Before(next) {
			continue
		}
		_ = r.runJob(ctx, j, now)
	}
}

func (r *Runner) runJob(ctx context.Context, j Job, now time.Time) error {
	start := time.Now()
	err := j.Run(ctx, now)
	metrics.JobDuration.WithLabelValues(j.Name()).Observe(time.Since(start).Seconds())

	r.mu.Lock()
	r.nextRun[j.Name()] = now.Add(j.Interval())
	r.mu.Unlock()

	if err != nil {
		metrics.JobRuns.WithLabelValues(j.Name(), "error").Inc()
		r.recordError(j.Name(), err)
		return err
	}
	metrics.JobRuns.WithLabelValues(j.Name(), "ok").Inc()
	if r.statusStore != nil {
		_ = r.statusStore.UpdateLastRun(now)
	}
	return nil
}

func (r *Runner) recordError(jobName string, err error) {
	r.mu.Lock()
	r.errorCount++
	r.lastError = jobName + ": " + err.Error()
	lastError := r.lastError
	r.mu.Unlock()

	if sqlite.IsDiskFullError(err) {
		logger.Warn("Disk full detected, data may not be persisted", "job", jobName,
			"hint", "free disk space or shorten retention settings")
	} else {
		logger.Error("Job failed", "job", jobName, "error", err.Error())
	}

	if r.statusStore != nil {
		_ = r.statusStore.IncrementErrorCount(lastError)
	}
}

// ErrorCount returns the total error count.
func (r *Runner) ErrorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errorCount
}

// LastError returns the most recent error message.
func (r *Runner) LastError() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastError
}
