package agent

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/storage/sqlite"
)

type countingJob struct {
	name     string
	interval time.Duration
	err      error
	runs     []time.Time
}

func (j *countingJob) Name() string            { return j.name }
func (j *countingJob) Interval() time.Duration { return j.interval }

func (j *countingJob) Run(ctx context.Context, now time.Time) error {
	j.runs = append(j.runs, now)
	return j.err
}

func TestNewRunner_TickIsShortestInterval(t *testing.T) {
	r := NewRunner(nil,
		&countingJob{name: "slow", interval: time.Hour},
		&countingJob{name: "fast", interval: 30 * time.Second},
	)
	assert.Equal(t, 30*time.Second, r.tick)

	assert.Equal(t, time.Minute, NewRunner(nil).tick)
}

func TestRunner_RunDueHonorsIntervals(t *testing.T) {
	fast := &countingJob{name: "fast", interval: time.Minute}
	slow := &countingJob{name: "slow", interval: time.Hour}
	r := NewRunner(nil, fast, slow)

	now := t0
	r.clock = func() time.Time { return now }
	ctx := context.Background()

	r.runDue(ctx)
	assert.Len(t, fast.runs, 1)
	assert.Len(t, slow.runs, 1)

	now = t0.Add(time.Minute)
	r.runDue(ctx)
	assert.Len(t, fast.runs, 2)
	assert.Len(t, slow.runs, 1)

	now = t0.Add(time.Hour)
	r.runDue(ctx)
	assert.Len(t, fast.runs, 3)
	assert.Len(t, slow.runs, 2)
}

func TestRunner_RunOnce(t *testing.T) {
	job := &countingJob{name: JobAlerts, interval: time.Hour}
	r := NewRunner(nil, job)

	require.NoError(t, r.RunOnce(context.Background(), JobAlerts))
	assert.Len(t, job.runs, 1)

	err := r.RunOnce(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown job")
}

func TestRunner_RecordsErrors(t *testing.T) {
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "runner.db"))
	require.NoError(t, err)
	defer db.Close()

	store := NewAgentStatusStore(db.Conn())
	require.NoError(t, store.Upsert(&AgentStatus{PID: 1, StartTime: t0, LastRun: t0, Version: "test"}))

	failing := &countingJob{name: JobSnapshots, interval: time.Minute, err: errors.New("database is locked")}
	ok := &countingJob{name: JobRetention, interval: time.Minute}
	r := NewRunner(store, failing, ok)
	r.clock = func() time.Time { return t0.Add(time.Hour) }

	r.runDue(context.Background())

	assert.Equal(t, 1, r.ErrorCount())
	assert.Equal(t, "snapshots: database is locked", r.LastError())

	status, err := store.Get()
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, 1, status.ErrorCount)
	assert.Equal(t, "snapshots: database is locked", status.LastError)
	assert.True(t, status.LastRun.Equal(t0.Add(time.Hour)))
}

func TestRunner_RunStopsOnCancel(t *testing.T) {
	job := &countingJob{name: "job", interval: time.Hour}
	r := NewRunner(nil, job)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		_, ran := r.nextRun["job"]
		return ran
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
}
