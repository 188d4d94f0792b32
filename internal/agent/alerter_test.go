package agent

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/alerts"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/notify"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/snapshots"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/storage/sqlite"
)

var t0 = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

type alerterFixture struct {
	db        *sqlite.DB
	catalog   *sqlite.CatalogStore
	snaps     *sqlite.SnapshotStore
	alerts    *sqlite.AlertStore
	history   *sqlite.HistoryStore
	messages  *sqlite.MessageStore
	scheduler *AlertScheduler
}

func setupAlerter(t *testing.T) *alerterFixture {
	t.Helper()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &alerterFixture{
		db:       db,
		catalog:  sqlite.NewCatalogStore(db),
		snaps:    sqlite.NewSnapshotStore(db),
		alerts:   sqlite.NewAlertStore(db),
		history:  sqlite.NewHistoryStore(db),
		messages: sqlite.NewMessageStore(db),
	}
	ctx := context.Background()
	require.NoError(t, f.catalog.UpsertEntity(ctx, sqlite.Entity{ID: 5, Name: "Chemistry"}))
	require.NoError(t, f.catalog.UpsertUser(ctx, sqlite.User{ID: 1, Username: "owner", Email: "owner@example.com"}))
	require.NoError(t, f.catalog.UpsertReport(ctx, sqlite.Report{ID: "logins", Name: "Weekly logins", Source: "primary"}))

	dispatcher := notify.NewDispatcher(f.history, f.catalog, time.Second, notify.NewInAppNotifier(f.messages))
	f.scheduler = NewAlertScheduler(f.alerts, f.snaps, f.history, f.snaps, f.catalog, dispatcher, time.Second)
	return f
}

func (f *alerterFixture) createAlert(t *testing.T, op alerts.Operator, warning, critical *float64) *alerts.Definition {
	t.Helper()
	def := &alerts.Definition{
		EntityID:         5,
		ReportID:         "logins",
		Name:             "Logins",
		Operator:         op,
		Warning:          warning,
		Critical:         critical,
		CheckInterval:    time.Hour,
		NotifyOnWarning:  true,
		NotifyOnCritical: true,
		NotifyOnRecovery: true,
		Channels:         []alerts.Channel{alerts.ChannelInApp},
		Targets:          alerts.Targets{Users: []int64{1}},
		Enabled:          true,
	}
	require.NoError(t, f.alerts.Create(context.Background(), def))
	return def
}

func (f *alerterFixture) capture(t *testing.T, value float64, at time.Time) {
	t.Helper()
	require.NoError(t, f.snaps.SaveSnapshot(context.Background(),
		&snapshots.Snapshot{EntityID: 5, ReportID: "logins", Value: value, CapturedAt: at}))
}

func (f *alerterFixture) inbox(t *testing.T) []sqlite.Message {
	t.Helper()
	msgs, err := f.messages.ListForUser(context.Background(), 1, false, 100)
	require.NoError(t, err)
	return msgs
}

func TestRunDueChecks_EpisodeLifecycle(t *testing.T) {
	f := setupAlerter(t)
	ctx := context.Background()
	def := f.createAlert(t, alerts.OpLessThan, alerts.Float(100), alerts.Float(50))

	steps := []struct {
		name     string
		value    float64
		status   alerts.Status
		messages int
	}{
		{"healthy", 120, alerts.StatusOK, 0},
		{"warning fires", 80, alerts.StatusWarning, 1},
		{"steady warning stays quiet", 85, alerts.StatusWarning, 1},
		{"critical fires", 40, alerts.StatusCritical, 2},
		{"de-escalation is deduplicated", 70, alerts.StatusWarning, 2},
		{"recovery fires", 150, alerts.StatusOK, 3},
		{"new episode warns again", 90, alerts.StatusWarning, 4},
	}

	for i, step := range steps {
		at := t0.Add(time.Duration(i) * time.Hour)
		f.capture(t, step.value, at)

		_, err := f.scheduler.RunDueChecks(ctx, at)
		require.NoError(t, err, step.name)

		got, err := f.alerts.Get(ctx, def.ID)
		require.NoError(t, err)
		assert.Equal(t, step.status, got.CurrentStatus, step.name)
		require.NotNil(t, got.LastCheckedAt, step.name)
		assert.True(t, got.LastCheckedAt.Equal(at), step.name)
		assert.Len(t, f.inbox(t), step.messages, step.name)
	}

	history, err := f.history.ListHistory(ctx, def.ID, 100)
	require.NoError(t, err)
	// Every transition is recorded, including the silent de-escalation.
	require.Len(t, history, 5)
	assert.Equal(t, alerts.StatusWarning, history[0].NewStatus)
	assert.True(t, history[0].Notified)
	assert.Equal(t, alerts.StatusWarning, history[2].NewStatus)
	assert.Equal(t, alerts.StatusCritical, history[2].PreviousStatus)
	assert.False(t, history[2].Notified)
	assert.Equal(t, alerts.StatusOK, history[1].NewStatus)
	// Recovery is measured against the threshold that was breached.
	assert.Equal(t, alerts.ThresholdWarning, history[1].ThresholdType)
	assert.Equal(t, 100.0, history[1].ThresholdValue)
}

func TestRunDueChecks_RespectsCheckInterval(t *testing.T) {
	f := setupAlerter(t)
	ctx := context.Background()
	f.createAlert(t, alerts.OpLessThan, alerts.Float(100), nil)
	f.capture(t, 80, t0)

	res, err := f.scheduler.RunDueChecks(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Triggered)

	res, err = f.scheduler.RunDueChecks(ctx, t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)

	res, err = f.scheduler.RunDueChecks(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 0, res.Triggered)
}

func TestRunDueChecks_NoSnapshotLeavesAlertDue(t *testing.T) {
	f := setupAlerter(t)
	ctx := context.Background()
	def := f.createAlert(t, alerts.OpGreaterThan, alerts.Float(10), nil)

	res, err := f.scheduler.RunDueChecks(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)

	got, err := f.alerts.Get(ctx, def.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastCheckedAt)
}

func TestRunDueChecks_PercentageNeedsPreviousValue(t *testing.T) {
	f := setupAlerter(t)
	ctx := context.Background()
	def := f.createAlert(t, alerts.OpDecreasePct, alerts.Float(20), alerts.Float(50))
	f.capture(t, 100, t0)

	res, err := f.scheduler.RunDueChecks(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 0, res.Triggered)

	got, err := f.alerts.Get(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, alerts.StatusOK, got.CurrentStatus)
	require.NotNil(t, got.LastCheckedAt)

	// A 40% drop crosses the warning threshold only.
	f.capture(t, 60, t0.Add(time.Hour))
	res, err = f.scheduler.RunDueChecks(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Triggered)

	got, err = f.alerts.Get(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, alerts.StatusWarning, got.CurrentStatus)

	msgs := f.inbox(t)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Body, "60")
}

func TestRunDueChecks_RetiresRemovedEntity(t *testing.T) {
	f := setupAlerter(t)
	ctx := context.Background()
	def := f.createAlert(t, alerts.OpLessThan, alerts.Float(100), nil)
	f.capture(t, 80, t0)
	require.NoError(t, f.snaps.UpsertSchedule(ctx, &snapshots.Schedule{
		EntityID: 5, ReportID: "logins", Source: snapshots.SourcePrimary,
		Interval: time.Hour, NextDueAt: t0.Add(time.Hour), Active: true,
	}))
	require.NoError(t, f.catalog.DeleteEntity(ctx, 5))

	res, err := f.scheduler.RunDueChecks(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DisabledEntities)
	assert.Equal(t, 0, res.Processed)
	assert.Empty(t, f.inbox(t))

	got, err := f.alerts.Get(ctx, def.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	schedules, err := f.snaps.ListSchedules(ctx, 5)
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.False(t, schedules[0].Active)
}

type stubDispatcher struct {
	events []notify.Event
	result notify.DispatchResult
	err    error
}

func (d *stubDispatcher) Dispatch(ctx context.Context, ev notify.Event) (notify.DispatchResult, error) {
	d.events = append(d.events, ev)
	return d.result, d.err
}

func TestRunDueChecks_DispatchFailureStillRecordsState(t *testing.T) {
	f := setupAlerter(t)
	ctx := context.Background()
	dispatcher := &stubDispatcher{err: assert.AnError}
	f.scheduler = NewAlertScheduler(f.alerts, f.snaps, f.history, f.snaps, f.catalog, dispatcher, time.Second)

	def := f.createAlert(t, alerts.OpGreaterThan, nil, alerts.Float(10))
	f.capture(t, 5, t0)
	f.capture(t, 25, t0.Add(time.Minute))

	res, err := f.scheduler.RunDueChecks(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Errors)
	assert.Equal(t, 1, res.Triggered)

	require.Len(t, dispatcher.events, 1)
	ev := dispatcher.events[0]
	assert.Equal(t, alerts.SeverityCritical, ev.Severity)

	got, err := f.alerts.Get(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, alerts.StatusCritical, got.CurrentStatus)
	require.NotNil(t, got.LastAlertAt)

	history, err := f.history.ListHistory(ctx, def.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].Notified)
}

// failingReader fails snapshot reads for one report.
type failingReader struct {
	SnapshotReader
	reportID string
}

func (r failingReader) LatestPair(ctx context.Context, entityID int64, reportID string) (snapshots.Snapshot, *snapshots.Snapshot, bool, error) {
	if reportID == r.reportID {
		return snapshots.Snapshot{}, nil, false, assert.AnError
	}
	return r.SnapshotReader.LatestPair(ctx, entityID, reportID)
}

func TestRunDueChecks_FailingAlertDoesNotStopSiblings(t *testing.T) {
	f := setupAlerter(t)
	ctx := context.Background()
	require.NoError(t, f.catalog.UpsertReport(ctx, sqlite.Report{ID: "grades", Name: "Average grade", Source: "secondary"}))

	reader := failingReader{SnapshotReader: f.snaps, reportID: "logins"}
	dispatcher := notify.NewDispatcher(f.history, f.catalog, time.Second, notify.NewInAppNotifier(f.messages))
	f.scheduler = NewAlertScheduler(f.alerts, reader, f.history, f.snaps, f.catalog, dispatcher, time.Second)

	broken := f.createAlert(t, alerts.OpGreaterThan, nil, alerts.Float(10))
	grades := &alerts.Definition{
		EntityID:         5,
		ReportID:         "grades",
		Operator:         alerts.OpLessThan,
		Warning:          alerts.Float(60),
		CheckInterval:    time.Hour,
		NotifyOnWarning:  true,
		NotifyOnCritical: true,
		Channels:         []alerts.Channel{alerts.ChannelInApp},
		Targets:          alerts.Targets{Users: []int64{1}},
		Enabled:          true,
	}
	require.NoError(t, f.alerts.Create(ctx, grades))
	require.NoError(t, f.snaps.SaveSnapshot(ctx,
		&snapshots.Snapshot{EntityID: 5, ReportID: "grades", Value: 40, CapturedAt: t0}))

	res, err := f.scheduler.RunDueChecks(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Triggered)

	got, err := f.alerts.Get(ctx, grades.ID)
	require.NoError(t, err)
	assert.Equal(t, alerts.StatusWarning, got.CurrentStatus)

	got, err = f.alerts.Get(ctx, broken.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastCheckedAt)
	assert.Len(t, f.inbox(t), 1)
}
