package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/alerts"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/snapshots"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var t0 = time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)

func TestOpen_MigratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(path)
	require.NoError(t, err)
	var version int
	require.NoError(t, db.Conn().QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, SchemaVersion(), version)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err, "reopening an up-to-date database")
	require.NoError(t, db.Close())

	assert.NoError(t, CheckIntegrity(path))
}

func TestSnapshotStore_RecentAndLatestPair(t *testing.T) {
	ctx := context.Background()
	store := NewSnapshotStore(setupTestDB(t))

	_, _, ok, err := store.LatestPair(ctx, 1, "logins")
	require.NoError(t, err)
	assert.False(t, ok)

	for i, v := range []float64{10, 20, 30} {
		snap := &snapshots.Snapshot{EntityID: 1, ReportID: "logins", Value: v, CapturedAt: t0.Add(time.Duration(i) * time.Hour)}
		require.NoError(t, store.SaveSnapshot(ctx, snap))
		assert.NotZero(t, snap.ID)
	}
	require.NoError(t, store.SaveSnapshot(ctx, &snapshots.Snapshot{EntityID: 2, ReportID: "logins", Value: 99, CapturedAt: t0}))

	latest, prev, ok, err := store.LatestPair(ctx, 1, "logins")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 30.0, latest.Value)
	require.NotNil(t, prev)
	assert.Equal(t, 20.0, prev.Value)
	assert.Equal(t, t0.Add(2*time.Hour), latest.CapturedAt)

	recent, err := store.RecentSnapshots(ctx, 1, "logins", 10)
	require.NoError(t, err)
	assert.Len(t, recent, 3)

	n, err := store.PruneSnapshots(ctx, t0.Add(90*time.Minute), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n, "two old pair rows plus entity 2")
}

func TestSnapshotStore_Schedules(t *testing.T) {
	ctx := context.Background()
	store := NewSnapshotStore(setupTestDB(t))

	for i, due := range []time.Time{t0.Add(time.Hour), t0.Add(-time.Hour), t0.Add(-2 * time.Hour)} {
		require.NoError(t, store.UpsertSchedule(ctx, &snapshots.Schedule{
			EntityID:  int64(i + 1),
			ReportID:  "r",
			Source:    snapshots.SourcePrimary,
			Interval:  time.Hour,
			NextDueAt: due,
			Active:    true,
		}))
	}

	due, err := store.DueSchedules(ctx, t0, 100)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, int64(3), due[0].EntityID)
	assert.Equal(t, int64(2), due[1].EntityID)
	assert.Nil(t, due[0].LastSnapshotAt)

	require.NoError(t, store.RecordCapture(ctx, 3, "r", t0, t0.Add(time.Hour), 12.5))
	sched, ok, err := store.GetSchedule(ctx, 3, "r")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Hour), sched.NextDueAt)
	require.NotNil(t, sched.LastValue)
	assert.Equal(t, 12.5, *sched.LastValue)
	require.NotNil(t, sched.LastSnapshotAt)
	assert.Equal(t, t0, *sched.LastSnapshotAt)

	n, err := store.DeactivateEntity(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	due, err = store.DueSchedules(ctx, t0, 100)
	require.NoError(t, err)
	assert.Empty(t, due)

	all, err := store.ListSchedules(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3, "deactivated schedules are kept")
}

func newDefinition(entityID int64, reportID string) *alerts.Definition {
	return &alerts.Definition{
		EntityID:         entityID,
		ReportID:         reportID,
		Name:             "Low activity",
		Operator:         alerts.OpLessThan,
		Warning:          alerts.Float(50),
		Critical:         alerts.Float(10),
		CheckInterval:    time.Hour,
		NotifyOnWarning:  true,
		NotifyOnCritical: true,
		Channels:         []alerts.Channel{alerts.ChannelInApp, alerts.ChannelEmail},
		Targets:          alerts.Targets{Users: []int64{4}, Roles: []string{"editingteacher"}},
		Enabled:          true,
	}
}

func TestAlertStore_CRUD(t *testing.T) {
	ctx := context.Background()
	store := NewAlertStore(setupTestDB(t))

	def := newDefinition(5, "logins")
	require.NoError(t, store.Create(ctx, def))
	require.NotZero(t, def.ID)

	got, err := store.Get(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, alerts.StatusOK, got.CurrentStatus)
	assert.Equal(t, []alerts.Channel{alerts.ChannelInApp, alerts.ChannelEmail}, got.Channels)
	assert.Equal(t, def.Targets, got.Targets)
	require.NotNil(t, got.Critical)
	assert.Equal(t, 10.0, *got.Critical)
	assert.Equal(t, time.Hour, got.CheckInterval)

	got.Warning = nil
	got.Enabled = false
	require.NoError(t, store.Update(ctx, got))
	got, err = store.Get(ctx, def.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Warning)
	assert.False(t, got.Enabled)

	require.NoError(t, store.SetRemoteID(ctx, def.ID, "r-17"))
	list, err := store.ListByEntity(ctx, 5, "logins")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "r-17", list[0].RemoteID)

	require.NoError(t, store.Delete(ctx, def.ID))
	_, err = store.Get(ctx, def.ID)
	assert.True(t, alerts.IsNotFound(err))
	assert.True(t, alerts.IsNotFound(store.Delete(ctx, def.ID)))
}

func TestAlertStore_DueAndCheckState(t *testing.T) {
	ctx := context.Background()
	store := NewAlertStore(setupTestDB(t))

	fresh := newDefinition(1, "a")
	checked := newDefinition(1, "b")
	stale := newDefinition(2, "a")
	disabled := newDefinition(3, "a")
	disabled.Enabled = false
	for _, d := range []*alerts.Definition{fresh, checked, stale, disabled} {
		require.NoError(t, store.Create(ctx, d))
	}

	require.NoError(t, store.UpdateCheckState(ctx, checked.ID, alerts.StatusOK, t0.Add(-30*time.Minute), nil))
	alertAt := t0.Add(-2 * time.Hour)
	require.NoError(t, store.UpdateCheckState(ctx, stale.ID, alerts.StatusWarning, t0.Add(-2*time.Hour), &alertAt))

	due, err := store.DueAlerts(ctx, t0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, fresh.ID, due[0].ID)
	assert.Equal(t, stale.ID, due[1].ID)
	assert.Equal(t, alerts.StatusWarning, due[1].CurrentStatus)
	require.NotNil(t, due[1].LastAlertAt)
	assert.Equal(t, alertAt, *due[1].LastAlertAt)

	require.NoError(t, store.UpdateCheckState(ctx, stale.ID, alerts.StatusOK, t0, nil))
	got, err := store.Get(ctx, stale.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastAlertAt, "nil lastAlertAt keeps the previous value")
	assert.Equal(t, alertAt, *got.LastAlertAt)

	n, err := store.DisableEntity(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestHistoryStore_FireLog(t *testing.T) {
	ctx := context.Background()
	store := NewHistoryStore(setupTestDB(t))

	fired, err := store.HasFired(ctx, 1, 9, alerts.SeverityCritical)
	require.NoError(t, err)
	assert.False(t, fired)

	entry := alerts.FireLogEntry{EntityID: 1, AlertID: 9, Severity: alerts.SeverityCritical, FiredAt: t0}
	require.NoError(t, store.RecordFired(ctx, entry))
	entry.FiredAt = t0.Add(time.Hour)
	require.NoError(t, store.RecordFired(ctx, entry), "recording twice is harmless")

	fired, err = store.HasFired(ctx, 1, 9, alerts.SeverityCritical)
	require.NoError(t, err)
	assert.True(t, fired)

	log, err := store.ListFired(ctx, 1, 9)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, t0, log[0].FiredAt)

	require.NoError(t, store.ClearFired(ctx, 1, 9, alerts.SeverityWarning, alerts.SeverityCritical))
	fired, err = store.HasFired(ctx, 1, 9, alerts.SeverityCritical)
	require.NoError(t, err)
	assert.False(t, fired)
}

func TestHistoryStore_History(t *testing.T) {
	ctx := context.Background()
	store := NewHistoryStore(setupTestDB(t))

	for i, status := range []alerts.Status{alerts.StatusWarning, alerts.StatusCritical, alerts.StatusOK} {
		h := &alerts.HistoryEntry{
			AlertID: 3, EntityID: 1, ReportID: "r",
			PreviousStatus: alerts.StatusOK, NewStatus: status,
			MetricValue: float64(i), ThresholdValue: 5, ThresholdType: alerts.ThresholdWarning,
			Notified: i == 0, CreatedAt: t0.Add(time.Duration(i) * time.Hour),
		}
		require.NoError(t, store.SaveHistory(ctx, h))
	}

	hist, err := store.ListHistory(ctx, 3, 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, alerts.StatusOK, hist[0].NewStatus)
	assert.Equal(t, alerts.StatusCritical, hist[1].NewStatus)

	n, err := store.PruneHistory(ctx, t0.Add(30*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMessageStore(t *testing.T) {
	ctx := context.Background()
	store := NewMessageStore(setupTestDB(t))

	msgs := []*Message{
		{UserID: 4, EntityID: 1, AlertID: 2, Severity: "warning", Subject: "s1", Body: "b1", Created: t0},
		{UserID: 4, EntityID: 1, AlertID: 2, Severity: "critical", Subject: "s2", Body: "b2", Created: t0.Add(time.Hour)},
		{UserID: 5, EntityID: 1, AlertID: 2, Severity: "critical", Subject: "s2", Body: "b2", Created: t0.Add(time.Hour)},
	}
	require.NoError(t, store.SaveMessages(ctx, msgs))
	assert.NotEmpty(t, msgs[0].ID)

	inbox, err := store.ListForUser(ctx, 4, false, 10)
	require.NoError(t, err)
	require.Len(t, inbox, 2)
	assert.Equal(t, "s2", inbox[0].Subject)

	ok, err := store.MarkRead(ctx, msgs[0].ID, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.MarkRead(ctx, msgs[0].ID, t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "already read")

	unread, err := store.ListForUser(ctx, 4, true, 10)
	require.NoError(t, err)
	assert.Len(t, unread, 1)

	n, err := store.PruneRead(ctx, t0.Add(24*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only read messages are pruned")
}

func TestCatalogStore(t *testing.T) {
	ctx := context.Background()
	store := NewCatalogStore(setupTestDB(t))

	require.NoError(t, store.UpsertEntity(ctx, Entity{ID: 10, Name: "Biology 101"}))
	exists, err := store.EntityExists(ctx, 10)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, store.DeleteEntity(ctx, 10))
	exists, err = store.EntityExists(ctx, 10)
	require.NoError(t, err)
	assert.False(t, exists)
	e, ok, err := store.GetEntity(ctx, 10)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotNil(t, e.DeletedAt)

	require.NoError(t, store.UpsertUser(ctx, User{ID: 1, Username: "jsmith", Email: "t@example.com"}))
	require.NoError(t, store.UpsertUser(ctx, User{ID: 2, Username: "manager", Email: "m@example.com"}))
	require.NoError(t, store.UpsertUser(ctx, User{ID: 3, Username: "gone", Suspended: true}))
	require.NoError(t, store.AssignRole(ctx, 10, 1, "editingteacher"))
	require.NoError(t, store.AssignRole(ctx, 10, 2, "manager"))
	require.NoError(t, store.AssignRole(ctx, 10, 2, "editingteacher"))
	require.NoError(t, store.AssignRole(ctx, 11, 3, "manager"))

	ids, err := store.UsersWithRoles(ctx, 10, []string{"editingteacher", "manager"})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids)

	users, err := store.Users(ctx, []int64{1, 3})
	require.NoError(t, err)
	require.Len(t, users, 1, "suspended users are excluded")
	assert.Equal(t, "t@example.com", users[0].Email)

	require.NoError(t, store.UpsertReport(ctx, Report{ID: "logins", Name: "Weekly logins", Source: "primary", Query: "SELECT 1"}))
	assert.Equal(t, "Weekly logins", store.ReportName(ctx, "logins"))
	assert.Equal(t, "unknown", store.ReportName(ctx, "unknown"))
}
