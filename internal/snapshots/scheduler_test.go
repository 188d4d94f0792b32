package snapshots

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu        sync.Mutex
	snaps     []Snapshot
	schedules map[string]*Schedule
	saveErr   error
}

func newMemStore() *memStore {
	return &memStore{schedules: make(map[string]*Schedule)}
}

func (m *memStore) SaveSnapshot(_ context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	snap.ID = int64(len(m.snaps) + 1)
	m.snaps = append(m.snaps, *snap)
	return nil
}

func (m *memStore) RecentSnapshots(_ context.Context, entityID int64, reportID string, limit int) ([]Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Snapshot
	for i := len(m.snaps) - 1; i >= 0 && len(out) < limit; i-- {
		s := m.snaps[i]
		if s.EntityID == entityID && s.ReportID == reportID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) UpsertSchedule(_ context.Context, s *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.schedules[s.Key()] = &cp
	return nil
}

func (m *memStore) GetSchedule(_ context.Context, entityID int64, reportID string) (*Schedule, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[(&Schedule{EntityID: entityID, ReportID: reportID}).Key()]
	if !ok {
		return nil, false, nil
	}
	cp := *s
	return &cp, true, nil
}

func (m *memStore) DueSchedules(_ context.Context, now time.Time, limit int) ([]*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Schedule
	for _, s := range m.schedules {
		if s.Active && !s.NextDueAt.After(now) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextDueAt.Before(out[j].NextDueAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) RecordCapture(_ context.Context, entityID int64, reportID string, capturedAt, nextDue time.Time, value float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.schedules[(&Schedule{EntityID: entityID, ReportID: reportID}).Key()]
	s.LastSnapshotAt = &capturedAt
	s.NextDueAt = nextDue
	s.LastValue = &value
	return nil
}

func (m *memStore) DeactivateEntity(_ context.Context, entityID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.schedules {
		if s.EntityID == entityID && s.Active {
			s.Active = false
			n++
		}
	}
	return n, nil
}

type fakeEntities map[int64]bool

func (f fakeEntities) EntityExists(_ context.Context, id int64) (bool, error) {
	return f[id], nil
}

type fakeSource struct {
	values map[string]float64
	errs   map[string]error
	calls  []string
}

func (f *fakeSource) FetchMetric(_ context.Context, reportID string, _ SourceKind) (float64, error) {
	f.calls = append(f.calls, reportID)
	if err := f.errs[reportID]; err != nil {
		return 0, err
	}
	return f.values[reportID], nil
}

type recordingPublisher struct {
	published []Snapshot
}

func (p *recordingPublisher) PublishSnapshot(_ context.Context, snap Snapshot, _ time.Duration) error {
	p.published = append(p.published, snap)
	return errors.New("remote unavailable")
}

func newTestScheduler(store *memStore, src *fakeSource, entities fakeEntities, pub Publisher) *Scheduler {
	return NewScheduler(store, store, entities, src, pub, SchedulerConfig{})
}

func TestRegisterPair_ResetsNextDue(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	s := newTestScheduler(store, &fakeSource{}, fakeEntities{1: true}, nil)
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := s.RegisterPair(ctx, 1, "logins", SourcePrimary, time.Hour, 10, t0)
	require.NoError(t, err)

	t1 := t0.Add(10 * time.Minute)
	sched, err := s.RegisterPair(ctx, 1, "logins", SourcePrimary, 2*time.Hour, 12, t1)
	require.NoError(t, err)

	stored, ok, err := store.GetSchedule(ctx, 1, "logins")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, t1.Add(2*time.Hour), stored.NextDueAt)
	assert.Equal(t, sched.NextDueAt, stored.NextDueAt)
	assert.Equal(t, 2*time.Hour, stored.Interval)
	require.NotNil(t, stored.LastValue)
	assert.Equal(t, 12.0, *stored.LastValue)
	assert.Len(t, store.snaps, 1, "only the first registration stores a bootstrap snapshot")
}

func TestRegisterPair_KeepsDeactivatedSchedule(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	s := newTestScheduler(store, &fakeSource{}, fakeEntities{1: true}, nil)
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := s.RegisterPair(ctx, 1, "logins", SourcePrimary, time.Hour, 10, t0)
	require.NoError(t, err)
	_, err = store.DeactivateEntity(ctx, 1)
	require.NoError(t, err)

	sched, err := s.RegisterPair(ctx, 1, "logins", SourcePrimary, time.Hour, 11, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, sched.Active)

	stored, ok, err := store.GetSchedule(ctx, 1, "logins")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, stored.Active)
	require.NotNil(t, stored.LastSnapshotAt)
	assert.Equal(t, t0, *stored.LastSnapshotAt)
}

func TestRegisterPair_DefaultIntervalAndInvalidSource(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	s := NewScheduler(store, store, fakeEntities{}, &fakeSource{}, nil, SchedulerConfig{DefaultInterval: 6 * time.Hour})
	now := time.Now()

	sched, err := s.RegisterPair(ctx, 1, "logins", SourceSecondary, 0, 1, now)
	require.NoError(t, err)
	assert.Equal(t, 6*time.Hour, sched.Interval)

	_, err = s.RegisterPair(ctx, 1, "logins", "tertiary", time.Hour, 1, now)
	assert.Error(t, err)
}

func TestRegisterIfAbsent(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	s := newTestScheduler(store, &fakeSource{}, fakeEntities{1: true}, nil)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	sched, created, err := s.RegisterIfAbsent(ctx, 1, "logins", SourcePrimary, time.Hour, 5, now)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, now.Add(time.Hour), sched.NextDueAt)

	sched, created, err = s.RegisterIfAbsent(ctx, 1, "logins", SourcePrimary, time.Hour, 99, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, now.Add(time.Hour), sched.NextDueAt, "existing schedule left unchanged")
	assert.Len(t, store.snaps, 1, "no second bootstrap snapshot")
}

func TestGetDueSchedules_OrderedAndLimited(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	s := newTestScheduler(store, &fakeSource{}, fakeEntities{}, nil)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	for i, offset := range []time.Duration{-time.Minute, -3 * time.Hour, -2 * time.Hour, time.Hour} {
		require.NoError(t, store.UpsertSchedule(ctx, &Schedule{
			EntityID:  int64(i + 1),
			ReportID:  "r",
			Source:    SourcePrimary,
			Interval:  time.Hour,
			NextDueAt: now.Add(offset),
			Active:    true,
		}))
	}

	due, err := s.GetDueSchedules(ctx, now, 2)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, int64(2), due[0].EntityID)
	assert.Equal(t, int64(3), due[1].EntityID)

	due, err = s.GetDueSchedules(ctx, now, 0)
	require.NoError(t, err)
	assert.Len(t, due, 3, "future schedule is not due")
}

func TestExecuteSnapshot(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	due := now.Add(-time.Hour)

	t.Run("success advances schedule and publishes", func(t *testing.T) {
		store := newMemStore()
		pub := &recordingPublisher{}
		s := newTestScheduler(store, &fakeSource{values: map[string]float64{"logins": 42}}, fakeEntities{1: true}, pub)
		sched := &Schedule{EntityID: 1, ReportID: "logins", Source: SourcePrimary, Interval: time.Hour, NextDueAt: due, Active: true}
		require.NoError(t, store.UpsertSchedule(ctx, sched))

		ok := s.ExecuteSnapshot(ctx, sched, now)

		require.True(t, ok, "publisher errors do not fail the snapshot")
		stored, _, _ := store.GetSchedule(ctx, 1, "logins")
		assert.Equal(t, now.Add(time.Hour), stored.NextDueAt)
		require.NotNil(t, stored.LastValue)
		assert.Equal(t, 42.0, *stored.LastValue)
		require.Len(t, store.snaps, 1)
		assert.Equal(t, now, store.snaps[0].CapturedAt)
		assert.Len(t, pub.published, 1)
	})

	t.Run("fetch failure leaves schedule untouched", func(t *testing.T) {
		store := newMemStore()
		src := &fakeSource{errs: map[string]error{"logins": errors.New("timeout")}}
		s := newTestScheduler(store, src, fakeEntities{1: true}, nil)
		sched := &Schedule{EntityID: 1, ReportID: "logins", Source: SourcePrimary, Interval: time.Hour, NextDueAt: due, Active: true}
		require.NoError(t, store.UpsertSchedule(ctx, sched))

		ok := s.ExecuteSnapshot(ctx, sched, now)

		assert.False(t, ok)
		stored, _, _ := store.GetSchedule(ctx, 1, "logins")
		assert.Equal(t, due, stored.NextDueAt)
		assert.Empty(t, store.snaps)
	})

	t.Run("save failure leaves schedule untouched", func(t *testing.T) {
		store := newMemStore()
		s := newTestScheduler(store, &fakeSource{values: map[string]float64{"logins": 1}}, fakeEntities{1: true}, nil)
		sched := &Schedule{EntityID: 1, ReportID: "logins", Source: SourcePrimary, Interval: time.Hour, NextDueAt: due, Active: true}
		require.NoError(t, store.UpsertSchedule(ctx, sched))
		store.saveErr = errors.New("disk full")

		assert.False(t, s.ExecuteSnapshot(ctx, sched, now))
		stored, _, _ := store.GetSchedule(ctx, 1, "logins")
		assert.Equal(t, due, stored.NextDueAt)
	})
}

func TestRunDue_IsolatesFailuresAndDeactivatesGoneEntities(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	src := &fakeSource{
		values: map[string]float64{"ok": 7},
		errs:   map[string]error{"broken": errors.New("query failed")},
	}
	s := newTestScheduler(store, src, fakeEntities{1: true}, nil)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	add := func(entity int64, report string, offset time.Duration) {
		require.NoError(t, store.UpsertSchedule(ctx, &Schedule{
			EntityID: entity, ReportID: report, Source: SourcePrimary,
			Interval: time.Hour, NextDueAt: now.Add(offset), Active: true,
		}))
	}
	add(1, "broken", -3*time.Hour)
	add(1, "ok", -2*time.Hour)
	add(2, "a", -time.Hour)
	add(2, "b", -time.Minute)

	res, err := s.RunDue(ctx, now)
	require.NoError(t, err)

	assert.Equal(t, 4, res.Due)
	assert.Equal(t, 1, res.Captured)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, res.Deactivated)
	assert.Equal(t, []string{"broken", "ok"}, src.calls)

	for _, report := range []string{"a", "b"} {
		sched, _, _ := store.GetSchedule(ctx, 2, report)
		assert.False(t, sched.Active, "schedule %s should be deactivated, not deleted", report)
	}

	res, err = s.RunDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Due, "only the failed schedule is still due")
}

func TestExtractMetric(t *testing.T) {
	tests := []struct {
		name string
		rows []Row
		key  string
		want float64
	}{
		{"no rows", nil, "id", 0},
		{"many rows counted", []Row{{}, {}, {}}, "id", 3},
		{
			name: "single row skips key field",
			rows: []Row{{Columns: []string{"courseid", "total"}, Values: map[string]any{"courseid": int64(4), "total": int64(17)}}},
			key:  "courseid",
			want: 17,
		},
		{
			name: "single row skips id and text",
			rows: []Row{{Columns: []string{"id", "name", "avg"}, Values: map[string]any{"id": 1, "name": "Maths", "avg": "71.5"}}},
			key:  "",
			want: 71.5,
		},
		{
			name: "single row without numbers counts as one",
			rows: []Row{{Columns: []string{"name"}, Values: map[string]any{"name": "x"}}},
			want: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractMetric(tt.rows, tt.key))
		})
	}
}

func TestComputeTrend(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := []Snapshot{
		{Value: 80, CapturedAt: base.Add(2 * time.Hour)},
		{Value: 100, CapturedAt: base.Add(time.Hour)},
		{Value: 90, CapturedAt: base},
	}

	tr := ComputeTrend(recent)

	assert.Equal(t, DirectionDown, tr.Direction)
	assert.Equal(t, -20.0, tr.Change)
	require.NotNil(t, tr.ChangePercent)
	assert.InDelta(t, -20.0, *tr.ChangePercent, 1e-9)
	require.Len(t, tr.Points, 3)
	assert.Equal(t, 90.0, tr.Points[0].Value, "points are oldest first")
	assert.Greater(t, tr.Baseline, 80.0)
	assert.Less(t, tr.Baseline, 100.0)

	empty := ComputeTrend(nil)
	assert.Equal(t, DirectionFlat, empty.Direction)
	assert.Nil(t, empty.Current)
}
