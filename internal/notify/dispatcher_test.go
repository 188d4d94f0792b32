package notify

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/alerts"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/storage/sqlite"
)

var t0 = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

type fixture struct {
	catalog  *sqlite.CatalogStore
	history  *sqlite.HistoryStore
	messages *sqlite.MessageStore
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "notify.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		catalog:  sqlite.NewCatalogStore(db),
		history:  sqlite.NewHistoryStore(db),
		messages: sqlite.NewMessageStore(db),
	}
	ctx := context.Background()
	require.NoError(t, f.catalog.UpsertEntity(ctx, sqlite.Entity{ID: 5, Name: "Chemistry"}))
	require.NoError(t, f.catalog.UpsertUser(ctx, sqlite.User{ID: 1, Username: "owner", Email: "owner@example.com"}))
	require.NoError(t, f.catalog.UpsertUser(ctx, sqlite.User{ID: 2, Username: "jsmith", Email: "jsmith@example.com"}))
	require.NoError(t, f.catalog.UpsertUser(ctx, sqlite.User{ID: 3, Username: "noemail"}))
	require.NoError(t, f.catalog.AssignRole(ctx, 5, 2, "editingteacher"))
	require.NoError(t, f.catalog.AssignRole(ctx, 5, 1, "editingteacher"))
	require.NoError(t, f.catalog.UpsertReport(ctx, sqlite.Report{ID: "logins", Name: "Weekly logins"}))
	return f
}

func definition(channels ...alerts.Channel) *alerts.Definition {
	return &alerts.Definition{
		ID:               9,
		EntityID:         5,
		ReportID:         "logins",
		Operator:         alerts.OpLessThan,
		Warning:          alerts.Float(100),
		Critical:         alerts.Float(50),
		NotifyOnWarning:  true,
		NotifyOnCritical: true,
		NotifyOnRecovery: true,
		Channels:         channels,
		Targets:          alerts.Targets{Users: []int64{1}, Roles: []string{"editingteacher"}},
		Enabled:          true,
	}
}

type stubNotifier struct {
	channel alerts.Channel
	err     error
	calls   int
	last    *Delivery
}

func (s *stubNotifier) Channel() alerts.Channel { return s.channel }

func (s *stubNotifier) Send(_ context.Context, d *Delivery) error {
	s.calls++
	s.last = d
	return s.err
}

func TestDispatch_SendsOnceAndRecordsFireLog(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t)
	email := &stubNotifier{channel: alerts.ChannelEmail}
	d := NewDispatcher(f.history, f.catalog, time.Second, NewInAppNotifier(f.messages), email)

	def := definition(alerts.ChannelInApp, alerts.ChannelEmail)
	ev := Event{Definition: def, Severity: alerts.SeverityCritical, Current: 40, Previous: alerts.Float(80),
		Threshold: 50, ThresholdType: alerts.ThresholdCritical, At: t0}

	res, err := d.Dispatch(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Recipients, "explicit and role users are merged")
	assert.Equal(t, 2, res.SentCount)
	assert.Contains(t, email.last.Message.Subject, "[CRITICAL] Weekly logins")

	inbox, err := f.messages.ListForUser(ctx, 2, true, 10)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, "critical", inbox[0].Severity)

	fired, err := f.history.HasFired(ctx, 5, 9, alerts.SeverityCritical)
	require.NoError(t, err)
	assert.True(t, fired)

	res, err = d.Dispatch(ctx, ev)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Zero(t, res.SentCount)
	assert.Equal(t, 1, email.calls)
}

func TestDispatch_PartialFailureStillRecords(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t)
	failing := &stubNotifier{channel: alerts.ChannelEmail, err: errors.New("smtp down")}
	d := NewDispatcher(f.history, f.catalog, time.Second, NewInAppNotifier(f.messages), failing)

	res, err := d.Dispatch(ctx, Event{Definition: definition(alerts.ChannelInApp, alerts.ChannelEmail),
		Severity: alerts.SeverityWarning, Current: 90, At: t0})
	require.NoError(t, err)
	assert.Equal(t, 1, res.SentCount)
	assert.Equal(t, []alerts.Channel{alerts.ChannelEmail}, res.Failed)

	fired, err := f.history.HasFired(ctx, 5, 9, alerts.SeverityWarning)
	require.NoError(t, err)
	assert.True(t, fired)
}

func TestDispatch_AllChannelsFail(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t)
	failing := &stubNotifier{channel: alerts.ChannelEmail, err: errors.New("smtp down")}
	d := NewDispatcher(f.history, f.catalog, time.Second, failing)

	res, err := d.Dispatch(ctx, Event{Definition: definition(alerts.ChannelEmail), Severity: alerts.SeverityWarning, Current: 90, At: t0})
	assert.Error(t, err)
	assert.Zero(t, res.SentCount)

	fired, err := f.history.HasFired(ctx, 5, 9, alerts.SeverityWarning)
	require.NoError(t, err)
	assert.False(t, fired, "nothing recorded so the next transition may retry")
}

func TestDispatch_NoSeverityOrRecipients(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t)
	inapp := &stubNotifier{channel: alerts.ChannelInApp}
	d := NewDispatcher(f.history, f.catalog, time.Second, inapp)

	res, err := d.Dispatch(ctx, Event{Definition: definition(alerts.ChannelInApp), At: t0})
	require.NoError(t, err)
	assert.Zero(t, res.SentCount)

	def := definition(alerts.ChannelInApp)
	def.Targets = alerts.Targets{Roles: []string{"student"}}
	res, err = d.Dispatch(ctx, Event{Definition: def, Severity: alerts.SeverityCritical, At: t0})
	require.NoError(t, err)
	assert.Zero(t, res.Recipients)
	assert.Zero(t, inapp.calls)
}

type fakeSender struct {
	message string
	params  stypes.Params
	errs    []error
}

func (s *fakeSender) Send(message string, params *stypes.Params) []error {
	s.message = message
	s.params = *params
	return s.errs
}

func TestEmailNotifier(t *testing.T) {
	sender := &fakeSender{}
	n := NewEmailNotifierWithSender(sender, "[Insights]")

	d := &Delivery{
		Definition: definition(alerts.ChannelEmail),
		Severity:   alerts.SeverityRecovery,
		Message:    alerts.Message{Subject: "[RECOVERY] Weekly logins", Body: "Weekly logins has recovered."},
		Recipients: []sqlite.User{{ID: 1, Email: "a@example.com"}, {ID: 3}, {ID: 2, Email: "b@example.com"}},
	}
	require.NoError(t, n.Send(context.Background(), d))
	assert.Equal(t, "Weekly logins has recovered.", sender.message)
	assert.Equal(t, "a@example.com,b@example.com", sender.params["toaddresses"])
	assert.Equal(t, "[Insights] [RECOVERY] Weekly logins", sender.params["title"])

	d.Recipients = []sqlite.User{{ID: 3}}
	assert.ErrorIs(t, n.Send(context.Background(), d), ErrNoEmailRecipients)

	sender.errs = []error{nil, errors.New("relay refused")}
	d.Recipients = []sqlite.User{{ID: 1, Email: "a@example.com"}}
	assert.EqualError(t, n.Send(context.Background(), d), "relay refused")
}
