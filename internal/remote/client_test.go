package remote

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/alerts"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/snapshots"
)

const testBase = "https://insights.example.com/api"

// setupClient returns a Client whose transport is intercepted by httpmock.
func setupClient(t *testing.T) *Client {
	t.Helper()

	hc := &http.Client{}
	httpmock.ActivateNonDefault(hc)
	t.Cleanup(httpmock.DeactivateAndReset)

	c, err := NewClient(Config{BaseURL: testBase + "/", APIKey: "secret"}, WithHTTPClient(hc))
	require.NoError(t, err)
	return c
}

type fakeLocal struct {
	defs      []*alerts.Definition
	remoteIDs map[int64]string
}

func (f *fakeLocal) ListByEntity(_ context.Context, entityID int64, reportID string) ([]*alerts.Definition, error) {
	var out []*alerts.Definition
	for _, d := range f.defs {
		if d.EntityID == entityID && d.ReportID == reportID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeLocal) SetRemoteID(_ context.Context, id int64, remoteID string) error {
	if f.remoteIDs == nil {
		f.remoteIDs = make(map[int64]string)
	}
	f.remoteIDs[id] = remoteID
	return nil
}

func TestNewClient_NotConfigured(t *testing.T) {
	_, err := NewClient(Config{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestClient_ListAlertsSendsAuthAndQuery(t *testing.T) {
	c := setupClient(t)

	httpmock.RegisterResponder("GET", testBase+"/alerts",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "Bearer secret", req.Header.Get("Authorization"))
			assert.Equal(t, "4", req.URL.Query().Get("entityId"))
			assert.Equal(t, "logins", req.URL.Query().Get("reportId"))
			return httpmock.NewJsonResponse(200, map[string]any{
				"alerts": []map[string]any{{"id": "a1", "entityId": 4, "reportId": "logins", "operator": "gt"}},
			})
		})

	list, err := c.ListAlerts(context.Background(), 4, "logins")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a1", list[0].ID)
}

func TestClient_StatusErrors(t *testing.T) {
	c := setupClient(t)

	httpmock.RegisterResponder("POST", testBase+"/reports/logins/snapshots",
		httpmock.NewStringResponder(503, "maintenance"))
	httpmock.RegisterResponder("DELETE", testBase+"/alerts/gone",
		httpmock.NewStringResponder(404, "not found"))

	_, err := c.PostSnapshot(context.Background(), 1, "logins", 5, time.Second)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 503, se.StatusCode)
	assert.True(t, se.Retryable())
	assert.Equal(t, 1, httpmock.GetTotalCallCount(), "no inline retry")

	assert.NoError(t, c.DeleteAlert(context.Background(), "gone"), "deleting a missing alert succeeds")
}

func TestClient_FetchMetric(t *testing.T) {
	c := setupClient(t)

	httpmock.RegisterResponder("GET", testBase+"/reports/completions/metric",
		httpmock.NewStringResponder(200, `{"value": 12.5}`))
	httpmock.RegisterResponder("GET", testBase+"/reports/enrolments/metric",
		httpmock.NewStringResponder(200, `{"query": "SELECT count(*) FROM mdl_user_enrolments", "keyField": "id"}`))
	httpmock.RegisterResponder("GET", testBase+"/reports/empty/metric",
		httpmock.NewStringResponder(200, `{}`))

	resp, err := c.FetchMetric(context.Background(), "completions")
	require.NoError(t, err)
	require.NotNil(t, resp.Value)
	assert.Equal(t, 12.5, *resp.Value)

	resp, err = c.FetchMetric(context.Background(), "enrolments")
	require.NoError(t, err)
	assert.Nil(t, resp.Value)
	assert.Contains(t, resp.Query, "mdl_user_enrolments")

	_, err = c.FetchMetric(context.Background(), "empty")
	assert.Error(t, err)
}

func TestSyncer_PushCreatesThenUpdates(t *testing.T) {
	c := setupClient(t)
	local := &fakeLocal{}
	s := NewSyncer(c, local)

	httpmock.RegisterResponder("POST", testBase+"/alerts",
		httpmock.NewStringResponder(201, `{"id": "r-1"}`))
	httpmock.RegisterResponder("PUT", testBase+"/alerts/r-1",
		httpmock.NewStringResponder(204, ""))

	def := &alerts.Definition{ID: 7, EntityID: 1, ReportID: "logins", Operator: alerts.OpGreaterThan, Warning: alerts.Float(3)}
	require.NoError(t, s.Push(context.Background(), def))
	assert.Equal(t, "r-1", def.RemoteID)
	assert.Equal(t, "r-1", local.remoteIDs[7])

	require.NoError(t, s.Push(context.Background(), def))
	info := httpmock.GetCallCountInfo()
	assert.Equal(t, 1, info["POST "+testBase+"/alerts"])
	assert.Equal(t, 1, info["PUT "+testBase+"/alerts/r-1"])
}

func TestSyncer_PushRecreatesMissingRemote(t *testing.T) {
	c := setupClient(t)
	local := &fakeLocal{}
	s := NewSyncer(c, local)

	httpmock.RegisterResponder("PUT", testBase+"/alerts/stale",
		httpmock.NewStringResponder(404, "no such alert"))
	httpmock.RegisterResponder("POST", testBase+"/alerts",
		httpmock.NewStringResponder(201, `{"id": "fresh"}`))

	def := &alerts.Definition{ID: 2, EntityID: 1, ReportID: "r", Operator: alerts.OpLessThan, Critical: alerts.Float(1), RemoteID: "stale"}
	require.NoError(t, s.Push(context.Background(), def))
	assert.Equal(t, "fresh", def.RemoteID)
}

func TestSyncer_ReconcileDeletesOrphans(t *testing.T) {
	c := setupClient(t)
	local := &fakeLocal{defs: []*alerts.Definition{
		{ID: 1, EntityID: 3, ReportID: "logins", RemoteID: "keep"},
		{ID: 2, EntityID: 3, ReportID: "logins"},
	}}
	s := NewSyncer(c, local)

	httpmock.RegisterResponder("GET", testBase+"/alerts",
		httpmock.NewStringResponder(200, `{"alerts": [{"id": "keep"}, {"id": "orphan"}, {"id": "stuck"}]}`))
	httpmock.RegisterResponder("DELETE", testBase+"/alerts/orphan",
		httpmock.NewStringResponder(204, ""))
	httpmock.RegisterResponder("DELETE", testBase+"/alerts/stuck",
		httpmock.NewStringResponder(500, "boom"))

	res, err := s.Reconcile(context.Background(), 3, "logins")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Remote)
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, httpmock.GetCallCountInfo()["DELETE "+testBase+"/alerts/keep"])
}

func TestSnapshotPublisher(t *testing.T) {
	c := setupClient(t)
	p := NewSnapshotPublisher(c)

	httpmock.RegisterResponder("POST", testBase+"/reports/logins/snapshots",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
			return httpmock.NewStringResponse(200, `{"trend": {"direction": "up"}, "triggeredAlerts": ["a1"]}`), nil
		})

	err := p.PublishSnapshot(context.Background(), snapshots.Snapshot{EntityID: 1, ReportID: "logins", Value: 3}, 120*time.Millisecond)
	assert.NoError(t, err)
}
