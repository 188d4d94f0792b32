package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/remote"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/snapshots"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/storage/sqlite"
)

// ErrNoReportDatabase is returned when a primary report is requested but no
// report database is configured.
var ErrNoReportDatabase = errors.New("report database not configured")

// ReportNotFoundError is returned for reports missing from the catalog.
type ReportNotFoundError struct {
	ID string
}

func (e *ReportNotFoundError) Error() string {
	return fmt.Sprintf("report not found: %s", e.ID)
}

// Catalog looks up report definitions.
type Catalog interface {
	GetReport(ctx context.Context, id string) (*sqlite.Report, bool, error)
}

// RemoteMetrics answers secondary report requests. *remote.Client
// satisfies it.
type RemoteMetrics interface {
	FetchMetric(ctx context.Context, reportID string) (*remote.MetricResponse, error)
}

// Router implements snapshots.MetricSource over both source kinds. Either
// primary or remote may be nil when not configured.
type Router struct {
	catalog Catalog
	primary *Primary
	remote  RemoteMetrics
}

// NewRouter creates a Router.
func NewRouter(catalog Catalog, primary *Primary, remote RemoteMetrics) *Router {
	return &Router{catalog: catalog, primary: primary, remote: remote}
}

var _ snapshots.MetricSource = (*Router)(nil)

// FetchMetric computes the current value of reportID.
func (r *Router) FetchMetric(ctx context.Context, reportID string, kind snapshots.SourceKind) (float64, error) {
	switch kind {
	case snapshots.SourcePrimary:
		return r.fetchPrimary(ctx, reportID)
	case snapshots.SourceSecondary:
		return r.fetchSecondary(ctx, reportID)
	default:
		return 0, fmt.Errorf("unknown report source %q", kind)
	}
}

func (r *Router) fetchPrimary(ctx context.Context, reportID string) (float64, error) {
	if r.primary == nil {
		return 0, ErrNoReportDatabase
	}
	rep, ok, err := r.catalog.GetReport(ctx, reportID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, &ReportNotFoundError{ID: reportID}
	}
	return r.primary.Run(ctx, rep.Query, rep.KeyField)
}

// fetchSecondary asks the remote authority. It may answer with the value
// itself or with a query to run locally.
func (r *Router) fetchSecondary(ctx context.Context, reportID string) (float64, error) {
	if r.remote == nil {
		return 0, remote.ErrNotConfigured
	}
	resp, err := r.remote.FetchMetric(ctx, reportID)
	if err != nil {
		return 0, err
	}
	if resp.Value != nil {
		return *resp.Value, nil
	}
	if r.primary == nil {
		return 0, fmt.Errorf("secondary report %s: %w", reportID, ErrNoReportDatabase)
	}
	return r.primary.Run(ctx, resp.Query, resp.KeyField)
}
