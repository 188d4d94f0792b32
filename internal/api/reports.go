package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/logger"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/preload"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/snapshots"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/storage/sqlite"
)

const (
	defaultTrendPoints = 30
	maxTrendPoints     = 365
)

type scheduleView struct {
	IntervalSeconds int64      `json:"interval_seconds"`
	NextDueAt       time.Time  `json:"next_due_at"`
	LastSnapshotAt  *time.Time `json:"last_snapshot_at,omitempty"`
	Active          bool       `json:"active"`
}

type reportView struct {
	EntityID  int64     `json:"entity_id"`
	ReportID  string    `json:"report_id"`
	Name      string    `json:"name"`
	Source    string    `json:"source"`
	Value     float64   `json:"value"`
	FetchedAt time.Time `json:"fetched_at"`
	// Bootstrapped is true when this view registered the snapshot schedule.
	Bootstrapped bool          `json:"bootstrapped"`
	Schedule     *scheduleView `json:"schedule,omitempty"`
}

type pendingView struct {
	EntityID int64  `json:"entity_id"`
	ReportID string `json:"report_id"`
	Status   string `json:"status"`
}

// resolveReport loads the entity and report named in the path, writing the
// error response itself when either is missing.
func (s *Server) resolveReport(w http.ResponseWriter, r *http.Request) (int64, *sqlite.Report, snapshots.SourceKind, bool) {
	entityID, ok := pathInt64(r, "entityID")
	if !ok {
		JSONError(w, NewBadRequest("invalid entity id"))
		return 0, nil, "", false
	}
	if !s.entityExists(w, r, entityID) {
		return 0, nil, "", false
	}

	reportID := chi.URLParam(r, "reportID")
	report, found, err := s.deps.Catalog.GetReport(r.Context(), reportID)
	if err != nil {
		logger.Error("failed to load report", "report_id", reportID, "error", err.Error())
		JSONError(w, ErrInternalServer)
		return 0, nil, "", false
	}
	if !found {
		JSONError(w, ErrReportNotFound)
		return 0, nil, "", false
	}

	kind, err := snapshots.ParseSourceKind(report.Source)
	if err != nil {
		logger.Error("report has an invalid source", "report_id", reportID, "error", err.Error())
		JSONError(w, ErrInternalServer)
		return 0, nil, "", false
	}
	return entityID, report, kind, true
}

func (s *Server) entityExists(w http.ResponseWriter, r *http.Request, entityID int64) bool {
	exists, err := s.deps.Catalog.EntityExists(r.Context(), entityID)
	if err != nil {
		logger.Error("failed to check entity", "entity_id", entityID, "error", err.Error())
		JSONError(w, ErrInternalServer)
		return false
	}
	if !exists {
		JSONError(w, ErrEntityNotFound)
		return false
	}
	return true
}

// viewReport serves the current value of a report. The first view of a
// pair registers its snapshot schedule, seeded with the value shown.
func (s *Server) viewReport(w http.ResponseWriter, r *http.Request) {
	entityID, report, kind, ok := s.resolveReport(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	entry, err := s.deps.Preload.Load(ctx, preload.Key{ReportID: report.ID, Source: kind})
	if errors.Is(err, preload.ErrInFlight) {
		Accepted(w, pendingView{EntityID: entityID, ReportID: report.ID, Status: "loading"})
		return
	}
	if err != nil {
		logger.Warn("failed to compute report", "entity_id", entityID, "report_id", report.ID, "error", err.Error())
		JSONError(w, ErrSourceUnavailable)
		return
	}

	sched, created, err := s.deps.Schedules.RegisterIfAbsent(ctx, entityID, report.ID, kind,
		s.config.SnapshotInterval, entry.Value, s.deps.Clock())
	if err != nil {
		logger.Error("failed to register snapshot schedule", "entity_id", entityID, "report_id", report.ID, "error", err.Error())
		JSONError(w, ErrInternalServer)
		return
	}

	view := reportView{
		EntityID:     entityID,
		ReportID:     report.ID,
		Name:         report.Name,
		Source:       string(kind),
		Value:        entry.Value,
		FetchedAt:    entry.FetchedAt,
		Bootstrapped: created,
	}
	if sched != nil {
		view.Schedule = &scheduleView{
			IntervalSeconds: int64(sched.Interval / time.Second),
			NextDueAt:       sched.NextDueAt,
			LastSnapshotAt:  sched.LastSnapshotAt,
			Active:          sched.Active,
		}
	}
	OK(w, view)
}

func (s *Server) reportTrend(w http.ResponseWriter, r *http.Request) {
	entityID, report, _, ok := s.resolveReport(w, r)
	if !ok {
		return
	}

	limit := queryLimit(r, defaultTrendPoints, maxTrendPoints)
	recent, err := s.deps.Snapshots.RecentSnapshots(r.Context(), entityID, report.ID, limit)
	if err != nil {
		logger.Error("failed to load snapshots", "entity_id", entityID, "report_id", report.ID, "error", err.Error())
		JSONError(w, ErrInternalServer)
		return
	}
	OK(w, snapshots.ComputeTrend(recent))
}

// preloadReport recomputes a report ahead of a view. A preload already
// running for the same report is not repeated.
func (s *Server) preloadReport(w http.ResponseWriter, r *http.Request) {
	entityID, report, kind, ok := s.resolveReport(w, r)
	if !ok {
		return
	}

	entry, err := s.deps.Preload.Refresh(r.Context(), preload.Key{ReportID: report.ID, Source: kind})
	if errors.Is(err, preload.ErrInFlight) {
		Accepted(w, pendingView{EntityID: entityID, ReportID: report.ID, Status: "in_flight"})
		return
	}
	if err != nil {
		logger.Warn("preload failed", "entity_id", entityID, "report_id", report.ID, "error", err.Error())
		JSONError(w, ErrSourceUnavailable)
		return
	}
	OK(w, reportView{
		EntityID:  entityID,
		ReportID:  report.ID,
		Name:      report.Name,
		Source:    string(kind),
		Value:     entry.Value,
		FetchedAt: entry.FetchedAt,
	})
}
