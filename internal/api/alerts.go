package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/alerts"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/logger"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// alertRequest is the body of create and update calls. Omitted notify and
// enabled flags take the same defaults as imported definitions.
type alertRequest struct {
	Name                 string         `json:"name"`
	ReportID             string         `json:"report_id"`
	MetricField          string         `json:"metric_field"`
	Operator             string         `json:"operator"`
	WarningThreshold     *float64       `json:"warning_threshold"`
	CriticalThreshold    *float64       `json:"critical_threshold"`
	CheckIntervalSeconds int64          `json:"check_interval_seconds"`
	CooldownSeconds      int64          `json:"cooldown_seconds"`
	NotifyOnWarning      *bool          `json:"notify_on_warning"`
	NotifyOnCritical     *bool          `json:"notify_on_critical"`
	NotifyOnRecovery     *bool          `json:"notify_on_recovery"`
	Channels             []string       `json:"channels"`
	Targets              alerts.Targets `json:"targets"`
	Message              string         `json:"message"`
	Enabled              *bool          `json:"enabled"`
}

func (req *alertRequest) apply(def *alerts.Definition, defaultInterval time.Duration) {
	def.Name = req.Name
	def.ReportID = req.ReportID
	def.MetricField = req.MetricField
	def.Operator = alerts.Operator(req.Operator)
	def.Warning = req.WarningThreshold
	def.Critical = req.CriticalThreshold
	def.CheckInterval = time.Duration(req.CheckIntervalSeconds) * time.Second
	if req.CheckIntervalSeconds == 0 {
		def.CheckInterval = defaultInterval
	}
	def.Cooldown = time.Duration(req.CooldownSeconds) * time.Second
	def.NotifyOnWarning = boolOr(req.NotifyOnWarning, true)
	def.NotifyOnCritical = boolOr(req.NotifyOnCritical, true)
	def.NotifyOnRecovery = boolOr(req.NotifyOnRecovery, false)
	def.Channels = def.Channels[:0]
	for _, ch := range req.Channels {
		def.Channels = append(def.Channels, alerts.Channel(ch))
	}
	if len(def.Channels) == 0 {
		def.Channels = []alerts.Channel{alerts.ChannelInApp}
	}
	def.Targets = req.Targets
	def.Message = req.Message
	def.Enabled = boolOr(req.Enabled, true)
}

func boolOr(b *bool, fallback bool) bool {
	if b == nil {
		return fallback
	}
	return *b
}

type alertView struct {
	ID                   int64          `json:"id"`
	EntityID             int64          `json:"entity_id"`
	ReportID             string         `json:"report_id"`
	Name                 string         `json:"name"`
	MetricField          string         `json:"metric_field,omitempty"`
	Operator             string         `json:"operator"`
	WarningThreshold     *float64       `json:"warning_threshold,omitempty"`
	CriticalThreshold    *float64       `json:"critical_threshold,omitempty"`
	CheckIntervalSeconds int64          `json:"check_interval_seconds"`
	CooldownSeconds      int64          `json:"cooldown_seconds"`
	NotifyOnWarning      bool           `json:"notify_on_warning"`
	NotifyOnCritical     bool           `json:"notify_on_critical"`
	NotifyOnRecovery     bool           `json:"notify_on_recovery"`
	Channels             []string       `json:"channels"`
	Targets              alerts.Targets `json:"targets"`
	Message              string         `json:"message,omitempty"`
	Enabled              bool           `json:"enabled"`
	CurrentStatus        string         `json:"current_status"`
	LastCheckedAt        *time.Time     `json:"last_checked_at,omitempty"`
	LastAlertAt          *time.Time     `json:"last_alert_at,omitempty"`
	RemoteID             string         `json:"remote_id,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

func toAlertView(def *alerts.Definition) alertView {
	channels := make([]string, len(def.Channels))
	for i, ch := range def.Channels {
		channels[i] = string(ch)
	}
	return alertView{
		ID:                   def.ID,
		EntityID:             def.EntityID,
		ReportID:             def.ReportID,
		Name:                 def.Name,
		MetricField:          def.MetricField,
		Operator:             string(def.Operator),
		WarningThreshold:     def.Warning,
		CriticalThreshold:    def.Critical,
		CheckIntervalSeconds: int64(def.CheckInterval / time.Second),
		CooldownSeconds:      int64(def.Cooldown / time.Second),
		NotifyOnWarning:      def.NotifyOnWarning,
		NotifyOnCritical:     def.NotifyOnCritical,
		NotifyOnRecovery:     def.NotifyOnRecovery,
		Channels:             channels,
		Targets:              def.Targets,
		Message:              def.Message,
		Enabled:              def.Enabled,
		CurrentStatus:        string(def.CurrentStatus),
		LastCheckedAt:        def.LastCheckedAt,
		LastAlertAt:          def.LastAlertAt,
		RemoteID:             def.RemoteID,
		CreatedAt:            def.CreatedAt,
		UpdatedAt:            def.UpdatedAt,
	}
}

type historyView struct {
	ID             int64     `json:"id"`
	PreviousStatus string    `json:"previous_status"`
	NewStatus      string    `json:"new_status"`
	MetricValue    float64   `json:"metric_value"`
	ThresholdValue float64   `json:"threshold_value"`
	ThresholdType  string    `json:"threshold_type"`
	Notified       bool      `json:"notified"`
	CreatedAt      time.Time `json:"created_at"`
}

// listAlerts returns an entity's definitions. Loading the configuration
// also removes remote copies that were deleted locally.
func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	entityID, ok := pathInt64(r, "entityID")
	if !ok {
		JSONError(w, NewBadRequest("invalid entity id"))
		return
	}
	if !s.entityExists(w, r, entityID) {
		return
	}
	ctx := r.Context()
	reportID := r.URL.Query().Get("report")

	defs, err := s.deps.Alerts.ListByEntity(ctx, entityID, reportID)
	if err != nil {
		logger.Error("failed to list alerts", "entity_id", entityID, "error", err.Error())
		JSONError(w, ErrInternalServer)
		return
	}

	if s.deps.Sync != nil {
		for _, id := range reconcileTargets(reportID, defs) {
			if _, err := s.deps.Sync.Reconcile(ctx, entityID, id); err != nil {
				logger.Warn("alert reconciliation failed", "entity_id", entityID, "report_id", id, "error", err.Error())
			}
		}
	}

	views := make([]alertView, len(defs))
	for i, def := range defs {
		views[i] = toAlertView(def)
	}
	OK(w, views)
}

// reconcileTargets returns the reports whose remote alerts should be
// reconciled: the requested one, or every report with a local definition.
func reconcileTargets(reportID string, defs []*alerts.Definition) []string {
	if reportID != "" {
		return []string{reportID}
	}
	seen := make(map[string]bool)
	var ids []string
	for _, def := range defs {
		if !seen[def.ReportID] {
			seen[def.ReportID] = true
			ids = append(ids, def.ReportID)
		}
	}
	sort.Strings(ids)
	return ids
}

func (s *Server) createAlert(w http.ResponseWriter, r *http.Request) {
	entityID, ok := pathInt64(r, "entityID")
	if !ok {
		JSONError(w, NewBadRequest("invalid entity id"))
		return
	}
	var req alertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, NewBadRequest("invalid request body"))
		return
	}
	if !s.entityExists(w, r, entityID) {
		return
	}

	def := &alerts.Definition{EntityID: entityID, CurrentStatus: alerts.StatusOK}
	req.apply(def, s.config.CheckInterval)
	if !s.validate(w, def) || !s.reportKnown(w, r, def.ReportID) {
		return
	}

	ctx := r.Context()
	if err := s.deps.Alerts.Create(ctx, def); err != nil {
		logger.Error("failed to create alert", "entity_id", entityID, "error", err.Error())
		JSONError(w, ErrInternalServer)
		return
	}
	s.push(r, def)

	logger.Info("alert created", "entity_id", entityID, "report_id", def.ReportID, "alert_id", def.ID)
	Created(w, toAlertView(def))
}

func (s *Server) updateAlert(w http.ResponseWriter, r *http.Request) {
	def, ok := s.loadAlert(w, r)
	if !ok {
		return
	}
	var req alertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, NewBadRequest("invalid request body"))
		return
	}

	// Status and fire log belong to the current report's series, so a
	// definition never moves to another report.
	reportID := def.ReportID
	if req.ReportID == "" {
		req.ReportID = reportID
	}
	if req.ReportID != reportID {
		JSONError(w, NewValidationError("report_id", "report cannot be changed; create a new alert instead"))
		return
	}

	req.apply(def, s.config.CheckInterval)
	if !s.validate(w, def) {
		return
	}

	if err := s.deps.Alerts.Update(r.Context(), def); err != nil {
		if alerts.IsNotFound(err) {
			JSONError(w, ErrAlertNotFound)
			return
		}
		logger.Error("failed to update alert", "alert_id", def.ID, "error", err.Error())
		JSONError(w, ErrInternalServer)
		return
	}
	s.push(r, def)

	OK(w, toAlertView(def))
}

func (s *Server) deleteAlert(w http.ResponseWriter, r *http.Request) {
	def, ok := s.loadAlert(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	if err := s.deps.Alerts.Delete(ctx, def.ID); err != nil {
		if alerts.IsNotFound(err) {
			JSONError(w, ErrAlertNotFound)
			return
		}
		logger.Error("failed to delete alert", "alert_id", def.ID, "error", err.Error())
		JSONError(w, ErrInternalServer)
		return
	}
	if s.deps.Sync != nil {
		if err := s.deps.Sync.Remove(ctx, def); err != nil {
			logger.Warn("failed to remove remote alert", "alert_id", def.ID, "remote_id", def.RemoteID, "error", err.Error())
		}
	}

	logger.Info("alert deleted", "entity_id", def.EntityID, "alert_id", def.ID)
	NoContent(w)
}

func (s *Server) alertHistory(w http.ResponseWriter, r *http.Request) {
	alertID, ok := pathInt64(r, "alertID")
	if !ok {
		JSONError(w, NewBadRequest("invalid alert id"))
		return
	}
	ctx := r.Context()
	if _, err := s.deps.Alerts.Get(ctx, alertID); err != nil {
		if alerts.IsNotFound(err) {
			JSONError(w, ErrAlertNotFound)
			return
		}
		logger.Error("failed to load alert", "alert_id", alertID, "error", err.Error())
		JSONError(w, ErrInternalServer)
		return
	}

	entries, err := s.deps.History.ListHistory(ctx, alertID, queryLimit(r, defaultHistoryLimit, maxHistoryLimit))
	if err != nil {
		logger.Error("failed to list alert history", "alert_id", alertID, "error", err.Error())
		JSONError(w, ErrInternalServer)
		return
	}

	views := make([]historyView, len(entries))
	for i, h := range entries {
		views[i] = historyView{
			ID:             h.ID,
			PreviousStatus: string(h.PreviousStatus),
			NewStatus:      string(h.NewStatus),
			MetricValue:    h.MetricValue,
			ThresholdValue: h.ThresholdValue,
			ThresholdType:  string(h.ThresholdType),
			Notified:       h.Notified,
			CreatedAt:      h.CreatedAt,
		}
	}
	OK(w, views)
}

// loadAlert returns the definition named by the path, which must belong to
// the entity in the path.
func (s *Server) loadAlert(w http.ResponseWriter, r *http.Request) (*alerts.Definition, bool) {
	entityID, ok := pathInt64(r, "entityID")
	if !ok {
		JSONError(w, NewBadRequest("invalid entity id"))
		return nil, false
	}
	alertID, ok := pathInt64(r, "alertID")
	if !ok {
		JSONError(w, NewBadRequest("invalid alert id"))
		return nil, false
	}

	def, err := s.deps.Alerts.Get(r.Context(), alertID)
	if err != nil {
		if alerts.IsNotFound(err) {
			JSONError(w, ErrAlertNotFound)
			return nil, false
		}
		logger.Error("failed to load alert", "alert_id", alertID, "error", err.Error())
		JSONError(w, ErrInternalServer)
		return nil, false
	}
	if def.EntityID != entityID {
		JSONError(w, ErrAlertNotFound)
		return nil, false
	}
	return def, true
}

func (s *Server) validate(w http.ResponseWriter, def *alerts.Definition) bool {
	err := def.Validate()
	if err == nil {
		return true
	}
	var ve *alerts.ValidationError
	if errors.As(err, &ve) {
		JSONError(w, NewValidationError(ve.Field, ve.Error()))
		return false
	}
	JSONError(w, NewBadRequest(err.Error()))
	return false
}

// reportKnown reports whether reportID is in the catalog, writing a
// validation error when it is not.
func (s *Server) reportKnown(w http.ResponseWriter, r *http.Request, reportID string) bool {
	_, found, err := s.deps.Catalog.GetReport(r.Context(), reportID)
	if err != nil {
		logger.Error("failed to load report", "report_id", reportID, "error", err.Error())
		JSONError(w, ErrInternalServer)
		return false
	}
	if !found {
		JSONError(w, NewValidationError("report_id", "report not found"))
		return false
	}
	return true
}

// push mirrors def to the remote authority. Failures are logged only; the
// local save already succeeded.
func (s *Server) push(r *http.Request, def *alerts.Definition) {
	if s.deps.Sync == nil {
		return
	}
	if err := s.deps.Sync.Push(r.Context(), def); err != nil {
		logger.Warn("failed to sync alert to remote", "alert_id", def.ID, "error", err.Error())
	}
}
