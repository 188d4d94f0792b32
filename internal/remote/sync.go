package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/alerts"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/logger"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/snapshots"
)

// LocalAlerts is the local definition store used for syncing.
type LocalAlerts interface {
	ListByEntity(ctx context.Context, entityID int64, reportID string) ([]*alerts.Definition, error)
	SetRemoteID(ctx context.Context, id int64, remoteID string) error
}

// FromDefinition converts a local definition to its remote representation.
func FromDefinition(def *alerts.Definition) RemoteAlert {
	channels := make([]string, len(def.Channels))
	for i, ch := range def.Channels {
		channels[i] = string(ch)
	}
	return RemoteAlert{
		ID:               def.RemoteID,
		LocalID:          def.ID,
		EntityID:         def.EntityID,
		ReportID:         def.ReportID,
		Name:             def.Name,
		Operator:         string(def.Operator),
		Warning:          def.Warning,
		Critical:         def.Critical,
		CheckIntervalSec: int64(def.CheckInterval / time.Second),
		CooldownSec:      int64(def.Cooldown / time.Second),
		NotifyOnWarning:  def.NotifyOnWarning,
		NotifyOnCritical: def.NotifyOnCritical,
		NotifyOnRecovery: def.NotifyOnRecovery,
		Channels:         channels,
		Enabled:          def.Enabled,
	}
}

// Syncer mirrors local definition changes to the remote authority and
// removes remote copies that no longer exist locally.
type Syncer struct {
	client *Client
	local  LocalAlerts
}

// NewSyncer creates a Syncer.
func NewSyncer(client *Client, local LocalAlerts) *Syncer {
	return &Syncer{client: client, local: local}
}

// Push creates or updates the remote copy of def, recording a newly
// assigned remote ID locally.
func (s *Syncer) Push(ctx context.Context, def *alerts.Definition) error {
	if def.RemoteID != "" {
		err := s.client.UpdateAlert(ctx, def.RemoteID, FromDefinition(def))
		if !IsNotFound(err) {
			return err
		}
		// The remote copy vanished; recreate it below.
		def.RemoteID = ""
	}

	remoteID, err := s.client.CreateAlert(ctx, FromDefinition(def))
	if err != nil {
		return err
	}
	if err := s.local.SetRemoteID(ctx, def.ID, remoteID); err != nil {
		return fmt.Errorf("failed to record remote id: %w", err)
	}
	def.RemoteID = remoteID
	return nil
}

// Remove deletes the remote copy of def, if one exists.
func (s *Syncer) Remove(ctx context.Context, def *alerts.Definition) error {
	if def.RemoteID == "" {
		return nil
	}
	return s.client.DeleteAlert(ctx, def.RemoteID)
}

// ReconcileResult summarizes a reconciliation pass.
type ReconcileResult struct {
	Remote  int
	Deleted int
	Failed  int
}

// Reconcile deletes remote alerts for (entity, report) that have no local
// counterpart. Individual delete failures are logged and counted, never
// retried.
func (s *Syncer) Reconcile(ctx context.Context, entityID int64, reportID string) (ReconcileResult, error) {
	local, err := s.local.ListByEntity(ctx, entityID, reportID)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("failed to list local alerts: %w", err)
	}
	known := make(map[string]bool, len(local))
	for _, def := range local {
		if def.RemoteID != "" {
			known[def.RemoteID] = true
		}
	}

	remote, err := s.client.ListAlerts(ctx, entityID, reportID)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("failed to list remote alerts: %w", err)
	}

	result := ReconcileResult{Remote: len(remote)}
	for _, ra := range remote {
		if ra.ID == "" || known[ra.ID] {
			continue
		}
		if err := s.client.DeleteAlert(ctx, ra.ID); err != nil {
			logger.Warn("failed to delete orphaned remote alert",
				"entity_id", entityID, "report_id", reportID, "remote_id", ra.ID, "error", err.Error())
			result.Failed++
			continue
		}
		result.Deleted++
	}

	if result.Deleted > 0 || result.Failed > 0 {
		logger.Info("reconciled remote alerts", "entity_id", entityID, "report_id", reportID,
			"remote", result.Remote, "deleted", result.Deleted, "failed", result.Failed)
	}
	return result, nil
}

// SnapshotPublisher posts captured snapshots to the remote authority.
type SnapshotPublisher struct {
	client *Client
}

// NewSnapshotPublisher creates a SnapshotPublisher.
func NewSnapshotPublisher(client *Client) *SnapshotPublisher {
	return &SnapshotPublisher{client: client}
}

// PublishSnapshot implements snapshots.Publisher.
func (p *SnapshotPublisher) PublishSnapshot(ctx context.Context, snap snapshots.Snapshot, elapsed time.Duration) error {
	resp, err := p.client.PostSnapshot(ctx, snap.EntityID, snap.ReportID, snap.Value, elapsed)
	if err != nil {
		return err
	}
	if len(resp.TriggeredAlerts) > 0 {
		logger.Debug("remote authority reported triggered alerts",
			"entity_id", snap.EntityID, "report_id", snap.ReportID, "alerts", resp.TriggeredAlerts)
	}
	return nil
}
