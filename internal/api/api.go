// Package api provides the dashboard-facing HTTP API of the insights agent.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/alerts"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/logger"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/preload"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/remote"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/snapshots"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/storage/sqlite"
)

// Config contains HTTP API server configuration.
type Config struct {
	Address string
	// SnapshotInterval is used for schedules bootstrapped on first view.
	SnapshotInterval time.Duration
	// CheckInterval is the default for alerts created without one.
	CheckInterval time.Duration
}

// SetDefaults applies default values for missing configuration.
func (c *Config) SetDefaults() {
	if c.Address == "" {
		c.Address = "127.0.0.1:9470"
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 24 * time.Hour
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Hour
	}
}

// Catalog resolves entities and reports.
type Catalog interface {
	EntityExists(ctx context.Context, id int64) (bool, error)
	GetReport(ctx context.Context, id string) (*sqlite.Report, bool, error)
}

// Bootstrapper registers a snapshot schedule the first time a pair is viewed.
type Bootstrapper interface {
	RegisterIfAbsent(ctx context.Context, entityID int64, reportID string, kind snapshots.SourceKind, interval time.Duration, initialValue float64, now time.Time) (*snapshots.Schedule, bool, error)
}

// SnapshotReader reads captured history for trends.
type SnapshotReader interface {
	RecentSnapshots(ctx context.Context, entityID int64, reportID string, limit int) ([]snapshots.Snapshot, error)
}

// Preloader serves computed report values.
type Preloader interface {
	Load(ctx context.Context, key preload.Key) (preload.Entry, error)
	Refresh(ctx context.Context, key preload.Key) (preload.Entry, error)
}

// AlertRepository persists alert definitions.
type AlertRepository interface {
	Create(ctx context.Context, def *alerts.Definition) error
	Update(ctx context.Context, def *alerts.Definition) error
	Get(ctx context.Context, id int64) (*alerts.Definition, error)
	Delete(ctx context.Context, id int64) error
	ListByEntity(ctx context.Context, entityID int64, reportID string) ([]*alerts.Definition, error)
}

// HistoryReader lists alert transitions.
type HistoryReader interface {
	ListHistory(ctx context.Context, alertID int64, limit int) ([]alerts.HistoryEntry, error)
}

// MessageRepository reads and acknowledges in-app messages.
type MessageRepository interface {
	ListForUser(ctx context.Context, userID int64, unreadOnly bool, limit int) ([]sqlite.Message, error)
	MarkRead(ctx context.Context, id string, at time.Time) (bool, error)
}

// AlertSync mirrors definitions to the remote authority.
type AlertSync interface {
	Push(ctx context.Context, def *alerts.Definition) error
	Remove(ctx context.Context, def *alerts.Definition) error
	Reconcile(ctx context.Context, entityID int64, reportID string) (remote.ReconcileResult, error)
}

// Deps are the services the API is built on. Sync may be nil when no remote
// authority is configured.
type Deps struct {
	Catalog   Catalog
	Schedules Bootstrapper
	Snapshots SnapshotReader
	Preload   Preloader
	Alerts    AlertRepository
	History   HistoryReader
	Messages  MessageRepository
	Sync      AlertSync
	Clock     func() time.Time
}

func (d *Deps) validate() error {
	switch {
	case d.Catalog == nil:
		return errors.New("catalog is required")
	case d.Schedules == nil:
		return errors.New("schedules are required")
	case d.Snapshots == nil:
		return errors.New("snapshot reader is required")
	case d.Preload == nil:
		return errors.New("preload cache is required")
	case d.Alerts == nil:
		return errors.New("alert repository is required")
	case d.History == nil:
		return errors.New("history reader is required")
	case d.Messages == nil:
		return errors.New("message repository is required")
	}
	return nil
}

// Server is the HTTP API server.
type Server struct {
	config *Config
	deps   Deps
	server *http.Server
}

// New creates a new API server.
func New(cfg *Config, deps Deps) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	cfg.SetDefaults()

	s := &Server{config: cfg, deps: deps}
	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.setupRouter(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Address returns the configured listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// Run starts the HTTP server and blocks until context is canceled.
func (s *Server) Run(ctx context.Context) error {
	errChan := make(chan error, 1)

	go func() {
		logger.Info("HTTP API listening", "address", s.config.Address)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down HTTP API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}
