package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/alerts"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/api"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/config"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/logger"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/notify"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/preload"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/remote"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/snapshots"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/source"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/storage/sqlite"
)

// Version is set by ldflags during build
var Version = "dev"

// Job names, also accepted by Runner.RunOnce.
const (
	JobSnapshots = "snapshots"
	JobAlerts    = "alerts"
	JobRetention = "retention"
)

const retentionInterval = time.Hour

// Agent is the insights-agent daemon: it captures report snapshots, checks
// alerts, and prunes old data, optionally serving the HTTP API.
type Agent struct {
	config *config.Config
	db     *sqlite.DB
	pool   *pgxpool.Pool

	catalog  *sqlite.CatalogStore
	snaps    *sqlite.SnapshotStore
	alerts   *sqlite.AlertStore
	history  *sqlite.HistoryStore
	messages *sqlite.MessageStore

	statusStore *AgentStatusStore
	syncer      *remote.Syncer
	preload     *preload.Cache
	scheduler   *snapshots.Scheduler
	alerter     *AlertScheduler
	retention   *RetentionManager
	runner      *Runner
	server      *api.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	pidFile PIDFile
	clock   func() time.Time
}

// New opens local storage and wires every component. The returned agent
// can run one-shot passes directly or be started as a daemon.
func New(cfg *config.Config) (*Agent, error) {
	ctx, cancel := context.WithCancel(context.Background())

	a := &Agent{
		config:  cfg,
		ctx:     ctx,
		cancel:  cancel,
		clock:   time.Now,
	}
	if err := a.init(); err != nil {
		cancel()
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *Agent) init() error {
	cfg := a.config

	path := cfg.Storage.Path
	if path == "" {
		path = config.DefaultStoragePath()
	}
	db, err := openDatabase(path)
	if err != nil {
		return err
	}
	a.db = db
	a.pidFile = PIDFileFor(path)

	a.catalog = sqlite.NewCatalogStore(db)
	a.snaps = sqlite.NewSnapshotStore(db)
	a.alerts = sqlite.NewAlertStore(db)
	a.history = sqlite.NewHistoryStore(db)
	a.messages = sqlite.NewMessageStore(db)
	a.statusStore = NewAgentStatusStore(db.Conn())

	var primary *source.Primary
	if cfg.Reports.DSN != "" {
		pool, err := source.NewPool(a.ctx, cfg.Reports)
		if err != nil {
			return fmt.Errorf("failed to connect to report database: %w", err)
		}
		a.pool = pool
		primary = source.NewPrimary(pool, cfg.Reports.RowLimit, cfg.Reports.QueryTimeout)
	}

	var metricsRemote source.RemoteMetrics
	var publisher snapshots.Publisher
	if cfg.Remote.Enabled() {
		client, err := remote.NewClient(remote.Config{
			BaseURL:           cfg.Remote.BaseURL,
			APIKey:            cfg.Remote.APIKey,
			Timeout:           cfg.Remote.Timeout,
			RequestsPerSecond: cfg.Remote.RequestsPerSecond,
		})
		if err != nil {
			return fmt.Errorf("failed to create remote client: %w", err)
		}
		a.syncer = remote.NewSyncer(client, a.alerts)
		metricsRemote = client
		publisher = remote.NewSnapshotPublisher(client)
	}
	metricSource := source.NewRouter(a.catalog, primary, metricsRemote)

	notifiers := []notify.Notifier{notify.NewInAppNotifier(a.messages)}
	if cfg.Notify.EmailEnabled() {
		email, err := notify.NewEmailNotifier(cfg.Notify.EmailURL, cfg.Notify.SubjectPrefix, cfg.Notify.Timeout)
		if err != nil {
			return fmt.Errorf("failed to configure email: %w", err)
		}
		notifiers = append(notifiers, email)
	}
	dispatcher := notify.NewDispatcher(a.history, a.catalog, cfg.Notify.Timeout, notifiers...)

	a.scheduler = snapshots.NewScheduler(a.snaps, a.snaps, a.catalog, metricSource, publisher, snapshots.SchedulerConfig{
		BatchLimit:      cfg.Snapshots.BatchLimit,
		FetchTimeout:    cfg.Reports.QueryTimeout,
		DefaultInterval: cfg.Snapshots.DefaultInterval,
	})
	a.alerter = NewAlertScheduler(a.alerts, a.snaps, a.history, a.snaps, a.catalog, dispatcher, cfg.Alerts.CheckTimeout)
	a.preload = preload.New(metricSource, cfg.Preload.TTL, cfg.Preload.Timeout)

	a.retention = NewRetentionManager(
		Retention{Name: "snapshots", MaxAge: cfg.Snapshots.Retention, Prune: a.snaps.PruneSnapshots},
		Retention{Name: "alert_history", MaxAge: cfg.Alerts.HistoryRetention, Prune: a.history.PruneHistory},
		Retention{Name: "alert_fire_log", MaxAge: cfg.Alerts.FireLogRetention, Prune: a.history.PruneFired},
		Retention{Name: "messages", MaxAge: cfg.Notify.MessageRetention, Prune: a.messages.PruneRead},
	)

	a.runner = NewRunner(a.statusStore,
		JobFunc{JobName: JobSnapshots, JobInterval: cfg.Snapshots.TickInterval, Fn: a.captureSnapshots},
		JobFunc{JobName: JobAlerts, JobInterval: cfg.Alerts.TickInterval, Fn: a.checkAlerts},
		JobFunc{JobName: JobRetention, JobInterval: retentionInterval, Fn: a.prune},
	)

	if cfg.API.Enabled {
		deps := api.Deps{
			Catalog:   a.catalog,
			Schedules: a.scheduler,
			Snapshots: a.snaps,
			Preload:   a.preload,
			Alerts:    a.alerts,
			History:   a.history,
			Messages:  a.messages,
		}
		if a.syncer != nil {
			deps.Sync = a.syncer
		}
		server, err := api.New(&api.Config{
			Address:          cfg.API.Listen,
			SnapshotInterval: cfg.Snapshots.DefaultInterval,
			CheckInterval:    cfg.Alerts.DefaultCheckInterval,
		}, deps)
		if err != nil {
			return fmt.Errorf("failed to create API server: %w", err)
		}
		a.server = server
	}
	return nil
}

// openDatabase refuses to start on a nearly full disk and replaces a
// corrupted database with a fresh one.
func openDatabase(path string) (*sqlite.DB, error) {
	if err := sqlite.CheckDiskSpace(path); err != nil {
		return nil, err
	}
	if err := sqlite.CheckIntegrity(path); err != nil {
		var ce *sqlite.CorruptionError
		if !errors.As(err, &ce) {
			return nil, err
		}
		backup, mvErr := sqlite.MoveAside(path)
		if mvErr != nil {
			return nil, mvErr
		}
		logger.Warn("Database corrupted, starting with a fresh one", "path", path, "backup", backup, "details", ce.Details)
	}
	return sqlite.Open(path)
}

// Start writes the PID file and status row, then runs the job loop and the
// API server in the background.
func (a *Agent) Start() error {
	logger.Info("Starting insights-agent", "version", Version, "pid", os.Getpid())

	if err := a.pidFile.Acquire(); err != nil {
		if errors.Is(err, ErrAgentRunning) {
			return err
		}
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	now := a.clock()
	status := &AgentStatus{
		PID:       os.Getpid(),
		StartTime: now,
		LastRun:   now,
		Version:   Version,
	}
	if err := a.statusStore.Upsert(status); err != nil {
		return fmt.Errorf("failed to write agent status: %w", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.runner.Run(a.ctx)
	}()

	if a.server != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.server.Run(a.ctx); err != nil {
				logger.Error("HTTP API server failed", "address", a.server.Address(), "error", err.Error())
			}
		}()
	}

	logger.Info("Agent started", "database", a.db.Path(), "api", a.server != nil,
		"remote", a.syncer != nil, "reports_db", a.pool != nil)
	return nil
}

// Stop gracefully shuts down the agent.
func (a *Agent) Stop() error {
	logger.Info("Stopping insights-agent")

	a.cancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Debug("All jobs stopped gracefully")
	case <-time.After(10 * time.Second):
		logger.Warn("Shutdown timeout, forcing exit")
	}

	if a.db != nil {
		if err := a.db.Checkpoint(); err != nil {
			logger.Debug("WAL checkpoint failed", "error", err.Error())
		}
	}

	// A missing status row marks a clean shutdown.
	if a.statusStore != nil {
		_ = a.statusStore.Delete()
	}
	if err := a.pidFile.Release(); err != nil {
		logger.Debug("Failed to remove PID file", "error", err.Error())
	}

	a.Close()
	logger.Info("Agent stopped")
	return nil
}

// Close releases database connections. Stop calls it.
func (a *Agent) Close() {
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			logger.Debug("Failed to close database", "error", err.Error())
		}
		a.db = nil
	}
}

// Wait blocks until the agent is stopped.
func (a *Agent) Wait() {
	<-a.ctx.Done()
}

// Config returns the agent's configuration.
func (a *Agent) Config() *config.Config {
	return a.config
}

// StatusStore returns the agent status store.
func (a *Agent) StatusStore() *AgentStatusStore {
	return a.statusStore
}

// RemoteEnabled reports whether a remote authority is configured.
func (a *Agent) RemoteEnabled() bool {
	return a.syncer != nil
}

func (a *Agent) captureSnapshots(ctx context.Context, now time.Time) error {
	_, err := a.scheduler.RunDue(ctx, now)
	return err
}

func (a *Agent) checkAlerts(ctx context.Context, now time.Time) error {
	_, err := a.alerter.RunDueChecks(ctx, now)
	return err
}

func (a *Agent) prune(ctx context.Context, now time.Time) error {
	_, err := a.retention.PruneNow(ctx, now)
	if cerr := a.db.Checkpoint(); cerr != nil {
		logger.Debug("WAL checkpoint failed", "error", cerr.Error())
	}
	return err
}

// CaptureSnapshots runs one snapshot pass.
func (a *Agent) CaptureSnapshots(ctx context.Context) (snapshots.RunResult, error) {
	return a.scheduler.RunDue(ctx, a.clock())
}

// CheckAlerts runs one alert check pass.
func (a *Agent) CheckAlerts(ctx context.Context) (CheckResult, error) {
	return a.alerter.RunDueChecks(ctx, a.clock())
}

// Prune runs one retention pass and returns rows deleted per data set.
func (a *Agent) Prune(ctx context.Context) (map[string]int64, error) {
	return a.retention.PruneNow(ctx, a.clock())
}

// Reconcile removes remote alert copies of (entity, report) with no local
// counterpart.
func (a *Agent) Reconcile(ctx context.Context, entityID int64, reportID string) (remote.ReconcileResult, error) {
	if a.syncer == nil {
		return remote.ReconcileResult{}, remote.ErrNotConfigured
	}
	return a.syncer.Reconcile(ctx, entityID, reportID)
}

// ImportAlerts creates the definitions in a YAML file. Definitions for
// unknown entities or reports are rejected before anything is saved.
func (a *Agent) ImportAlerts(ctx context.Context, path string) ([]*alerts.Definition, error) {
	defs, err := alerts.LoadDefinitionFile(path, a.config.Alerts.DefaultCheckInterval)
	if err != nil {
		return nil, err
	}
	for _, def := range defs {
		exists, err := a.catalog.EntityExists(ctx, def.EntityID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("alert %q: entity %d not found", def.Name, def.EntityID)
		}
		_, found, err := a.catalog.GetReport(ctx, def.ReportID)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("alert %q: report %q not found", def.Name, def.ReportID)
		}
	}

	for _, def := range defs {
		if err := a.alerts.Create(ctx, def); err != nil {
			return nil, err
		}
		if a.syncer != nil {
			if err := a.syncer.Push(ctx, def); err != nil {
				logger.Warn("failed to sync imported alert", "alert_id", def.ID, "error", err.Error())
			}
		}
	}
	return defs, nil
}

// PreloadReports computes the given reports and returns their values.
// Reports missing from the catalog are reported as errors.
func (a *Agent) PreloadReports(ctx context.Context, reportIDs []string) (map[string]preload.Entry, error) {
	keys := make([]preload.Key, 0, len(reportIDs))
	for _, id := range reportIDs {
		report, ok, err := a.catalog.GetReport(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &source.ReportNotFoundError{ID: id}
		}
		kind, err := snapshots.ParseSourceKind(report.Source)
		if err != nil {
			return nil, err
		}
		keys = append(keys, preload.Key{ReportID: id, Source: kind})
	}

	if err := a.preload.Warm(ctx, keys); err != nil {
		return nil, err
	}
	values := make(map[string]preload.Entry, len(keys))
	for _, k := range keys {
		if e, ok := a.preload.Get(k); ok {
			values[k.ReportID] = e
		}
	}
	return values, nil
}

// ListAlerts returns every stored alert definition.
func (a *Agent) ListAlerts(ctx context.Context) ([]*alerts.Definition, error) {
	return a.alerts.ListAll(ctx)
}
