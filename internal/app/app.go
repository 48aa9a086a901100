// Package app wires the StudySync components from a Config. The desktop
// server and the CLI both start from here.
package app

import (
	"context"

	"github.com/kimhsiao/studysync/backend/internal/cache"
	"github.com/kimhsiao/studysync/backend/internal/config"
	"github.com/kimhsiao/studysync/backend/internal/db"
	"github.com/kimhsiao/studysync/backend/internal/logging"
	"github.com/kimhsiao/studysync/backend/internal/remote"
	syncpkg "github.com/kimhsiao/studysync/backend/internal/sync"
	"github.com/kimhsiao/studysync/backend/internal/sync/connectivity"
	"github.com/kimhsiao/studysync/backend/internal/sync/queue"
	"github.com/kimhsiao/studysync/backend/internal/sync/scheduler"
	"github.com/kimhsiao/studysync/backend/internal/sync/status"
	"github.com/kimhsiao/studysync/backend/internal/telemetry"
)

// App holds the wired components.
type App struct {
	Config    *config.Config
	DB        *db.DB
	Cache     *cache.Store
	Queue     *queue.SyncQueue
	Remote    remote.DocumentStore
	Monitor   *connectivity.Monitor
	Engine    *syncpkg.Engine
	Reporter  *status.Reporter
	Scheduler *scheduler.Scheduler
	Metrics   *telemetry.Metrics

	// Manual is the connectivity source when no probe is configured; nil
	// when a Prober drives the monitor.
	Manual *connectivity.ManualSource
	Prober *connectivity.Prober
}

// Options adjusts how New wires components.
type Options struct {
	// Remote replaces the HTTP document store.
	Remote remote.DocumentStore
	// InitialOnline is the manual signal's starting state when no probe
	// is configured.
	InitialOnline bool
}

// New opens the database and builds every component. The prober, if any,
// is not started until Start.
func New(cfg *config.Config, opts Options) (*App, error) {
	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:  cfg,
		DB:      database,
		Cache:   cache.NewStore(database.DB),
		Queue:   queue.NewSyncQueue(database.DB, cfg.Queue.MaxSize),
		Metrics: telemetry.New(),
	}

	a.Remote = opts.Remote
	if a.Remote == nil {
		a.Remote = remote.NewHTTPStore(remote.HTTPConfig{
			BaseURL:   cfg.Remote.BaseURL,
			Timeout:   cfg.Remote.Timeout,
			RateLimit: cfg.Remote.RateLimit,
			Burst:     cfg.Remote.Burst,
		})
	}

	var source connectivity.Source
	if cfg.Connectivity.ProbeURL != "" {
		a.Prober = connectivity.NewProber(connectivity.ProberConfig{
			URL:      cfg.Connectivity.ProbeURL,
			Interval: cfg.Connectivity.ProbeInterval,
			Timeout:  cfg.Connectivity.ProbeTimeout,
		})
		source = a.Prober
	} else {
		a.Manual = connectivity.NewManualSource(opts.InitialOnline)
		source = a.Manual
	}
	a.Monitor = connectivity.NewMonitor(source)

	a.Engine = syncpkg.NewEngine(a.Cache, a.Queue, a.Remote, a.Monitor)
	a.Engine.SetMetrics(a.Metrics)
	a.Reporter = status.NewReporter(a.Queue)
	a.Scheduler = scheduler.NewScheduler(a.Engine, a.Queue, &scheduler.SchedulerConfig{
		DrainInterval: cfg.Scheduler.DrainInterval,
		SweepInterval: cfg.Scheduler.SweepInterval,
		AutoRetry:     cfg.Scheduler.AutoRetry.Enabled,
		MaxRetries:    cfg.Scheduler.AutoRetry.MaxRetries,
	})

	logging.Info("StudySync initialized", map[string]interface{}{
		"data_dir":     cfg.DataDir,
		"remote":       cfg.Remote.BaseURL,
		"probe_url":    cfg.Connectivity.ProbeURL,
		"auto_retry":   cfg.Scheduler.AutoRetry.Enabled,
		"queue_max":    cfg.Queue.MaxSize,
		"manual_state": a.Manual != nil,
	})
	return a, nil
}

// Start runs the prober and the scheduler. The engine's reconnection loop
// is run separately with Engine.Run.
func (a *App) Start(ctx context.Context) {
	if a.Prober != nil {
		a.Prober.Start(ctx)
	}
	a.Scheduler.Start(ctx)
}

// Close stops background work and closes the database.
func (a *App) Close() error {
	a.Scheduler.Stop()
	if a.Prober != nil {
		a.Prober.Stop()
	}
	a.Monitor.Close()
	return a.DB.Close()
}
