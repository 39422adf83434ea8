// Package app assembles a glucosync session from configuration.
package app

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/diabetactic/glucosync/internal/account"
	"github.com/diabetactic/glucosync/internal/appointment"
	"github.com/diabetactic/glucosync/internal/auth"
	"github.com/diabetactic/glucosync/internal/config"
	"github.com/diabetactic/glucosync/internal/db"
	"github.com/diabetactic/glucosync/internal/export"
	"github.com/diabetactic/glucosync/internal/gateway"
	"github.com/diabetactic/glucosync/internal/logging"
	"github.com/diabetactic/glucosync/internal/network"
	syncpkg "github.com/diabetactic/glucosync/internal/sync"
	"github.com/diabetactic/glucosync/internal/sync/conflict"
	"github.com/diabetactic/glucosync/internal/sync/queue"
	"github.com/diabetactic/glucosync/internal/sync/scheduler"
	"github.com/diabetactic/glucosync/internal/telemetry"
	"github.com/diabetactic/glucosync/internal/workflow"
)

// Version is set at build time.
var Version = "0.1.0"

// App is one open session: the local store, the sync core and every
// collaborator the workflows use.
type App struct {
	Config *config.Config

	DB        *db.DB
	Repo      *db.Repository
	Queue     *queue.SyncQueue
	Conflicts *conflict.Store

	Client  *gateway.HTTPClient
	Auth    *auth.Service
	Monitor *network.StaticMonitor
	Prober  *network.Prober

	Engine       *syncpkg.Engine
	Appointments *appointment.Machine
	Accounts     *account.Linker
	Export       *export.Service
	Registry     *workflow.Registry
	Workflows    *workflow.Orchestrator
	// Scheduler is nil when periodic sync is disabled.
	Scheduler *scheduler.Scheduler

	telemetry *telemetry.Telemetry
}

// Open builds a session. Connectivity is probed once so the returned App
// reflects the current network state, and configured credentials are used to
// log in. A failed login is logged and leaves the session signed out.
func Open(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			a.Close(context.WithoutCancel(ctx))
		}
	}()

	a.telemetry, err = telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "glucosync",
		ServiceVersion: Version,
		Environment:    cfg.Telemetry.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
	})
	if err != nil {
		return nil, err
	}
	instruments := telemetry.DefaultInstruments()

	if a.DB, err = db.Open(cfg.DataDir); err != nil {
		return nil, err
	}
	a.Repo = db.NewRepository(a.DB.DB)

	a.Queue = queue.New(a.Repo,
		queue.WithMaxRetries(cfg.Sync.MaxRetries),
		queue.WithInstruments(instruments),
	)
	if err = a.Queue.Load(ctx); err != nil {
		return nil, err
	}
	a.Conflicts = conflict.NewStore(a.Repo)

	a.Auth = auth.NewService(cfg.Gateway.BaseURL, cfg.Auth.ClientID, cfg.Gateway.Timeout)
	if a.Client, err = gateway.NewHTTPClient(cfg.Gateway.BaseURL, a.Auth.TokenSource(), cfg.Gateway.Timeout); err != nil {
		return nil, err
	}

	a.Monitor = network.NewStaticMonitor(false)
	a.Prober = network.NewProber(a.Client.Healthy, cfg.Sync.ProbeInterval, a.Monitor)
	a.Prober.ProbeOnce(ctx)

	if cfg.Auth.Username != "" && cfg.Auth.Password != "" {
		if loginErr := a.Auth.Login(ctx, cfg.Auth.Username, cfg.Auth.Password); loginErr != nil {
			logging.Warn("login failed, continuing signed out", map[string]any{"error": loginErr.Error()})
		}
	} else {
		a.Auth.MarkInitialized()
	}

	a.Engine = syncpkg.NewEngine(syncpkg.EngineConfig{
		Store:       a.Repo,
		Queue:       a.Queue,
		Conflicts:   a.Conflicts,
		Client:      a.Client,
		Network:     a.Monitor,
		Instruments: instruments,
		AutoSync:    cfg.Sync.AutoSyncOnReconnect,
	})
	a.Engine.Start(ctx)

	a.Appointments = appointment.NewMachine(a.Client)
	a.Accounts = account.NewLinker(a.Client)

	exportDir := cfg.Export.Dir
	if exportDir == "" {
		exportDir = filepath.Join(cfg.DataDir, "exports")
	}
	a.Export = export.NewService(a.Repo, exportDir)

	a.Registry = workflow.NewRegistry()
	a.Registry.Register(workflow.ServiceSync, func(context.Context) bool { return a.Monitor.Status().Online })
	a.Registry.Register(workflow.ServiceAuth, a.Client.Healthy)
	a.Registry.Register(workflow.ServiceAppointments, a.Appointments.Available)
	a.Registry.Register(workflow.ServiceAccounts, a.Accounts.Available)
	a.Registry.Register(workflow.ServiceExport, workflow.Always)

	a.Workflows = workflow.NewOrchestrator(workflow.Deps{
		Sync:         a.Engine,
		Auth:         a.Auth,
		Appointments: a.Appointments,
		Export:       a.Export,
		Accounts:     a.Accounts,
	}, a.Registry, a.Monitor,
		workflow.WithHistoryLimit(cfg.Workflow.HistoryLimit),
		workflow.WithInstruments(instruments),
	)

	if cfg.Sync.Interval > 0 {
		a.Scheduler = scheduler.NewScheduler(a.Engine, a.Monitor, &scheduler.SchedulerConfig{
			SyncInterval: cfg.Sync.Interval,
		})
	}

	logging.Info("session opened", map[string]any{
		"data_dir": cfg.DataDir,
		"gateway":  cfg.Gateway.BaseURL,
		"online":   a.Monitor.Status().Online,
		"pending":  a.Queue.Len(),
	})
	return a, nil
}

// StartBackground starts connectivity probing and periodic sync. Both stop
// on Close or when ctx is cancelled.
func (a *App) StartBackground(ctx context.Context) {
	a.Prober.Start(ctx)
	if a.Scheduler != nil {
		a.Scheduler.Start(ctx)
	}
}

// Close stops background work and releases the store.
func (a *App) Close(ctx context.Context) error {
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.Prober != nil {
		a.Prober.Stop()
	}
	if a.Engine != nil {
		a.Engine.Stop()
	}

	var errs []error
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	errs = append(errs, a.telemetry.Shutdown(ctx))
	return errors.Join(errs...)
}
