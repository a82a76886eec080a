package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"publisher/internal/clock"
	"publisher/internal/config"
	"publisher/internal/content"
	"publisher/internal/eventbus"
	"publisher/internal/keyring"
	"publisher/internal/notifier"
	"publisher/internal/permissions"
	"publisher/internal/publish"
	rtsup "publisher/internal/runtime/supervisor"
	"publisher/internal/storage"
	"publisher/internal/task/engine"
	"publisher/internal/task/scheduler"
	logx "publisher/pkg/logx"
)

const (
	jobHealthCheck = "keyring.health"
	jobSnapshot    = "cohort.snapshot"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine *engine.Service
	sched  *scheduler.Service
	notif  *notifier.Service

	perms     *permissions.Static
	sealed    *keyring.Sealed
	cache     *keyring.Cached
	keys      *keyring.Migrating
	users     *keyring.UserKeyrings
	sessions  *keyring.Sessions
	dist      *keyring.Distributor
	health    *keyring.HealthCheck
	migrating atomic.Bool

	workspace content.Workspace
	pipeline  *publish.Pipeline
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	a, err := build(cfg, logSvc, log.With(logx.String("comp", "app")), clock.Real())
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	a.cfgPath = cfgPath
	a.cfgm = cfgm
	return a, nil
}

// build wires every service from a validated config. Nothing is started.
func build(cfg *config.Config, logSvc *logx.Service, log logx.Logger, clk clock.Clock) (*App, error) {
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	// From here on a failure must release the store.
	a := &App{log: log, logs: logSvc, bus: bus, store: store}
	if err := a.wire(cfg, clk); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(cfg *config.Config, clk clock.Clock) error {
	log := a.log

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(engCfg, log.With(logx.String("comp", "taskengine")), a.bus)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	a.sched = scheduler.New(schedCfg, a.engine, clk, log.With(logx.String("comp", "scheduler")), a.bus)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	sinks := []notifier.Sink{notifier.LogSink{Log: log.With(logx.String("comp", "notify.log"))}}
	if tc, ok, err := mapTelegramConfig(cfg); err != nil {
		return err
	} else if ok {
		tg, err := notifier.NewTelegramSink(tc)
		if err != nil {
			return fmt.Errorf("telegram sink: %w", err)
		}
		sinks = append(sinks, tg)
	}
	a.notif = notifier.New(ncfg, log, a.bus, a.store, sinks...)

	a.perms, err = permissions.Load(cfg.Permissions.Path)
	if err != nil {
		return fmt.Errorf("load permissions: %w", err)
	}

	kp, err := mapKeyringPaths(cfg)
	if err != nil {
		return err
	}
	a.sealed, err = keyring.OpenSealed(kp.dir, kp.identity)
	if err != nil {
		return fmt.Errorf("open service keyring: %w", err)
	}
	a.users, err = keyring.NewUserKeyrings(kp.users)
	if err != nil {
		return fmt.Errorf("open user keyrings: %w", err)
	}
	legacy, err := keyring.OpenSealed(kp.legacy, kp.identity)
	if err != nil {
		return fmt.Errorf("open legacy keyring: %w", err)
	}
	a.cache = keyring.NewCached(legacy)
	a.migrating.Store(cfg.Keyring.MigrationEnabled)
	a.keys = &keyring.Migrating{
		Legacy:  a.cache,
		New:     a.sealed,
		Enabled: a.migrating.Load,
		Log:     log.With(logx.String("comp", "keyring.migrate")),
	}
	a.sessions = keyring.NewSessions(a.users, log.With(logx.String("comp", "sessions")))
	a.dist = keyring.NewDistributor(a.keys, a.perms, a.users, a.sessions, log)
	a.health = &keyring.HealthCheck{
		Cache:       a.keys,
		Collections: a.store,
		Perms:       a.perms,
		Alerts:      a.notif,
		Log:         log.With(logx.String("comp", "keyring.health")),
	}

	hosts, err := hostDirs(cfg)
	if err != nil {
		return err
	}
	fs, err := content.NewFS(hosts)
	if err != nil {
		return fmt.Errorf("content hosts: %w", err)
	}
	a.workspace = content.Workspace{Dir: cfg.Publishing.WorkspaceDir}

	pcfg, err := mapPublishConfig(cfg)
	if err != nil {
		return err
	}
	a.pipeline = publish.New(pcfg, publish.Deps{
		Store:       a.store,
		Cohorts:     a.store,
		Trigger:     a.sched,
		Keys:        a.keys,
		Workspace:   a.workspace,
		Writer:      fs,
		Verifier:    fs,
		Invalidator: publish.BusInvalidator{Bus: a.bus},
		Notifier:    a.notif,
		Bus:         a.bus,
		Clock:       clk,
		Log:         log.With(logx.String("comp", "pipeline")),
	})
	return nil
}

func (a *App) Pipeline() *publish.Pipeline { return a.pipeline }
func (a *App) Store() storage.Store { return a.store }
func (a *App) Keys() keyring.Store { return a.keys }
func (a *App) Distributor() *keyring.Distributor { return a.dist }
func (a *App) Sessions() *keyring.Sessions { return a.sessions }
func (a *App) UserKeyrings() *keyring.UserKeyrings { return a.users }
func (a *App) HealthCheck() *keyring.HealthCheck { return a.health }
func (a *App) Workspace() content.Workspace { return a.workspace }
func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Bus() eventbus.Bus { return a.bus }
func (a *App) Permissions() *permissions.Static { return a.perms }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) config() *config.Config {
	if a.cfgm == nil {
		return nil
	}
	return a.cfgm.Get()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })
	}

	// The engine and notifier outlive the run context: Stop drains them so
	// in-flight publishes and their alerts finish.
	drain := context.WithoutCancel(c)
	if a.notif.Enabled() {
		a.notif.Start(drain)
	}
	if a.engine.Enabled() {
		a.engine.Start(drain)
	}
	a.sched.Start(c)

	if cfg := a.config(); cfg != nil {
		if err := a.registerRecurring(cfg); err != nil {
			return err
		}
	}

	warmed, err := a.cache.Warm(c)
	if err != nil {
		a.log.Warn("key cache warm incomplete", logx.Int("keys", warmed), logx.Err(err))
	}

	n, err := a.pipeline.Rebuild(c)
	if err != nil {
		return err
	}
	if err := a.pipeline.SnapshotCohorts(c); err != nil {
		a.log.Warn("cohort snapshot failed", logx.Err(err))
	}
	a.log.Info("pipeline ready", logx.Int("armed", n))

	// pipeline outcomes only; task and notifier chatter stays on the bus
	events, unsub := a.bus.Subscribe(128, "collection.", "cohort.", "keyring.", "content.", eventbus.TaskFailed)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Info("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	a.sup.GoRestart("permissions.watch", func(c context.Context) error {
		return config.WatchFile(c, a.perms.Path(), a.log.With(logx.String("comp", "permissions")), func() {
			a.reloadPermissions(c)
		})
	})

	if a.cfgm != nil {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go("config.reload", func(c context.Context) error {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
			return nil
		})
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.log.Info("app started")
	return nil
}

// reloadPermissions swaps the permissions document while no distribution
// is computing recipients, then redistributes every cached key.
func (a *App) reloadPermissions(ctx context.Context) {
	var err error
	a.dist.PermissionsChanging(func() { err = a.perms.Reload() })
	if err != nil {
		a.log.Warn("permissions reload failed; keeping previous", logx.String("path", a.perms.Path()), logx.Err(err))
		return
	}
	a.log.Info("permissions reloaded", logx.String("path", a.perms.Path()))
	if err := a.dist.Resync(ctx); err != nil {
		a.log.Warn("key redistribution incomplete", logx.Err(err))
		a.notif.Alert(ctx, "keyring-resync", "Key redistribution incomplete", err.Error())
	}
}

// registerRecurring upserts the health check and cohort snapshot jobs.
func (a *App) registerRecurring(cfg *config.Config) error {
	health, snapshot, err := recurringSpecs(cfg)
	if err != nil {
		return err
	}
	if health == "" {
		a.sched.Remove(jobHealthCheck)
	} else if err := a.sched.AddRecurring(jobHealthCheck, health, a.runHealthCheck); err != nil {
		return fmt.Errorf("register %s: %w", jobHealthCheck, err)
	}
	if err := a.sched.AddRecurring(jobSnapshot, snapshot, a.pipeline.SnapshotCohorts); err != nil {
		return fmt.Errorf("register %s: %w", jobSnapshot, err)
	}
	return nil
}

func (a *App) runHealthCheck(ctx context.Context) error {
	cfg := a.config()
	if cfg == nil {
		return nil
	}
	user := strings.TrimSpace(cfg.Publishing.AdminUser)
	missing, err := a.health.Run(ctx, user)
	if err != nil {
		if errors.Is(err, keyring.ErrForbidden) {
			a.log.Warn("health check skipped: admin_user is not an administrator", logx.User(user))
			return nil
		}
		return err
	}
	a.log.Info("key cache health checked", logx.Int("missing", len(missing)))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	// Background loops start unwinding while the steps below run.
	a.sup.Cancel()

	st := stopper{ctx: ctx, log: a.log}
	st.step("cohort.snapshot", time.Second, a.pipeline.SnapshotCohorts)
	// Shutdown disarms every handle and stops the engine after in-flight jobs.
	st.step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Shutdown(c); return nil })
	st.step("notifier", time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	st.step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	st.step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if c.Err() != nil {
			a.log.Warn("goroutines still running", logx.Any("names", a.sup.Running()))
		}
		return err
	})

	a.log.Info("stopped", logx.Duration("took", st.elapsed()))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
