// Package core assembles the engine: config, logging, storage, the channel
// registry and the periodic scheduler, plus the high-level send facade.
package core

import (
	"context"
	"sync"
	"time"

	"notifyd/internal/config"
	"notifyd/internal/dedup"
	"notifyd/internal/dispatch"
	"notifyd/internal/escalation"
	"notifyd/internal/notification"
	"notifyd/internal/preference"
	"notifyd/internal/queue"
	"notifyd/internal/scheduler"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

// EscalationHandler receives due escalation states from the periodic poll.
// The embedding application decides what notification each level produces.
type EscalationHandler func(ctx context.Context, due []*notification.EscalationState) error

type App struct {
	cfgm *config.ConfigManager
	logs *logx.Service
	log  logx.Logger

	store       storage.Store
	registry    *dispatch.Registry
	dispatcher  *dispatch.Dispatcher
	prefs       *preference.Filter
	dedup       *dedup.Service
	queue       *queue.Manager
	escalations *escalation.Machine
	sched       *scheduler.Service

	defaultWindow time.Duration
	retention     time.Duration

	escMu      sync.RWMutex
	escHandler EscalationHandler

	lastCfg *config.Config

	watchCancel context.CancelFunc
	wg          sync.WaitGroup
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(logs.Logger().With(logx.String("comp", "config")))

	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, logs.Logger().With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	var senders []dispatch.Sender
	if cfg.Email.Enabled {
		sendTimeout, err := config.ParseDurationOrDefault("email.send_timeout", cfg.Email.SendTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		emailSender, err := dispatch.NewEmailSender(dispatch.EmailConfig{
			Host:          cfg.Email.Host,
			Port:          cfg.Email.Port,
			Username:      cfg.Email.Username,
			Password:      cfg.Email.Password,
			From:          cfg.Email.From,
			FromName:      cfg.Email.FromName,
			RatePerMinute: cfg.Email.RatePerMinute,
			SendTimeout:   sendTimeout,
		}, logs.Logger().With(logx.String("comp", "email")))
		if err != nil {
			return nil, err
		}
		senders = append(senders, emailSender)
	}
	registry := dispatch.NewRegistry(senders...)

	dedupWindow, err := config.ParseDurationOrDefault("engine.dedup_window", cfg.Engine.DedupWindow, dedup.DefaultWindow)
	if err != nil {
		return nil, err
	}
	retention, err := config.ParseDurationOrDefault("engine.retention", cfg.Engine.Retention, dedup.DefaultRetention)
	if err != nil {
		return nil, err
	}

	dispatcher := dispatch.NewDispatcher(registry, store, logs.Logger().With(logx.String("comp", "dispatch")))
	prefs := preference.New(store, registry, logs.Logger().With(logx.String("comp", "preference")))
	dedupSvc := dedup.New(store, logs.Logger().With(logx.String("comp", "dedup")))
	qm := queue.NewManager(store, dedupSvc, prefs, dispatcher, logs.Logger().With(logx.String("comp", "queue")))
	qm.SetBatchSize(cfg.Engine.BatchSize)
	machine := escalation.New(store, logs.Logger().With(logx.String("comp", "escalation")))

	a := &App{
		cfgm:        cfgm,
		logs:        logs,
		log:         log,
		store:       store,
		registry:    registry,
		dispatcher:  dispatcher,
		prefs:       prefs,
		dedup:       dedupSvc,
		queue:       qm,
		escalations: machine,
		retention:   retention,
		lastCfg:     cfg,
	}
	a.defaultWindow = dedupWindow

	a.sched = scheduler.New(scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: cfg.Scheduler.Timezone,
	}, scheduler.Jobs{
		ProcessDue:  a.processDueTick,
		Escalations: a.escalationTick,
		Reap:        a.reapTick,
		Sweep:       a.sweepTick,
	}, logs.Logger().With(logx.String("comp", "scheduler")))

	return a, nil
}

// Accessors for embedding applications.
func (a *App) Queue() *queue.Manager            { return a.queue }
func (a *App) Escalations() *escalation.Machine { return a.escalations }
func (a *App) Preferences() *preference.Filter  { return a.prefs }
func (a *App) Dedup() *dedup.Service            { return a.dedup }
func (a *App) Store() storage.Store             { return a.store }

// SetEscalationHandler installs the due-escalation callback. Without one,
// the poll only logs what is due.
func (a *App) SetEscalationHandler(h EscalationHandler) {
	a.escMu.Lock()
	a.escHandler = h
	a.escMu.Unlock()
}

func (a *App) Start(ctx context.Context) error {
	watchCtx, cancel := context.WithCancel(context.Background())
	a.watchCancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(watchCtx)
	}()

	sub := a.cfgm.Subscribe(1)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-watchCtx.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(cfg)
			}
		}
	}()

	if a.sched.Enabled() {
		a.sched.Start(ctx)
	}
	a.log.Info("engine started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.sched.Stop(ctx)
	if a.watchCancel != nil {
		a.watchCancel()
	}
	a.wg.Wait()
	err := a.store.Close()
	a.log.Info("engine stopped")
	_ = a.logs.Close()
	return err
}

// applyConfig hot-reloads the sections that support it. Storage and email
// changes need a restart; only logging and the scheduler swap live.
func (a *App) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	changed, attrs := config.SummarizeConfigChange(a.lastCfg, cfg)
	a.lastCfg = cfg
	if len(changed) > 0 {
		a.log.Info("config reloaded", append(attrs, logx.Any("changed", changed))...)
	}

	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.sched.Apply(scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: cfg.Scheduler.Timezone,
	})
}

// --- periodic jobs ---

func (a *App) processDueTick(ctx context.Context) error {
	_, err := a.queue.ProcessDue(ctx, "")
	return err
}

func (a *App) escalationTick(ctx context.Context) error {
	due, err := a.escalations.Due(ctx, "", 0)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}
	a.escMu.RLock()
	h := a.escHandler
	a.escMu.RUnlock()
	if h == nil {
		a.log.Info("escalations due without handler", logx.Int("count", len(due)))
		return nil
	}
	return h(ctx, due)
}

func (a *App) reapTick(ctx context.Context) error {
	_, err := a.queue.ReapStuck(ctx)
	return err
}

func (a *App) sweepTick(ctx context.Context) error {
	_, err := a.dedup.Cleanup(ctx, a.retention)
	return err
}
