// Package app wires the orchestrator together: config, logging, store,
// platform client, executor, dedup tracker, rating collector, lifecycle
// loops and the trigger server, all under one supervisor.
package app

import (
	"context"
	"fmt"
	"time"

	"pairbot/internal/config"
	"pairbot/internal/dedup"
	"pairbot/internal/eventbus"
	"pairbot/internal/executor"
	"pairbot/internal/lifecycle"
	"pairbot/internal/notifier"
	obspprof "pairbot/internal/observability/pprof"
	"pairbot/internal/platform/discord"
	"pairbot/internal/rating"
	"pairbot/internal/runtime/supervisor"
	"pairbot/internal/store"
	"pairbot/internal/trigger"
	logx "pairbot/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	sup   *supervisor.Supervisor
	gw    *store.Postgres
	guard dedup.Tracker
	bus   eventbus.Bus

	lc  *lifecycle.Service
	trg *trigger.Server
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logSvc, log := logx.New(cfg.LogxConfig())
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	return &App{cfgMgr: mgr, logSvc: logSvc, log: log}, nil
}

// Start brings every component up. Failure of any required component tears
// down what already started and returns the error.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgMgr.Get()

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))

	gw, err := store.OpenPostgres(ctx, cfg.StoreConfig(), a.log.With(logx.String("comp", "store")))
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	a.gw = gw

	guard, err := dedup.Open(cfg.DedupConfig())
	if err != nil {
		a.gw.Close()
		return fmt.Errorf("dedup: %w", err)
	}
	a.guard = guard

	client, err := discord.New(cfg.DiscordConfig(), a.log.With(logx.String("comp", "discord")))
	if err != nil {
		a.closePartial()
		return err
	}

	exec := executor.New(cfg.ExecutorConfig(), client, a.log.With(logx.String("comp", "executor")))
	a.bus = eventbus.New()

	// Standing bus consumer: every operational event lands in the log with
	// the same structure regardless of which component published it.
	busLog := a.log.With(logx.String("comp", "events"))
	a.sup.Go0("eventbus.log", func(ctx context.Context) {
		eventbus.Drain(ctx, a.bus, 64, func(e eventbus.Event) {
			log := busLog.Debug
			if e.Type == eventbus.TypeActionFailed || e.Type == eventbus.TypeRoundSkipped {
				log = busLog.Warn
			}
			log("event", logx.String("type", e.Type), logx.Any("data", e.Data))
		})
	})

	notify := notifier.New(
		notifier.Config{AdminChannelID: cfg.Notifier.AdminChannelID},
		exec,
		a.log.With(logx.String("comp", "notifier")),
	)

	collector := rating.New(cfg.RatingConfig(), a.gw, a.guard, notify, a.bus, a.sup,
		a.log.With(logx.String("comp", "rating")))

	a.lc = lifecycle.New(cfg.LifecycleConfig(), a.gw, exec, a.guard, collector, notify, a.bus, a.sup,
		a.log.With(logx.String("comp", "lifecycle")))
	a.lc.Start()

	a.trg = trigger.New(cfg.TriggerConfig(), a.lc, a.log.With(logx.String("comp", "trigger")))
	if err := a.trg.Start(a.sup); err != nil {
		a.closePartial()
		return err
	}

	prof := obspprof.New(cfg.PprofConfig(), a.log.With(logx.String("comp", "pprof")))
	if err := prof.Start(a.sup); err != nil {
		a.closePartial()
		return err
	}

	a.watchConfig()

	a.log.Info("pairbot started",
		logx.Bool("trigger", a.trg.Enabled()),
		logx.Bool("summaries", cfg.Notifier.AdminChannelID != ""))
	return nil
}

// watchConfig follows the config file. Logging changes apply live; anything
// else is logged and takes effect on the next restart.
func (a *App) watchConfig() {
	sub := a.cfgMgr.Subscribe(4)
	a.sup.GoRestart("config.watch", a.cfgMgr.Watch,
		supervisor.WithStopOnCleanExit(true))
	a.sup.Go0("config.apply", func(ctx context.Context) {
		prev := a.cfgMgr.Get()
		for {
			select {
			case <-ctx.Done():
				a.cfgMgr.Unsubscribe(sub)
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				changed, attrs := config.SummarizeChange(prev, cfg)
				if len(changed) == 0 {
					continue
				}
				a.log.Info("config changed", append(attrs, logx.Any("sections", changed))...)
				for _, sec := range changed {
					if sec == "logging" {
						a.logSvc.Apply(cfg.LogxConfig())
					} else {
						a.log.Warn("section change requires restart", logx.String("section", sec))
					}
				}
				prev = cfg
			}
		}
	})
}

// Stop shuts the supervisor down and closes the long-lived resources.
func (a *App) Stop(ctx context.Context) error {
	var err error
	if a.sup != nil {
		sctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err = a.sup.Stop(sctx)
		cancel()
	}
	a.closePartial()
	a.log.Info("pairbot stopped")
	_ = a.logSvc.Close()
	return err
}

func (a *App) closePartial() {
	if a.guard != nil {
		_ = a.guard.Close()
		a.guard = nil
	}
	if a.gw != nil {
		a.gw.Close()
		a.gw = nil
	}
}
