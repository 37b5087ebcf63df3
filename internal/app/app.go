package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"taskmill/internal/action"
	"taskmill/internal/action/builtin"
	"taskmill/internal/alerting"
	"taskmill/internal/clock"
	"taskmill/internal/config"
	"taskmill/internal/eventbus"
	"taskmill/internal/history"
	"taskmill/internal/metrics"
	"taskmill/internal/observability/diag"
	"taskmill/internal/resource"
	"taskmill/internal/storage"
	"taskmill/internal/task"
	"taskmill/internal/task/engine"
	"taskmill/internal/task/scheduler"
	logx "taskmill/pkg/logx"

	rtsup "taskmill/internal/runtime/supervisor"
)

// App wires the daemon together: config manager, event bus, optional
// storage, ledger, registry, engine, scheduler, alerting pipeline and
// the diagnostics server.
type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	clk   clock.Clock
	bus   eventbus.Bus
	store storage.Store

	ledger  *resource.Ledger
	reg     *task.Registry
	actions *action.Registry
	hist    *history.History
	mstore  *metrics.Store
	eval    *alerting.Evaluator
	notif   *alerting.Service
	engine  *engine.Service
	sched   *scheduler.Service
	diag    *diag.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	clk := clock.System()
	bus := eventbus.New()

	// Storage (optional). A nil store means memory-only: tasks come
	// from config, history and alerts start empty.
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	caps, err := mapResources(cfg)
	if err != nil {
		return nil, err
	}
	ledger := resource.NewLedger(caps, log.With(logx.String("comp", "ledger")), bus)

	reg := task.NewRegistry(store, clk, log.With(logx.String("comp", "registry")))

	actions := action.NewRegistry()
	if err := builtin.Register(actions, log.With(logx.String("comp", "actions"))); err != nil {
		return nil, err
	}

	hc, err := mapHistoryConfig(cfg)
	if err != nil {
		return nil, err
	}
	hist := history.New(hc, store, log.With(logx.String("comp", "history")))

	mc, err := mapMetricsConfig(cfg)
	if err != nil {
		return nil, err
	}
	mstore := metrics.New(mc, store, clk, log.With(logx.String("comp", "metrics")))

	// Alert delivery: the log sink is always attached, Telegram only
	// when configured.
	sinks := []alerting.Sink{alerting.NewLogSink(log.With(logx.String("comp", "alerts")))}
	if tg := telegramSinkConfig(cfg); tg != nil {
		ts, err := alerting.NewTelegramSink(*tg)
		if err != nil {
			return nil, fmt.Errorf("alerting.telegram: %w", err)
		}
		sinks = append(sinks, ts)
		log.Info("telegram alert sink enabled", logx.Int64("chat_id", tg.ChatID))
	}

	ncfg, err := mapNotifyConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := alerting.NewService(ncfg, sinks, log.With(logx.String("comp", "notify")), bus, store)

	eval, err := alerting.NewEvaluator(mapAlertRules(cfg), store, notif, clk, bus, log.With(logx.String("comp", "alerting")))
	if err != nil {
		return nil, err
	}
	// Every recorded point flows through the evaluator synchronously.
	mstore.OnRecord(eval.Observe)

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	engineSvc := engine.New(engCfg, engine.Deps{
		Registry: reg,
		Ledger:   ledger,
		Actions:  actions,
		History:  hist,
		Metrics:  mstore,
		Clock:    clk,
		Bus:      bus,
		Log:      log.With(logx.String("comp", "engine")),
	})

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedSvc := scheduler.New(schedCfg, scheduler.Deps{
		Registry: reg,
		Engine:   engineSvc,
		Clock:    clk,
		Bus:      bus,
		Log:      log.With(logx.String("comp", "scheduler")),
	})

	diagCfg, err := mapDiagConfig(cfg)
	if err != nil {
		return nil, err
	}
	diagSvc := diag.New(diagCfg, diag.Sources{
		Registry:  reg.Stats,
		Scheduler: schedSvc.Snapshot,
		Engine:    engineSvc.Snapshot,
		Ledger:    ledger.Snapshot,
		Alerting:  eval.Snapshot,
		History: func() history.Stats {
			return hist.Stats(clk.Now().Add(-24 * time.Hour))
		},
	}, bus, log.With(logx.String("comp", "diag")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		clk:     clk,
		bus:     bus,
		store:   store,
		ledger:  ledger,
		reg:     reg,
		actions: actions,
		hist:    hist,
		mstore:  mstore,
		eval:    eval,
		notif:   notif,
		engine:  engineSvc,
		sched:   schedSvc,
		diag:    diagSvc,
	}, nil
}

func telegramSinkConfig(cfg *config.Config) *alerting.TelegramConfig {
	if cfg.Alerting == nil || cfg.Alerting.Telegram == nil {
		return nil
	}
	tc := cfg.Alerting.Telegram
	if strings.TrimSpace(tc.Token) == "" || tc.ChatID == 0 {
		return nil
	}
	return &alerting.TelegramConfig{
		Token:    tc.Token,
		ChatID:   tc.ChatID,
		ThreadID: tc.ThreadID,
	}
}

// Operational surfaces for callers (tests, future admin interfaces).

func (a *App) Registry() *task.Registry    { return a.reg }
func (a *App) History() *history.History   { return a.hist }
func (a *App) Metrics() *metrics.Store     { return a.mstore }
func (a *App) Alerts() *alerting.Evaluator { return a.eval }
func (a *App) Ledger() *resource.Ledger    { return a.ledger }

// Done is closed when the app supervisor context is canceled (fatal
// error or Stop()).
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

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish, so a
	// bad edit never reaches running components.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapEngineConfig(cfg); err != nil {
			return err
		}
		if _, err := mapResources(cfg); err != nil {
			return err
		}
		if _, err := mapHistoryConfig(cfg); err != nil {
			return err
		}
		if _, err := mapMetricsConfig(cfg); err != nil {
			return err
		}
		if _, err := mapNotifyConfig(cfg); err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDiagConfig(cfg); err != nil {
			return err
		}
		tasks, err := mapTasks(cfg)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			for _, ar := range t.Actions {
				if !a.actions.Known(ar.Type) {
					return fmt.Errorf("task %q: unknown action type %q", t.Name, ar.Type)
				}
			}
		}
		return nil
	})

	// Persisted state first, then config definitions on top. Upsert
	// preserves runtime state for tasks whose definition is unchanged.
	if err := a.reg.Load(); err != nil {
		a.log.Warn("loading persisted tasks failed", logx.Err(err))
	}
	if err := a.hist.Load(); err != nil {
		a.log.Warn("loading persisted executions failed", logx.Err(err))
	}
	if err := a.mstore.Load(); err != nil {
		a.log.Warn("loading persisted metrics failed", logx.Err(err))
	}
	if err := a.eval.Load(); err != nil {
		a.log.Warn("loading persisted alerts failed", logx.Err(err))
	}

	cfg := a.cfgm.Get()
	tasks, err := mapTasks(cfg)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		for _, ar := range t.Actions {
			if !a.actions.Known(ar.Type) {
				return fmt.Errorf("task %q: unknown action type %q", t.Name, ar.Type)
			}
		}
		if err := a.reg.Upsert(t); err != nil {
			return fmt.Errorf("task %q: %w", t.Name, err)
		}
	}
	a.log.Info("tasks loaded", logx.Int("count", len(tasks)))

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	a.engine.Start(a.sup.Context())
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}
	if a.diag.Enabled() {
		a.diag.Start(a.sup.Context())
	}

	// Debug visibility into the bus without each component logging its
	// own publishes.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs, changedTasks := config.SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Debug("config change summary", fields...)
				} else {
					a.log.Debug("config reload received, but no effective changes detected")
				}
				lastApplied = newCfg

				a.applyReload(c, newCfg, sections, changedTasks)

				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyReload pushes a validated config into the running components.
// Mapping errors are warned and skipped per section; the validator
// should have caught them, but a reload must never take the app down.
func (a *App) applyReload(ctx context.Context, cfg *config.Config, sections, changedTasks []string) {
	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
			break
		}
	}

	a.logs.Apply(mapLoggingConfig(cfg))

	if caps, err := mapResources(cfg); err != nil {
		a.log.Warn("invalid resources config; keeping previous", logx.Err(err))
	} else {
		a.ledger.Apply(caps)
	}

	if engCfg, err := mapEngineConfig(cfg); err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, engCfg)
	}

	// Scheduler enable/disable transitions: stop before the engine
	// drains, start after the engine is live.
	prevSchedEnabled := a.sched.Enabled()
	if schedCfg, err := mapSchedulerConfig(cfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(schedCfg)
		if prevSchedEnabled && !schedCfg.Enabled {
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		}
		if !prevSchedEnabled && schedCfg.Enabled {
			a.log.Info("scheduler enabled via config")
			a.sched.Start(ctx)
		}
	}

	if err := a.eval.Apply(mapAlertRules(cfg)); err != nil {
		a.log.Warn("invalid alert rules; keeping previous", logx.Err(err))
	}

	prevNotifEnabled := a.notif.Enabled()
	if ncfg, err := mapNotifyConfig(cfg); err != nil {
		a.log.Warn("invalid notify config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
		if prevNotifEnabled && !ncfg.Enabled {
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		} else if !prevNotifEnabled && ncfg.Enabled {
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if diagCfg, err := mapDiagConfig(cfg); err != nil {
		a.log.Warn("invalid diag config; keeping previous", logx.Err(err))
	} else {
		a.diag.Reconfigure(ctx, diagCfg)
	}

	a.applyTaskChanges(cfg, changedTasks)
}

// applyTaskChanges upserts changed declarations and removes tasks that
// disappeared from the config. A task currently running finishes its
// cycle; the registry drops it from future scheduling immediately.
func (a *App) applyTaskChanges(cfg *config.Config, changed []string) {
	if len(changed) == 0 {
		return
	}
	declared := make(map[string]config.TaskConfig, len(cfg.Tasks))
	for _, tc := range cfg.Tasks {
		declared[tc.Name] = tc
	}

	for _, name := range changed {
		tc, ok := declared[name]
		if !ok {
			if a.reg.Remove(name) {
				a.log.Info("task removed via config", logx.String("task", name))
			}
			continue
		}
		t, err := mapTask(tc)
		if err != nil {
			a.log.Warn("invalid task definition; keeping previous",
				logx.String("task", name), logx.Err(err))
			continue
		}
		if err := a.reg.Upsert(t); err != nil {
			a.log.Warn("task upsert failed", logx.String("task", name), logx.Err(err))
			continue
		}
		a.log.Info("task updated via config", logx.String("task", name))
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding
	// immediately.
	a.sup.Cancel()

	// step runs one shutdown stage with an upper bound so a single
	// component cannot stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it
			// doesn't, log a leak signal.
			elapsed := time.Since(start)
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", elapsed),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Scheduler first so nothing new is enqueued while the engine
	// drains in-flight cycles.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("engine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("diag", 1*time.Second, func(c context.Context) error { a.diag.Stop(c); return nil })
	step("notify", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload,
	// eventbus log).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
