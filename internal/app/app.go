package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"factbot/internal/bot"
	"factbot/internal/config"
	"factbot/internal/delivery"
	"factbot/internal/eventbus"
	"factbot/internal/metrics"
	"factbot/internal/observability/ops"
	"factbot/internal/pool"
	"factbot/internal/rotation"
	"factbot/internal/runtime/supervisor"
	"factbot/internal/scheduler"
	"factbot/internal/storage"
	"factbot/internal/task/engine"
	"factbot/internal/transport"
	telegram "factbot/internal/transport/telegram/adapter"
	"factbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config
	sup  *supervisor.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     *eventbus.MemBus
	metrics *metrics.Metrics
	store   storage.Store
	pool    *pool.Pool

	adapter *telegram.Adapter
	sender  transport.Sender

	pipeline *delivery.Pipeline
	engine   *engine.Service
	sched    *scheduler.Service
	router   *bot.Router
	ops      *ops.Server

	updates chan transport.Update
}

// NewApp loads the config at cfgPath and wires every component. Nothing
// runs until Start.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Operator forwarding needs the adapter, which needs a logger. Start
	// with forwarding off and enable it once the notifier is set.
	baseLog := mapLogConfig(cfg)
	bootLog := baseLog
	bootLog.Operator.Enabled = false
	logSvc, root := logx.New(bootLog)
	log := root.With(logx.String("comp", "app"))

	pollTimeout, err := config.Duration("telegram.poll_timeout", cfg.Telegram.PollTimeout, defaultPollTimeout)
	if err != nil {
		return nil, err
	}
	sendTimeout, err := config.Duration("telegram.send_timeout", cfg.Telegram.SendTimeout, defaultSendTimeout)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, root)
	if err != nil {
		return nil, err
	}
	rate := cfg.Telegram.RatePerSec
	if rate == 0 {
		rate = defaultSendRate
	}
	sender := transport.NewThrottled(ad, rate, sendTimeout)

	if to, ok := operatorTarget(cfg); ok {
		logSvc.SetNotifier(transport.Notifier{Sender: sender, To: to})
	} else if baseLog.Operator.Enabled {
		log.Warn("logging.operator enabled but telegram.operator_chat is not set")
		baseLog.Operator.Enabled = false
	}
	logSvc.Apply(baseLog)

	m := metrics.New()
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, sc, root)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a := &App{
		cfgm:    cfgm,
		cfg:     cfg,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		metrics: m,
		store:   store,
		adapter: ad,
		sender:  sender,
		updates: make(chan transport.Update, 256),
	}
	if err := a.wire(ctx, root); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, root logx.Logger) error {
	cfg := a.cfg

	src, err := newPoolSource(ctx, cfg)
	if err != nil {
		return err
	}
	a.pool = pool.New(src, mapPoolOptions(cfg), root)

	rw, err := newRewriter(cfg, a.metrics, root.With(logx.String("comp", "rewrite")))
	if err != nil {
		return err
	}

	loc, err := loadLocation(cfg)
	if err != nil {
		return err
	}

	a.pipeline, err = delivery.New(delivery.Config{
		MaxMessageLen:  cfg.Telegram.MaxMessageLen,
		ParseMode:      cfg.Telegram.ParseMode,
		DisablePreview: true,
		Location:       loc,
	}, delivery.Deps{
		Pool:     a.pool,
		Rewriter: rw,
		Picker:   rotation.NewPicker(0),
		Sender:   a.sender,
		Store:    a.store,
		Metrics:  a.metrics,
		Bus:      a.bus,
		Log:      root,
	})
	if err != nil {
		return err
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(engCfg, root.With(logx.String("comp", "taskengine")), a.bus)

	schedCfg, err := mapSchedulerConfig(cfg, loc)
	if err != nil {
		return err
	}
	a.sched, err = scheduler.New(schedCfg, scheduler.Deps{
		Deliverer: a.pipeline,
		Engine:    a.engine,
		States:    a.store,
		Metrics:   a.metrics,
		Log:       root,
	})
	if err != nil {
		return err
	}

	a.router = bot.NewRouter(a.sender, root.With(logx.String("comp", "commands")), 4, 64)
	h := &bot.Handlers{
		Pipeline:       a.pipeline,
		Schedule:       a.sched,
		Sender:         a.sender,
		Location:       loc,
		DeliverTimeout: engCfg.DefaultTimeout,
	}
	a.router.Register(h.Commands(a.router.Commands)...)

	if err := a.metrics.RegisterGaugeFunc("factbot_engine_queue_length", "Scheduled deliveries waiting for a worker.", func() float64 {
		return float64(a.engine.Snapshot().QueueLen)
	}); err != nil {
		return err
	}

	if cfg.Ops.Enabled {
		a.ops, err = ops.New(mapOpsConfig(cfg), a.metrics.Registry, root)
		if err != nil {
			return err
		}
		a.addChecks()
	}
	return nil
}

func (a *App) addChecks() {
	a.ops.AddCheck("storage", func(ctx context.Context) (any, error) {
		states, err := a.store.ListStates(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]int{"recipients": len(states)}, nil
	})
	a.ops.AddCheck("pool", func(ctx context.Context) (any, error) {
		items, err := a.pool.Load(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]int{"items": len(items)}, nil
	})
	a.ops.AddCheck("engine", func(context.Context) (any, error) {
		s := a.engine.Snapshot()
		s.History = nil
		if !s.Running {
			return s, fmt.Errorf("task engine not running")
		}
		return s, nil
	})
}

// Done is closed when the app context is canceled by a fatal error or Stop.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapSchedulerConfig(cfg, time.UTC); err != nil {
			return err
		}
		if _, err := mapEngineConfig(cfg); err != nil {
			return err
		}
		_, err := mapStorageConfig(cfg)
		return err
	})

	a.engine.Start(run)
	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}
	if err := a.adapter.SetCommands(run, a.router.MenuCommands()); err != nil {
		a.log.Warn("set command menu failed", logx.Err(err))
	}
	if a.ops != nil {
		if err := a.ops.Start(run); err != nil {
			return err
		}
	}

	a.activateStatic(run)

	if a.cfg.Scheduler.Enabled {
		a.sup.Go("scheduler", a.sched.Run)
	} else {
		a.log.Info("scheduler disabled; on-demand deliveries only")
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	events, unsub := a.bus.Subscribe(128, "delivery.", "task.")
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

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				next = latest(sub, next)
				a.applyConfig(last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.String("slots", scheduler.Describe(a.sched.Slots())),
		logx.Bool("scheduler", a.cfg.Scheduler.Enabled))
	return nil
}

// latest drains queued reloads and keeps the newest.
func latest(ch <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer := <-ch:
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.Strings("sections", restart))
	}

	lc := mapLogConfig(next)
	if _, ok := operatorTarget(a.cfg); !ok {
		lc.Operator.Enabled = false
	}
	a.logs.Apply(lc)

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// activateStatic enrolls the recipients listed in scheduler.recipients
// that have no record yet. They get scheduled deliveries without a welcome
// message; later /start, /stop or slot choices are kept across restarts.
func (a *App) activateStatic(ctx context.Context) {
	for _, raw := range a.cfg.Scheduler.Recipients {
		to, err := transport.ParseTarget(raw)
		if err != nil {
			a.log.Warn("skip static recipient", logx.String("recipient", raw), logx.Err(err))
			continue
		}
		if _, err := a.pipeline.ActivateIfNew(ctx, to.String()); err != nil {
			a.log.Warn("enroll static recipient failed", logx.String("recipient", to.String()), logx.Err(err))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < limit {
				limit = max(rem, 0)
			}
		}
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error {
		if a.ops == nil {
			return nil
		}
		return a.ops.Stop(c)
	})
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
