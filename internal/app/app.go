package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"relaybot/internal/archive"
	"relaybot/internal/config"
	"relaybot/internal/eventbus"
	"relaybot/internal/fetch"
	"relaybot/internal/observability/ops"
	"relaybot/internal/relay"
	"relaybot/internal/runtime/supervisor"
	"relaybot/internal/storage"
	"relaybot/internal/transport/onebot"
	"relaybot/internal/transport/telegram"
	logx "relaybot/pkg/logx"
)

// errNoTelegram is returned by the fallback sink when no bot token is set.
var errNoTelegram = errors.New("telegram is not configured")

type noSink struct{}

func (noSink) Dispatch(context.Context, string, relay.Payload) error { return errNoTelegram }

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	reg   *prometheus.Registry

	relay    *relay.Relay
	archive  *archive.Archive
	source   *onebot.Client
	listener *onebot.Listener
	tg       *telegram.Adapter
	sweep    *sweeper
	ops      *ops.Server
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))

	var tg *telegram.Adapter
	if tc := mapTelegramConfig(cfg); tc.Token != "" {
		tg, err = telegram.New(tc, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		logSvc.SetAlertSender(tg)
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	bus := eventbus.New()
	dl := fetch.New(fetch.Config{}, log.With(logx.String("comp", "fetch")))
	arch := archive.New(mapArchiveConfig(cfg), dl, log.With(logx.String("comp", "archive")))
	obc := mapOneBotConfig(cfg)
	source := onebot.NewClient(obc, log.With(logx.String("comp", "onebot")))
	listener := onebot.NewListener(obc, log.With(logx.String("comp", "onebot.ws")))

	rc, err := mapRelayConfig(cfg)
	if err != nil {
		return nil, err
	}
	var sink relay.Sink = noSink{}
	if tg != nil {
		sink = tg
	}
	r := relay.New(rc, relay.Deps{
		Pending:    store,
		Index:      store,
		Source:     source,
		Sink:       sink,
		Archive:    arch,
		Downloader: dl,
		Bus:        bus,
		Metrics:    relay.NewMetrics(reg),
		Log:        log.With(logx.String("comp", "relay")),
	})
	if tg != nil {
		tg.SetController(r)
	}
	if rc.RelayEnabled && len(rc.Destinations) == 0 {
		log.Warn("relay enabled without destinations; messages are archived only")
	}

	a := &App{
		cfgm:     cfgm,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		bus:      bus,
		store:    store,
		reg:      reg,
		relay:    r,
		archive:  arch,
		source:   source,
		listener: listener,
		tg:       tg,
		sweep:    newSweeper(sweepSchedule(cfg), rc.Location, r, store, log.With(logx.String("comp", "sweep"))),
	}
	if cfg.Ops.Enabled {
		a.ops = ops.New(mapOpsConfig(cfg), reg, a.health, log.With(logx.String("comp", "ops")))
	}
	return a, nil
}

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

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	a.relay.Start(a.sup.Context())

	if a.tg != nil {
		if err := a.tg.Start(a.sup.Context()); err != nil {
			return err
		}
	} else {
		a.log.Warn("telegram token not set; delivery and commands are off")
	}

	if cfg := a.cfgm.Get(); strings.TrimSpace(cfg.OneBot.WSURL) != "" {
		a.sup.GoRestart("onebot.ws", func(c context.Context) error {
			return a.listener.Listen(c, a.handleInbound)
		}, supervisor.WithBackoff(time.Second, 30*time.Second), supervisor.WithRestartOnCleanExit())
	} else {
		a.log.Warn("onebot.ws_url not set; no events will be received")
	}

	if err := a.sweep.Start(); err != nil {
		return fmt.Errorf("sweep: %w", err)
	}

	if a.ops != nil {
		a.sup.GoRestart("ops.http", a.ops.Run, supervisor.WithBackoff(time.Second, 30*time.Second))
	}

	events, unsub := a.bus.Subscribe(128)
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
				// debug only; delivery outcomes are already logged by the relay
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// coalesce bursts
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	// entries persisted by a previous run
	if has, err := a.store.HasAny(a.sup.Context()); err != nil {
		a.log.Warn("pending check failed", logx.Err(err))
	} else if has {
		a.log.Info("resuming pending messages from previous run")
		a.relay.Trigger()
	}

	a.log.Info("app started")
	return nil
}

func (a *App) handleInbound(ctx context.Context, msg relay.InboundMessage) {
	res, err := a.relay.Intake(ctx, msg)
	if err != nil {
		a.log.Warn("intake failed", logx.String("message_id", msg.MessageID), logx.Err(err))
		return
	}
	if res.Block {
		a.log.Debug("source message consumed", logx.String("message_id", msg.MessageID), logx.Bool("queued", res.Queued))
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	ch := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(ch.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	a.log.Debug("config change summary", fields...)

	a.logs.Apply(mapLogConfig(newCfg))
	if a.tg != nil {
		a.tg.SetOwners(newCfg.Telegram.OwnerUserIDs)
	}

	rc, err := mapRelayConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid relay config; keeping previous", logx.Err(err))
	} else {
		a.relay.Apply(rc)
		if err := a.sweep.Apply(sweepSchedule(newCfg), rc.Location); err != nil {
			a.log.Warn("invalid sweep schedule; keeping previous", logx.Err(err))
		}
	}
	a.archive.Apply(mapArchiveConfig(newCfg))

	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.Strings("sections", ch.RestartRequired))
	}
	a.log.Info("config reloaded", logx.String("changed", strings.Join(ch.Sections, ",")))
}

// health backs /healthz.
func (a *App) health(ctx context.Context) (bool, any) {
	st := a.relay.Status(ctx)
	var tasks []supervisor.TaskStats
	ok := true
	if a.sup != nil {
		tasks = a.sup.Snapshot()
		ok = a.sup.Context().Err() == nil
	}
	return ok, map[string]any{
		"relay":          st,
		"tasks":          tasks,
		"events_dropped": a.bus.Dropped(),
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			// respect the caller's deadline; never extend it
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(stepCtx, max)
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
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("sweep", time.Second, func(c context.Context) error { a.sweep.Stop(c); return nil })
	// drains in progress keep their entries pending for the next run
	step("relay", 3*time.Second, func(context.Context) error { a.relay.Stop(); return nil })
	step("telegram", 2*time.Second, func(c context.Context) error {
		if a.tg != nil {
			return a.tg.Stop(c)
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Stop(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
