package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"notifyhub/internal/api"
	"notifyhub/internal/auth"
	"notifyhub/internal/config"
	"notifyhub/internal/dispatch"
	"notifyhub/internal/eventbus"
	"notifyhub/internal/gateway"
	"notifyhub/internal/lease"
	"notifyhub/internal/notifier"
	"notifyhub/internal/queue"
	"notifyhub/internal/reply"
	"notifyhub/internal/report"
	rtsup "notifyhub/internal/runtime/supervisor"
	"notifyhub/internal/sender"
	"notifyhub/internal/storage"
	"notifyhub/internal/task/scheduler"
	"notifyhub/internal/transport"
	"notifyhub/internal/transport/telegram"
	"notifyhub/pkg/logx"
)

const (
	scheduleDispatch    = "dispatch"
	scheduleMaintenance = "maintenance"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store *storage.Store
	rdb   *goredis.Client

	// adapter is nil when telegram is disabled; out is then an offline sender.
	adapter transport.Adapter
	out     transport.Sender

	broker   queue.Broker
	hub      *gateway.Hub
	notif    *notifier.Service
	replies  *reply.Validator
	snd      *sender.Sender
	reporter *report.Reporter
	disp     *dispatch.Service
	sched    *scheduler.Service
	api      *api.Server

	updates chan transport.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	var ad *telegram.Adapter
	if cfg.Telegram.Enabled {
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
		ad, err = telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, bootLog)
		if err != nil {
			return nil, err
		}
	}

	// The operator sink needs the adapter; keep the interface nil without one.
	var out transport.Sender = offlineSender{}
	var logSender transport.Sender
	var adapter transport.Adapter
	if ad != nil {
		out, logSender, adapter = ad, ad, ad
	}
	logSvc, log := logx.New(mapLogConfig(cfg), logSender)
	log = log.With(logx.String("comp", "app"))

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		adapter: adapter,
		out:     out,
		updates: make(chan transport.Update, 256),
	}
	if err := a.build(cfg); err != nil {
		a.closeResources()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

// build wires every component from cfg. Partially opened resources are
// closed by the caller on error.
func (a *App) build(cfg *config.Config) error {
	root := a.logs.Logger()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	if a.store, err = storage.Open(sc, root); err != nil {
		return err
	}
	a.log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		a.rdb = goredis.NewClient(&goredis.Options{Addr: addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := a.rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connecting redis %s: %w", addr, err)
		}
		a.log.Info("redis connected", logx.String("addr", addr))
	}

	gs, err := mapGatewayConfig(cfg)
	if err != nil {
		return err
	}
	var (
		registry gateway.Registry
		pushBus  gateway.PushBus
		limiter  gateway.Limiter
	)
	if a.rdb != nil {
		registry = gateway.NewRedisRegistry(a.rdb, gs.Hub.SessionTTL)
		pushBus = gateway.NewRedisPushBus(a.rdb)
		limiter = gateway.NewRedisLimiter(a.rdb, gs.RateLimit, gs.RateWindow)
	} else {
		registry = gateway.NewMemoryRegistry()
		pushBus = gateway.NewMemoryPushBus()
		limiter = gateway.NewMemoryLimiter(gs.RateLimit, gs.RateWindow)
	}
	a.hub = gateway.NewHub(gs.Hub, registry, pushBus, limiter, root)

	qc, err := mapQueueConfig(cfg)
	if err != nil {
		return err
	}
	if cfg.Queue.Enabled {
		client, err := queue.NewClient(qc, root)
		if err != nil {
			return err
		}
		a.broker = client
	} else {
		a.broker = queue.NewMemory(qc, root)
		a.log.Info("queue disabled; using in-process broker")
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	a.notif = notifier.New(ncfg, a.store, a.broker, a.hub, a.bus, root)

	rcfg, err := mapReplyConfig(cfg)
	if err != nil {
		return err
	}
	a.replies = reply.New(rcfg, a.store, a.notif, a.bus, root)
	a.hub.Handle(gateway.EventNotificationReply, a.replies.GatewayHandler())
	a.hub.Handle(gateway.EventNotificationRead, a.notif.ReadHandler())

	scfg, err := mapSenderConfig(cfg)
	if err != nil {
		return err
	}
	a.snd = sender.New(scfg)
	a.reporter = report.New(mapReportConfig(cfg), a.store, a.out, a.snd, a.bus, root)
	a.disp = dispatch.New(mapDispatchConfig(cfg), a.store, a.out, a.snd, a.reporter, a.bus, root)

	a.sched = scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone},
		a.locker(cfg), root, a.bus)

	if ac := mapAPIConfig(cfg); ac.Addr != "" {
		deps := api.Deps{
			Dispatch: a.disp,
			Notify:   a.notif,
			Health:   a.health,
		}
		if secret := strings.TrimSpace(cfg.API.JWTSecret); secret != "" {
			ttl, err := config.ParseDurationField("api.token_ttl", cfg.API.TokenTTL)
			if err != nil {
				return err
			}
			jwt, err := auth.NewJWT(secret, ttl)
			if err != nil {
				return err
			}
			deps.Tokens = jwt
			deps.Sessions = a.hub.UpgradeHandler(jwt)
		} else {
			a.log.Warn("api.jwt_secret is empty; session endpoint disabled")
		}
		a.api = api.New(ac, deps, root)
	}
	return nil
}

// locker picks the dispatch lease backend: redis when configured (or asked
// for), the SQLite leases table otherwise.
func (a *App) locker(cfg *config.Config) lease.Locker {
	owner := a.hub.InstanceID()
	if host, err := os.Hostname(); err == nil {
		owner = host + "/" + owner
	}
	backend := strings.ToLower(strings.TrimSpace(cfg.Dispatch.LeaseBackend))
	if a.rdb != nil && backend != "sql" {
		return lease.NewRedisLocker(a.rdb, owner)
	}
	return lease.NewSQLLocker(a.store, owner)
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

// APIAddr is the bound API address, empty when the API is disabled.
func (a *App) APIAddr() string {
	if a.api == nil {
		return ""
	}
	return a.api.Addr()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})
	cfg := a.cfgm.Get()

	if a.adapter != nil {
		if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
			return err
		}
		a.sup.Go0("telegram.updates", a.updateLoop)
	}

	a.sup.GoRestart("gateway", a.hub.Run,
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
		rtsup.WithPublishFirstError(true))
	a.notif.Start(a.sup.Context())

	if err := a.registerSchedules(cfg); err != nil {
		return err
	}
	a.sched.Start(a.sup.Context())

	if a.api != nil {
		if err := a.api.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("starting api: %w", err)
		}
	}

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("audit", func(c context.Context) {
		defer unsub()
		a.auditLoop(c, events)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Bool("telegram", a.adapter != nil),
		logx.Bool("redis", a.rdb != nil),
		logx.Bool("dispatch", cfg.Dispatch.Enabled),
		logx.String("api", a.APIAddr()))
	return nil
}

func (a *App) registerSchedules(cfg *config.Config) error {
	ss, err := mapScheduleConfig(cfg)
	if err != nil {
		return err
	}
	if cfg.Dispatch.Enabled {
		if a.adapter == nil {
			a.log.Warn("dispatch enabled without telegram; rows will fail until the transport is configured")
		}
		err := a.sched.AddScheduleOpt(scheduleDispatch, ss.Dispatch, ss.LeaseTTL, scheduler.TaskOptions{
			Overlap:  scheduler.OverlapSkipIfRunning,
			Lease:    scheduleDispatch,
			LeaseTTL: ss.LeaseTTL,
		}, func(ctx context.Context) error {
			_, err := a.disp.RunOnce(ctx)
			return err
		})
		if err != nil {
			return fmt.Errorf("scheduling dispatch: %w", err)
		}
	}
	return a.sched.AddScheduleOpt(scheduleMaintenance, ss.Maintenance, time.Minute, scheduler.TaskOptions{
		Overlap:  scheduler.OverlapSkipIfRunning,
		Lease:    scheduleMaintenance,
		LeaseTTL: time.Minute,
	}, a.maintain)
}

// maintain expires stale notifications and prunes old audit rows.
func (a *App) maintain(ctx context.Context) error {
	if _, err := a.notif.Maintain(ctx); err != nil {
		return err
	}
	retention, err := config.ParseDurationOrDefault("scheduler.retention", a.cfgm.Get().Scheduler.Retention, 0)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-auditRetention(retention))
	n, err := a.store.PruneAudit(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		a.log.Debug("audit pruned", logx.Int64("rows", n))
	}
	return nil
}

// auditRetention keeps audit rows at least 30 days.
func auditRetention(notificationRetention time.Duration) time.Duration {
	const floor = 30 * 24 * time.Hour
	if notificationRetention > floor {
		return notificationRetention
	}
	return floor
}

// updateLoop answers inline keyboard callbacks (poll votes).
func (a *App) updateLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-a.updates:
			text, handled := a.disp.HandleVote(ctx, u)
			if !handled || u.CallbackID == "" {
				continue
			}
			if err := a.adapter.AnswerCallback(ctx, u.CallbackID, text); err != nil {
				a.log.Debug("answer callback failed", logx.Err(err))
			}
		}
	}
}

func (a *App) health(ctx context.Context) map[string]error {
	checks := map[string]error{"storage": a.store.Ping(ctx)}
	if a.rdb != nil {
		checks["redis"] = a.rdb.Ping(ctx).Err()
	}
	return checks
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Stop intake first, then let the scheduler finish an in-flight batch.
	step(ctx, a.log, "api", 3*time.Second, func(c context.Context) error {
		if a.api != nil {
			a.api.Stop(c)
		}
		return nil
	})
	step(ctx, a.log, "scheduler", 30*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })

	a.sup.Cancel()

	step(ctx, a.log, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step(ctx, a.log, "adapter", 2*time.Second, func(c context.Context) error {
		if a.adapter != nil {
			return a.adapter.Stop(c)
		}
		return nil
	})
	// Finally, wait for supervised goroutines (gateway, config watch/reload, audit).
	step(ctx, a.log, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step(ctx, a.log, "resources", time.Second, func(context.Context) error { a.closeResources(); return nil })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeResources() {
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			a.log.Debug("closing queue", logx.Err(err))
		}
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("closing storage", logx.Err(err))
		}
	}
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. It never extends the caller's deadline.
func step(ctx context.Context, log logx.Logger, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < limit {
			limit = rem
		}
	}
	if limit <= 0 {
		log.Warn("stop step skipped, no time left", logx.String("name", name))
		return
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
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)))
	}
}

// offlineSender stands in for the provider when telegram is disabled.
type offlineSender struct{}

var errOffline = errors.New("telegram transport disabled")

func (offlineSender) SendText(context.Context, transport.ChatTarget, string, *transport.SendOptions) (transport.MessageRef, error) {
	return transport.MessageRef{}, errOffline
}

func (offlineSender) CopyMessage(context.Context, transport.ChatTarget, transport.MessageRef, *transport.CopyOptions) (transport.MessageRef, error) {
	return transport.MessageRef{}, errOffline
}

func (offlineSender) SendDocument(context.Context, transport.ChatTarget, transport.Document, *transport.SendOptions) (transport.MessageRef, error) {
	return transport.MessageRef{}, errOffline
}

func (offlineSender) CreateInviteLink(context.Context, int64, string) (string, error) {
	return "", errOffline
}
