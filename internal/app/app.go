// Package app wires the job store, the execution queue, the scheduler and
// the operator surfaces into one process and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"autopub/internal/admin"
	"autopub/internal/artifacts"
	"autopub/internal/config"
	"autopub/internal/domain"
	"autopub/internal/eventbus"
	"autopub/internal/notify"
	"autopub/internal/planner"
	"autopub/internal/policy"
	"autopub/internal/publisher"
	"autopub/internal/publishing"
	rtsup "autopub/internal/runtime/supervisor"
	"autopub/internal/storage"
	"autopub/internal/task/engine"
	"autopub/internal/task/scheduler"
	logx "autopub/pkg/logx"
)

type StopReason string

const (
	StopSignal StopReason = "signal"
	StopFatal  StopReason = "fatal"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	clock *domain.Clock
	store storage.Store

	policy  *policy.Live
	engine  *engine.Service
	sched   *scheduler.Service
	planner *planner.Planner
	notif   *notify.Service
	admin   *admin.Server
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLoggingConfig(cfg))

	// Quota days and the daily reset both follow scheduler.timezone.
	loc, err := domain.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	clock := domain.NewClock(nil, loc)

	stCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	stCfg.Now = clock.Now
	store, err := storage.Open(stCfg, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	// Close the store if any later step fails.
	ok := false
	defer func() {
		if !ok {
			_ = store.Close()
			logs.Close()
		}
	}()

	bus := eventbus.New()
	pol := policy.NewLive(policy.FromConfig(cfg.Publish))

	pub, err := publisher.Open(cfg.Publisher, log)
	if err != nil {
		return nil, err
	}
	opts := []publishing.Option{publishing.WithBus(bus), publishing.WithClock(clock.Now)}
	if a := cfg.Artifacts; a != nil && a.Enabled {
		up, err := artifacts.New(context.Background(), *a)
		if err != nil {
			return nil, fmt.Errorf("artifacts: %w", err)
		}
		opts = append(opts, publishing.WithUploader(up))
	}
	exec := publishing.New(store, pub, pol, log, opts...)

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	eng := engine.New(engCfg, log)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, store, exec, eng, log, bus)

	var sender notify.Sender
	if n := cfg.Notifier; n != nil && n.Enabled {
		tg, err := notify.NewTelegram(n.Token)
		if err != nil {
			return nil, fmt.Errorf("notifier: %w", err)
		}
		sender = tg
	}

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     bus,
		clock:   clock,
		store:   store,
		policy:  pol,
		engine:  eng,
		sched:   sched,
		planner: planner.New(store, pol, bus, log),
		notif:   notify.New(mapNotifyConfig(cfg), sender, bus, log),
	}
	if acfg, enabled := mapAdminConfig(cfg); enabled {
		a.admin = admin.New(acfg, admin.Deps{
			Scheduler: sched,
			Planner:   a.planner,
			Store:     store,
			Status:    a.status,
			Now:       clock.Now,
		}, log)
	}
	ok = true
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

// status is served by the admin snapshot endpoint.
func (a *App) status() any {
	out := map[string]any{
		"scheduler": a.sched.Snapshot(),
		"queue":     a.engine.Snapshot(),
		"notifier":  a.notif.Snapshot(),
		"policy":    a.policy.Get(),
		"events":    map[string]uint64{"dropped": a.bus.Dropped()},
	}
	if a.sup != nil {
		out["supervisor"] = a.sup.Snapshot()
	}
	return out
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.Component("config"))
	a.cfgm.SetValidator(validateConfig)

	if err := a.engine.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}
	a.notif.Start(a.sup.Context())
	if a.admin != nil {
		if err := a.admin.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("admin: %w", err)
		}
	}

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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

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
				// Coalesce bursts: keep only the latest config in the channel.
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
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("app started", logx.Bool("triggers", a.sched.Enabled()))
	return nil
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		if restartOnly[s] {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLoggingConfig(next))
	if loc, err := domain.LoadLocation(next.Scheduler.Timezone); err == nil && loc.String() != a.clock.Location().String() {
		a.clock.SetLocation(loc)
		a.log.Info("publishing day zone changed", logx.String("tz", loc.String()))
	}
	a.policy.Set(policy.FromConfig(next.Publish))

	if sc, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else if err := a.sched.Apply(sc); err != nil {
		a.log.Warn("scheduler apply failed", logx.Err(err))
	}

	prevNotif := mapNotifyConfig(prev).Enabled
	ncfg := mapNotifyConfig(next)
	a.notif.Apply(ncfg)
	switch {
	case prevNotif && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !prevNotif && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		a.log.Debug("systemd notify failed", logx.Err(err))
	}

	a.sup.Cancel()

	// step bounds each shutdown phase so one component can't stall the rest.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < limit {
				limit = rem
			}
		}
		if limit <= 0 {
			a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	// Triggers first so nothing new is claimed, then the queue drains.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("admin", 2*time.Second, func(c context.Context) error {
		if a.admin != nil {
			return a.admin.Stop(c)
		}
		return nil
	})
	step("engine", 5*time.Second, func(c context.Context) error { return a.engine.Stop(c) })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
