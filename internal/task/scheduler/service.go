package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"autopub/internal/domain"
	"autopub/internal/eventbus"
	logx "autopub/pkg/logx"
)

func New(cfg Config, store Store, run Runner, queue Queue, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Service{
		cfg:   cfg,
		log:   log,
		bus:   bus,
		now:   time.Now,
		store: store,
		run:   run,
		queue: queue,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:      specParser,
		inFlight:    map[int64]time.Time{},
		lastEnqWarn: map[string]time.Time{},
	}
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. Trigger changes restart cron with the new specs.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.cfg
	s.cfg = cfg
	if !s.started {
		return nil
	}
	if prev.Enabled == cfg.Enabled &&
		strings.TrimSpace(prev.Tick) == strings.TrimSpace(cfg.Tick) &&
		strings.TrimSpace(prev.DailyReset) == strings.TrimSpace(cfg.DailyReset) &&
		strings.TrimSpace(prev.Timezone) == strings.TrimSpace(cfg.Timezone) {
		return nil
	}
	return s.restartLocked()
}

// Start resets rows orphaned in running by a previous process, then starts
// the cron triggers. Start is idempotent.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	n, err := s.store.ResetStuckTasks(ctx)
	if err != nil {
		return fmt.Errorf("reset stuck tasks: %w", err)
	}
	if n > 0 {
		s.log.Warn("reset schedules left running by a previous process", logx.Int64("count", n))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseCtx = ctx
	s.started = true
	if !s.cfg.Enabled {
		s.log.Info("automatic triggers disabled; manual tick only")
		return nil
	}
	return s.startCronLocked()
}

// Stop stops the cron triggers. Units already in the queue are the engine's
// concern.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.started = false
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) startCronLocked() error {
	loc := s.loadLocationLocked()
	s.loc = loc
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	tickSpec := strings.TrimSpace(s.cfg.Tick)
	if tickSpec == "" {
		tickSpec = "@every 1m"
	}
	tick, err := s.compileTick(tickSpec, time.Now().In(loc))
	if err != nil {
		return fmt.Errorf("scheduler.tick: %w", err)
	}
	s.tickEntry = c.Schedule(tick, cron.FuncJob(s.runTick))

	dailySpec, err := DailySpec(s.cfg.DailyReset)
	if err != nil {
		return fmt.Errorf("scheduler.daily_reset: %w", err)
	}
	s.dailyEntry, err = c.AddFunc(dailySpec, s.runDaily)
	if err != nil {
		return fmt.Errorf("scheduler.daily_reset: %w", err)
	}

	s.c = c
	c.Start()
	args := []logx.Field{logx.String("tz", loc.String()), logx.String("tick", tickSpec), logx.String("daily_reset", dailySpec)}
	if next := s.previewNextRunsLocked(dailySpec, 2); next != "" {
		args = append(args, logx.String("next_reset", next))
	}
	s.log.Info("service started", args...)
	return nil
}

func (s *Service) restartLocked() error {
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
	if !s.cfg.Enabled {
		s.log.Info("automatic triggers disabled")
		return nil
	}
	return s.startCronLocked()
}

func (s *Service) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseCtx == nil {
		return context.Background()
	}
	return s.baseCtx
}

func (s *Service) runTick() {
	ctx := s.context()
	if ctx.Err() != nil {
		return
	}
	_, _ = s.Tick(ctx)
}

func (s *Service) runDaily() {
	ctx := s.context()
	if ctx.Err() != nil {
		return
	}
	_, _ = s.DailyReset(ctx)
}

func (s *Service) loadLocationLocked() *time.Location {
	loc, err := domain.LoadLocation(s.cfg.Timezone)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", s.cfg.Timezone), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewNextRunsLocked returns a short list of upcoming run times for spec.
// Call with s.mu held.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelInfo) || n <= 0 {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
