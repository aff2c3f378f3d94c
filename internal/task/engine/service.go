package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	rtsup "autopub/internal/runtime/supervisor"
	logx "autopub/pkg/logx"
)

type engineState int

const (
	stateIdle engineState = iota
	stateRunning
	stateStopping
	stateStopped
)

// Service runs submitted units on a fixed pool of workers.
//
// The queue is unbounded: Submit never blocks and only fails once Stop has
// been called. Workers take the oldest queued unit whose concurrency key has
// capacity, so units of one key keep their submission order.
type Service struct {
	mu    sync.Mutex
	cond  *sync.Cond
	cfg   Config
	log   logx.Logger
	state engineState

	queue   []queuedTask
	running int
	groups  groupCounter

	sup *rtsup.Supervisor

	hmu     sync.Mutex
	history []HistoryItem

	idSeq     uint64
	submitted uint64
	completed uint64
	failed    uint64
	panics    uint64
	abandoned uint64
}

type queuedTask struct {
	task       Task
	key        string
	enqueuedAt time.Time
	timeout    time.Duration
}

func New(cfg Config, log logx.Logger) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	s := &Service{cfg: cfg, log: log}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Supervisor returns the engine's worker supervisor (nil before Start).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start launches the workers. Units submitted before Start wait in the
// queue. Start is idempotent.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	switch s.state {
	case stateRunning:
		s.mu.Unlock()
		return nil
	case stateStopping, stateStopped:
		s.mu.Unlock()
		return ErrStopped
	}
	s.state = stateRunning
	workers := s.cfg.Workers
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.Component("taskengine")),
		// A failing unit must not take the process down.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	// Wake idle workers when the parent context goes away.
	context.AfterFunc(sup.Context(), func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})

	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			return s.worker(c)
		}, rtsup.WithPublishFirstError(true))
	}

	s.log.Info("task engine started", logx.Int("workers", workers))
	return nil
}

// Stop stops accepting units and waits for running units to finish. Units
// still queued are abandoned. If ctx expires first the workers' context is
// cancelled and ctx.Err() is returned.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	switch s.state {
	case stateStopping, stateStopped:
		s.mu.Unlock()
		return nil
	}
	s.state = stateStopping
	sup := s.sup
	s.cond.Broadcast()
	s.mu.Unlock()

	var err error
	if sup != nil {
		if werr := sup.Wait(ctx); werr != nil && ctx.Err() != nil {
			sup.Cancel()
			err = ctx.Err()
		}
	}

	s.mu.Lock()
	left := s.queue
	s.queue = nil
	s.state = stateStopped
	s.mu.Unlock()

	for _, qt := range left {
		atomic.AddUint64(&s.abandoned, 1)
		s.log.Warn("task abandoned at shutdown", logx.String("task", qt.task.Name), logx.String("id", qt.task.ID))
	}
	if err != nil {
		s.log.Warn("task engine stop timed out", logx.Err(err))
		return err
	}
	s.log.Info("task engine stopped", logx.Int("abandoned", len(left)))
	return nil
}

// Submit queues t. It fails only when the engine is stopping or stopped.
func (s *Service) Submit(t Task) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return errors.New("task Name is required")
	}
	t.Name = name

	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = s.newTaskID(now)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateStopping:
		return ErrStopping
	case stateStopped:
		return ErrStopped
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	s.queue = append(s.queue, queuedTask{task: t, key: groupKey(t.ConcurrencyKey), enqueuedAt: now, timeout: timeout})
	s.submitted++
	s.cond.Broadcast()
	return nil
}

// next blocks until a runnable unit is available. It returns false once the
// engine is stopping or ctx is done.
func (s *Service) next(ctx context.Context) (queuedTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.state != stateRunning || ctx.Err() != nil {
			return queuedTask{}, false
		}
		for i, qt := range s.queue {
			if !s.groups.canRun(qt.key, qt.task.ConcurrencyLimit) {
				continue
			}
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.groups.acquire(qt.key)
			s.running++
			return qt, true
		}
		s.cond.Wait()
	}
}

func (s *Service) finish(qt queuedTask) {
	s.mu.Lock()
	s.running--
	s.groups.release(qt.key)
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *Service) worker(ctx context.Context) error {
	for {
		qt, ok := s.next(ctx)
		if !ok {
			return nil
		}
		s.execOne(ctx, qt)
		s.finish(qt)
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)
	log := s.log.With(logx.String("task", qt.task.Name), logx.String("id", qt.task.ID))
	log.Debug("task.started", logx.Duration("queue_delay", queueDelay))

	runCtx := ctx
	cancel := func() {}
	if qt.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
	}
	var err error
	func() {
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				atomic.AddUint64(&s.panics, 1)
				log.Error("task.panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		err = qt.task.Run(runCtx)
	}()

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Key: qt.key, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		atomic.AddUint64(&s.failed, 1)
		log.Warn("task.failed", logx.Err(err), logx.Duration("dur", dur))
	} else {
		atomic.AddUint64(&s.completed, 1)
		log.Debug("task.completed", logx.Duration("dur", dur))
	}

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Workers:        s.cfg.Workers,
		Pending:        len(s.queue),
		Running:        s.running,
		Submitted:      s.submitted,
		DefaultTimeout: s.cfg.DefaultTimeout,
	}
	s.mu.Unlock()

	snap.Completed = atomic.LoadUint64(&s.completed)
	snap.Failed = atomic.LoadUint64(&s.failed)
	snap.Panics = atomic.LoadUint64(&s.panics)
	snap.Abandoned = atomic.LoadUint64(&s.abandoned)

	s.hmu.Lock()
	snap.History = make([]HistoryItem, len(s.history))
	copy(snap.History, s.history)
	s.hmu.Unlock()
	return snap
}

func (s *Service) newTaskID(now time.Time) string {
	if id, err := gonanoid.New(); err == nil {
		return id
	}
	seq := atomic.AddUint64(&s.idSeq, 1)
	return fmt.Sprintf("tsk-%x-%x", now.UnixNano(), seq)
}
