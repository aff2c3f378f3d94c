package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"autopub/internal/domain"
	"autopub/internal/eventbus"
	"autopub/internal/storage"
	"autopub/internal/task/engine"
	logx "autopub/pkg/logx"
)

type fakeStore struct {
	mu    sync.Mutex
	due   []domain.DueSchedule
	calls []string

	// block, when set, stalls GetPendingDue until closed.
	block chan struct{}
	polls atomic.Int32
}

func (f *fakeStore) record(name string) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
}

func (f *fakeStore) history() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeStore) GetPendingDue(ctx context.Context, _ time.Time) ([]domain.DueSchedule, error) {
	f.polls.Add(1)
	f.record("due")
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.DueSchedule(nil), f.due...), nil
}

func (f *fakeStore) ResetStuckTasks(context.Context) (int64, error) {
	f.record("reset_stuck")
	return 2, nil
}

func (f *fakeStore) ResetDailyCount(context.Context) (int64, error) {
	f.record("reset_daily_count")
	return 3, nil
}

func (f *fakeStore) ResetDailyLimitFailures(context.Context) (int64, error) {
	f.record("reset_limit_failures")
	return 1, nil
}

func dueRow(id, account int64) domain.DueSchedule {
	return domain.DueSchedule{Schedule: domain.Schedule{ID: id, AccountID: account, Status: domain.StatusPending}}
}

func newQueue(t *testing.T, workers int) *engine.Service {
	t.Helper()
	q := engine.New(engine.Config{Workers: workers}, logx.Nop())
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(func() { _ = q.Stop(context.Background()) })
	return q
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestTickSkipsInFlightSchedules(t *testing.T) {
	t.Parallel()

	store := &fakeStore{due: []domain.DueSchedule{dueRow(1, 10), dueRow(2, 20)}}
	release := make(chan struct{})
	var runs atomic.Int32
	run := runnerFunc(func(ctx context.Context, d domain.DueSchedule) error {
		runs.Add(1)
		<-release
		return nil
	})
	s := New(Config{}, store, run, newQueue(t, 2), logx.Nop(), nil)

	rep, err := s.Tick(context.Background())
	if err != nil || rep.Due != 2 || rep.Submitted != 2 {
		t.Fatalf("first tick=%+v err=%v", rep, err)
	}
	rep, _ = s.Tick(context.Background())
	if rep.Submitted != 0 || rep.SkippedInFlight != 2 {
		t.Fatalf("second tick=%+v", rep)
	}
	if got := s.InFlight(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("in flight=%v", got)
	}

	close(release)
	waitFor(t, "in-flight set to drain", func() bool { return len(s.InFlight()) == 0 })
	if runs.Load() != 2 {
		t.Fatalf("runs=%d", runs.Load())
	}

	rep, _ = s.Tick(context.Background())
	if rep.Submitted != 2 {
		t.Fatalf("third tick=%+v", rep)
	}
}

func TestInFlightClearedAfterPanicAndError(t *testing.T) {
	t.Parallel()

	store := &fakeStore{due: []domain.DueSchedule{dueRow(1, 10), dueRow(2, 20)}}
	run := runnerFunc(func(ctx context.Context, d domain.DueSchedule) error {
		if d.ID == 1 {
			panic("publisher blew up")
		}
		return errors.New("store unavailable")
	})
	q := newQueue(t, 1)
	s := New(Config{}, store, run, q, logx.Nop(), nil)

	if rep, _ := s.Tick(context.Background()); rep.Submitted != 2 {
		t.Fatalf("tick=%+v", rep)
	}
	waitFor(t, "units to finish", func() bool {
		snap := q.Snapshot()
		return snap.Failed == 2 && len(s.InFlight()) == 0
	})
	if q.Snapshot().Panics != 1 {
		t.Fatalf("panics=%d", q.Snapshot().Panics)
	}
}

func TestTickIsNotReentrant(t *testing.T) {
	t.Parallel()

	store := &fakeStore{block: make(chan struct{})}
	s := New(Config{}, store, runnerFunc(func(context.Context, domain.DueSchedule) error { return nil }), newQueue(t, 1), logx.Nop(), nil)

	done := make(chan TickReport, 1)
	go func() {
		rep, _ := s.Tick(context.Background())
		done <- rep
	}()
	waitFor(t, "first discovery", func() bool { return store.polls.Load() == 1 })

	rep, err := s.Tick(context.Background())
	if err != nil || !rep.Overlapped {
		t.Fatalf("overlapping tick=%+v err=%v", rep, err)
	}
	if store.polls.Load() != 1 {
		t.Fatalf("overlapping tick queried the store")
	}
	close(store.block)
	if first := <-done; first.Overlapped {
		t.Fatalf("first tick reported overlap")
	}
}

func TestTickWithStoppedQueueReleasesSchedules(t *testing.T) {
	t.Parallel()

	store := &fakeStore{due: []domain.DueSchedule{dueRow(5, 1)}}
	q := engine.New(engine.Config{Workers: 1}, logx.Nop())
	_ = q.Start(context.Background())
	_ = q.Stop(context.Background())
	s := New(Config{}, store, runnerFunc(func(context.Context, domain.DueSchedule) error { return nil }), q, logx.Nop(), nil)

	rep, err := s.Tick(context.Background())
	if err != nil || rep.Rejected != 1 || rep.Submitted != 0 {
		t.Fatalf("tick=%+v err=%v", rep, err)
	}
	if len(s.InFlight()) != 0 {
		t.Fatalf("rejected schedule left in flight")
	}
}

func TestSameAccountUnitsRunOneAtATime(t *testing.T) {
	t.Parallel()

	store := &fakeStore{due: []domain.DueSchedule{dueRow(1, 7), dueRow(2, 7), dueRow(3, 7)}}
	var cur, peak atomic.Int32
	run := runnerFunc(func(context.Context, domain.DueSchedule) error {
		v := cur.Add(1)
		if v > peak.Load() {
			peak.Store(v)
		}
		time.Sleep(5 * time.Millisecond)
		cur.Add(-1)
		return nil
	})
	q := newQueue(t, 3)
	s := New(Config{PerAccount: 1}, store, run, q, logx.Nop(), nil)
	_, _ = s.Tick(context.Background())
	waitFor(t, "units", func() bool { return q.Snapshot().Completed == 3 })
	if peak.Load() != 1 {
		t.Fatalf("peak=%d", peak.Load())
	}
}

func TestStartResetsStuckTasksBeforeTriggers(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	s := New(Config{Enabled: true, Tick: "* * * * * *", DailyReset: "0 0 * * *"}, store,
		runnerFunc(func(context.Context, domain.DueSchedule) error { return nil }), newQueue(t, 1), logx.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(context.Background())

	waitFor(t, "a cron tick", func() bool { return s.Snapshot().LastTick != nil })
	calls := store.history()
	if calls[0] != "reset_stuck" {
		t.Fatalf("calls=%v", calls)
	}
	snap := s.Snapshot()
	if !snap.Enabled || snap.NextTick.IsZero() || snap.NextDailyReset.IsZero() {
		t.Fatalf("snapshot=%+v", snap)
	}

	// Start is idempotent.
	_ = s.Start(ctx)
	n := 0
	for _, c := range store.history() {
		if c == "reset_stuck" {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("reset_stuck ran %d times", n)
	}
}

func TestDisabledSchedulerStillResets(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	s := New(Config{Enabled: false}, store, runnerFunc(func(context.Context, domain.DueSchedule) error { return nil }), newQueue(t, 1), logx.Nop(), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(context.Background())
	if calls := store.history(); len(calls) != 1 || calls[0] != "reset_stuck" {
		t.Fatalf("calls=%v", calls)
	}
	if snap := s.Snapshot(); !snap.NextTick.IsZero() {
		t.Fatalf("disabled scheduler has a next tick")
	}

	if err := s.Apply(Config{Enabled: true, Tick: "@every 1h"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if snap := s.Snapshot(); snap.NextTick.IsZero() {
		t.Fatalf("enabling via Apply did not register the tick")
	}
}

func TestDailyResetOrderAndEvent(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()
	s := New(Config{}, store, runnerFunc(func(context.Context, domain.DueSchedule) error { return nil }), newQueue(t, 1), logx.Nop(), bus)

	rep, err := s.DailyReset(context.Background())
	if err != nil || rep.Counters != 3 || rep.Reopened != 1 {
		t.Fatalf("report=%+v err=%v", rep, err)
	}
	calls := store.history()
	if len(calls) != 2 || calls[0] != "reset_daily_count" || calls[1] != "reset_limit_failures" {
		t.Fatalf("calls=%v", calls)
	}
	select {
	case ev := <-events:
		if ev.Type != eventbus.DailyReset {
			t.Fatalf("event=%+v", ev)
		}
	default:
		t.Fatalf("no daily reset event")
	}
	if snap := s.Snapshot(); snap.LastDailyReset == nil || snap.LastDailyReset.Reopened != 1 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestResetsLeaveLogTrail(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st, err := storage.Open(storage.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "sched.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	aid, _ := st.CreateAccount(ctx, domain.Account{Nickname: "maple", Status: domain.AccountActive})
	cid, _, _ := st.CreateContent(ctx, domain.Content{Title: "Autumn walk"})
	id, err := st.CreateSchedule(ctx, domain.Schedule{ContentID: cid, AccountID: aid, ScheduledAt: time.Now().Add(-time.Minute)}, 0)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if ok, _ := st.Claim(ctx, id); !ok {
		t.Fatalf("claim failed")
	}

	s := New(Config{Enabled: false}, st, runnerFunc(func(context.Context, domain.DueSchedule) error { return nil }), newQueue(t, 1), logx.Nop(), nil)
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(ctx)

	// Fail it on the quota, then cross the daily boundary.
	if ok, _ := st.Claim(ctx, id); !ok {
		t.Fatalf("reclaim failed")
	}
	failed, msg := domain.StatusFailed, domain.QuotaMessage(1, 1)
	if err := st.UpdateSchedule(ctx, id, domain.ScheduleUpdate{Expect: domain.StatusRunning, Status: &failed, ErrorMessage: &msg}); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if rep, err := s.DailyReset(ctx); err != nil || rep.Reopened != 1 {
		t.Fatalf("daily reset=%+v err=%v", rep, err)
	}

	logs, err := st.ListLogs(ctx, id)
	if err != nil || len(logs) != 2 {
		t.Fatalf("logs=%+v err=%v", logs, err)
	}
	for i, want := range []string{domain.StuckMessage, domain.ReopenMessage} {
		if logs[i].Status != domain.LogRequeued || logs[i].Message != want {
			t.Fatalf("log %d=%+v", i, logs[i])
		}
	}
}
