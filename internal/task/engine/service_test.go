package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "autopub/pkg/logx"
)

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

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	s := New(cfg, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

// finished counts units that ran, once no unit is still releasing its slot.
func finished(s *Service) uint64 {
	snap := s.Snapshot()
	if snap.Running != 0 {
		return 0
	}
	return snap.Completed + snap.Failed
}

func TestWorkerCeiling(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 3})
	var cur, peak int32
	const n = 12
	for i := 0; i < n; i++ {
		err := s.Submit(Task{Name: "unit", Run: func(ctx context.Context) error {
			v := atomic.AddInt32(&cur, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if v <= p || atomic.CompareAndSwapInt32(&peak, p, v) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&cur, -1)
			return nil
		}})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	waitFor(t, "all units", func() bool { return finished(s) == n })
	if p := atomic.LoadInt32(&peak); p > 3 || p < 1 {
		t.Fatalf("peak concurrency=%d want 1..3", p)
	}
	if snap := s.Snapshot(); snap.Pending != 0 || snap.Running != 0 || snap.Submitted != n {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestSingleWorkerKeepsSubmissionOrder(t *testing.T) {
	t.Parallel()

	s := New(Config{Workers: 1}, logx.Nop())
	var (
		mu    sync.Mutex
		order []int
	)
	for i := 0; i < 8; i++ {
		i := i
		_ = s.Submit(Task{Name: "ordered", Run: func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}})
	}
	if got := s.Snapshot().Pending; got != 8 {
		t.Fatalf("pending before start=%d", got)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(context.Background())

	waitFor(t, "ordered units", func() bool { return finished(s) == 8 })
	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("order=%v", order)
		}
	}
}

func TestPanicAndErrorAreIsolated(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1})
	var ran atomic.Bool
	_ = s.Submit(Task{Name: "boom", Run: func(context.Context) error { panic("kaboom") }})
	_ = s.Submit(Task{Name: "fails", Run: func(context.Context) error { return errors.New("nope") }})
	_ = s.Submit(Task{Name: "fine", Run: func(context.Context) error { ran.Store(true); return nil }})

	waitFor(t, "three units", func() bool { return finished(s) == 3 })
	snap := s.Snapshot()
	if !ran.Load() || snap.Panics != 1 || snap.Failed != 2 || snap.Completed != 1 {
		t.Fatalf("snapshot=%+v ran=%v", snap, ran.Load())
	}
	if len(snap.History) != 3 || snap.History[0].Error != "panic: kaboom" {
		t.Fatalf("history=%+v", snap.History)
	}
}

func TestEveryUnitRunsExactlyOnce(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 4})
	const n = 200
	var counts [n]int32
	for i := 0; i < n; i++ {
		i := i
		_ = s.Submit(Task{Name: "once", Run: func(context.Context) error {
			atomic.AddInt32(&counts[i], 1)
			return nil
		}})
	}
	waitFor(t, "all units", func() bool { return finished(s) == n })
	for i := range counts {
		if c := atomic.LoadInt32(&counts[i]); c != 1 {
			t.Fatalf("unit %d ran %d times", i, c)
		}
	}
}

func TestConcurrencyKeySerializesUnits(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 4})
	var cur, peak int32
	var otherRan atomic.Bool
	for i := 0; i < 6; i++ {
		_ = s.Submit(Task{Name: "acct", ConcurrencyKey: "account:1", ConcurrencyLimit: 1, Run: func(context.Context) error {
			if v := atomic.AddInt32(&cur, 1); v > atomic.LoadInt32(&peak) {
				atomic.StoreInt32(&peak, v)
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&cur, -1)
			return nil
		}})
	}
	_ = s.Submit(Task{Name: "other", ConcurrencyKey: "account:2", ConcurrencyLimit: 1, Run: func(context.Context) error {
		otherRan.Store(true)
		return nil
	}})

	waitFor(t, "keyed units", func() bool { return finished(s) == 7 })
	if p := atomic.LoadInt32(&peak); p != 1 {
		t.Fatalf("peak per key=%d want 1", p)
	}
	if !otherRan.Load() {
		t.Fatalf("unit with a different key never ran")
	}
}

func TestTimeoutBoundsUnit(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1, DefaultTimeout: 20 * time.Millisecond})
	_ = s.Submit(Task{Name: "hung", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	waitFor(t, "hung unit", func() bool { return finished(s) == 1 })
	if h := s.Snapshot().History; len(h) != 1 || h[0].Error != context.DeadlineExceeded.Error() {
		t.Fatalf("history=%+v", h)
	}
}

func TestStopWaitsForRunningAndAbandonsQueued(t *testing.T) {
	t.Parallel()

	s := New(Config{Workers: 1}, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	release := make(chan struct{})
	started := make(chan struct{})
	var finishedRunning atomic.Bool
	var queuedRan atomic.Int32
	_ = s.Submit(Task{Name: "running", Run: func(context.Context) error {
		close(started)
		<-release
		finishedRunning.Store(true)
		return nil
	}})
	for i := 0; i < 3; i++ {
		_ = s.Submit(Task{Name: "queued", Run: func(context.Context) error {
			queuedRan.Add(1)
			return nil
		}})
	}
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(context.Background()) }()

	// Submits racing Stop may still be accepted; they queue behind the
	// running unit and are abandoned with the rest.
	var lateAccepted uint64
	waitFor(t, "submit rejection", func() bool {
		err := s.Submit(Task{Name: "late", Run: func(context.Context) error {
			queuedRan.Add(1)
			return nil
		}})
		if err == nil {
			lateAccepted++
		}
		return errors.Is(err, ErrStopping) || errors.Is(err, ErrStopped)
	})
	close(release)

	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("stop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("stop did not return")
	}
	if !finishedRunning.Load() {
		t.Fatalf("stop returned before the running unit finished")
	}
	snap := s.Snapshot()
	if queuedRan.Load() != 0 || snap.Abandoned != 3+lateAccepted || snap.Pending != 0 {
		t.Fatalf("queuedRan=%d late=%d snapshot=%+v", queuedRan.Load(), lateAccepted, snap)
	}
	if err := s.Submit(Task{Name: "after", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("submit after stop: %v", err)
	}
}

func TestSubmitValidates(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop())
	if err := s.Submit(Task{Name: "x"}); err == nil {
		t.Fatalf("nil Run accepted")
	}
	if err := s.Submit(Task{Name: "  ", Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatalf("empty Name accepted")
	}
}
