package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"autopub/internal/domain"
	"autopub/internal/eventbus"
	"autopub/internal/task/engine"
	logx "autopub/pkg/logx"
)

const publishUnit = "publish"

// Tick runs one discovery pass: every due schedule not already in flight is
// submitted to the queue. A pass that starts while another is still
// discovering returns at once with Overlapped set.
func (s *Service) Tick(ctx context.Context) (TickReport, error) {
	start := s.now()
	rep := TickReport{At: start}
	if !s.ticking.CompareAndSwap(false, true) {
		rep.Overlapped = true
		s.log.Debug("tick skipped: previous discovery still running")
		return rep, nil
	}
	defer s.ticking.Store(false)

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	due, err := s.store.GetPendingDue(ctx, start)
	if err != nil {
		rep.Error = err.Error()
		rep.Took = time.Since(start)
		s.recordTick(rep)
		s.log.Error("discovery failed", logx.Err(err))
		return rep, fmt.Errorf("discover due schedules: %w", err)
	}
	rep.Due = len(due)

	perAccount := cfg.PerAccount
	if perAccount <= 0 {
		perAccount = 1
	}
	for _, d := range due {
		if !s.markInFlight(d.ID, start) {
			rep.SkippedInFlight++
			continue
		}
		d := d
		err := s.queue.Submit(engine.Task{
			Name:             publishUnit,
			Timeout:          cfg.JobTimeout,
			ConcurrencyKey:   fmt.Sprintf("account:%d", d.AccountID),
			ConcurrencyLimit: perAccount,
			Run: func(ctx context.Context) error {
				defer s.clearInFlight(d.ID)
				return s.run.Execute(ctx, d)
			},
		})
		if err != nil {
			s.clearInFlight(d.ID)
			rep.Rejected++
			s.reportEnqueueError(publishUnit, err)
			continue
		}
		rep.Submitted++
	}

	rep.Took = time.Since(start)
	s.recordTick(rep)
	if rep.Submitted > 0 || rep.Rejected > 0 {
		s.log.Info("tick", logx.Int("due", rep.Due), logx.Int("submitted", rep.Submitted),
			logx.Int("in_flight", rep.SkippedInFlight), logx.Int("rejected", rep.Rejected))
	} else {
		s.log.Debug("tick", logx.Int("due", rep.Due), logx.Int("in_flight", rep.SkippedInFlight))
	}
	return rep, nil
}

// DailyReset clears per-account daily counters, then reopens schedules that
// failed on the daily quota.
func (s *Service) DailyReset(ctx context.Context) (DailyReport, error) {
	rep := DailyReport{At: s.now()}
	n, err := s.store.ResetDailyCount(ctx)
	if err != nil {
		rep.Error = err.Error()
		s.recordDaily(rep)
		s.log.Error("daily counter reset failed", logx.Err(err))
		return rep, fmt.Errorf("reset daily counters: %w", err)
	}
	rep.Counters = n

	reopened, err := s.store.ResetDailyLimitFailures(ctx)
	if err != nil {
		rep.Error = err.Error()
		s.recordDaily(rep)
		s.log.Error("reopening quota failures failed", logx.Err(err))
		return rep, fmt.Errorf("reopen quota failures: %w", err)
	}
	rep.Reopened = reopened
	s.recordDaily(rep)

	s.log.Info("daily boundary", logx.Int64("counters_reset", rep.Counters), logx.Int64("reopened", rep.Reopened))
	s.bus.Publish(eventbus.Event{Type: eventbus.DailyReset, Time: rep.At, Data: rep})
	return rep, nil
}

func (s *Service) markInFlight(id int64, at time.Time) bool {
	s.fmu.Lock()
	defer s.fmu.Unlock()
	if _, ok := s.inFlight[id]; ok {
		return false
	}
	s.inFlight[id] = at
	return true
}

func (s *Service) clearInFlight(id int64) {
	s.fmu.Lock()
	delete(s.inFlight, id)
	s.fmu.Unlock()
}

// InFlight returns the ids currently queued or running, ascending.
func (s *Service) InFlight() []int64 {
	s.fmu.Lock()
	ids := make([]int64, 0, len(s.inFlight))
	for id := range s.inFlight {
		ids = append(ids, id)
	}
	s.fmu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Service) recordTick(rep TickReport) {
	s.rmu.Lock()
	s.lastTick = &rep
	s.rmu.Unlock()
}

func (s *Service) recordDaily(rep DailyReport) {
	s.rmu.Lock()
	s.lastDaily = &rep
	s.rmu.Unlock()
}

var _ Runner = runnerFunc(nil)

// runnerFunc adapts a function to Runner.
type runnerFunc func(ctx context.Context, due domain.DueSchedule) error

func (f runnerFunc) Execute(ctx context.Context, due domain.DueSchedule) error { return f(ctx, due) }
