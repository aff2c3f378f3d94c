package scheduler

import "time"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	c := s.c
	loc := s.loc
	tickID := s.tickEntry
	dailyID := s.dailyEntry
	q := s.queue
	s.mu.Unlock()

	if loc == nil {
		loc = time.Local
	}
	tz := cfg.Timezone
	if tz == "" {
		tz = loc.String()
	}
	snap := Snapshot{
		Enabled:    cfg.Enabled,
		Timezone:   tz,
		Tick:       cfg.Tick,
		DailyReset: cfg.DailyReset,
		InFlight:   s.InFlight(),
	}
	if c != nil {
		if tickID != 0 {
			e := c.Entry(tickID)
			snap.NextTick = e.Next
			snap.PrevTick = e.Prev
		}
		if dailyID != 0 {
			snap.NextDailyReset = c.Entry(dailyID).Next
		}
	}

	s.rmu.Lock()
	if s.lastTick != nil {
		t := *s.lastTick
		snap.LastTick = &t
	}
	if s.lastDaily != nil {
		d := *s.lastDaily
		snap.LastDailyReset = &d
	}
	s.rmu.Unlock()

	if q != nil {
		snap.Queue = q.Snapshot()
	}
	return snap
}
