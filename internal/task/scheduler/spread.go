package scheduler

import (
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"
)

// maxTickSpread caps the random delay before the first interval tick.
const maxTickSpread = 30 * time.Second

// delayedFirstTick fires once at first, then follows every.
type delayedFirstTick struct {
	every cron.Schedule
	first time.Time
}

func (d *delayedFirstTick) Next(t time.Time) time.Time {
	if t.Before(d.first) {
		return d.first
	}
	return d.every.Next(t)
}

// spreadInterval returns an interval schedule whose first tick lands at a
// random offset in [0, min(every, maxTickSpread)) after now. Processes that
// share one job store then poll it at different moments.
func spreadInterval(every time.Duration, now time.Time) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	window := min(every, maxTickSpread)
	if window <= 0 {
		return base, 0
	}
	delay := rand.N(window)
	return &delayedFirstTick{every: base, first: now.Add(delay)}, delay
}
