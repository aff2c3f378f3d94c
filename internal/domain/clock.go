package domain

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Clock reports the current time in the zone that defines the publishing
// calendar day. The quota counters and the daily reset must agree on it.
type Clock struct {
	base func() time.Time
	loc  atomic.Pointer[time.Location]
}

// NewClock returns a Clock in loc. A nil base uses time.Now.
func NewClock(base func() time.Time, loc *time.Location) *Clock {
	if base == nil {
		base = time.Now
	}
	c := &Clock{base: base}
	c.SetLocation(loc)
	return c
}

func (c *Clock) SetLocation(loc *time.Location) {
	if loc == nil {
		loc = time.Local
	}
	c.loc.Store(loc)
}

func (c *Clock) Location() *time.Location { return c.loc.Load() }

func (c *Clock) Now() time.Time { return c.base().In(c.loc.Load()) }

// LoadLocation resolves an IANA zone name. Empty means the process zone.
func LoadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	return loc, nil
}
