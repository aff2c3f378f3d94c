// Package policy holds the quota and retry rules applied to every publish
// attempt. The values are swapped atomically on config reload.
package policy

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"autopub/internal/config"
)

// DailyLimitSetting is the settings key that overrides the configured daily
// limit at runtime.
const DailyLimitSetting = "daily_limit"

// Settings reads runtime overrides.
type Settings interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
}

type Policy struct {
	// DailyLimit caps successful publishes per account per calendar day.
	// <= 0 disables the quota.
	DailyLimit  int
	MaxRetries  int
	MinInterval time.Duration
}

func FromConfig(c config.PublishConfig) Policy {
	p := Policy{
		DailyLimit:  c.DailyLimit,
		MaxRetries:  c.MaxRetries,
		MinInterval: time.Duration(c.MinIntervalMinutes) * time.Minute,
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = config.DefaultMaxRetries
	}
	return p
}

// EffectiveLimit returns the daily limit in force: the settings override
// when it parses as an integer, else DailyLimit. A settings read error
// falls back to DailyLimit and is returned for logging.
func (p Policy) EffectiveLimit(ctx context.Context, s Settings) (int, error) {
	if s == nil {
		return p.DailyLimit, nil
	}
	raw, ok, err := s.GetSetting(ctx, DailyLimitSetting)
	if err != nil || !ok {
		return p.DailyLimit, err
	}
	n, perr := strconv.Atoi(strings.TrimSpace(raw))
	if perr != nil {
		return p.DailyLimit, nil
	}
	return n, nil
}

// QuotaExceeded reports whether another publish would break limit.
func QuotaExceeded(count, limit int) bool {
	return limit > 0 && count >= limit
}

// NextRetry returns the retry count after a failed attempt and whether the
// schedule has exhausted its retries.
func (p Policy) NextRetry(retryCount int) (next int, exhausted bool) {
	limit := p.MaxRetries
	if limit <= 0 {
		limit = config.DefaultMaxRetries
	}
	next = retryCount + 1
	return next, next >= limit
}

// Live is a concurrency-safe holder for the current Policy.
type Live struct {
	p atomic.Pointer[Policy]
}

func NewLive(p Policy) *Live {
	l := &Live{}
	l.Set(p)
	return l
}

func (l *Live) Get() Policy {
	if l == nil {
		return Policy{MaxRetries: config.DefaultMaxRetries}
	}
	if p := l.p.Load(); p != nil {
		return *p
	}
	return Policy{MaxRetries: config.DefaultMaxRetries}
}

func (l *Live) Set(p Policy) { l.p.Store(&p) }
