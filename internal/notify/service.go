// Package notify forwards escalation events (retries exhausted, daily quota
// reached) from the event bus to an operator chat.
package notify

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"autopub/internal/eventbus"
	rtsup "autopub/internal/runtime/supervisor"
	logx "autopub/pkg/logx"
)

var ErrStopped = errors.New("notifier stopped")

type message struct {
	event string
	text  string
	key   string
}

// Service subscribes to the bus and sends one message per escalation event,
// rate limited and deduplicated.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	sender  Sender
	bus     eventbus.Bus
	log     logx.Logger
	limiter *rate.Limiter

	queue chan message
	sup   *rtsup.Supervisor
	unsub func()

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
	deduped atomic.Uint64
}

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{sender: sender, bus: bus, log: log.Component("notify"), dedup: map[string]time.Time{}}
	s.applyLocked(cfg)
	return s
}

// Apply swaps the rate limits and target. Enabling or disabling takes
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 3
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 2
	}
	if cfg.DedupWindow == 0 {
		cfg.DedupWindow = 10 * time.Minute
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil || !s.cfg.Enabled || s.sender == nil {
		s.mu.Unlock()
		return
	}
	q := make(chan message, s.cfg.QueueSize)
	s.queue = q
	events, unsub := s.bus.Subscribe(s.cfg.QueueSize)
	s.unsub = unsub
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	sup.Go0("listen", func(c context.Context) { s.listen(c, events, q) })
	sup.GoRestart("sender", func(c context.Context) error {
		s.sendLoop(c, q)
		return nil
	}, rtsup.WithPublishFirstError(true))
	s.log.Info("escalation notifier started")
}

// Stop unsubscribes from the bus and drains queued messages until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, unsub := s.sup, s.unsub
	s.sup, s.unsub, s.queue = nil, nil, nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	// Closing the subscription ends listen, which closes the queue.
	unsub()
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		sup.Cancel()
		s.log.Warn("notifier stop timed out; pending messages dropped")
	}
}

func (s *Service) listen(ctx context.Context, events <-chan eventbus.Event, q chan<- message) {
	defer close(q)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			text := Format(ev)
			if text == "" {
				continue
			}
			m := message{event: ev.Type, text: text, key: dedupKey(ev.Type, text)}
			if !s.dedupAllow(m.key) {
				s.deduped.Add(1)
				continue
			}
			select {
			case q <- m:
			default:
				s.dropped.Add(1)
				s.log.Warn("notify queue full; message dropped", logx.String("event", ev.Type))
			}
		}
	}
}

func (s *Service) sendLoop(ctx context.Context, q <-chan message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-q:
			if !ok {
				return
			}
			s.send(ctx, m)
		}
	}
}

func (s *Service) send(ctx context.Context, m message) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	to := Target{ChatID: cfg.ChatID, ThreadID: cfg.ThreadID}
	var err error
	for attempt := 0; attempt <= cfg.RetryMax; attempt++ {
		if werr := lim.Wait(ctx); werr != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = s.sender.SendText(callCtx, to, m.text)
		cancel()
		if err == nil {
			s.sent.Add(1)
			s.appendHistory(HistoryItem{At: time.Now(), Event: m.event, Text: m.text})
			return
		}
		s.log.Debug("notify send failed", logx.Int("attempt", attempt+1), logx.Err(err))
	}
	s.failed.Add(1)
	s.appendHistory(HistoryItem{At: time.Now(), Event: m.event, Text: m.text, Error: err.Error()})
	s.log.Warn("escalation not delivered", logx.String("event", m.event), logx.Err(err))
}

func (s *Service) dedupAllow(key string) bool {
	s.mu.Lock()
	window := s.cfg.DedupWindow
	s.mu.Unlock()
	if window < 0 {
		return true
	}
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(window)
	return true
}

func dedupKey(event, text string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(event))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(text))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) appendHistory(it HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.hmu.Unlock()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Enabled: s.cfg.Enabled}
	if s.queue != nil {
		snap.Queued = len(s.queue)
	}
	s.mu.Unlock()
	snap.Sent = s.sent.Load()
	snap.Failed = s.failed.Load()
	snap.Dropped = s.dropped.Load()
	snap.Deduped = s.deduped.Load()
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

// Format renders the operator message for ev, or "" when ev is not an
// escalation.
func Format(ev eventbus.Event) string {
	d, ok := ev.Data.(eventbus.ScheduleData)
	if !ok {
		return ""
	}
	subject := fmt.Sprintf("schedule #%d", d.ScheduleID)
	if t := strings.TrimSpace(d.Title); t != "" {
		subject += fmt.Sprintf(" %q", t)
	}
	account := d.Account
	if account == "" {
		account = fmt.Sprintf("#%d", d.AccountID)
	}
	switch ev.Type {
	case eventbus.ScheduleFailed:
		var b strings.Builder
		fmt.Fprintf(&b, "🚨 Publish failed, retries exhausted (%d/%d)\n", d.RetryCount, d.MaxRetries)
		fmt.Fprintf(&b, "%s\naccount: %s", subject, account)
		if d.Error != "" {
			fmt.Fprintf(&b, "\nerror: %s", d.Error)
		}
		return b.String()
	case eventbus.QuotaExceeded:
		return fmt.Sprintf("⚠️ Daily publish limit reached for account %s\n%s is parked until the daily reset", account, subject)
	}
	return ""
}
