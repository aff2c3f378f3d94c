// Package eventbus is a small in-memory fanout used to decouple the
// publishing pipeline from observers such as the escalation notifier.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Schedule lifecycle event types.
const (
	ScheduleClaimed   = "schedule.claimed"
	ScheduleCompleted = "schedule.completed"
	ScheduleRequeued  = "schedule.requeued"
	ScheduleFailed    = "schedule.failed"         // retries exhausted
	QuotaExceeded     = "schedule.quota_exceeded" // failed before publishing
	ScheduleCancelled = "schedule.cancelled"
	DailyReset        = "scheduler.daily_reset"
)

// Event is an in-memory signal. Publish never blocks; a subscriber whose
// buffer is full misses the event.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// ScheduleData is the payload of schedule.* events.
type ScheduleData struct {
	ScheduleID int64  `json:"schedule_id"`
	ContentID  int64  `json:"content_id"`
	AccountID  int64  `json:"account_id"`
	Title      string `json:"title,omitempty"`
	Account    string `json:"account,omitempty"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries,omitempty"`
	Error      string `json:"error,omitempty"`
	NoteURL    string `json:"note_url,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() *MemBus {
	return &MemBus{subs: map[uint64]chan Event{}}
}

type MemBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		b.deliver(ch, e)
	}
}

// deliver tolerates a concurrent unsubscribe closing ch.
func (b *MemBus) deliver(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
		b.dropped.Add(1)
	}
}

// Dropped reports events lost to full subscriber buffers.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }

func (b *MemBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
