package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"autopub/internal/domain"
	"autopub/internal/eventbus"
	"autopub/internal/task/engine"
	logx "autopub/pkg/logx"
)

// Config controls the scheduler (trigger) service.
type Config struct {
	Enabled    bool
	Tick       string // cron, "@every 1m", "90s" or "HH:MM" interval
	DailyReset string // cron or daily "HH:MM"
	Timezone   string // IANA TZ, e.g. "Asia/Shanghai"

	// PerAccount limits concurrent units per account. <= 0 means 1.
	PerAccount int
	// JobTimeout bounds a single publish attempt. 0 uses the engine default.
	JobTimeout time.Duration
}

// Store is the slice of the job store the scheduler drives.
type Store interface {
	GetPendingDue(ctx context.Context, now time.Time) ([]domain.DueSchedule, error)
	ResetStuckTasks(ctx context.Context) (int64, error)
	ResetDailyCount(ctx context.Context) (int64, error)
	ResetDailyLimitFailures(ctx context.Context) (int64, error)
}

// Runner executes one discovered schedule.
type Runner interface {
	Execute(ctx context.Context, due domain.DueSchedule) error
}

// Queue accepts units for execution.
type Queue interface {
	Submit(t engine.Task) error
	Snapshot() engine.Snapshot
}

// TickReport summarises one discovery pass.
type TickReport struct {
	At              time.Time     `json:"at"`
	Overlapped      bool          `json:"overlapped,omitempty"`
	Due             int           `json:"due"`
	Submitted       int           `json:"submitted"`
	SkippedInFlight int           `json:"skipped_in_flight"`
	Rejected        int           `json:"rejected"`
	Took            time.Duration `json:"took"`
	Error           string        `json:"error,omitempty"`
}

// DailyReport summarises one daily boundary run.
type DailyReport struct {
	At       time.Time `json:"at"`
	Counters int64     `json:"counters_reset"`
	Reopened int64     `json:"reopened"`
	Error    string    `json:"error,omitempty"`
}

type Service struct {
	mu sync.Mutex

	log   logx.Logger
	cfg   Config
	loc   *time.Location
	bus   eventbus.Bus
	now   func() time.Time
	store Store
	run   Runner
	queue Queue

	parser     cron.Parser
	c          *cron.Cron
	tickEntry  cron.EntryID
	dailyEntry cron.EntryID
	started    bool
	baseCtx    context.Context

	// ticking guards the discovery phase against reentry.
	ticking atomic.Bool

	fmu      sync.Mutex
	inFlight map[int64]time.Time

	rmu       sync.Mutex
	lastTick  *TickReport
	lastDaily *DailyReport

	// Enqueue error throttling: key is the unit name.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type Snapshot struct {
	Enabled        bool      `json:"enabled"`
	Timezone       string    `json:"timezone"`
	Tick           string    `json:"tick"`
	DailyReset     string    `json:"daily_reset"`
	NextTick       time.Time `json:"next_tick,omitempty"`
	PrevTick       time.Time `json:"prev_tick,omitempty"`
	NextDailyReset time.Time `json:"next_daily_reset,omitempty"`
	InFlight       []int64   `json:"in_flight"`

	LastTick       *TickReport     `json:"last_tick,omitempty"`
	LastDailyReset *DailyReport    `json:"last_daily_reset,omitempty"`
	Queue          engine.Snapshot `json:"queue"`
}
