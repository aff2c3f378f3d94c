package storage

import (
	"context"
	"errors"
	"time"

	"autopub/internal/domain"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at DSN (modernc, no cgo)
//   - "postgres": PostgreSQL URL or key/value DSN (lib/pq)
type Config struct {
	Driver      string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means 5s

	// Now overrides the clock used for created_at/updated_at stamps.
	Now func() time.Time
}

// CleanupReport counts rows removed by Cleanup.
type CleanupReport struct {
	Logs      int64 `json:"logs"`
	Schedules int64 `json:"schedules"`
}

// CompleteParams describes a successful publish.
type CompleteParams struct {
	ScheduleID int64
	ContentID  int64
	AccountID  int64
	At         time.Time
}

// Store is the persistence API used by the scheduler, the executor and the
// admin surface.
type Store interface {
	CreateAccount(ctx context.Context, a domain.Account) (int64, error)
	GetAccount(ctx context.Context, id int64) (domain.Account, error)
	UpdateAccountStatus(ctx context.Context, id int64, status domain.AccountStatus) error
	IncrementDailyCount(ctx context.Context, accountID int64, day string) error
	GetDailyPublishCount(ctx context.Context, accountID int64, day time.Time) (int, error)
	ResetDailyCount(ctx context.Context) (int64, error)

	CreateContent(ctx context.Context, c domain.Content) (id int64, created bool, err error)
	GetContent(ctx context.Context, id int64) (domain.Content, error)
	UpdateContentStatus(ctx context.Context, id int64, status domain.ContentStatus) error

	CreateSchedule(ctx context.Context, s domain.Schedule, minInterval time.Duration) (int64, error)
	GetSchedule(ctx context.Context, id int64) (domain.Schedule, error)
	GetPendingDue(ctx context.Context, now time.Time) ([]domain.DueSchedule, error)
	Claim(ctx context.Context, id int64) (bool, error)
	UpdateSchedule(ctx context.Context, id int64, u domain.ScheduleUpdate) error
	Complete(ctx context.Context, p CompleteParams) error
	CancelSchedule(ctx context.Context, id int64) (domain.Schedule, error)
	RunNow(ctx context.Context, id int64) error
	ResetStuckTasks(ctx context.Context) (int64, error)
	ResetDailyLimitFailures(ctx context.Context) (int64, error)

	AppendLog(ctx context.Context, e domain.LogEntry) (int64, error)
	ListLogs(ctx context.Context, scheduleID int64) ([]domain.LogEntry, error)
	RecentLogs(ctx context.Context, limit int) ([]domain.LogEntry, error)
	Cleanup(ctx context.Context) (CleanupReport, error)
	Stats(ctx context.Context, day time.Time) (domain.Stats, error)

	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error

	Close() error
}
