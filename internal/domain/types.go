// Package domain holds the publication job model: accounts, contents,
// schedules and their append-only execution log.
package domain

import "time"

type AccountStatus string

const (
	AccountPending AccountStatus = "pending"
	AccountActive  AccountStatus = "active"
	AccountExpired AccountStatus = "expired"
)

type ContentType string

const (
	ContentImage ContentType = "image"
	ContentVideo ContentType = "video"
)

type ContentStatus string

const (
	ContentDraft     ContentStatus = "draft"
	ContentScheduled ContentStatus = "scheduled"
	ContentPublished ContentStatus = "published"
	ContentFailed    ContentStatus = "failed"
)

type Account struct {
	ID              int64         `json:"id"`
	Nickname        string        `json:"nickname"`
	Status          AccountStatus `json:"status"`
	DailyCount      int           `json:"daily_count"`
	LastPublishDate string        `json:"last_publish_date,omitempty"`
	CookieRef       string        `json:"-"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// CountFor returns the cached daily counter if it belongs to day, else 0.
func (a Account) CountFor(day string) int {
	if a.LastPublishDate != day {
		return 0
	}
	return a.DailyCount
}

type Content struct {
	ID         int64         `json:"id"`
	Title      string        `json:"title"`
	Body       string        `json:"body"`
	Type       ContentType   `json:"type"`
	MediaPaths []string      `json:"media_paths"`
	CoverPath  string        `json:"cover_path,omitempty"`
	Tags       []string      `json:"tags"`
	Location   string        `json:"location,omitempty"`
	Status     ContentStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

type Schedule struct {
	ID           int64          `json:"id"`
	ContentID    int64          `json:"content_id"`
	AccountID    int64          `json:"account_id"`
	ScheduledAt  time.Time      `json:"scheduled_at"`
	Status       ScheduleStatus `json:"status"`
	RetryCount   int            `json:"retry_count"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// DueSchedule is a pending schedule joined with what a publish attempt
// needs from its content and account.
type DueSchedule struct {
	Schedule
	Content Content `json:"content"`
	Account Account `json:"account"`
}

// ScheduleUpdate lists the mutable schedule fields. Nil fields are left
// untouched; ClearError sets error_message to NULL. A non-empty Expect makes
// the update conditional on the current status.
type ScheduleUpdate struct {
	Expect       ScheduleStatus
	Status       *ScheduleStatus
	RetryCount   *int
	ErrorMessage *string
	ClearError   bool
	ScheduledAt  *time.Time
	CompletedAt  *time.Time
}

func (u ScheduleUpdate) IsEmpty() bool {
	return u.Status == nil && u.RetryCount == nil && u.ErrorMessage == nil &&
		!u.ClearError && u.ScheduledAt == nil && u.CompletedAt == nil
}

type LogEntry struct {
	ID         int64     `json:"id"`
	ScheduleID int64     `json:"schedule_id"`
	Status     LogStatus `json:"status"`
	Message    string    `json:"message"`
	NoteURL    string    `json:"note_url,omitempty"`
	Screenshot string    `json:"screenshot,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Stats summarises the store for operators.
type Stats struct {
	Day              string         `json:"day"`
	Schedules        map[string]int `json:"schedules"`
	PublishedToday   int            `json:"published_today"`
	ActiveAccounts   int            `json:"active_accounts"`
	LogEntries       int            `json:"log_entries"`
	ContentsByStatus map[string]int `json:"contents"`
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }
