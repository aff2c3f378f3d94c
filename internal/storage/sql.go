package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"autopub/internal/domain"
	logx "autopub/pkg/logx"
)

type sqlStore struct {
	db     *sqlx.DB
	driver string
	log    logx.Logger
	now    func() time.Time
}

var _ Store = (*sqlStore)(nil)

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// q rebinds ? placeholders for the active driver.
func (s *sqlStore) q(query string) string { return s.db.Rebind(query) }

// forUpdate locks selected rows inside a transaction. SQLite already runs
// every transaction on the single connection.
func (s *sqlStore) forUpdate() string {
	if s.driver == "postgres" {
		return " FOR UPDATE"
	}
	return ""
}

func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v) }

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func notFound(err error, what string, id int64) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %d: %w", what, id, domain.ErrNotFound)
	}
	return err
}

func encodeList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeList(raw string) []string {
	var out []string
	if raw == "" {
		return []string{}
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return []string{}
	}
	return out
}

// ---- row mappings ----

type accountRow struct {
	ID              int64          `db:"id"`
	Nickname        string         `db:"nickname"`
	Status          string         `db:"status"`
	DailyCount      int            `db:"daily_count"`
	LastPublishDate sql.NullString `db:"last_publish_date"`
	CookieRef       sql.NullString `db:"cookie_ref"`
	CreatedAt       int64          `db:"created_at"`
	UpdatedAt       int64          `db:"updated_at"`
}

func (r accountRow) toDomain() domain.Account {
	return domain.Account{
		ID:              r.ID,
		Nickname:        r.Nickname,
		Status:          domain.AccountStatus(r.Status),
		DailyCount:      r.DailyCount,
		LastPublishDate: r.LastPublishDate.String,
		CookieRef:       r.CookieRef.String,
		CreatedAt:       fromMS(r.CreatedAt),
		UpdatedAt:       fromMS(r.UpdatedAt),
	}
}

type contentRow struct {
	ID         int64          `db:"id"`
	Title      string         `db:"title"`
	Body       string         `db:"body"`
	Type       string         `db:"type"`
	MediaPaths string         `db:"media_paths"`
	CoverPath  sql.NullString `db:"cover_path"`
	Tags       string         `db:"tags"`
	Location   sql.NullString `db:"location"`
	Status     string         `db:"status"`
	CreatedAt  int64          `db:"created_at"`
	UpdatedAt  int64          `db:"updated_at"`
}

func (r contentRow) toDomain() domain.Content {
	return domain.Content{
		ID:         r.ID,
		Title:      r.Title,
		Body:       r.Body,
		Type:       domain.ContentType(r.Type),
		MediaPaths: decodeList(r.MediaPaths),
		CoverPath:  r.CoverPath.String,
		Tags:       decodeList(r.Tags),
		Location:   r.Location.String,
		Status:     domain.ContentStatus(r.Status),
		CreatedAt:  fromMS(r.CreatedAt),
		UpdatedAt:  fromMS(r.UpdatedAt),
	}
}

type scheduleRow struct {
	ID           int64          `db:"id"`
	ContentID    int64          `db:"content_id"`
	AccountID    int64          `db:"account_id"`
	ScheduledAt  int64          `db:"scheduled_at"`
	Status       string         `db:"status"`
	RetryCount   int            `db:"retry_count"`
	ErrorMessage sql.NullString `db:"error_message"`
	CompletedAt  sql.NullInt64  `db:"completed_at"`
	CreatedAt    int64          `db:"created_at"`
	UpdatedAt    int64          `db:"updated_at"`
}

func (r scheduleRow) toDomain() domain.Schedule {
	s := domain.Schedule{
		ID:          r.ID,
		ContentID:   r.ContentID,
		AccountID:   r.AccountID,
		ScheduledAt: fromMS(r.ScheduledAt),
		Status:      domain.ScheduleStatus(r.Status),
		RetryCount:  r.RetryCount,
		CreatedAt:   fromMS(r.CreatedAt),
		UpdatedAt:   fromMS(r.UpdatedAt),
	}
	if r.ErrorMessage.Valid {
		s.ErrorMessage = domain.Ptr(r.ErrorMessage.String)
	}
	if r.CompletedAt.Valid {
		s.CompletedAt = domain.Ptr(fromMS(r.CompletedAt.Int64))
	}
	return s
}

type dueRow struct {
	scheduleRow
	Content contentRow `db:"c"`
	Account accountRow `db:"a"`
}

type logRow struct {
	ID         int64          `db:"id"`
	ScheduleID int64          `db:"schedule_id"`
	Status     string         `db:"status"`
	Message    string         `db:"message"`
	NoteURL    sql.NullString `db:"note_url"`
	Screenshot sql.NullString `db:"screenshot"`
	DurationMS int64          `db:"duration_ms"`
	CreatedAt  int64          `db:"created_at"`
}

func (r logRow) toDomain() domain.LogEntry {
	return domain.LogEntry{
		ID:         r.ID,
		ScheduleID: r.ScheduleID,
		Status:     domain.LogStatus(r.Status),
		Message:    r.Message,
		NoteURL:    r.NoteURL.String,
		Screenshot: r.Screenshot.String,
		DurationMS: r.DurationMS,
		CreatedAt:  fromMS(r.CreatedAt),
	}
}

const (
	accountCols  = `id, nickname, status, daily_count, last_publish_date, cookie_ref, created_at, updated_at`
	contentCols  = `id, title, body, type, media_paths, cover_path, tags, location, status, created_at, updated_at`
	scheduleCols = `id, content_id, account_id, scheduled_at, status, retry_count, error_message, completed_at, created_at, updated_at`
	logCols      = `id, schedule_id, status, message, note_url, screenshot, duration_ms, created_at`
)
