package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"autopub/internal/domain"
)

func (s *sqlStore) AppendLog(ctx context.Context, e domain.LogEntry) (int64, error) {
	if e.ScheduleID == 0 {
		return 0, errors.New("log entry needs a schedule id")
	}
	if !e.Status.Known() {
		return 0, fmt.Errorf("log status %q is not in the allowed set", e.Status)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	var id int64
	err := s.db.GetContext(ctx, &id, s.q(
		`INSERT INTO publish_logs(schedule_id, status, message, note_url, screenshot, duration_ms, created_at)
		 VALUES(?,?,?,?,?,?,?) RETURNING id`),
		e.ScheduleID, string(e.Status), e.Message, nullStr(e.NoteURL), nullStr(e.Screenshot), e.DurationMS, ms(e.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert log: %w", err)
	}
	return id, nil
}

func (s *sqlStore) ListLogs(ctx context.Context, scheduleID int64) ([]domain.LogEntry, error) {
	var rows []logRow
	err := s.db.SelectContext(ctx, &rows, s.q(`SELECT `+logCols+` FROM publish_logs WHERE schedule_id = ? ORDER BY id`), scheduleID)
	if err != nil {
		return nil, err
	}
	return toLogEntries(rows), nil
}

func (s *sqlStore) RecentLogs(ctx context.Context, limit int) ([]domain.LogEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var rows []logRow
	err := s.db.SelectContext(ctx, &rows, s.q(`SELECT `+logCols+` FROM publish_logs ORDER BY id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	return toLogEntries(rows), nil
}

func toLogEntries(rows []logRow) []domain.LogEntry {
	out := make([]domain.LogEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out
}

// Cleanup deletes all log entries and finished schedules. Quota failures are
// kept so the daily boundary can reopen them.
func (s *sqlStore) Cleanup(ctx context.Context) (CleanupReport, error) {
	var rep CleanupReport
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM publish_logs`)
		if err != nil {
			return err
		}
		rep.Logs, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx, s.q(
			`DELETE FROM schedules
			 WHERE status IN (?, ?, ?)
			   AND NOT (status = ? AND COALESCE(error_message, '') LIKE ?)`),
			string(domain.StatusCompleted), string(domain.StatusFailed), string(domain.StatusCancelled),
			string(domain.StatusFailed), domain.QuotaMarker+"%")
		if err != nil {
			return err
		}
		rep.Schedules, _ = res.RowsAffected()
		return nil
	})
	return rep, err
}

func (s *sqlStore) Stats(ctx context.Context, day time.Time) (domain.Stats, error) {
	st := domain.Stats{
		Day:              domain.DayKey(day),
		Schedules:        map[string]int{},
		ContentsByStatus: map[string]int{},
	}

	type bucket struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	var buckets []bucket
	if err := s.db.SelectContext(ctx, &buckets, `SELECT status, COUNT(*) AS n FROM schedules GROUP BY status`); err != nil {
		return st, err
	}
	for _, b := range buckets {
		st.Schedules[b.Status] = b.N
	}
	buckets = buckets[:0]
	if err := s.db.SelectContext(ctx, &buckets, `SELECT status, COUNT(*) AS n FROM contents GROUP BY status`); err != nil {
		return st, err
	}
	for _, b := range buckets {
		st.ContentsByStatus[b.Status] = b.N
	}

	start, end := domain.DayBounds(day)
	if err := s.db.GetContext(ctx, &st.PublishedToday, s.q(
		`SELECT COUNT(*) FROM schedules WHERE status = ? AND completed_at >= ? AND completed_at < ?`),
		string(domain.StatusCompleted), ms(start), ms(end)); err != nil {
		return st, err
	}
	if err := s.db.GetContext(ctx, &st.ActiveAccounts, s.q(`SELECT COUNT(*) FROM accounts WHERE status = ?`),
		string(domain.AccountActive)); err != nil {
		return st, err
	}
	if err := s.db.GetContext(ctx, &st.LogEntries, `SELECT COUNT(*) FROM publish_logs`); err != nil {
		return st, err
	}
	return st, nil
}
