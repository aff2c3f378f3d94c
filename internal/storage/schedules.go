package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"autopub/internal/domain"
)

// CreateSchedule inserts a pending schedule and moves its content to
// scheduled. The conflict checks and the insert share one transaction.
func (s *sqlStore) CreateSchedule(ctx context.Context, sch domain.Schedule, minInterval time.Duration) (int64, error) {
	if sch.ScheduledAt.IsZero() {
		return 0, errors.New("scheduled_at is required")
	}
	var id int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var contentID int64
		if err := tx.GetContext(ctx, &contentID, s.q(`SELECT id FROM contents WHERE id = ?`+s.forUpdate()), sch.ContentID); err != nil {
			return notFound(err, "content", sch.ContentID)
		}
		var accountStatus string
		if err := tx.GetContext(ctx, &accountStatus, s.q(`SELECT status FROM accounts WHERE id = ?`+s.forUpdate()), sch.AccountID); err != nil {
			return notFound(err, "account", sch.AccountID)
		}
		if domain.AccountStatus(accountStatus) != domain.AccountActive {
			return fmt.Errorf("account %d (%s): %w", sch.AccountID, accountStatus, domain.ErrAccountInactive)
		}

		var existing int64
		err := tx.GetContext(ctx, &existing, s.q(
			`SELECT id FROM schedules WHERE content_id = ? AND status IN (?, ?) ORDER BY id LIMIT 1`),
			sch.ContentID, string(domain.StatusPending), string(domain.StatusRunning))
		switch {
		case err == nil:
			return &domain.ConflictError{Kind: domain.ConflictActiveSchedule, ExistingID: existing}
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		if minInterval > 0 {
			var near []scheduleRow
			err := tx.SelectContext(ctx, &near, s.q(
				`SELECT `+scheduleCols+` FROM schedules
				 WHERE account_id = ? AND status = ? AND scheduled_at BETWEEN ? AND ?
				 ORDER BY scheduled_at, id`),
				sch.AccountID, string(domain.StatusPending),
				ms(sch.ScheduledAt.Add(-minInterval)), ms(sch.ScheduledAt.Add(minInterval)))
			if err != nil {
				return err
			}
			for _, r := range near {
				if domain.WithinInterval(sch.ScheduledAt, fromMS(r.ScheduledAt), minInterval) {
					return &domain.ConflictError{
						Kind:        domain.ConflictInterval,
						ExistingID:  r.ID,
						MinInterval: int(minInterval / time.Minute),
					}
				}
			}
		}

		now := ms(s.now())
		if err := tx.GetContext(ctx, &id, s.q(
			`INSERT INTO schedules(content_id, account_id, scheduled_at, status, retry_count, created_at, updated_at)
			 VALUES(?,?,?,?,0,?,?) RETURNING id`),
			sch.ContentID, sch.AccountID, ms(sch.ScheduledAt), string(domain.StatusPending), now, now); err != nil {
			return fmt.Errorf("insert schedule: %w", err)
		}
		_, err = tx.ExecContext(ctx, s.q(`UPDATE contents SET status = ?, updated_at = ? WHERE id = ?`),
			string(domain.ContentScheduled), now, sch.ContentID)
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *sqlStore) GetSchedule(ctx context.Context, id int64) (domain.Schedule, error) {
	var row scheduleRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+scheduleCols+` FROM schedules WHERE id = ?`), id)
	if err != nil {
		return domain.Schedule{}, notFound(err, "schedule", id)
	}
	return row.toDomain(), nil
}

// aliased renders cols as `alias.col AS "prefix.col"` for sqlx nested
// struct scanning.
func aliased(alias, prefix, cols string) string {
	parts := strings.Split(cols, ",")
	for i, c := range parts {
		c = strings.TrimSpace(c)
		if prefix == "" {
			parts[i] = alias + "." + c + " AS " + c
		} else {
			parts[i] = alias + "." + c + ` AS "` + prefix + "." + c + `"`
		}
	}
	return strings.Join(parts, ", ")
}

var dueQuery = `SELECT ` + aliased("s", "", scheduleCols) + `, ` +
	aliased("c", "c", contentCols) + `, ` +
	aliased("a", "a", accountCols) + `
	FROM schedules s
	JOIN contents c ON c.id = s.content_id
	JOIN accounts a ON a.id = s.account_id
	WHERE s.status = ? AND s.scheduled_at <= ? AND a.status = ?
	ORDER BY s.scheduled_at, s.id`

// GetPendingDue returns pending schedules due at now whose account is
// active, oldest first.
func (s *sqlStore) GetPendingDue(ctx context.Context, now time.Time) ([]domain.DueSchedule, error) {
	var rows []dueRow
	err := s.db.SelectContext(ctx, &rows, s.q(dueQuery),
		string(domain.StatusPending), ms(now), string(domain.AccountActive))
	if err != nil {
		return nil, err
	}
	out := make([]domain.DueSchedule, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.DueSchedule{
			Schedule: r.scheduleRow.toDomain(),
			Content:  r.Content.toDomain(),
			Account:  r.Account.toDomain(),
		})
	}
	return out, nil
}

// Claim moves a pending schedule to running. Exactly one concurrent caller
// gets true; the others get false without error.
func (s *sqlStore) Claim(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE schedules SET status = ?, updated_at = ? WHERE id = ? AND status = ?`),
		string(domain.StatusRunning), ms(s.now()), id, string(domain.StatusPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqlStore) UpdateSchedule(ctx context.Context, id int64, u domain.ScheduleUpdate) error {
	if u.IsEmpty() {
		return nil
	}
	sets := make([]string, 0, 6)
	args := make([]any, 0, 8)
	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*u.Status))
	}
	if u.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *u.RetryCount)
	}
	if u.ClearError {
		sets = append(sets, "error_message = NULL")
	} else if u.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *u.ErrorMessage)
	}
	if u.ScheduledAt != nil {
		sets = append(sets, "scheduled_at = ?")
		args = append(args, ms(*u.ScheduledAt))
	}
	if u.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, ms(*u.CompletedAt))
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, ms(s.now()), id)

	query := `UPDATE schedules SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	if u.Expect != "" {
		query += ` AND status = ?`
		args = append(args, string(u.Expect))
	}
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missingOrStale(ctx, id, u.Expect)
	}
	return nil
}

// missingOrStale explains a conditional update that matched no row.
func (s *sqlStore) missingOrStale(ctx context.Context, id int64, expect domain.ScheduleStatus) error {
	cur, err := s.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("schedule %d is %s, expected %s: %w", id, cur.Status, expect, domain.ErrInvalidTransition)
}

// Complete records a successful publish: the schedule becomes completed,
// its content published, and the account's daily counter is incremented.
func (s *sqlStore) Complete(ctx context.Context, p CompleteParams) error {
	if p.At.IsZero() {
		p.At = s.now()
	}
	day := domain.DayKey(p.At)
	now := ms(s.now())
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(
			`UPDATE schedules SET status = ?, completed_at = ?, error_message = NULL, updated_at = ?
			 WHERE id = ? AND status = ?`),
			string(domain.StatusCompleted), ms(p.At), now, p.ScheduleID, string(domain.StatusRunning))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("complete schedule %d: %w", p.ScheduleID, domain.ErrInvalidTransition)
		}
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE contents SET status = ?, updated_at = ? WHERE id = ?`),
			string(domain.ContentPublished), now, p.ContentID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.q(
			`UPDATE accounts
			 SET daily_count = CASE WHEN last_publish_date = ? THEN daily_count + 1 ELSE 1 END,
			     last_publish_date = ?, updated_at = ?
			 WHERE id = ?`),
			day, day, now, p.AccountID)
		return err
	})
}

// CancelSchedule cancels a pending or failed schedule and returns its
// content to draft.
func (s *sqlStore) CancelSchedule(ctx context.Context, id int64) (domain.Schedule, error) {
	var out domain.Schedule
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var row scheduleRow
		if err := tx.GetContext(ctx, &row, s.q(`SELECT `+scheduleCols+` FROM schedules WHERE id = ?`+s.forUpdate()), id); err != nil {
			return notFound(err, "schedule", id)
		}
		cur := domain.ScheduleStatus(row.Status)
		if !cur.CanCancel() {
			return fmt.Errorf("cancel schedule %d (%s): %w", id, cur, domain.ErrInvalidTransition)
		}
		now := s.now()
		res, err := tx.ExecContext(ctx, s.q(`UPDATE schedules SET status = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`),
			string(domain.StatusCancelled), ms(now), id, string(domain.StatusPending), string(domain.StatusFailed))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("cancel schedule %d: %w", id, domain.ErrInvalidTransition)
		}
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE contents SET status = ?, updated_at = ? WHERE id = ?`),
			string(domain.ContentDraft), ms(now), row.ContentID); err != nil {
			return err
		}
		row.Status = string(domain.StatusCancelled)
		row.UpdatedAt = ms(now)
		out = row.toDomain()
		return nil
	})
	return out, err
}

// RunNow makes a pending schedule due immediately.
func (s *sqlStore) RunNow(ctx context.Context, id int64) error {
	now := s.now()
	return s.UpdateSchedule(ctx, id, domain.ScheduleUpdate{
		Expect:      domain.StatusPending,
		ScheduledAt: &now,
	})
}

// ResetStuckTasks returns every running schedule to pending and logs a
// requeued entry for each. It must run before any worker starts; a running
// row at that point was orphaned by a previous process.
func (s *sqlStore) ResetStuckTasks(ctx context.Context) (int64, error) {
	now := s.now()
	var ids []int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.SelectContext(ctx, &ids, s.q(
			`UPDATE schedules SET status = ?, retry_count = retry_count + 1, error_message = ?, updated_at = ?
			 WHERE status = ? RETURNING id`),
			string(domain.StatusPending), domain.StuckMessage, ms(now), string(domain.StatusRunning))
		if err != nil {
			return err
		}
		return s.logRequeuedTx(ctx, tx, ids, domain.StuckMessage, now)
	})
	if err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}

// ResetDailyLimitFailures reopens schedules failed by the daily quota and
// logs a requeued entry for each. Only the newest such schedule per content
// is reopened, and only when the content has no other active schedule.
func (s *sqlStore) ResetDailyLimitFailures(ctx context.Context) (int64, error) {
	now := s.now()
	marker := domain.QuotaMarker + "%"
	var ids []int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.SelectContext(ctx, &ids, s.q(
			`UPDATE schedules
			 SET status = ?, retry_count = 0, error_message = NULL, scheduled_at = ?, updated_at = ?
			 WHERE status = ? AND error_message LIKE ?
			   AND NOT EXISTS (
			       SELECT 1 FROM schedules act
			       WHERE act.content_id = schedules.content_id AND act.status IN (?, ?))
			   AND id = (
			       SELECT MAX(f.id) FROM schedules f
			       WHERE f.content_id = schedules.content_id AND f.status = ? AND f.error_message LIKE ?)
			 RETURNING id`),
			string(domain.StatusPending), ms(now), ms(now),
			string(domain.StatusFailed), marker,
			string(domain.StatusPending), string(domain.StatusRunning),
			string(domain.StatusFailed), marker,
		)
		if err != nil {
			return err
		}
		return s.logRequeuedTx(ctx, tx, ids, domain.ReopenMessage, now)
	})
	if err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}

func (s *sqlStore) logRequeuedTx(ctx context.Context, tx *sqlx.Tx, ids []int64, msg string, at time.Time) error {
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO publish_logs(schedule_id, status, message, created_at) VALUES(?,?,?,?)`),
			id, string(domain.LogRequeued), msg, ms(at)); err != nil {
			return fmt.Errorf("log requeue of schedule %d: %w", id, err)
		}
	}
	return nil
}
