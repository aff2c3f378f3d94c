package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"autopub/internal/domain"
)

func (s *sqlStore) CreateAccount(ctx context.Context, a domain.Account) (int64, error) {
	if strings.TrimSpace(a.Nickname) == "" {
		return 0, errors.New("account nickname is required")
	}
	if a.Status == "" {
		a.Status = domain.AccountPending
	}
	now := ms(s.now())
	var id int64
	err := s.db.GetContext(ctx, &id, s.q(
		`INSERT INTO accounts(nickname, status, daily_count, last_publish_date, cookie_ref, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?) RETURNING id`),
		a.Nickname, string(a.Status), a.DailyCount, nullStr(a.LastPublishDate), nullStr(a.CookieRef), now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("insert account: %w", err)
	}
	return id, nil
}

func (s *sqlStore) GetAccount(ctx context.Context, id int64) (domain.Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+accountCols+` FROM accounts WHERE id = ?`), id)
	if err != nil {
		return domain.Account{}, notFound(err, "account", id)
	}
	return row.toDomain(), nil
}

func (s *sqlStore) UpdateAccountStatus(ctx context.Context, id int64, status domain.AccountStatus) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE accounts SET status = ?, updated_at = ? WHERE id = ?`),
		string(status), ms(s.now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// IncrementDailyCount records one successful publish on day. A counter that
// belongs to an earlier day restarts at 1.
func (s *sqlStore) IncrementDailyCount(ctx context.Context, accountID int64, day string) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE accounts
		 SET daily_count = CASE WHEN last_publish_date = ? THEN daily_count + 1 ELSE 1 END,
		     last_publish_date = ?, updated_at = ?
		 WHERE id = ?`),
		day, day, ms(s.now()), accountID,
	)
	return err
}

// GetDailyPublishCount recounts schedules the account completed during
// day's calendar day (in day's location).
func (s *sqlStore) GetDailyPublishCount(ctx context.Context, accountID int64, day time.Time) (int, error) {
	start, end := domain.DayBounds(day)
	var n int
	err := s.db.GetContext(ctx, &n, s.q(
		`SELECT COUNT(*) FROM schedules
		 WHERE account_id = ? AND status = ? AND completed_at >= ? AND completed_at < ?`),
		accountID, string(domain.StatusCompleted), ms(start), ms(end),
	)
	return n, err
}

func (s *sqlStore) ResetDailyCount(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE accounts SET daily_count = 0, updated_at = ? WHERE daily_count <> 0`), ms(s.now()))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
