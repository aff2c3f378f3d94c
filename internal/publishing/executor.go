// Package publishing runs one claimed publish attempt end to end: claim,
// quota check, publisher call, and the resulting state transition.
package publishing

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"autopub/internal/artifacts"
	"autopub/internal/domain"
	"autopub/internal/eventbus"
	"autopub/internal/policy"
	"autopub/internal/publisher"
	"autopub/internal/storage"
	logx "autopub/pkg/logx"
)

// Store is the slice of storage.Store the executor needs.
type Store interface {
	Claim(ctx context.Context, id int64) (bool, error)
	GetSchedule(ctx context.Context, id int64) (domain.Schedule, error)
	GetAccount(ctx context.Context, id int64) (domain.Account, error)
	GetDailyPublishCount(ctx context.Context, accountID int64, day time.Time) (int, error)
	UpdateSchedule(ctx context.Context, id int64, u domain.ScheduleUpdate) error
	UpdateContentStatus(ctx context.Context, id int64, status domain.ContentStatus) error
	Complete(ctx context.Context, p storage.CompleteParams) error
	AppendLog(ctx context.Context, e domain.LogEntry) (int64, error)
	GetSetting(ctx context.Context, key string) (string, bool, error)
}

type Executor struct {
	store    Store
	pub      publisher.Publisher
	policy   *policy.Live
	uploader artifacts.Uploader
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time
}

type Option func(*Executor)

func WithUploader(u artifacts.Uploader) Option { return func(e *Executor) { e.uploader = u } }

func WithBus(b eventbus.Bus) Option { return func(e *Executor) { e.bus = b } }

func WithClock(now func() time.Time) Option { return func(e *Executor) { e.now = now } }

func New(store Store, pub publisher.Publisher, pol *policy.Live, log logx.Logger, opts ...Option) *Executor {
	e := &Executor{
		store:  store,
		pub:    pub,
		policy: pol,
		bus:    eventbus.Nop{},
		log:    log.Component("executor"),
		now:    time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// attempt carries the state of one Execute call.
type attempt struct {
	due      domain.DueSchedule
	sched    domain.Schedule
	policy   policy.Policy
	log      logx.Logger
	finished bool
}

// Execute claims due and carries the attempt to a terminal outcome for this
// run. A lost claim returns nil without writing anything. Publish failures
// are recorded on the schedule and are not returned as errors; only store
// failures are.
func (e *Executor) Execute(ctx context.Context, due domain.DueSchedule) (err error) {
	a := &attempt{
		due:    due,
		sched:  due.Schedule,
		policy: e.policy.Get(),
		log:    e.log.With(logx.Int64("schedule_id", due.ID), logx.Int64("account_id", due.AccountID)),
	}
	claimed := false
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		a.log.Error("publish attempt panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		err = fmt.Errorf("schedule %d: panic: %v", due.ID, r)
		if claimed && !a.finished {
			if ferr := e.fail(context.WithoutCancel(ctx), a, fmt.Sprintf("panic: %v", r)); ferr != nil {
				err = errors.Join(err, ferr)
			}
		}
	}()

	ok, err := e.store.Claim(ctx, due.ID)
	if err != nil {
		return fmt.Errorf("claim schedule %d: %w", due.ID, err)
	}
	if !ok {
		a.log.Debug("claim lost")
		return nil
	}
	claimed = true

	if fresh, err := e.store.GetSchedule(ctx, due.ID); err == nil {
		a.sched = fresh
	} else {
		a.log.Warn("re-read after claim failed; using discovered row", logx.Err(err))
	}
	e.emit(eventbus.ScheduleClaimed, a, "")

	now := e.now()
	count, limit := e.quota(ctx, a, now)
	if policy.QuotaExceeded(count, limit) {
		return e.quotaFail(ctx, a, count, limit)
	}

	e.appendLog(ctx, a, domain.LogEntry{Status: domain.LogStarted, Message: "publish started"})
	a.log.Info("publishing", logx.String("title", due.Content.Title), logx.String("account", due.Account.Nickname))

	res, perr := e.pub.Publish(ctx, publisher.DescriptorFor(due), func(step, msg string) {
		st := domain.ParseStep(step)
		e.appendLog(ctx, a, domain.LogEntry{Status: st.Status, Message: st.Message(msg)})
	})

	// Bookkeeping must land even if the unit's deadline fired.
	wctx := context.WithoutCancel(ctx)
	switch {
	case perr != nil:
		return e.fail(wctx, a, perr.Error())
	case !res.Success:
		msg := res.Error
		if msg == "" {
			msg = "publish failed"
		}
		return e.fail(wctx, a, msg)
	default:
		return e.succeed(wctx, a, res)
	}
}

// quota returns today's publish count for the account and the limit in
// force. The count is the larger of the recount and the cached counter.
func (e *Executor) quota(ctx context.Context, a *attempt, now time.Time) (count, limit int) {
	acct := a.due.Account
	if fresh, err := e.store.GetAccount(ctx, a.due.AccountID); err == nil {
		acct = fresh
	} else {
		a.log.Warn("account re-read failed", logx.Err(err))
	}
	recount, err := e.store.GetDailyPublishCount(ctx, a.due.AccountID, now)
	if err != nil {
		a.log.Warn("daily recount failed; using cached counter", logx.Err(err))
	}
	count = max(recount, acct.CountFor(domain.DayKey(now)))

	limit, err = a.policy.EffectiveLimit(ctx, e.store)
	if err != nil {
		a.log.Warn("daily_limit setting unreadable; using config", logx.Err(err))
	}
	return count, limit
}

func (e *Executor) quotaFail(ctx context.Context, a *attempt, count, limit int) error {
	msg := domain.QuotaMessage(count, limit)
	failed := domain.StatusFailed
	if err := e.store.UpdateSchedule(ctx, a.due.ID, domain.ScheduleUpdate{
		Expect:       domain.StatusRunning,
		Status:       &failed,
		ErrorMessage: &msg,
	}); err != nil {
		return fmt.Errorf("record quota failure for schedule %d: %w", a.due.ID, err)
	}
	a.finished = true
	e.appendLog(ctx, a, domain.LogEntry{Status: domain.LogFailed, Message: msg})
	a.log.Warn("daily limit reached", logx.Int("count", count), logx.Int("limit", limit))
	e.emit(eventbus.QuotaExceeded, a, msg)
	return nil
}

func (e *Executor) succeed(ctx context.Context, a *attempt, res publisher.Result) error {
	at := e.now()
	if err := e.store.Complete(ctx, storage.CompleteParams{
		ScheduleID: a.due.ID,
		ContentID:  a.due.ContentID,
		AccountID:  a.due.AccountID,
		At:         at,
	}); err != nil {
		return fmt.Errorf("complete schedule %d: %w", a.due.ID, err)
	}
	a.finished = true

	shot := res.ScreenshotPath
	if e.uploader != nil && shot != "" {
		if url, err := e.uploader.Upload(ctx, a.due.ID, shot); err == nil {
			shot = url
		} else {
			a.log.Warn("screenshot upload failed", logx.Err(err))
		}
	}
	e.appendLog(ctx, a, domain.LogEntry{
		Status:     domain.LogSuccess,
		Message:    "published",
		NoteURL:    res.NoteURL,
		Screenshot: shot,
		DurationMS: res.Duration.Milliseconds(),
	})
	a.log.Info("published", logx.String("note_url", res.NoteURL), logx.Duration("took", res.Duration))
	d := e.data(a, "")
	d.NoteURL = res.NoteURL
	e.bus.Publish(eventbus.Event{Type: eventbus.ScheduleCompleted, Data: d})
	return nil
}

// fail records a failed attempt: requeue while retries remain, else mark
// the schedule and its content failed.
func (e *Executor) fail(ctx context.Context, a *attempt, reason string) error {
	next, exhausted := a.policy.NextRetry(a.sched.RetryCount)
	status := domain.StatusPending
	if exhausted {
		status = domain.StatusFailed
	}
	if err := e.store.UpdateSchedule(ctx, a.due.ID, domain.ScheduleUpdate{
		Expect:       domain.StatusRunning,
		Status:       &status,
		RetryCount:   &next,
		ErrorMessage: &reason,
	}); err != nil {
		return fmt.Errorf("record failure for schedule %d: %w", a.due.ID, err)
	}
	a.finished = true
	a.sched.RetryCount = next

	if !exhausted {
		msg := fmt.Sprintf("publish failed, will retry (%d/%d): %s", next, a.policy.MaxRetries, reason)
		e.appendLog(ctx, a, domain.LogEntry{Status: domain.LogFailed, Message: msg})
		a.log.Warn("publish failed; requeued", logx.Int("retry", next), logx.Int("max_retries", a.policy.MaxRetries), logx.String("reason", reason))
		e.emit(eventbus.ScheduleRequeued, a, reason)
		return nil
	}

	if err := e.store.UpdateContentStatus(ctx, a.due.ContentID, domain.ContentFailed); err != nil {
		a.log.Warn("content status update failed", logx.Err(err))
	}
	msg := fmt.Sprintf("publish failed, retries exhausted: %s", reason)
	e.appendLog(ctx, a, domain.LogEntry{Status: domain.LogFailed, Message: msg})
	a.log.Error("publish failed; retries exhausted", logx.Int("retries", next), logx.String("reason", reason))
	e.emit(eventbus.ScheduleFailed, a, reason)
	return nil
}

func (e *Executor) appendLog(ctx context.Context, a *attempt, entry domain.LogEntry) {
	entry.ScheduleID = a.due.ID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = e.now()
	}
	if _, err := e.store.AppendLog(ctx, entry); err != nil {
		a.log.Warn("append log failed", logx.String("status", string(entry.Status)), logx.Err(err))
	}
}

func (e *Executor) data(a *attempt, reason string) eventbus.ScheduleData {
	return eventbus.ScheduleData{
		ScheduleID: a.due.ID,
		ContentID:  a.due.ContentID,
		AccountID:  a.due.AccountID,
		Title:      a.due.Content.Title,
		Account:    a.due.Account.Nickname,
		RetryCount: a.sched.RetryCount,
		MaxRetries: a.policy.MaxRetries,
		Error:      reason,
	}
}

func (e *Executor) emit(typ string, a *attempt, reason string) {
	e.bus.Publish(eventbus.Event{Type: typ, Time: e.now(), Data: e.data(a, reason)})
}
