// Package planner is the operator-facing side of the job store: it creates
// contents and schedules, and cancels or expedites pending work. Every
// schedule mutation leaves an entry in the execution log.
package planner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/h2non/filetype"

	"autopub/internal/domain"
	"autopub/internal/eventbus"
	"autopub/internal/policy"
	logx "autopub/pkg/logx"
)

// Store is the slice of storage.Store the planner needs.
type Store interface {
	CreateContent(ctx context.Context, c domain.Content) (id int64, created bool, err error)
	CreateSchedule(ctx context.Context, s domain.Schedule, minInterval time.Duration) (int64, error)
	GetSchedule(ctx context.Context, id int64) (domain.Schedule, error)
	CancelSchedule(ctx context.Context, id int64) (domain.Schedule, error)
	RunNow(ctx context.Context, id int64) error
	AppendLog(ctx context.Context, e domain.LogEntry) (int64, error)
}

type Planner struct {
	store  Store
	policy *policy.Live
	bus    eventbus.Bus
	log    logx.Logger
}

func New(store Store, pol *policy.Live, bus eventbus.Bus, log logx.Logger) *Planner {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Planner{store: store, policy: pol, bus: bus, log: log.Component("planner")}
}

// ContentInput is a content creation request.
type ContentInput struct {
	Title      string             `json:"title"`
	Body       string             `json:"body"`
	Type       domain.ContentType `json:"type,omitempty"`
	MediaPaths []string           `json:"media_paths"`
	CoverPath  string             `json:"cover_path,omitempty"`
	Tags       []string           `json:"tags"`
	Location   string             `json:"location,omitempty"`
}

// CreateContent stores a draft content. A content with the same title is
// reused and reported with created=false. When Type is empty it is sniffed
// from the first media file.
func (p *Planner) CreateContent(ctx context.Context, in ContentInput) (id int64, created bool, err error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return 0, false, fmt.Errorf("%w: title is required", domain.ErrInvalidInput)
	}
	typ := in.Type
	switch typ {
	case "":
		typ = p.sniffType(in.MediaPaths)
	case domain.ContentImage, domain.ContentVideo:
	default:
		return 0, false, fmt.Errorf("%w: unknown content type %q", domain.ErrInvalidInput, typ)
	}

	id, created, err = p.store.CreateContent(ctx, domain.Content{
		Title:      title,
		Body:       in.Body,
		Type:       typ,
		MediaPaths: in.MediaPaths,
		CoverPath:  in.CoverPath,
		Tags:       in.Tags,
		Location:   in.Location,
		Status:     domain.ContentDraft,
	})
	if err != nil {
		return 0, false, err
	}
	if created {
		p.log.Info("content created", logx.Int64("content_id", id), logx.String("title", title), logx.String("type", string(typ)))
	} else {
		p.log.Debug("content exists; reusing", logx.Int64("content_id", id), logx.String("title", title))
	}
	return id, created, nil
}

func (p *Planner) sniffType(media []string) domain.ContentType {
	if len(media) == 0 {
		return domain.ContentImage
	}
	kind, err := filetype.MatchFile(media[0])
	if err != nil {
		p.log.Debug("media type sniff failed", logx.String("path", media[0]), logx.Err(err))
		return domain.ContentImage
	}
	if kind.MIME.Type == "video" {
		return domain.ContentVideo
	}
	return domain.ContentImage
}

// CreateSchedule queues content for account at the given time. Conflicts are
// returned as *domain.ConflictError.
func (p *Planner) CreateSchedule(ctx context.Context, contentID, accountID int64, at time.Time) (int64, error) {
	if at.IsZero() {
		return 0, fmt.Errorf("%w: scheduled_at is required", domain.ErrInvalidInput)
	}
	pol := p.policy.Get()
	id, err := p.store.CreateSchedule(ctx, domain.Schedule{
		ContentID:   contentID,
		AccountID:   accountID,
		ScheduledAt: at,
	}, pol.MinInterval)
	if err != nil {
		if ce, ok := domain.AsConflict(err); ok {
			p.log.Info("schedule rejected", logx.Int64("content_id", contentID), logx.Int64("account_id", accountID),
				logx.String("kind", string(ce.Kind)), logx.Int64("existing_id", ce.ExistingID))
		}
		return 0, err
	}

	p.appendLog(ctx, id, domain.LogQueued, "scheduled for "+at.Format(time.RFC3339))
	p.log.Info("schedule created", logx.Int64("schedule_id", id), logx.Int64("content_id", contentID),
		logx.Int64("account_id", accountID), logx.Time("at", at))
	return id, nil
}

// Cancel cancels a pending or failed schedule.
func (p *Planner) Cancel(ctx context.Context, id int64) (domain.Schedule, error) {
	s, err := p.store.CancelSchedule(ctx, id)
	if err != nil {
		return domain.Schedule{}, err
	}
	p.appendLog(ctx, id, domain.LogCancelled, "cancelled by operator")
	p.log.Info("schedule cancelled", logx.Int64("schedule_id", id))
	p.bus.Publish(eventbus.Event{Type: eventbus.ScheduleCancelled, Data: eventbus.ScheduleData{
		ScheduleID: s.ID,
		ContentID:  s.ContentID,
		AccountID:  s.AccountID,
		RetryCount: s.RetryCount,
	}})
	return s, nil
}

// RunNow makes a pending schedule due at the next tick.
func (p *Planner) RunNow(ctx context.Context, id int64) (domain.Schedule, error) {
	if err := p.store.RunNow(ctx, id); err != nil {
		return domain.Schedule{}, err
	}
	s, err := p.store.GetSchedule(ctx, id)
	if err != nil {
		return domain.Schedule{}, err
	}
	p.appendLog(ctx, id, domain.LogRequeued, "run now requested by operator")
	p.log.Info("schedule expedited", logx.Int64("schedule_id", id))
	p.bus.Publish(eventbus.Event{Type: eventbus.ScheduleRequeued, Data: eventbus.ScheduleData{
		ScheduleID: s.ID,
		ContentID:  s.ContentID,
		AccountID:  s.AccountID,
		RetryCount: s.RetryCount,
	}})
	return s, nil
}

// appendLog is best effort; the mutation has already committed.
func (p *Planner) appendLog(ctx context.Context, id int64, st domain.LogStatus, msg string) {
	if _, err := p.store.AppendLog(context.WithoutCancel(ctx), domain.LogEntry{ScheduleID: id, Status: st, Message: msg}); err != nil {
		p.log.Warn("append log failed", logx.Int64("schedule_id", id), logx.String("status", string(st)), logx.Err(err))
	}
}
