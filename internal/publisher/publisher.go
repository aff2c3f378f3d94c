// Package publisher performs one publish attempt for a claimed schedule.
//
// The browser automation itself lives outside this process. The command
// driver runs it as a child process and speaks a line-oriented JSON
// protocol over stdio; the noop driver is used for dry runs.
package publisher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"autopub/internal/config"
	"autopub/internal/domain"
	logx "autopub/pkg/logx"
)

// Descriptor is everything the automation needs for one note.
type Descriptor struct {
	ScheduleID int64              `json:"schedule_id"`
	AccountID  int64              `json:"account_id"`
	Account    string             `json:"account"`
	CookieRef  string             `json:"cookie_ref,omitempty"`
	Type       domain.ContentType `json:"type"`
	Title      string             `json:"title"`
	Body       string             `json:"body"`
	MediaPaths []string           `json:"media_paths"`
	CoverPath  string             `json:"cover_path,omitempty"`
	Tags       []string           `json:"tags"`
	Location   string             `json:"location,omitempty"`
}

func DescriptorFor(d domain.DueSchedule) Descriptor {
	return Descriptor{
		ScheduleID: d.ID,
		AccountID:  d.AccountID,
		Account:    d.Account.Nickname,
		CookieRef:  d.Account.CookieRef,
		Type:       d.Content.Type,
		Title:      d.Content.Title,
		Body:       d.Content.Body,
		MediaPaths: d.Content.MediaPaths,
		CoverPath:  d.Content.CoverPath,
		Tags:       d.Content.Tags,
		Location:   d.Content.Location,
	}
}

type Result struct {
	Success        bool          `json:"success"`
	Error          string        `json:"error,omitempty"`
	NoteURL        string        `json:"note_url,omitempty"`
	ScreenshotPath string        `json:"screenshot,omitempty"`
	Duration       time.Duration `json:"-"`
}

// ProgressFunc receives raw step names as the automation reports them.
type ProgressFunc func(step, message string)

type Publisher interface {
	Publish(ctx context.Context, d Descriptor, progress ProgressFunc) (Result, error)
}

// Open builds the publisher selected by cfg.Driver.
func Open(cfg config.PublisherConfig, log logx.Logger) (Publisher, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "noop":
		return Noop{}, nil
	case "command":
		return NewCommand(cfg, log)
	default:
		return nil, fmt.Errorf("publisher: unsupported driver %q", cfg.Driver)
	}
}
