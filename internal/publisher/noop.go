package publisher

import (
	"context"
	"fmt"
	"time"
)

// Noop reports success without touching any platform.
type Noop struct {
	Delay time.Duration
}

func (n Noop) Publish(ctx context.Context, d Descriptor, progress ProgressFunc) (Result, error) {
	start := time.Now()
	emit(progress, "started", "dry run")
	if n.Delay > 0 {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(n.Delay):
		}
	}
	emit(progress, "publishing", d.Title)
	return Result{
		Success:  true,
		NoteURL:  fmt.Sprintf("noop://schedule/%d", d.ScheduleID),
		Duration: time.Since(start),
	}, nil
}

func emit(progress ProgressFunc, step, msg string) {
	if progress != nil {
		progress(step, msg)
	}
}
