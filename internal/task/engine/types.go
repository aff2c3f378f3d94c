package engine

import (
	"context"
	"time"
)

// Config controls the execution queue.
type Config struct {
	// Workers is the maximum number of units running at once.
	Workers int

	// DefaultTimeout is used when Task.Timeout is 0. 0 means no timeout.
	DefaultTimeout time.Duration

	HistorySize int
}

// Task is a unit of work executed by the engine.
//
// Units sharing a non-empty ConcurrencyKey run at most ConcurrencyLimit at a
// time. A limit <= 0 leaves the key unrestricted.
type Task struct {
	ID               string
	Name             string
	Timeout          time.Duration
	ConcurrencyKey   string
	ConcurrencyLimit int
	Run              func(ctx context.Context) error
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Key        string        `json:"key,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Workers int `json:"workers"`
	Pending int `json:"pending"`
	Running int `json:"running"`

	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Panics    uint64 `json:"panics"`
	Abandoned uint64 `json:"abandoned"`

	DefaultTimeout time.Duration `json:"default_timeout"`
	History        []HistoryItem `json:"history"`
}
