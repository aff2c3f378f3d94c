package notify

import (
	"context"
	"time"
)

// Config controls operator escalation.
type Config struct {
	Enabled  bool
	ChatID   int64
	ThreadID int

	// RatePerSec and Burst bound outgoing messages. Defaults: 1/s, burst 3.
	RatePerSec int
	Burst      int
	// QueueSize bounds pending messages; overflow is dropped. Default 64.
	QueueSize int
	// RetryMax is the number of resends after a failed send. Default 2.
	RetryMax int
	// DedupWindow suppresses identical messages. Default 10m, < 0 disables.
	DedupWindow time.Duration
}

// Target addresses one chat (and optionally a forum topic).
type Target struct {
	ChatID   int64
	ThreadID int
}

// Sender delivers one text message.
type Sender interface {
	SendText(ctx context.Context, to Target, text string) error
}

type HistoryItem struct {
	At    time.Time `json:"at"`
	Event string    `json:"event"`
	Text  string    `json:"text"`
	Error string    `json:"error,omitempty"`
}

type Snapshot struct {
	Enabled bool          `json:"enabled"`
	Queued  int           `json:"queued"`
	Sent    uint64        `json:"sent"`
	Failed  uint64        `json:"failed"`
	Dropped uint64        `json:"dropped"`
	Deduped uint64        `json:"deduped"`
	History []HistoryItem `json:"history"`
}
