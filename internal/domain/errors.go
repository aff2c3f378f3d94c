package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAccountInactive   = errors.New("account is not active")
	ErrInvalidInput      = errors.New("invalid input")
)

// QuotaMarker prefixes the error_message of schedules failed by the daily
// quota. The daily boundary job reopens exactly those rows.
const QuotaMarker = "daily publish limit reached"

// StuckMessage is written on running rows reset at startup.
const StuckMessage = "service restarted while task was running; reset to pending"

// ReopenMessage is logged on quota failures reopened at the daily boundary.
const ReopenMessage = "daily limit reset; reopened after quota failure"

func QuotaMessage(count, limit int) string {
	return fmt.Sprintf("%s (%d/%d)", QuotaMarker, count, limit)
}

func IsQuotaMessage(msg string) bool { return strings.HasPrefix(msg, QuotaMarker) }

type ConflictKind string

const (
	ConflictActiveSchedule ConflictKind = "active_schedule"
	ConflictInterval       ConflictKind = "interval"
)

// ConflictError rejects a schedule creation. ExistingID names the schedule
// that caused it.
type ConflictError struct {
	Kind        ConflictKind
	ExistingID  int64
	MinInterval int // minutes, interval conflicts only
}

func (e *ConflictError) Error() string {
	switch e.Kind {
	case ConflictInterval:
		return fmt.Sprintf("schedule conflict: account already has schedule %d within %d minutes", e.ExistingID, e.MinInterval)
	default:
		return fmt.Sprintf("schedule conflict: content already has active schedule %d", e.ExistingID)
	}
}

// AsConflict unwraps err into a *ConflictError.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
