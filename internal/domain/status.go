package domain

type ScheduleStatus string

const (
	StatusPending   ScheduleStatus = "pending"
	StatusRunning   ScheduleStatus = "running"
	StatusCompleted ScheduleStatus = "completed"
	StatusFailed    ScheduleStatus = "failed"
	StatusCancelled ScheduleStatus = "cancelled"
)

func (s ScheduleStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether the schedule still occupies its content.
func (s ScheduleStatus) Active() bool {
	return s == StatusPending || s == StatusRunning
}

// CanCancel reports whether an operator may cancel a schedule in status s.
func (s ScheduleStatus) CanCancel() bool {
	return s == StatusPending || s == StatusFailed
}

// CanTransition reports whether from -> to is a legal schedule transition.
func CanTransition(from, to ScheduleStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusCompleted || to == StatusPending || to == StatusFailed
	case StatusFailed:
		// Quota failures are reopened at the daily boundary.
		return to == StatusPending || to == StatusCancelled
	}
	return false
}
