// Package schedule owns class sessions: their status machine, derived instants and the
// operations tutors and admins use to create, move and cancel them.
package schedule

import (
	"time"

	"classroll/internal/apperr"
	"classroll/internal/timewindow"
)

// Status of a session. Transitions only move forward.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusOngoing   Status = "ongoing"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Active reports scheduled or ongoing.
func (s Status) Active() bool {
	return s == StatusScheduled || s == StatusOngoing
}

// CanTransition reports whether from -> to is an allowed move.
func CanTransition(from, to Status) bool {
	switch to {
	case StatusOngoing:
		return from == StatusScheduled
	case StatusCompleted, StatusCancelled:
		return from.Active()
	}
	return false
}

// Recurrence is stored for display only; sessions are never expanded.
type Recurrence string

const (
	RecurrenceNone   Recurrence = "none"
	RecurrenceDaily  Recurrence = "daily"
	RecurrenceWeekly Recurrence = "weekly"
)

const DefaultMaxStudents = 30

var (
	ErrNotFound = apperr.NotFound("session_not_found", "class session not found")
	ErrConflict = apperr.Conflict("schedule_conflict", "schedule conflict detected")
)

// Session is one scheduled class occurrence.
type Session struct {
	ID            string     `json:"id"`
	Subject       string     `json:"subject"`
	Grade         string     `json:"grade"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	ScheduledDate time.Time  `json:"scheduled_date"`
	StartTime     string     `json:"start_time"`
	EndTime       string     `json:"end_time"`
	Room          string     `json:"room,omitempty"`
	MeetingLink   string     `json:"meeting_link,omitempty"`
	StudentIDs    []string   `json:"student_ids"`
	TutorID       string     `json:"tutor_id"`
	CreatedBy     string     `json:"created_by"`
	Recurrence    Recurrence `json:"recurrence"`
	MaxStudents   int        `json:"max_students"`

	timewindow.Windows

	Status         Status `json:"status"`
	AutoMarkAbsent bool   `json:"auto_mark_absent"`
	AutoAssigned   bool   `json:"auto_assigned"`
	// ReminderSent guards the upcoming-class reminder.
	ReminderSent bool `json:"reminder_sent"`
	// RegisterOpenSent guards the register-open notification.
	RegisterOpenSent bool `json:"register_open_sent"`
	// Finalized is set once the check-out close pass has run.
	Finalized bool `json:"finalized"`

	CancelReason string    `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Recompute refreshes the stored instants from the date and HH:MM strings.
func (s *Session) Recompute(loc *time.Location) error {
	w, err := timewindow.Compute(s.ScheduledDate, s.StartTime, s.EndTime, loc)
	if err != nil {
		return err
	}
	s.Windows = w
	return nil
}

// IsCheckInAvailable reports now within [CheckInStart, CheckInEnd].
func (s Session) IsCheckInAvailable(now time.Time) bool {
	return timewindow.IsWithinWindow(now, s.CheckInStart, s.CheckInEnd)
}

// IsCheckOutAvailable reports now within [CheckOutStart, CheckOutEnd].
func (s Session) IsCheckOutAvailable(now time.Time) bool {
	return timewindow.IsWithinWindow(now, s.CheckOutStart, s.CheckOutEnd)
}

// IsCheckInAvailable is the package-level form used by callers holding a session value.
func IsCheckInAvailable(s Session, now time.Time) bool { return s.IsCheckInAvailable(now) }

// IsCheckOutAvailable is the package-level form used by callers holding a session value.
func IsCheckOutAvailable(s Session, now time.Time) bool { return s.IsCheckOutAvailable(now) }

// DueStatus returns the status the lifecycle job would move s to at now, and whether a move
// is due at all.
func (s Session) DueStatus(now time.Time) (Status, bool) {
	switch {
	case s.Status.Terminal():
		return s.Status, false
	case now.After(s.ClassEnd):
		return StatusCompleted, true
	case s.Status == StatusScheduled && timewindow.IsWithinWindow(now, s.ClassStart, s.ClassEnd):
		return StatusOngoing, true
	}
	return s.Status, false
}

// IsEnrolled reports whether studentID is on the session.
func (s Session) IsEnrolled(studentID string) bool {
	for _, id := range s.StudentIDs {
		if id == studentID {
			return true
		}
	}
	return false
}

// Overlaps reports whether s and o share any time.
func (s Session) Overlaps(o Session) bool {
	return s.ClassStart.Before(o.ClassEnd) && o.ClassStart.Before(s.ClassEnd)
}

// SameDay reports whether a and b fall on the same calendar day.
func SameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// DateOnly truncates t to midnight UTC of its calendar day.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
