package notify

import (
	"fmt"
	"time"
)

// Subject describes the session a message refers to.
type Subject struct {
	SessionID string
	Title     string
	Subject   string
	Room      string
	Date      time.Time
	StartTime string
	EndTime   string
}

func (s Subject) name() string {
	if s.Title != "" {
		return s.Title
	}
	return s.Subject
}

func (s Subject) data() map[string]string {
	d := map[string]string{
		"session_id": s.SessionID,
		"date":       s.Date.Format("2006-01-02"),
		"start_time": s.StartTime,
		"end_time":   s.EndTime,
	}
	if s.Room != "" {
		d["room"] = s.Room
	}
	return d
}

// ClassScheduled tells an enrolled student about a new session.
func ClassScheduled(studentID string, s Subject) Notification {
	return Notification{
		RecipientID:   studentID,
		RecipientType: RecipientStudent,
		Type:          TypeClassScheduled,
		Title:         "New class scheduled",
		Body: fmt.Sprintf("%s has been scheduled for %s at %s.",
			s.name(), s.Date.Format("Mon 2 Jan"), s.StartTime),
		SessionID: s.SessionID,
		Data:      s.data(),
		Priority:  PriorityNormal,
	}
}

// ClassReminder warns a student that class starts soon.
func ClassReminder(studentID string, s Subject, minutes int) Notification {
	d := s.data()
	d["minutes_until_start"] = fmt.Sprintf("%d", minutes)
	body := fmt.Sprintf("%s starts in %d minutes.", s.name(), minutes)
	if s.Room != "" {
		body = fmt.Sprintf("%s starts in %d minutes in %s.", s.name(), minutes, s.Room)
	}
	return Notification{
		RecipientID:   studentID,
		RecipientType: RecipientStudent,
		Type:          TypeClassReminder,
		Title:         "Class starting soon",
		Body:          body,
		SessionID:     s.SessionID,
		Data:          d,
		Priority:      PriorityNormal,
	}
}

// RegisterOpen tells a student the check-in window is open.
func RegisterOpen(studentID string, s Subject, closesAt time.Time) Notification {
	d := s.data()
	d["closes_at"] = closesAt.UTC().Format(time.RFC3339)
	return Notification{
		RecipientID:   studentID,
		RecipientType: RecipientStudent,
		Type:          TypeCheckInAvailable,
		Title:         "Register is open",
		Body:          fmt.Sprintf("You can now sign the register for %s.", s.name()),
		SessionID:     s.SessionID,
		Data:          d,
		Priority:      PriorityHigh,
	}
}

// AbsenceAlert tells a student they were marked absent.
func AbsenceAlert(studentID string, s Subject) Notification {
	return Notification{
		RecipientID:   studentID,
		RecipientType: RecipientStudent,
		Type:          TypeAttendanceAlert,
		Title:         "Marked absent",
		Body: fmt.Sprintf("You were marked absent for %s on %s. Contact your tutor if this is wrong.",
			s.name(), s.Date.Format("Mon 2 Jan")),
		SessionID: s.SessionID,
		Data:      s.data(),
		Priority:  PriorityHigh,
	}
}

// AttendanceConfirmed acknowledges a successful check-in.
func AttendanceConfirmed(studentID string, s Subject, at time.Time) Notification {
	d := s.data()
	d["checked_in_at"] = at.UTC().Format(time.RFC3339)
	return Notification{
		RecipientID:   studentID,
		RecipientType: RecipientStudent,
		Type:          TypeAttendanceConfirmation,
		Title:         "Attendance recorded",
		Body:          fmt.Sprintf("You are signed in for %s.", s.name()),
		SessionID:     s.SessionID,
		Data:          d,
		Priority:      PriorityLow,
	}
}

// Child names the student a guardian message is about.
type Child struct {
	ID   string
	Name string
}

func (c Child) name() string {
	if c.Name != "" {
		return c.Name
	}
	return "Your child"
}

// GuardianAbsenceAlert tells a parent their child did not sign the register.
func GuardianAbsenceAlert(guardianID string, child Child, s Subject) Notification {
	d := s.data()
	d["student_id"] = child.ID
	return Notification{
		RecipientID:   guardianID,
		RecipientType: RecipientParent,
		Type:          TypeAttendanceAlert,
		Title:         "Absent alert",
		Body: fmt.Sprintf("%s did not sign the register for %s (%s).",
			child.name(), s.name(), s.StartTime),
		SessionID: s.SessionID,
		Data:      d,
		Priority:  PriorityHigh,
	}
}

// GuardianCheckIn tells a parent their child checked in.
func GuardianCheckIn(guardianID string, child Child, s Subject, at time.Time) Notification {
	d := s.data()
	d["student_id"] = child.ID
	d["checked_in_at"] = at.UTC().Format(time.RFC3339)
	return Notification{
		RecipientID:   guardianID,
		RecipientType: RecipientParent,
		Type:          TypeAttendanceConfirmation,
		Title:         "Safe at school",
		Body:          fmt.Sprintf("%s checked in for %s.", child.name(), s.name()),
		SessionID:     s.SessionID,
		Data:          d,
		Priority:      PriorityHigh,
	}
}
