package schedule

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"classroll/internal/apperr"
	"classroll/internal/auth"
	"classroll/internal/clock"
	"classroll/internal/notify"
	"classroll/internal/timewindow"
	"classroll/internal/validation"
)

// Repository persists sessions. Conditional methods report whether a row changed.
type Repository interface {
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	// RescheduleSession saves new date/time, instants and reset flags while the stored
	// session is still scheduled.
	RescheduleSession(ctx context.Context, s Session) (bool, error)
	// CancelSession moves a scheduled or ongoing session to cancelled.
	CancelSession(ctx context.Context, id, reason string, at time.Time) (bool, error)
	// TutorSessionsOn lists the tutor's scheduled and ongoing sessions on date's calendar day.
	TutorSessionsOn(ctx context.Context, tutorID string, date time.Time) ([]Session, error)
	// SessionsForStudent lists scheduled and ongoing sessions with ClassStart in [from, to].
	SessionsForStudent(ctx context.Context, studentID string, from, to time.Time) ([]Session, error)
}

// Seeder pre-creates absent attendance records for the enrolled students.
type Seeder interface {
	SeedAbsent(ctx context.Context, sessionID string, studentIDs []string, at time.Time) error
}

// NewSession is the input for CreateSession.
type NewSession struct {
	Subject        string     `json:"subject" validate:"required,subject"`
	Grade          string     `json:"grade" validate:"required,grade"`
	Title          string     `json:"title" validate:"required,max=200"`
	Description    string     `json:"description" validate:"max=2000"`
	ScheduledDate  string     `json:"scheduled_date" validate:"required,datetime=2006-01-02"`
	StartTime      string     `json:"start_time" validate:"required,clock"`
	EndTime        string     `json:"end_time" validate:"required,clock"`
	Room           string     `json:"room" validate:"max=100"`
	MeetingLink    string     `json:"meeting_link" validate:"omitempty,url"`
	StudentIDs     []string   `json:"student_ids" validate:"unique,dive,required"`
	TutorID        string     `json:"tutor_id"`
	Recurrence     Recurrence `json:"recurrence" validate:"omitempty,oneof=none daily weekly"`
	MaxStudents    int        `json:"max_students" validate:"omitempty,min=1,max=500"`
	AutoMarkAbsent *bool      `json:"auto_mark_absent"`
	AutoAssigned   bool       `json:"auto_assigned"`
}

// Reschedule is the input for UpdateSessionTime.
type Reschedule struct {
	ScheduledDate string `json:"scheduled_date" validate:"required,datetime=2006-01-02"`
	StartTime     string `json:"start_time" validate:"required,clock"`
	EndTime       string `json:"end_time" validate:"required,clock"`
}

// Service implements session operations.
type Service struct {
	repo   Repository
	seeder Seeder
	sink   notify.Sink
	clock  clock.Clock
	loc    *time.Location
	log    zerolog.Logger
}

func NewService(repo Repository, seeder Seeder, sink notify.Sink, clk clock.Clock, loc *time.Location, log zerolog.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{repo: repo, seeder: seeder, sink: sink, clock: clk, loc: loc, log: log}
}

// Location is the school timezone used to place HH:MM times.
func (s *Service) Location() *time.Location { return s.loc }

// CreateSession validates, persists and announces a new session.
func (s *Service) CreateSession(ctx context.Context, p auth.Principal, in NewSession) (Session, error) {
	if err := p.Require(auth.RoleAdmin, auth.RoleTutor); err != nil {
		return Session{}, err
	}
	if err := validation.Struct(in); err != nil {
		return Session{}, err
	}

	tutorID := strings.TrimSpace(in.TutorID)
	switch {
	case p.Role == auth.RoleTutor && tutorID == "":
		tutorID = p.UserID
	case p.Role == auth.RoleTutor && tutorID != p.UserID:
		return Session{}, apperr.Forbidden("not_owner", "tutors can only schedule their own classes")
	case tutorID == "":
		return Session{}, apperr.Validation("invalid_input", "tutor_id: is required",
			apperr.FieldError{Field: "tutor_id", Message: "is required"})
	}

	maxStudents := in.MaxStudents
	if maxStudents == 0 {
		maxStudents = DefaultMaxStudents
	}
	if len(in.StudentIDs) > maxStudents {
		return Session{}, apperr.Validation("capacity_exceeded",
			fmt.Sprintf("cannot enroll %d students; capacity is %d", len(in.StudentIDs), maxStudents),
			apperr.FieldError{Field: "student_ids", Message: fmt.Sprintf("must contain at most %d entries", maxStudents)})
	}
	recurrence := in.Recurrence
	if recurrence == "" {
		recurrence = RecurrenceNone
	}
	autoMark := true
	if in.AutoMarkAbsent != nil {
		autoMark = *in.AutoMarkAbsent
	}

	now := s.clock.Now()
	sess := Session{
		ID:             uuid.NewString(),
		Subject:        in.Subject,
		Grade:          in.Grade,
		Title:          strings.TrimSpace(in.Title),
		Description:    strings.TrimSpace(in.Description),
		StartTime:      in.StartTime,
		EndTime:        in.EndTime,
		Room:           strings.TrimSpace(in.Room),
		MeetingLink:    strings.TrimSpace(in.MeetingLink),
		StudentIDs:     append([]string(nil), in.StudentIDs...),
		TutorID:        tutorID,
		CreatedBy:      p.UserID,
		Recurrence:     recurrence,
		MaxStudents:    maxStudents,
		Status:         StatusScheduled,
		AutoMarkAbsent: autoMark,
		AutoAssigned:   in.AutoAssigned,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.place(ctx, &sess, in.ScheduledDate, now); err != nil {
		return Session{}, err
	}

	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return Session{}, apperr.Transient(err, "create session")
	}
	s.log.Info().
		Str("session_id", sess.ID).
		Str("tutor_id", sess.TutorID).
		Time("class_start", sess.ClassStart).
		Int("students", len(sess.StudentIDs)).
		Msg("session created")

	if len(sess.StudentIDs) > 0 {
		if err := s.seeder.SeedAbsent(ctx, sess.ID, sess.StudentIDs, now); err != nil {
			s.log.Error().Err(err).Str("session_id", sess.ID).Msg("seeding attendance records failed")
		}
		batch := make([]notify.Notification, 0, len(sess.StudentIDs))
		for _, id := range sess.StudentIDs {
			batch = append(batch, notify.ClassScheduled(id, Describe(sess)))
		}
		if err := s.sink.SendBatch(ctx, batch); err != nil {
			s.log.Warn().Err(err).Str("session_id", sess.ID).Msg("class scheduled notifications failed")
		}
	}
	return sess, nil
}

// UpdateSessionTime moves a session to a new date and time. Its notification guards are
// re-armed; the auto-absence setting is kept as stored.
func (s *Service) UpdateSessionTime(ctx context.Context, p auth.Principal, id string, in Reschedule) (Session, error) {
	if err := validation.Struct(in); err != nil {
		return Session{}, err
	}
	sess, err := s.owned(ctx, p, id)
	if err != nil {
		return Session{}, err
	}
	if sess.Status != StatusScheduled {
		return Session{}, apperr.Conflict("session_closed",
			fmt.Sprintf("cannot reschedule a %s class", sess.Status))
	}

	now := s.clock.Now()
	sess.StartTime = in.StartTime
	sess.EndTime = in.EndTime
	if err := s.place(ctx, &sess, in.ScheduledDate, now); err != nil {
		return Session{}, err
	}
	sess.ReminderSent = false
	sess.RegisterOpenSent = false
	sess.Finalized = false
	sess.UpdatedAt = now

	ok, err := s.repo.RescheduleSession(ctx, sess)
	if err != nil {
		return Session{}, apperr.Transient(err, "reschedule session")
	}
	if !ok {
		return Session{}, apperr.Conflict("session_closed", "class was closed before it could be rescheduled")
	}
	s.log.Info().Str("session_id", sess.ID).Time("class_start", sess.ClassStart).Msg("session rescheduled")
	return sess, nil
}

// CancelSession marks a session cancelled. Completed sessions cannot be cancelled.
func (s *Service) CancelSession(ctx context.Context, p auth.Principal, id, reason string) (Session, error) {
	sess, err := s.owned(ctx, p, id)
	if err != nil {
		return Session{}, err
	}
	switch sess.Status {
	case StatusCancelled:
		return Session{}, apperr.Conflict("already_cancelled", "class is already cancelled")
	case StatusCompleted:
		return Session{}, apperr.Conflict("session_completed", "cannot cancel a completed class")
	}

	now := s.clock.Now()
	reason = strings.TrimSpace(reason)
	ok, err := s.repo.CancelSession(ctx, id, reason, now)
	if err != nil {
		return Session{}, apperr.Transient(err, "cancel session")
	}
	if !ok {
		return Session{}, apperr.Conflict("session_closed", "class was closed before it could be cancelled")
	}
	sess.Status = StatusCancelled
	sess.CancelReason = reason
	sess.UpdatedAt = now
	s.log.Info().Str("session_id", id).Str("by", p.UserID).Msg("session cancelled")
	return sess, nil
}

// Get returns a session by id.
func (s *Service) Get(ctx context.Context, id string) (Session, error) {
	sess, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return Session{}, storeErr(err, "get session")
	}
	return sess, nil
}

// ListForStudent returns the student's upcoming sessions between from and to. Students may
// only read their own timetable.
func (s *Service) ListForStudent(ctx context.Context, p auth.Principal, studentID string, from, to time.Time) ([]Session, error) {
	if err := p.Require(auth.RoleAdmin, auth.RoleTutor, auth.RoleStudent); err != nil {
		return nil, err
	}
	if p.Role == auth.RoleStudent && p.UserID != studentID {
		return nil, apperr.Forbidden("not_owner", "access denied")
	}
	if to.Before(from) {
		return nil, apperr.Validation("invalid_range", "to must not be before from")
	}
	out, err := s.repo.SessionsForStudent(ctx, studentID, from, to)
	if err != nil {
		return nil, apperr.Transient(err, "list sessions")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClassStart.Before(out[j].ClassStart) })
	return out, nil
}

// owned loads a session the principal may modify.
func (s *Service) owned(ctx context.Context, p auth.Principal, id string) (Session, error) {
	if err := p.Require(auth.RoleAdmin, auth.RoleTutor); err != nil {
		return Session{}, err
	}
	sess, err := s.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if p.Role == auth.RoleTutor && sess.TutorID != p.UserID {
		return Session{}, apperr.Forbidden("not_owner", "you can only modify your own classes")
	}
	return sess, nil
}

// place sets the date, validates duration, computes instants and checks for tutor clashes.
func (s *Service) place(ctx context.Context, sess *Session, date string, now time.Time) error {
	if err := timewindow.ValidateDuration(sess.StartTime, sess.EndTime); err != nil {
		return err
	}
	d, err := time.Parse("2006-01-02", date)
	if err != nil {
		return apperr.Validation("invalid_date", "scheduled_date must be YYYY-MM-DD",
			apperr.FieldError{Field: "scheduled_date", Message: "must be YYYY-MM-DD"})
	}
	if d.Before(DateOnly(now.In(s.loc))) {
		return apperr.Validation("date_in_past", "cannot schedule classes in the past",
			apperr.FieldError{Field: "scheduled_date", Message: "must not be in the past"})
	}
	sess.ScheduledDate = d
	if err := sess.Recompute(s.loc); err != nil {
		return err
	}

	existing, err := s.repo.TutorSessionsOn(ctx, sess.TutorID, d)
	if err != nil {
		return apperr.Transient(err, "check schedule conflicts")
	}
	for _, o := range existing {
		if o.ID == sess.ID || !o.Status.Active() {
			continue
		}
		if sess.Overlaps(o) {
			return &apperr.Error{
				Kind: apperr.KindConflict,
				Code: ErrConflict.Code,
				Message: fmt.Sprintf("schedule conflict with %q on %s %s-%s",
					o.Title, o.ScheduledDate.Format("2006-01-02"), o.StartTime, o.EndTime),
			}
		}
	}
	return nil
}

// Describe builds the notification subject for a session.
func Describe(s Session) notify.Subject {
	return notify.Subject{
		SessionID: s.ID,
		Title:     s.Title,
		Subject:   s.Subject,
		Room:      s.Room,
		Date:      s.ScheduledDate,
		StartTime: s.StartTime,
		EndTime:   s.EndTime,
	}
}

func storeErr(err error, op string) error {
	if apperr.KindOf(err) != apperr.KindUnknown {
		return err
	}
	return apperr.Transient(err, op)
}
