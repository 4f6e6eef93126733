package attendance

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"classroll/internal/apperr"
	"classroll/internal/auth"
	"classroll/internal/clock"
	"classroll/internal/geofence"
	"classroll/internal/metrics"
	"classroll/internal/notify"
	"classroll/internal/schedule"
)

// Options configures the check-in service.
type Options struct {
	// SchoolIP, when set, is the only client address allowed to check in.
	SchoolIP string
	// NotifyTimeout bounds the confirmation notification.
	NotifyTimeout time.Duration
}

// CheckInRequest is a student's attempt to sign the register.
type CheckInRequest struct {
	SessionID string
	StudentID string
	IPAddress string
	DeviceID  string
	Location  *geofence.Reading
}

// CheckOutRequest is a student's attempt to sign out.
type CheckOutRequest struct {
	SessionID string
	StudentID string
	IPAddress string
	DeviceID  string
	Location  *geofence.Reading
}

// Report is a session's attendance with per-status counts.
type Report struct {
	Session schedule.Session `json:"session"`
	Records []Record         `json:"records"`
	Summary map[Status]int   `json:"summary"`
}

// Service coordinates check-in, check-out and manual overrides.
type Service struct {
	repo     Repository
	sessions SessionReader
	students StudentDirectory
	fence    geofence.Provider
	sink     notify.Sink
	clock    clock.Clock
	opts     Options
	log      zerolog.Logger
}

// NewService creates a service backed by a repository.
func NewService(repo Repository, sessions SessionReader, students StudentDirectory, fence geofence.Provider,
	sink notify.Sink, clk clock.Clock, opts Options, log zerolog.Logger) *Service {
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 5 * time.Second
	}
	opts.SchoolIP = NormalizeIP(opts.SchoolIP)
	return &Service{
		repo:     repo,
		sessions: sessions,
		students: students,
		fence:    fence,
		sink:     sink,
		clock:    clk,
		opts:     opts,
		log:      log,
	}
}

// NormalizeIP strips the IPv4-mapped IPv6 prefix.
func NormalizeIP(ip string) string {
	return strings.TrimPrefix(strings.TrimSpace(ip), "::ffff:")
}

// CheckIn records a student's arrival. A retried request after success fails with
// ErrAlreadyCheckedIn and leaves the record untouched.
func (s *Service) CheckIn(ctx context.Context, req CheckInRequest) (Record, error) {
	rec, err := s.checkIn(ctx, req)
	observe("check_in", err)
	return rec, err
}

func (s *Service) checkIn(ctx context.Context, req CheckInRequest) (Record, error) {
	now := s.clock.Now()
	if err := s.requireStudent(ctx, req.StudentID); err != nil {
		return Record{}, err
	}
	sess, err := s.session(ctx, req.SessionID)
	if err != nil {
		return Record{}, err
	}
	if !sess.IsEnrolled(req.StudentID) {
		return Record{}, apperr.Forbidden("not_enrolled", "you are not enrolled in this class")
	}
	if sess.Status == schedule.StatusCancelled {
		return Record{}, apperr.Conflict("session_cancelled", "class has been cancelled")
	}

	ip := NormalizeIP(req.IPAddress)
	if s.opts.SchoolIP != "" && ip != s.opts.SchoolIP {
		return Record{}, apperr.Forbidden("school_network_required", "you must be connected to the school WiFi")
	}
	if !sess.IsCheckInAvailable(now) {
		return Record{}, ErrWindowClosed
	}
	byLocation, err := s.checkLocation(ctx, req.Location)
	if err != nil {
		return Record{}, err
	}

	byIP := s.opts.SchoolIP != ""
	in := CheckIn{
		Time:               now,
		Location:           req.Location,
		IPAddress:          ip,
		DeviceID:           deviceOrUnknown(req.DeviceID),
		Method:             method(byIP, byLocation),
		VerifiedByLocation: byLocation,
		VerifiedByIP:       byIP,
	}
	rec, applied, err := s.repo.MarkPresent(ctx, sess.ID, req.StudentID, in)
	if err != nil {
		return Record{}, apperr.Transient(err, "record check-in")
	}
	if !applied {
		return Record{}, ErrAlreadyCheckedIn
	}
	s.log.Info().
		Str("session_id", sess.ID).
		Str("student_id", req.StudentID).
		Str("method", string(in.Method)).
		Msg("student checked in")

	s.confirm(ctx, sess, req.StudentID, now)
	return rec, nil
}

// CheckOut stamps the student's departure.
func (s *Service) CheckOut(ctx context.Context, req CheckOutRequest) (Record, error) {
	rec, err := s.checkOut(ctx, req)
	observe("check_out", err)
	return rec, err
}

func (s *Service) checkOut(ctx context.Context, req CheckOutRequest) (Record, error) {
	now := s.clock.Now()
	sess, err := s.session(ctx, req.SessionID)
	if err != nil {
		return Record{}, err
	}
	existing, err := s.repo.GetRecord(ctx, sess.ID, req.StudentID)
	switch {
	case apperr.IsKind(err, apperr.KindNotFound):
		return Record{}, ErrNotSignedIn
	case err != nil:
		return Record{}, apperr.Transient(err, "load attendance")
	case !existing.CheckedIn():
		return Record{}, ErrNotSignedIn
	case existing.CheckedOut():
		return Record{}, ErrAlreadyCheckedOut
	}
	if !sess.IsCheckOutAvailable(now) {
		return Record{}, ErrWindowClosed
	}
	if _, err := s.checkLocation(ctx, req.Location); err != nil {
		return Record{}, err
	}

	out := CheckOut{
		Time:      now,
		Location:  req.Location,
		IPAddress: NormalizeIP(req.IPAddress),
		DeviceID:  deviceOrUnknown(req.DeviceID),
	}
	rec, applied, err := s.repo.MarkCheckedOut(ctx, sess.ID, req.StudentID, out)
	if err != nil {
		return Record{}, apperr.Transient(err, "record check-out")
	}
	if !applied {
		return Record{}, ErrAlreadyCheckedOut
	}
	s.log.Info().
		Str("session_id", sess.ID).
		Str("student_id", req.StudentID).
		Interface("duration_minutes", rec.DurationMinutes).
		Msg("student checked out")
	return rec, nil
}

// Override sets a record's status by hand. Tutors may only override their own classes.
func (s *Service) Override(ctx context.Context, p auth.Principal, recordID string, status Status, reason string) (Record, error) {
	if err := p.Require(auth.RoleAdmin, auth.RoleTutor); err != nil {
		return Record{}, err
	}
	if !status.Valid() {
		return Record{}, apperr.Validation("invalid_status", "unknown attendance status",
			apperr.FieldError{Field: "status", Message: "must be one of absent present late excused left_early"})
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Record{}, apperr.Validation("invalid_input", "reason: is required",
			apperr.FieldError{Field: "reason", Message: "is required"})
	}
	rec, err := s.repo.GetRecordByID(ctx, recordID)
	if err != nil {
		return Record{}, lookupErr(err, "load attendance")
	}
	if p.Role == auth.RoleTutor {
		sess, err := s.session(ctx, rec.SessionID)
		if err != nil {
			return Record{}, err
		}
		if sess.TutorID != p.UserID {
			return Record{}, apperr.Forbidden("not_owner", "you can only change attendance for your own classes")
		}
	}

	ov := Override{By: p.UserID, Reason: reason, At: s.clock.Now(), PriorStatus: rec.Status}
	updated, err := s.repo.ApplyOverride(ctx, recordID, status, ov)
	if err != nil {
		return Record{}, lookupErr(err, "override attendance")
	}
	s.log.Info().
		Str("record_id", recordID).
		Str("by", p.UserID).
		Str("from", string(ov.PriorStatus)).
		Str("to", string(status)).
		Msg("attendance overridden")
	return updated, nil
}

// SessionReport returns every record of a session. Tutors see only their own classes.
func (s *Service) SessionReport(ctx context.Context, p auth.Principal, sessionID string) (Report, error) {
	if err := p.Require(auth.RoleAdmin, auth.RoleTutor); err != nil {
		return Report{}, err
	}
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return Report{}, err
	}
	if p.Role == auth.RoleTutor && sess.TutorID != p.UserID {
		return Report{}, apperr.Forbidden("not_owner", "access denied")
	}
	recs, err := s.repo.ListBySession(ctx, sessionID)
	if err != nil {
		return Report{}, apperr.Transient(err, "list attendance")
	}
	summary := make(map[Status]int)
	for _, r := range recs {
		summary[r.Status]++
	}
	return Report{Session: sess, Records: recs, Summary: summary}, nil
}

// History returns a student's records, newest first. Students may only read their own and
// parents only their children's.
func (s *Service) History(ctx context.Context, p auth.Principal, studentID string) ([]Record, error) {
	if err := p.Require(auth.RoleAdmin, auth.RoleTutor, auth.RoleStudent, auth.RoleParent); err != nil {
		return nil, err
	}
	switch p.Role {
	case auth.RoleStudent:
		if p.UserID != studentID {
			return nil, apperr.Forbidden("not_owner", "access denied")
		}
	case auth.RoleParent:
		st, err := s.students.GetStudent(ctx, studentID)
		if err != nil && !errors.Is(err, ErrStudentNotFound) {
			return nil, apperr.Transient(err, "load student")
		}
		if !st.HasGuardian(p.UserID) {
			return nil, apperr.Forbidden("not_guardian", "access denied")
		}
	}
	recs, err := s.repo.ListByStudent(ctx, studentID)
	if err != nil {
		return nil, apperr.Transient(err, "list attendance")
	}
	return recs, nil
}

// Availability reports the session's windows against the current time.
type Availability struct {
	Now         time.Time       `json:"now"`
	Status      schedule.Status `json:"status"`
	CheckIn     bool            `json:"check_in_available"`
	CheckOut    bool            `json:"check_out_available"`
	MinutesLeft int             `json:"minutes_until_check_in_closes"`
}

// Availability answers whether the register is open for sessionID right now.
func (s *Service) Availability(ctx context.Context, sessionID string) (Availability, error) {
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return Availability{}, err
	}
	now := s.clock.Now()
	cancelled := sess.Status == schedule.StatusCancelled
	a := Availability{
		Now:      now,
		Status:   sess.Status,
		CheckIn:  !cancelled && schedule.IsCheckInAvailable(sess, now),
		CheckOut: !cancelled && schedule.IsCheckOutAvailable(sess, now),
	}
	if a.CheckIn {
		a.MinutesLeft = int(sess.CheckInEnd.Sub(now) / time.Minute)
	}
	return a, nil
}

func (s *Service) requireStudent(ctx context.Context, id string) error {
	if id == "" {
		return ErrStudentNotFound
	}
	ok, err := s.students.StudentExists(ctx, id)
	if err != nil {
		return apperr.Transient(err, "load student")
	}
	if !ok {
		return ErrStudentNotFound
	}
	return nil
}

func (s *Service) session(ctx context.Context, id string) (schedule.Session, error) {
	sess, err := s.sessions.GetSession(ctx, id)
	if err != nil {
		return schedule.Session{}, lookupErr(err, "load session")
	}
	return sess, nil
}

// checkLocation validates a supplied reading against the fence and reports whether the
// location counts as verification.
func (s *Service) checkLocation(ctx context.Context, r *geofence.Reading) (bool, error) {
	if r == nil {
		return false, nil
	}
	cfg, err := s.fence.GeoFence(ctx)
	if err != nil {
		return false, apperr.Transient(err, "load geofence")
	}
	if err := cfg.Check(*r); err != nil {
		return false, err
	}
	return cfg.Enabled, nil
}

// confirm acknowledges the check-in to the student and each guardian.
func (s *Service) confirm(ctx context.Context, sess schedule.Session, studentID string, at time.Time) {
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.NotifyTimeout)
	defer cancel()
	subject := schedule.Describe(sess)
	batch := []notify.Notification{notify.AttendanceConfirmed(studentID, subject, at)}
	guardians, err := GuardianNotices(nctx, s.students.GetStudent, studentID,
		func(guardianID string, child notify.Child) notify.Notification {
			return notify.GuardianCheckIn(guardianID, child, subject, at)
		})
	if err != nil {
		s.log.Warn().Err(err).Str("student_id", studentID).Msg("guardian lookup failed")
	}
	batch = append(batch, guardians...)
	if err := s.sink.SendBatch(nctx, batch); err != nil {
		s.log.Warn().Err(err).
			Str("session_id", sess.ID).
			Str("student_id", studentID).
			Msg("attendance confirmation failed")
	}
}

func method(byIP, byLocation bool) Method {
	switch {
	case byIP && byLocation:
		return MethodBoth
	case byIP:
		return MethodIPVerified
	case byLocation:
		return MethodLocation
	default:
		return MethodManual
	}
}

func deviceOrUnknown(id string) string {
	if strings.TrimSpace(id) == "" {
		return "unknown"
	}
	return id
}

func lookupErr(err error, op string) error {
	if apperr.KindOf(err) != apperr.KindUnknown {
		return err
	}
	return apperr.Transient(err, op)
}

func observe(action string, err error) {
	result := "ok"
	if err != nil {
		result = apperr.CodeOf(err)
		if result == "" {
			result = "error"
		}
	}
	metrics.AttendanceAttempts.WithLabelValues(action, result).Inc()
}
