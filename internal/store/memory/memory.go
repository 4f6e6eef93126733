// Package memory is an in-process store implementing every repository interface of the
// core. It backs the memory database backend and the tests; conditional updates behave as
// they do in Postgres.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"classroll/internal/attendance"
	"classroll/internal/geofence"
	"classroll/internal/notify"
	"classroll/internal/schedule"
)

type recordKey struct {
	session string
	student string
}

// Store holds all state behind one mutex.
type Store struct {
	mu       sync.Mutex
	sessions map[string]schedule.Session
	records  map[string]*attendance.Record
	byPair   map[recordKey]string
	students map[string]attendance.Student
	fence    *geofence.Config
	inbox    []notify.Notification
}

// New creates an empty store. The geo-fence is lazily defaulted on first read.
func New() *Store {
	return &Store{
		sessions: make(map[string]schedule.Session),
		records:  make(map[string]*attendance.Record),
		byPair:   make(map[recordKey]string),
		students: make(map[string]attendance.Student),
	}
}

// ---- students ----

// UpsertStudent creates or replaces a student profile.
func (s *Store) UpsertStudent(_ context.Context, st attendance.Student) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.students[st.ID]; ok && st.CreatedAt.IsZero() {
		st.CreatedAt = prev.CreatedAt
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	st.GuardianIDs = append([]string(nil), st.GuardianIDs...)
	s.students[st.ID] = st
	return nil
}

func (s *Store) GetStudent(_ context.Context, id string) (attendance.Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.students[id]
	if !ok {
		return attendance.Student{}, attendance.ErrStudentNotFound
	}
	st.GuardianIDs = append([]string(nil), st.GuardianIDs...)
	return st, nil
}

func (s *Store) StudentExists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.students[id]
	return ok, nil
}

// ---- sessions ----

func (s *Store) CreateSession(_ context.Context, sess schedule.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (schedule.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return schedule.Session{}, schedule.ErrNotFound
	}
	return cloneSession(sess), nil
}

func (s *Store) RescheduleSession(_ context.Context, sess schedule.Session) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[sess.ID]
	if !ok || cur.Status != schedule.StatusScheduled {
		return false, nil
	}
	cur.ScheduledDate = sess.ScheduledDate
	cur.StartTime = sess.StartTime
	cur.EndTime = sess.EndTime
	cur.Windows = sess.Windows
	cur.ReminderSent = sess.ReminderSent
	cur.RegisterOpenSent = sess.RegisterOpenSent
	cur.Finalized = sess.Finalized
	cur.UpdatedAt = sess.UpdatedAt
	s.sessions[sess.ID] = cur
	return true, nil
}

func (s *Store) CancelSession(_ context.Context, id, reason string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[id]
	if !ok || !cur.Status.Active() {
		return false, nil
	}
	cur.Status = schedule.StatusCancelled
	cur.CancelReason = reason
	cur.UpdatedAt = at
	s.sessions[id] = cur
	return true, nil
}

func (s *Store) TutorSessionsOn(_ context.Context, tutorID string, date time.Time) ([]schedule.Session, error) {
	return s.filterSessions(func(sess schedule.Session) bool {
		return sess.TutorID == tutorID && sess.Status.Active() && schedule.SameDay(sess.ScheduledDate, date)
	}), nil
}

func (s *Store) SessionsForStudent(_ context.Context, studentID string, from, to time.Time) ([]schedule.Session, error) {
	return s.filterSessions(func(sess schedule.Session) bool {
		return sess.Status.Active() && sess.IsEnrolled(studentID) &&
			!sess.ClassStart.Before(from) && !sess.ClassStart.After(to)
	}), nil
}

func (s *Store) filterSessions(keep func(schedule.Session) bool) []schedule.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schedule.Session
	for _, sess := range s.sessions {
		if keep(sess) {
			out = append(out, cloneSession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClassStart.Before(out[j].ClassStart) })
	return out
}

// update applies fn to every session matching keep and returns how many changed.
func (s *Store) update(keep func(schedule.Session) bool, fn func(*schedule.Session)) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if !keep(sess) {
			continue
		}
		fn(&sess)
		s.sessions[id] = sess
		n++
	}
	return n
}

// ---- lifecycle ----

func (s *Store) StartDue(_ context.Context, now time.Time) (int, error) {
	return s.update(func(sess schedule.Session) bool {
		return sess.Status == schedule.StatusScheduled &&
			!now.Before(sess.ClassStart) && !now.After(sess.ClassEnd)
	}, func(sess *schedule.Session) {
		sess.Status = schedule.StatusOngoing
		sess.UpdatedAt = now
	}), nil
}

func (s *Store) CompleteEnded(_ context.Context, now time.Time) (int, error) {
	return s.update(func(sess schedule.Session) bool {
		return sess.Status.Active() && sess.ClassEnd.Before(now)
	}, func(sess *schedule.Session) {
		sess.Status = schedule.StatusCompleted
		sess.UpdatedAt = now
	}), nil
}

func (s *Store) DueReminders(_ context.Context, now, until time.Time) ([]schedule.Session, error) {
	return s.filterSessions(func(sess schedule.Session) bool {
		return sess.Status == schedule.StatusScheduled && !sess.ReminderSent &&
			!sess.ClassStart.Before(now) && !sess.ClassStart.After(until)
	}), nil
}

func (s *Store) ClaimReminder(_ context.Context, id string, now time.Time) (bool, error) {
	return s.claim(id, now, func(sess *schedule.Session) bool {
		if sess.ReminderSent {
			return false
		}
		sess.ReminderSent = true
		return true
	}), nil
}

func (s *Store) OpenRegisters(_ context.Context, now time.Time) ([]schedule.Session, error) {
	return s.filterSessions(func(sess schedule.Session) bool {
		return sess.Status == schedule.StatusOngoing && !sess.RegisterOpenSent && sess.IsCheckInAvailable(now)
	}), nil
}

func (s *Store) ClaimRegisterOpen(_ context.Context, id string, now time.Time) (bool, error) {
	return s.claim(id, now, func(sess *schedule.Session) bool {
		if sess.RegisterOpenSent {
			return false
		}
		sess.RegisterOpenSent = true
		return true
	}), nil
}

func (s *Store) PendingReconciliation(_ context.Context, now time.Time) ([]schedule.Session, error) {
	return s.filterSessions(func(sess schedule.Session) bool {
		return sess.Status != schedule.StatusCancelled && sess.AutoMarkAbsent && sess.CheckInEnd.Before(now)
	}), nil
}

func (s *Store) ClearAutoMarkAbsent(_ context.Context, id string, now time.Time) (bool, error) {
	return s.claim(id, now, func(sess *schedule.Session) bool {
		if !sess.AutoMarkAbsent {
			return false
		}
		sess.AutoMarkAbsent = false
		return true
	}), nil
}

func (s *Store) PendingFinalization(_ context.Context, now time.Time) ([]schedule.Session, error) {
	return s.filterSessions(func(sess schedule.Session) bool {
		return sess.Status != schedule.StatusCancelled && !sess.Finalized && sess.CheckOutEnd.Before(now)
	}), nil
}

func (s *Store) Finalize(_ context.Context, id string, now time.Time) (bool, error) {
	return s.claim(id, now, func(sess *schedule.Session) bool {
		if sess.Finalized || sess.Status == schedule.StatusCancelled {
			return false
		}
		sess.Finalized = true
		sess.Status = schedule.StatusCompleted
		return true
	}), nil
}

func (s *Store) claim(id string, now time.Time, fn func(*schedule.Session) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || !fn(&sess) {
		return false
	}
	sess.UpdatedAt = now
	s.sessions[id] = sess
	return true
}

// ---- attendance ----

// SeedAbsent creates an absent record for each student without one.
func (s *Store) SeedAbsent(_ context.Context, sessionID string, studentIDs []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range studentIDs {
		if _, ok := s.byPair[recordKey{sessionID, id}]; ok {
			continue
		}
		s.insert(&attendance.Record{SessionID: sessionID, StudentID: id, Status: attendance.StatusAbsent}, at)
	}
	return nil
}

func (s *Store) GetRecord(_ context.Context, sessionID, studentID string) (attendance.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.lookup(sessionID, studentID)
	if r == nil {
		return attendance.Record{}, attendance.ErrRecordNotFound
	}
	return cloneRecord(r), nil
}

func (s *Store) GetRecordByID(_ context.Context, id string) (attendance.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return attendance.Record{}, attendance.ErrRecordNotFound
	}
	return cloneRecord(r), nil
}

func (s *Store) MarkPresent(_ context.Context, sessionID, studentID string, in attendance.CheckIn) (attendance.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.lookup(sessionID, studentID)
	if r == nil {
		r = s.insert(&attendance.Record{SessionID: sessionID, StudentID: studentID}, in.Time)
	} else if r.Status.Attended() || r.CheckedIn() {
		return cloneRecord(r), false, nil
	}
	ci := in
	r.Status = attendance.StatusPresent
	r.CheckIn = &ci
	r.Verified = true
	r.AutoMarked = false
	r.Notes = ""
	s.touch(r, in.Time)
	return cloneRecord(r), true, nil
}

func (s *Store) MarkCheckedOut(_ context.Context, sessionID, studentID string, out attendance.CheckOut) (attendance.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.lookup(sessionID, studentID)
	if r == nil || !r.CheckedIn() || r.CheckedOut() {
		return attendance.Record{}, false, nil
	}
	co := out
	r.CheckOut = &co
	s.touch(r, out.Time)
	return cloneRecord(r), true, nil
}

func (s *Store) ApplyOverride(_ context.Context, id string, status attendance.Status, ov attendance.Override) (attendance.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return attendance.Record{}, attendance.ErrRecordNotFound
	}
	o := ov
	r.Status = status
	r.Override = &o
	r.Verified = true
	r.AutoMarked = false
	s.touch(r, ov.At)
	return cloneRecord(r), nil
}

func (s *Store) ListBySession(_ context.Context, sessionID string) ([]attendance.Record, error) {
	return s.filterRecords(func(r *attendance.Record) bool { return r.SessionID == sessionID }, false), nil
}

func (s *Store) ListByStudent(_ context.Context, studentID string) ([]attendance.Record, error) {
	return s.filterRecords(func(r *attendance.Record) bool { return r.StudentID == studentID }, true), nil
}

func (s *Store) MarkAbsent(_ context.Context, sessionID, studentID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.lookup(sessionID, studentID)
	if r == nil {
		r = s.insert(&attendance.Record{SessionID: sessionID, StudentID: studentID}, at)
	} else if r.Status.Attended() || r.Override != nil || (r.Status == attendance.StatusAbsent && r.AutoMarked) {
		return false, nil
	}
	r.Status = attendance.StatusAbsent
	r.AutoMarked = true
	r.Notes = attendance.AutoAbsentNote
	s.touch(r, at)
	return true, nil
}

func (s *Store) MarkLeftEarly(_ context.Context, sessionID, studentID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.lookup(sessionID, studentID)
	if r == nil || r.Status != attendance.StatusPresent || !r.CheckedIn() || r.CheckedOut() {
		return false, nil
	}
	r.Status = attendance.StatusLeftEarly
	s.touch(r, at)
	return true, nil
}

func (s *Store) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.records {
		if r.CreatedAt.Before(cutoff) {
			delete(s.records, id)
			delete(s.byPair, recordKey{r.SessionID, r.StudentID})
			n++
		}
	}
	return n, nil
}

func (s *Store) lookup(sessionID, studentID string) *attendance.Record {
	id, ok := s.byPair[recordKey{sessionID, studentID}]
	if !ok {
		return nil
	}
	return s.records[id]
}

func (s *Store) insert(r *attendance.Record, at time.Time) *attendance.Record {
	r.ID = uuid.NewString()
	if r.Status == "" {
		r.Status = attendance.StatusAbsent
	}
	r.CreatedAt = at
	r.UpdatedAt = at
	s.records[r.ID] = r
	s.byPair[recordKey{r.SessionID, r.StudentID}] = r.ID
	return r
}

func (s *Store) touch(r *attendance.Record, at time.Time) {
	r.RecomputeDuration()
	r.UpdatedAt = at
}

func (s *Store) filterRecords(keep func(*attendance.Record) bool, newestFirst bool) []attendance.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []attendance.Record
	for _, r := range s.records {
		if keep(r) {
			out = append(out, cloneRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].StudentID < out[j].StudentID
		}
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// PutRecord stores r as-is, replacing any record for the same pair. Used to seed fixtures.
func (s *Store) PutRecord(r attendance.Record) attendance.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byPair[recordKey{r.SessionID, r.StudentID}]; ok {
		delete(s.records, id)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.RecomputeDuration()
	c := cloneRecord(&r)
	s.records[c.ID] = &c
	s.byPair[recordKey{c.SessionID, c.StudentID}] = c.ID
	return cloneRecord(&c)
}

// ---- geofence ----

func (s *Store) GeoFence(_ context.Context) (geofence.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fence == nil {
		def := geofence.DefaultConfig()
		s.fence = &def
	}
	return *s.fence, nil
}

func (s *Store) SaveGeoFence(_ context.Context, cfg geofence.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fence = &cfg
	return nil
}

// ---- notifications ----

func (s *Store) Deliver(_ context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbox = append(s.inbox, n)
	return nil
}

// ListNotifications returns up to limit notifications for recipientID, newest first. A
// non-positive limit returns all of them.
func (s *Store) ListNotifications(_ context.Context, recipientID string, limit int) ([]notify.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notify.Notification
	for i := len(s.inbox) - 1; i >= 0; i-- {
		if s.inbox[i].RecipientID != recipientID {
			continue
		}
		out = append(out, s.inbox[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func cloneSession(s schedule.Session) schedule.Session {
	s.StudentIDs = append([]string(nil), s.StudentIDs...)
	return s
}

func cloneRecord(r *attendance.Record) attendance.Record {
	c := *r
	if r.CheckIn != nil {
		ci := *r.CheckIn
		ci.Location = cloneReading(ci.Location)
		c.CheckIn = &ci
	}
	if r.CheckOut != nil {
		co := *r.CheckOut
		co.Location = cloneReading(co.Location)
		c.CheckOut = &co
	}
	if r.DurationMinutes != nil {
		d := *r.DurationMinutes
		c.DurationMinutes = &d
	}
	if r.Override != nil {
		o := *r.Override
		c.Override = &o
	}
	c.Flags = append([]attendance.Flag(nil), r.Flags...)
	return c
}

func cloneReading(r *geofence.Reading) *geofence.Reading {
	if r == nil {
		return nil
	}
	c := *r
	if r.Accuracy != nil {
		a := *r.Accuracy
		c.Accuracy = &a
	}
	return &c
}
