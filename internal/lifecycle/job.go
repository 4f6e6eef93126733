// Package lifecycle advances class sessions through their status machine and runs the
// register-related passes that hang off it: reminders, register-open notices, absence
// reconciliation, finalization and record retention.
//
// AdvanceLifecycle is one tick. It holds no state between calls; every guard lives in the
// store as a conditional update, so overlapping or repeated ticks are safe.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"classroll/internal/attendance"
	"classroll/internal/metrics"
	"classroll/internal/notify"
	"classroll/internal/schedule"
	"classroll/internal/timewindow"
)

// Store is the persistence the job needs. Claim methods are conditional updates that
// report whether this caller won.
type Store interface {
	// StartDue moves scheduled sessions with ClassStart <= now <= ClassEnd to ongoing.
	StartDue(ctx context.Context, now time.Time) (int, error)
	// CompleteEnded moves scheduled and ongoing sessions with ClassEnd < now to completed.
	CompleteEnded(ctx context.Context, now time.Time) (int, error)

	// DueReminders lists scheduled sessions with ClassStart in [now, until] and no reminder.
	DueReminders(ctx context.Context, now, until time.Time) ([]schedule.Session, error)
	ClaimReminder(ctx context.Context, sessionID string, now time.Time) (bool, error)

	// OpenRegisters lists ongoing sessions whose check-in window contains now and whose
	// register-open notice has not gone out.
	OpenRegisters(ctx context.Context, now time.Time) ([]schedule.Session, error)
	ClaimRegisterOpen(ctx context.Context, sessionID string, now time.Time) (bool, error)

	// PendingReconciliation lists non-cancelled sessions with CheckInEnd < now and
	// AutoMarkAbsent still set.
	PendingReconciliation(ctx context.Context, now time.Time) ([]schedule.Session, error)
	ClearAutoMarkAbsent(ctx context.Context, sessionID string, now time.Time) (bool, error)

	// PendingFinalization lists non-cancelled, unfinalized sessions with CheckOutEnd < now.
	PendingFinalization(ctx context.Context, now time.Time) ([]schedule.Session, error)
	// Finalize sets status completed and Finalized on an unfinalized, non-cancelled session.
	Finalize(ctx context.Context, sessionID string, now time.Time) (bool, error)

	ListBySession(ctx context.Context, sessionID string) ([]attendance.Record, error)
	// MarkAbsent upserts (session, student) to absent and auto-marked. It does not apply to
	// records that are already auto-marked absent, attended, or manually overridden.
	MarkAbsent(ctx context.Context, sessionID, studentID string, at time.Time) (bool, error)
	// MarkLeftEarly moves a present record with a check-in and no check-out to left_early.
	MarkLeftEarly(ctx context.Context, sessionID, studentID string, at time.Time) (bool, error)
	// GetStudent resolves the guardians who receive absence alerts.
	GetStudent(ctx context.Context, id string) (attendance.Student, error)
	// DeleteOlderThan removes attendance records created before cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config tunes the job.
type Config struct {
	ReminderLookahead time.Duration
	ItemTimeout       time.Duration
	RetentionAge      time.Duration
	MarkLeftEarly     bool
}

// DefaultConfig mirrors the deployed schedule: 30 minute reminders and one year retention.
func DefaultConfig() Config {
	return Config{
		ReminderLookahead: 30 * time.Minute,
		ItemTimeout:       10 * time.Second,
		RetentionAge:      365 * 24 * time.Hour,
	}
}

// Result summarises one tick.
type Result struct {
	Started         int `json:"started"`
	Completed       int `json:"completed"`
	RemindersSent   int `json:"reminders_sent"`
	WindowsOpened   int `json:"windows_opened"`
	AbsenteesMarked int `json:"absentees_marked"`
	Finalized       int `json:"finalized"`
	Failures        int `json:"failures"`
}

// Transitioned is the number of status changes made by the tick.
func (r Result) Transitioned() int { return r.Started + r.Completed + r.Finalized }

// Job runs lifecycle ticks.
type Job struct {
	store Store
	sink  notify.Sink
	cfg   Config
	log   zerolog.Logger
}

func NewJob(store Store, sink notify.Sink, cfg Config, log zerolog.Logger) *Job {
	def := DefaultConfig()
	if cfg.ReminderLookahead <= 0 {
		cfg.ReminderLookahead = def.ReminderLookahead
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = def.ItemTimeout
	}
	if cfg.RetentionAge <= 0 {
		cfg.RetentionAge = def.RetentionAge
	}
	return &Job{store: store, sink: sink, cfg: cfg, log: log}
}

// AdvanceLifecycle runs one tick at now. Each step and each session within a step is
// isolated: failures are logged, counted in Result.Failures and do not stop the rest. The
// returned error joins failures of whole steps (queries that could not run).
func (j *Job) AdvanceLifecycle(ctx context.Context, now time.Time) (Result, error) {
	start := time.Now()
	defer func() { metrics.LifecycleTickDuration.Observe(time.Since(start).Seconds()) }()

	var res Result
	var errs []error
	steps := []struct {
		name string
		fn   func(context.Context, time.Time, *Result) error
	}{
		{"advance_status", j.advanceStatus},
		{"reminders", j.sendReminders},
		{"register_open", j.openRegisters},
		{"reconcile", j.reconcile},
		{"finalize", j.finalize},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := step.fn(ctx, now, &res); err != nil {
			res.Failures++
			metrics.LifecycleFailures.WithLabelValues(step.name).Inc()
			j.log.Error().Err(err).Str("step", step.name).Msg("lifecycle step failed")
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
		}
	}

	j.log.Debug().
		Time("now", now).
		Int("started", res.Started).
		Int("completed", res.Completed).
		Int("reminders", res.RemindersSent).
		Int("windows_opened", res.WindowsOpened).
		Int("absentees", res.AbsenteesMarked).
		Int("finalized", res.Finalized).
		Int("failures", res.Failures).
		Msg("lifecycle tick")
	return res, errors.Join(errs...)
}

// SweepRetention deletes attendance records older than the retention age.
func (j *Job) SweepRetention(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-j.cfg.RetentionAge)
	n, err := j.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		metrics.LifecycleFailures.WithLabelValues("retention").Inc()
		return 0, fmt.Errorf("retention sweep: %w", err)
	}
	if n > 0 {
		metrics.RetentionDeleted.Add(float64(n))
		j.log.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("old attendance records removed")
	}
	return n, nil
}

func (j *Job) advanceStatus(ctx context.Context, now time.Time, res *Result) error {
	var errs []error
	started, err := j.store.StartDue(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("start due sessions: %w", err))
	}
	res.Started += started
	metrics.LifecycleTransitions.WithLabelValues(string(schedule.StatusOngoing)).Add(float64(started))

	completed, err := j.store.CompleteEnded(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("complete ended sessions: %w", err))
	}
	res.Completed += completed
	metrics.LifecycleTransitions.WithLabelValues(string(schedule.StatusCompleted)).Add(float64(completed))
	return errors.Join(errs...)
}

func (j *Job) sendReminders(ctx context.Context, now time.Time, res *Result) error {
	sessions, err := j.store.DueReminders(ctx, now, now.Add(j.cfg.ReminderLookahead))
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		j.each(ctx, res, "reminders", sess, func(ctx context.Context) error {
			won, err := j.store.ClaimReminder(ctx, sess.ID, now)
			if err != nil || !won {
				return err
			}
			mins := timewindow.MinutesUntil(now, sess.ClassStart)
			batch := make([]notify.Notification, 0, len(sess.StudentIDs))
			for _, id := range sess.StudentIDs {
				batch = append(batch, notify.ClassReminder(id, schedule.Describe(sess), mins))
			}
			if err := j.sink.SendBatch(ctx, batch); err != nil {
				return fmt.Errorf("send reminders: %w", err)
			}
			res.RemindersSent++
			metrics.LifecycleNotifications.WithLabelValues("reminder").Add(float64(len(batch)))
			return nil
		})
	}
	return nil
}

func (j *Job) openRegisters(ctx context.Context, now time.Time, res *Result) error {
	sessions, err := j.store.OpenRegisters(ctx, now)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		j.each(ctx, res, "register_open", sess, func(ctx context.Context) error {
			won, err := j.store.ClaimRegisterOpen(ctx, sess.ID, now)
			if err != nil || !won {
				return err
			}
			batch := make([]notify.Notification, 0, len(sess.StudentIDs))
			for _, id := range sess.StudentIDs {
				batch = append(batch, notify.RegisterOpen(id, schedule.Describe(sess), sess.CheckInEnd))
			}
			if err := j.sink.SendBatch(ctx, batch); err != nil {
				return fmt.Errorf("send register open: %w", err)
			}
			res.WindowsOpened++
			metrics.LifecycleNotifications.WithLabelValues("register_open").Add(float64(len(batch)))
			return nil
		})
	}
	return nil
}

// reconcile marks every enrolled student without a present or late record as absent. The
// session's AutoMarkAbsent flag is cleared only once every absentee has been written, so a
// failed pass is retried on the next tick. MarkAbsent skips records it already wrote, which
// keeps the retry from alerting the same student twice.
func (j *Job) reconcile(ctx context.Context, now time.Time, res *Result) error {
	sessions, err := j.store.PendingReconciliation(ctx, now)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		j.each(ctx, res, "reconcile", sess, func(ctx context.Context) error {
			records, err := j.store.ListBySession(ctx, sess.ID)
			if err != nil {
				return fmt.Errorf("list attendance: %w", err)
			}
			attended := make(map[string]bool, len(records))
			for _, r := range records {
				if r.Status.Attended() {
					attended[r.StudentID] = true
				}
			}

			var failed []error
			for _, studentID := range sess.StudentIDs {
				if attended[studentID] {
					continue
				}
				applied, err := j.store.MarkAbsent(ctx, sess.ID, studentID, now)
				if err != nil {
					failed = append(failed, fmt.Errorf("mark %s absent: %w", studentID, err))
					continue
				}
				if !applied {
					continue
				}
				res.AbsenteesMarked++
				metrics.AbsenteesMarked.Inc()
				j.alert(ctx, sess, studentID)
			}
			if len(failed) > 0 {
				return errors.Join(failed...)
			}
			if _, err := j.store.ClearAutoMarkAbsent(ctx, sess.ID, now); err != nil {
				return fmt.Errorf("clear auto mark flag: %w", err)
			}
			return nil
		})
	}
	return nil
}

func (j *Job) finalize(ctx context.Context, now time.Time, res *Result) error {
	sessions, err := j.store.PendingFinalization(ctx, now)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		j.each(ctx, res, "finalize", sess, func(ctx context.Context) error {
			won, err := j.store.Finalize(ctx, sess.ID, now)
			if err != nil || !won {
				return err
			}
			res.Finalized++
			if !j.cfg.MarkLeftEarly {
				return nil
			}
			records, err := j.store.ListBySession(ctx, sess.ID)
			if err != nil {
				return fmt.Errorf("list attendance: %w", err)
			}
			var failed []error
			for _, r := range records {
				if r.Status != attendance.StatusPresent || !r.CheckedIn() || r.CheckedOut() {
					continue
				}
				if _, err := j.store.MarkLeftEarly(ctx, sess.ID, r.StudentID, now); err != nil {
					failed = append(failed, fmt.Errorf("mark %s left early: %w", r.StudentID, err))
				}
			}
			return errors.Join(failed...)
		})
	}
	return nil
}

// each runs fn for one session under the per-item timeout and records a failure without
// stopping the caller's loop.
func (j *Job) each(ctx context.Context, res *Result, step string, sess schedule.Session, fn func(context.Context) error) {
	ictx, cancel := context.WithTimeout(ctx, j.cfg.ItemTimeout)
	defer cancel()
	if err := fn(ictx); err != nil {
		res.Failures++
		metrics.LifecycleFailures.WithLabelValues(step).Inc()
		j.log.Error().Err(err).
			Str("step", step).
			Str("session_id", sess.ID).
			Msg("lifecycle item failed")
	}
}

// alert sends the absence notification to the student and each guardian. Failures are
// logged only.
func (j *Job) alert(ctx context.Context, sess schedule.Session, studentID string) {
	subject := schedule.Describe(sess)
	batch := []notify.Notification{notify.AbsenceAlert(studentID, subject)}
	guardians, err := attendance.GuardianNotices(ctx, j.store.GetStudent, studentID,
		func(guardianID string, child notify.Child) notify.Notification {
			return notify.GuardianAbsenceAlert(guardianID, child, subject)
		})
	if err != nil {
		j.log.Warn().Err(err).Str("student_id", studentID).Msg("guardian lookup failed")
	}
	batch = append(batch, guardians...)
	if err := j.sink.SendBatch(ctx, batch); err != nil {
		j.log.Warn().Err(err).
			Str("session_id", sess.ID).
			Str("student_id", studentID).
			Msg("absence alert failed")
		return
	}
	metrics.LifecycleNotifications.WithLabelValues("absence").Inc()
}
