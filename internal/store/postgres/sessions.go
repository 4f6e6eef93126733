package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"classroll/internal/schedule"
)

const sessionColumns = `id, subject, grade, title, description, scheduled_date, start_time, end_time,
	room, meeting_link, student_ids, tutor_id, created_by, recurrence, max_students,
	class_start, class_end, check_in_start, check_in_end, check_out_start, check_out_end,
	status, auto_mark_absent, auto_assigned, reminder_sent, register_open_sent, finalized,
	cancel_reason, created_at, updated_at`

func scanSession(row rowScanner) (schedule.Session, error) {
	var (
		s        schedule.Session
		students []byte
		status   string
		recur    string
	)
	err := row.Scan(
		&s.ID, &s.Subject, &s.Grade, &s.Title, &s.Description, &s.ScheduledDate, &s.StartTime, &s.EndTime,
		&s.Room, &s.MeetingLink, &students, &s.TutorID, &s.CreatedBy, &recur, &s.MaxStudents,
		&s.ClassStart, &s.ClassEnd, &s.CheckInStart, &s.CheckInEnd, &s.CheckOutStart, &s.CheckOutEnd,
		&status, &s.AutoMarkAbsent, &s.AutoAssigned, &s.ReminderSent, &s.RegisterOpenSent, &s.Finalized,
		&s.CancelReason, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return schedule.Session{}, err
	}
	s.Status = schedule.Status(status)
	s.Recurrence = schedule.Recurrence(recur)
	if err := json.Unmarshal(students, &s.StudentIDs); err != nil {
		return schedule.Session{}, fmt.Errorf("decode student_ids: %w", err)
	}
	return s, nil
}

func (s *Store) querySessions(ctx context.Context, where string, args ...any) ([]schedule.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM class_sessions WHERE `+where+` ORDER BY class_start`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schedule.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// dateArg passes the calendar day of t as a UTC midnight, which is how DATE columns scan.
func dateArg(t time.Time) time.Time { return schedule.DateOnly(t) }

func (s *Store) CreateSession(ctx context.Context, sess schedule.Session) error {
	students := sess.StudentIDs
	if students == nil {
		students = []string{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO class_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6::date, $7, $8, $9, $10, $11::jsonb, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30)`,
		sess.ID, sess.Subject, sess.Grade, sess.Title, sess.Description, dateArg(sess.ScheduledDate),
		sess.StartTime, sess.EndTime, sess.Room, sess.MeetingLink, mustJSON(students), sess.TutorID,
		sess.CreatedBy, string(sess.Recurrence), sess.MaxStudents,
		sess.ClassStart, sess.ClassEnd, sess.CheckInStart, sess.CheckInEnd, sess.CheckOutStart, sess.CheckOutEnd,
		string(sess.Status), sess.AutoMarkAbsent, sess.AutoAssigned, sess.ReminderSent, sess.RegisterOpenSent,
		sess.Finalized, sess.CancelReason, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (schedule.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM class_sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if err != nil {
		return schedule.Session{}, notFound(err, schedule.ErrNotFound)
	}
	return sess, nil
}

func (s *Store) RescheduleSession(ctx context.Context, sess schedule.Session) (bool, error) {
	return s.execChanged(ctx, `
		UPDATE class_sessions
		SET scheduled_date = $2::date, start_time = $3, end_time = $4,
			class_start = $5, class_end = $6, check_in_start = $7, check_in_end = $8,
			check_out_start = $9, check_out_end = $10,
			reminder_sent = $11, register_open_sent = $12, finalized = $13, updated_at = $14
		WHERE id = $1 AND status = 'scheduled'`,
		sess.ID, dateArg(sess.ScheduledDate), sess.StartTime, sess.EndTime,
		sess.ClassStart, sess.ClassEnd, sess.CheckInStart, sess.CheckInEnd, sess.CheckOutStart, sess.CheckOutEnd,
		sess.ReminderSent, sess.RegisterOpenSent, sess.Finalized, sess.UpdatedAt,
	)
}

func (s *Store) CancelSession(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	return s.execChanged(ctx, `
		UPDATE class_sessions SET status = 'cancelled', cancel_reason = $2, updated_at = $3
		WHERE id = $1 AND status IN ('scheduled', 'ongoing')`, id, reason, at)
}

func (s *Store) TutorSessionsOn(ctx context.Context, tutorID string, date time.Time) ([]schedule.Session, error) {
	return s.querySessions(ctx, `tutor_id = $1 AND scheduled_date = $2::date AND status IN ('scheduled', 'ongoing')`,
		tutorID, dateArg(date))
}

func (s *Store) SessionsForStudent(ctx context.Context, studentID string, from, to time.Time) ([]schedule.Session, error) {
	return s.querySessions(ctx, `student_ids @> jsonb_build_array($1::text)
		AND class_start BETWEEN $2 AND $3 AND status IN ('scheduled', 'ongoing')`, studentID, from, to)
}

// ---- lifecycle ----

func (s *Store) StartDue(ctx context.Context, now time.Time) (int, error) {
	n, err := s.execCount(ctx, `
		UPDATE class_sessions SET status = 'ongoing', updated_at = $1
		WHERE status = 'scheduled' AND class_start <= $1 AND class_end >= $1`, now)
	return int(n), err
}

func (s *Store) CompleteEnded(ctx context.Context, now time.Time) (int, error) {
	n, err := s.execCount(ctx, `
		UPDATE class_sessions SET status = 'completed', updated_at = $1
		WHERE status IN ('scheduled', 'ongoing') AND class_end < $1`, now)
	return int(n), err
}

func (s *Store) DueReminders(ctx context.Context, now, until time.Time) ([]schedule.Session, error) {
	return s.querySessions(ctx, `status = 'scheduled' AND NOT reminder_sent AND class_start BETWEEN $1 AND $2`, now, until)
}

func (s *Store) ClaimReminder(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.execChanged(ctx, `
		UPDATE class_sessions SET reminder_sent = TRUE, updated_at = $2
		WHERE id = $1 AND NOT reminder_sent`, id, now)
}

func (s *Store) OpenRegisters(ctx context.Context, now time.Time) ([]schedule.Session, error) {
	return s.querySessions(ctx, `status = 'ongoing' AND NOT register_open_sent
		AND check_in_start <= $1 AND check_in_end >= $1`, now)
}

func (s *Store) ClaimRegisterOpen(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.execChanged(ctx, `
		UPDATE class_sessions SET register_open_sent = TRUE, updated_at = $2
		WHERE id = $1 AND NOT register_open_sent`, id, now)
}

func (s *Store) PendingReconciliation(ctx context.Context, now time.Time) ([]schedule.Session, error) {
	return s.querySessions(ctx, `status <> 'cancelled' AND auto_mark_absent AND check_in_end < $1`, now)
}

func (s *Store) ClearAutoMarkAbsent(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.execChanged(ctx, `
		UPDATE class_sessions SET auto_mark_absent = FALSE, updated_at = $2
		WHERE id = $1 AND auto_mark_absent`, id, now)
}

func (s *Store) PendingFinalization(ctx context.Context, now time.Time) ([]schedule.Session, error) {
	return s.querySessions(ctx, `status <> 'cancelled' AND NOT finalized AND check_out_end < $1`, now)
}

func (s *Store) Finalize(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.execChanged(ctx, `
		UPDATE class_sessions SET finalized = TRUE, status = 'completed', updated_at = $2
		WHERE id = $1 AND NOT finalized AND status <> 'cancelled'`, id, now)
}
