package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"classroll/internal/attendance"
)

const recordColumns = `id, session_id, student_id, status, check_in, check_out, duration_minutes,
	verified, override, auto_marked, notes, flags, created_at, updated_at`

func scanRecord(row rowScanner) (attendance.Record, error) {
	var (
		r                       attendance.Record
		status                  string
		checkIn, checkOut, over []byte
		flags                   []byte
		duration                sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.SessionID, &r.StudentID, &status, &checkIn, &checkOut, &duration,
		&r.Verified, &over, &r.AutoMarked, &r.Notes, &flags, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return attendance.Record{}, err
	}
	r.Status = attendance.Status(status)
	if duration.Valid {
		d := int(duration.Int64)
		r.DurationMinutes = &d
	}
	if r.CheckIn, err = jsonValue[attendance.CheckIn](checkIn); err != nil {
		return attendance.Record{}, fmt.Errorf("decode check_in: %w", err)
	}
	if r.CheckOut, err = jsonValue[attendance.CheckOut](checkOut); err != nil {
		return attendance.Record{}, fmt.Errorf("decode check_out: %w", err)
	}
	if r.Override, err = jsonValue[attendance.Override](over); err != nil {
		return attendance.Record{}, fmt.Errorf("decode override: %w", err)
	}
	if len(flags) > 0 {
		if err := json.Unmarshal(flags, &r.Flags); err != nil {
			return attendance.Record{}, fmt.Errorf("decode flags: %w", err)
		}
	}
	return r, nil
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]attendance.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []attendance.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) SeedAbsent(ctx context.Context, sessionID string, studentIDs []string, at time.Time) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO attendance_records (id, session_id, student_id, status, created_at, updated_at)
			VALUES ($1, $2, $3, 'absent', $4, $4)
			ON CONFLICT (session_id, student_id) DO NOTHING`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, id := range studentIDs {
			if _, err := stmt.ExecContext(ctx, uuid.NewString(), sessionID, id, at); err != nil {
				return fmt.Errorf("seed %s: %w", id, err)
			}
		}
		return nil
	})
}

func (s *Store) GetRecord(ctx context.Context, sessionID, studentID string) (attendance.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM attendance_records
		WHERE session_id = $1 AND student_id = $2`, sessionID, studentID)
	r, err := scanRecord(row)
	if err != nil {
		return attendance.Record{}, notFound(err, attendance.ErrRecordNotFound)
	}
	return r, nil
}

func (s *Store) GetRecordByID(ctx context.Context, id string) (attendance.Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM attendance_records WHERE id = $1`, id))
	if err != nil {
		return attendance.Record{}, notFound(err, attendance.ErrRecordNotFound)
	}
	return r, nil
}

// MarkPresent upserts the pair to present. An existing attended or checked-in record is left
// alone and returned with applied=false.
func (s *Store) MarkPresent(ctx context.Context, sessionID, studentID string, in attendance.CheckIn) (attendance.Record, bool, error) {
	ci, err := jsonArg(&in)
	if err != nil {
		return attendance.Record{}, false, err
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records (id, session_id, student_id, status, check_in, verified, created_at, updated_at)
		VALUES ($1, $2, $3, 'present', $4::jsonb, TRUE, $5, $5)
		ON CONFLICT (session_id, student_id) DO UPDATE
		SET status = 'present', check_in = EXCLUDED.check_in, verified = TRUE, auto_marked = FALSE,
			notes = '', duration_minutes = NULL, updated_at = EXCLUDED.updated_at
		WHERE attendance_records.status NOT IN ('present', 'late') AND attendance_records.check_in IS NULL
		RETURNING `+recordColumns,
		uuid.NewString(), sessionID, studentID, ci, in.Time)
	r, err := scanRecord(row)
	if err == nil {
		return r, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return attendance.Record{}, false, err
	}
	existing, err := s.GetRecord(ctx, sessionID, studentID)
	return existing, false, err
}

// MarkCheckedOut stamps the check-out under a row lock so the duration is computed from the
// committed check-in.
func (s *Store) MarkCheckedOut(ctx context.Context, sessionID, studentID string, out attendance.CheckOut) (attendance.Record, bool, error) {
	var (
		rec     attendance.Record
		applied bool
	)
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		r, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM attendance_records
			WHERE session_id = $1 AND student_id = $2 FOR UPDATE`, sessionID, studentID))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if !r.CheckedIn() || r.CheckedOut() {
			rec = r
			return nil
		}
		co := out
		r.CheckOut = &co
		r.RecomputeDuration()
		r.UpdatedAt = out.Time
		arg, err := jsonArg(r.CheckOut)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE attendance_records SET check_out = $2::jsonb, duration_minutes = $3, updated_at = $4
			WHERE id = $1`, r.ID, arg, r.DurationMinutes, r.UpdatedAt); err != nil {
			return err
		}
		rec, applied = r, true
		return nil
	})
	if err != nil {
		return attendance.Record{}, false, fmt.Errorf("check out: %w", err)
	}
	return rec, applied, nil
}

func (s *Store) ApplyOverride(ctx context.Context, id string, status attendance.Status, ov attendance.Override) (attendance.Record, error) {
	arg, err := jsonArg(&ov)
	if err != nil {
		return attendance.Record{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE attendance_records
		SET status = $2, override = $3::jsonb, verified = TRUE, auto_marked = FALSE, updated_at = $4
		WHERE id = $1
		RETURNING `+recordColumns, id, string(status), arg, ov.At)
	r, err := scanRecord(row)
	if err != nil {
		return attendance.Record{}, notFound(err, attendance.ErrRecordNotFound)
	}
	return r, nil
}

func (s *Store) ListBySession(ctx context.Context, sessionID string) ([]attendance.Record, error) {
	return s.queryRecords(ctx, `SELECT `+recordColumns+` FROM attendance_records
		WHERE session_id = $1 ORDER BY created_at, id`, sessionID)
}

func (s *Store) ListByStudent(ctx context.Context, studentID string) ([]attendance.Record, error) {
	return s.queryRecords(ctx, `SELECT `+recordColumns+` FROM attendance_records
		WHERE student_id = $1 ORDER BY created_at DESC, id`, studentID)
}

func (s *Store) MarkAbsent(ctx context.Context, sessionID, studentID string, at time.Time) (bool, error) {
	return s.execChanged(ctx, `
		INSERT INTO attendance_records (id, session_id, student_id, status, auto_marked, notes, created_at, updated_at)
		VALUES ($1, $2, $3, 'absent', TRUE, $4, $5, $5)
		ON CONFLICT (session_id, student_id) DO UPDATE
		SET status = 'absent', auto_marked = TRUE, notes = EXCLUDED.notes, updated_at = EXCLUDED.updated_at
		WHERE attendance_records.status NOT IN ('present', 'late')
			AND attendance_records.override IS NULL
			AND NOT (attendance_records.status = 'absent' AND attendance_records.auto_marked)`,
		uuid.NewString(), sessionID, studentID, attendance.AutoAbsentNote, at)
}

func (s *Store) MarkLeftEarly(ctx context.Context, sessionID, studentID string, at time.Time) (bool, error) {
	return s.execChanged(ctx, `
		UPDATE attendance_records SET status = 'left_early', updated_at = $3
		WHERE session_id = $1 AND student_id = $2 AND status = 'present'
			AND check_in IS NOT NULL AND check_out IS NULL`, sessionID, studentID, at)
}

func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.execCount(ctx, `DELETE FROM attendance_records WHERE created_at < $1`, cutoff)
}
