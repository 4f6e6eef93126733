package attendance

import (
	"context"
	"errors"
	"time"

	"classroll/internal/notify"
	"classroll/internal/schedule"
)

// Repository persists attendance records. Implementations enforce one record per
// (session, student) and call RecomputeDuration on every write.
type Repository interface {
	GetRecord(ctx context.Context, sessionID, studentID string) (Record, error)
	GetRecordByID(ctx context.Context, id string) (Record, error)
	// MarkPresent upserts the record to present with the given check-in unless it is already
	// present. The bool reports whether the write applied.
	MarkPresent(ctx context.Context, sessionID, studentID string, in CheckIn) (Record, bool, error)
	// MarkCheckedOut stamps the check-out on a checked-in record that has none yet.
	MarkCheckedOut(ctx context.Context, sessionID, studentID string, out CheckOut) (Record, bool, error)
	// ApplyOverride sets status and override details on the record.
	ApplyOverride(ctx context.Context, id string, status Status, ov Override) (Record, error)
	ListBySession(ctx context.Context, sessionID string) ([]Record, error)
	ListByStudent(ctx context.Context, studentID string) ([]Record, error)
}

// SessionReader loads sessions.
type SessionReader interface {
	GetSession(ctx context.Context, id string) (schedule.Session, error)
}

// StudentDirectory looks up student profiles.
type StudentDirectory interface {
	StudentExists(ctx context.Context, id string) (bool, error)
	// GetStudent returns ErrStudentNotFound for unknown ids.
	GetStudent(ctx context.Context, id string) (Student, error)
}

// Student is a minimal student profile. GuardianIDs are the parent accounts that receive
// attendance alerts for the student.
type Student struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Grade       string    `json:"grade"`
	GuardianIDs []string  `json:"guardian_ids"`
	CreatedAt   time.Time `json:"created_at"`
}

// GuardianNotices builds one notification per guardian of studentID. Unknown students have
// no guardians.
func GuardianNotices(ctx context.Context, lookup func(context.Context, string) (Student, error), studentID string,
	build func(guardianID string, child notify.Child) notify.Notification) ([]notify.Notification, error) {
	st, err := lookup(ctx, studentID)
	if errors.Is(err, ErrStudentNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]notify.Notification, 0, len(st.GuardianIDs))
	child := notify.Child{ID: st.ID, Name: st.Name}
	for _, id := range st.GuardianIDs {
		out = append(out, build(id, child))
	}
	return out, nil
}

// HasGuardian reports whether userID is one of the student's guardians.
func (s Student) HasGuardian(userID string) bool {
	for _, id := range s.GuardianIDs {
		if id == userID {
			return true
		}
	}
	return false
}
