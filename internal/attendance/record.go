package attendance

import (
	"math"
	"time"

	"classroll/internal/apperr"
	"classroll/internal/geofence"
)

// Status of a student's attendance for one session.
type Status string

const (
	StatusAbsent    Status = "absent"
	StatusPresent   Status = "present"
	StatusLate      Status = "late"
	StatusExcused   Status = "excused"
	StatusLeftEarly Status = "left_early"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusAbsent, StatusPresent, StatusLate, StatusExcused, StatusLeftEarly:
		return true
	}
	return false
}

// Attended reports present or late.
func (s Status) Attended() bool {
	return s == StatusPresent || s == StatusLate
}

// Method records how a check-in was verified.
type Method string

const (
	MethodLocation   Method = "location"
	MethodWifi       Method = "wifi"
	MethodQR         Method = "qr"
	MethodManual     Method = "manual"
	MethodBoth       Method = "both"
	MethodIPVerified Method = "ip_verified"
)

// Flag is an anomaly tag. Stored, not populated by the check-in flow.
type Flag string

const (
	FlagHighAccuracy       Flag = "high_accuracy"
	FlagSuspiciousLocation Flag = "suspicious_location"
	FlagDifferentDevice    Flag = "different_device"
	FlagOffHours           Flag = "off_hours"
	FlagIPMismatch         Flag = "ip_mismatch"
)

// AutoAbsentNote is written on records created by register-close reconciliation.
const AutoAbsentNote = "Auto-marked by system - Register Closed"

var (
	ErrRecordNotFound    = apperr.NotFound("record_not_found", "attendance record not found")
	ErrStudentNotFound   = apperr.NotFound("student_not_found", "student not found")
	ErrWindowClosed      = apperr.Conflict("window_closed", "register is closed")
	ErrAlreadyCheckedIn  = apperr.Conflict("already_checked_in", "already signed in")
	ErrNotSignedIn       = apperr.Conflict("not_signed_in", "not signed in")
	ErrAlreadyCheckedOut = apperr.Conflict("already_checked_out", "already signed out")
)

// CheckIn is the check-in sub-record.
type CheckIn struct {
	Time               time.Time         `json:"time"`
	Location           *geofence.Reading `json:"location,omitempty"`
	IPAddress          string            `json:"ip_address,omitempty"`
	DeviceID           string            `json:"device_id,omitempty"`
	Method             Method            `json:"method"`
	VerifiedByLocation bool              `json:"verified_by_location"`
	VerifiedByIP       bool              `json:"verified_by_ip"`
}

// CheckOut is the check-out sub-record.
type CheckOut struct {
	Time      time.Time         `json:"time"`
	Location  *geofence.Reading `json:"location,omitempty"`
	IPAddress string            `json:"ip_address,omitempty"`
	DeviceID  string            `json:"device_id,omitempty"`
}

// Override records a manual status change.
type Override struct {
	By          string    `json:"by"`
	Reason      string    `json:"reason"`
	At          time.Time `json:"at"`
	PriorStatus Status    `json:"prior_status"`
}

// Record is one student's attendance for one session. (SessionID, StudentID) is unique.
type Record struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	StudentID       string    `json:"student_id"`
	Status          Status    `json:"status"`
	CheckIn         *CheckIn  `json:"check_in,omitempty"`
	CheckOut        *CheckOut `json:"check_out,omitempty"`
	DurationMinutes *int      `json:"duration_minutes,omitempty"`
	Verified        bool      `json:"verified"`
	Override        *Override `json:"override,omitempty"`
	AutoMarked      bool      `json:"auto_marked"`
	Notes           string    `json:"notes,omitempty"`
	Flags           []Flag    `json:"flags,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// RecomputeDuration sets DurationMinutes from the check-in and check-out times, rounded to
// the nearest minute and never negative. It is cleared when either time is missing.
func (r *Record) RecomputeDuration() {
	if r.CheckIn == nil || r.CheckOut == nil || r.CheckIn.Time.IsZero() || r.CheckOut.Time.IsZero() {
		r.DurationMinutes = nil
		return
	}
	mins := int(math.Round(r.CheckOut.Time.Sub(r.CheckIn.Time).Minutes()))
	if mins < 0 {
		mins = 0
	}
	r.DurationMinutes = &mins
}

// CheckedIn reports whether a check-in time is stamped.
func (r Record) CheckedIn() bool { return r.CheckIn != nil && !r.CheckIn.Time.IsZero() }

// CheckedOut reports whether a check-out time is stamped.
func (r Record) CheckedOut() bool { return r.CheckOut != nil && !r.CheckOut.Time.IsZero() }
