// Package timewindow derives the class and attendance instants of a session from its calendar
// date and HH:MM start/end strings. Everything here is pure; callers pass "now" explicitly.
package timewindow

import (
	"strconv"
	"strings"
	"time"

	"classroll/internal/apperr"
	"classroll/internal/validation"
)

// Offsets applied to the class end. The check-in window is anchored to the class END, not
// its start; this is the behaviour of the deployed system and is pinned by tests.
const (
	CheckInOpenBeforeEnd  = 15 * time.Minute
	CheckInCloseAfterEnd  = 5 * time.Minute
	CheckOutOpenBeforeEnd = 15 * time.Minute
	CheckOutCloseAfterEnd = 15 * time.Minute

	MinDurationMinutes = 15
	MaxDurationMinutes = 240
)

// Windows holds every instant the lifecycle and check-in logic compares against.
type Windows struct {
	ClassStart    time.Time `json:"class_start"`
	ClassEnd      time.Time `json:"class_end"`
	CheckInStart  time.Time `json:"check_in_start"`
	CheckInEnd    time.Time `json:"check_in_end"`
	CheckOutStart time.Time `json:"check_out_start"`
	CheckOutEnd   time.Time `json:"check_out_end"`
}

// Valid reports whether the stored instants are internally ordered.
func (w Windows) Valid() bool {
	return w.ClassStart.Before(w.ClassEnd) &&
		!w.CheckInStart.After(w.CheckInEnd) &&
		!w.CheckOutStart.After(w.CheckOutEnd)
}

// ParseClock converts "HH:MM" to minutes past midnight.
func ParseClock(s string) (int, error) {
	if !validation.ClockPattern.MatchString(s) {
		return 0, apperr.Validation("invalid_time", "time must be in HH:MM format",
			apperr.FieldError{Field: "time", Message: "must be in HH:MM format"})
	}
	hh, mm, _ := strings.Cut(s, ":")
	h, _ := strconv.Atoi(hh)
	m, _ := strconv.Atoi(mm)
	return h*60 + m, nil
}

// Combine places the time-of-day in loc on the calendar day of date. Only date's year, month
// and day are used, so a DATE column scanned as UTC midnight keeps its day in any zone.
func Combine(date time.Time, clock string, loc *time.Location) (time.Time, error) {
	mins, err := ParseClock(clock)
	if err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}
	y, mo, d := date.Date()
	return time.Date(y, mo, d, mins/60, mins%60, 0, 0, loc), nil
}

// Compute returns the windows for a session on date running from start to end.
func Compute(date time.Time, start, end string, loc *time.Location) (Windows, error) {
	classStart, err := Combine(date, start, loc)
	if err != nil {
		return Windows{}, err
	}
	classEnd, err := Combine(date, end, loc)
	if err != nil {
		return Windows{}, err
	}
	return Windows{
		ClassStart:    classStart,
		ClassEnd:      classEnd,
		CheckInStart:  classEnd.Add(-CheckInOpenBeforeEnd),
		CheckInEnd:    classEnd.Add(CheckInCloseAfterEnd),
		CheckOutStart: classEnd.Add(-CheckOutOpenBeforeEnd),
		CheckOutEnd:   classEnd.Add(CheckOutCloseAfterEnd),
	}, nil
}

// DurationMinutes is end minus start in minutes. Negative when misordered.
func DurationMinutes(start, end string) (int, error) {
	s, err := ParseClock(start)
	if err != nil {
		return 0, err
	}
	e, err := ParseClock(end)
	if err != nil {
		return 0, err
	}
	return e - s, nil
}

// ValidateDuration enforces the allowed class length.
func ValidateDuration(start, end string) error {
	d, err := DurationMinutes(start, end)
	if err != nil {
		return err
	}
	switch {
	case d <= 0:
		return apperr.Validation("invalid_duration", "endTime must be after startTime",
			apperr.FieldError{Field: "end_time", Message: "must be after start_time"})
	case d < MinDurationMinutes:
		return apperr.Validation("invalid_duration", "class duration must be at least 15 minutes",
			apperr.FieldError{Field: "end_time", Message: "class must last at least 15 minutes"})
	case d > MaxDurationMinutes:
		return apperr.Validation("invalid_duration", "class duration cannot exceed 4 hours",
			apperr.FieldError{Field: "end_time", Message: "class cannot exceed 4 hours"})
	}
	return nil
}

// MinutesUntil is t - now in whole minutes, negative when t is past.
func MinutesUntil(now, t time.Time) int {
	return int(t.Sub(now) / time.Minute)
}

// IsWithinWindow reports start <= now <= end.
func IsWithinWindow(now, start, end time.Time) bool {
	return !now.Before(start) && !now.After(end)
}
