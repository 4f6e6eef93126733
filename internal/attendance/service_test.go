package attendance_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classroll/internal/apperr"
	"classroll/internal/attendance"
	"classroll/internal/auth"
	"classroll/internal/clock"
	"classroll/internal/geofence"
	"classroll/internal/notify"
	"classroll/internal/schedule"
	"classroll/internal/store/memory"
	"classroll/internal/timewindow"
)

func at(h, m, s int) time.Time {
	return time.Date(2024, 3, 1, h, m, s, 0, time.UTC)
}

type fixture struct {
	store *memory.Store
	sink  *notify.Recorder
	clock *clock.Manual
	svc   *attendance.Service
}

func setup(t *testing.T, opts attendance.Options) fixture {
	t.Helper()
	f := fixture{
		store: memory.New(),
		sink:  notify.NewRecorder(),
		clock: clock.NewManual(at(9, 50, 0)),
	}
	ctx := context.Background()
	for _, id := range []string{"stu-1", "stu-2", "stu-9"} {
		require.NoError(t, f.store.UpsertStudent(ctx, attendance.Student{ID: id, Name: id, Grade: "Grade 10"}))
	}
	date := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	w, err := timewindow.Compute(date, "09:00", "10:00", time.UTC)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateSession(ctx, schedule.Session{
		ID:             "s1",
		Subject:        "Mathematics",
		Grade:          "Grade 10",
		Title:          "Algebra",
		ScheduledDate:  date,
		StartTime:      "09:00",
		EndTime:        "10:00",
		Room:           "B12",
		StudentIDs:     []string{"stu-1", "stu-2"},
		TutorID:        "tutor-1",
		Windows:        w,
		Status:         schedule.StatusOngoing,
		AutoMarkAbsent: true,
	}))
	require.NoError(t, f.store.SeedAbsent(ctx, "s1", []string{"stu-1", "stu-2"}, at(7, 0, 0)))
	f.svc = attendance.NewService(f.store, f.store, f.store, f.store, f.sink, f.clock, opts, zerolog.Nop())
	return f
}

func req(student string) attendance.CheckInRequest {
	return attendance.CheckInRequest{SessionID: "s1", StudentID: student, IPAddress: "10.0.0.5"}
}

func reading(lat, lng float64) *geofence.Reading {
	acc := 15.0
	return &geofence.Reading{Point: geofence.Point{Lat: lat, Lng: lng}, Accuracy: &acc}
}

func TestCheckInWindowBoundaries(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		ok   bool
	}{
		{"before window", at(9, 44, 59), false},
		{"window opens", at(9, 45, 0), true},
		{"inside", at(9, 58, 0), true},
		{"window closes", at(10, 5, 0), true},
		{"after window", at(10, 5, 1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, attendance.Options{})
			f.clock.Set(tt.now)
			rec, err := f.svc.CheckIn(context.Background(), req("stu-1"))
			if !tt.ok {
				assert.ErrorIs(t, err, attendance.ErrWindowClosed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, attendance.StatusPresent, rec.Status)
			assert.Equal(t, tt.now, rec.CheckIn.Time)
		})
	}
}

func TestCheckIn(t *testing.T) {
	f := setup(t, attendance.Options{})
	ctx := context.Background()

	rec, err := f.svc.CheckIn(ctx, req("stu-1"))
	require.NoError(t, err)
	assert.Equal(t, attendance.StatusPresent, rec.Status)
	assert.True(t, rec.Verified)
	assert.Equal(t, attendance.MethodManual, rec.CheckIn.Method)
	assert.Equal(t, "unknown", rec.CheckIn.DeviceID)
	assert.Equal(t, "10.0.0.5", rec.CheckIn.IPAddress)

	confirmations := f.sink.OfType(notify.TypeAttendanceConfirmation)
	require.Len(t, confirmations, 1)
	assert.Equal(t, "stu-1", confirmations[0].RecipientID)

	records, err := f.store.ListBySession(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, records, 2, "check-in updates the seeded record")
}

func TestCheckInConfirmsToGuardians(t *testing.T) {
	f := setup(t, attendance.Options{})
	ctx := context.Background()
	require.NoError(t, f.store.UpsertStudent(ctx, attendance.Student{
		ID: "stu-1", Name: "Thandi", GuardianIDs: []string{"mum-1", "dad-1"},
	}))

	_, err := f.svc.CheckIn(ctx, req("stu-1"))
	require.NoError(t, err)

	byRecipient := map[string]notify.Notification{}
	for _, n := range f.sink.OfType(notify.TypeAttendanceConfirmation) {
		byRecipient[n.RecipientID] = n
	}
	require.Len(t, byRecipient, 3)
	assert.Equal(t, notify.RecipientStudent, byRecipient["stu-1"].RecipientType)
	for _, g := range []string{"mum-1", "dad-1"} {
		n := byRecipient[g]
		assert.Equal(t, notify.RecipientParent, n.RecipientType, g)
		assert.Equal(t, "stu-1", n.Data["student_id"])
		assert.Contains(t, n.Body, "Thandi")
	}
}

func TestCheckInTwice(t *testing.T) {
	f := setup(t, attendance.Options{})
	ctx := context.Background()

	first, err := f.svc.CheckIn(ctx, req("stu-1"))
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	_, err = f.svc.CheckIn(ctx, req("stu-1"))
	assert.ErrorIs(t, err, attendance.ErrAlreadyCheckedIn)

	got, err := f.store.GetRecord(ctx, "s1", "stu-1")
	require.NoError(t, err)
	assert.Equal(t, first.CheckIn.Time, got.CheckIn.Time)
	assert.Len(t, f.sink.OfType(notify.TypeAttendanceConfirmation), 1)
}

func TestCheckInRejections(t *testing.T) {
	tests := []struct {
		name  string
		opts  attendance.Options
		setup func(*testing.T, fixture)
		req   attendance.CheckInRequest
		kind  apperr.Kind
		code  string
	}{
		{
			name: "unknown student",
			req:  req("ghost"),
			kind: apperr.KindNotFound,
			code: "student_not_found",
		},
		{
			name: "unknown session",
			req:  attendance.CheckInRequest{SessionID: "nope", StudentID: "stu-1"},
			kind: apperr.KindNotFound,
			code: "session_not_found",
		},
		{
			name: "not enrolled",
			req:  req("stu-9"),
			kind: apperr.KindForbidden,
			code: "not_enrolled",
		},
		{
			name: "cancelled class",
			setup: func(t *testing.T, f fixture) {
				_, err := f.store.CancelSession(context.Background(), "s1", "storm", at(8, 0, 0))
				require.NoError(t, err)
			},
			req:  req("stu-1"),
			kind: apperr.KindConflict,
			code: "session_cancelled",
		},
		{
			name: "off school network",
			opts: attendance.Options{SchoolIP: "196.22.1.1"},
			req:  req("stu-1"),
			kind: apperr.KindForbidden,
			code: "school_network_required",
		},
		{
			name: "outside geofence",
			req: attendance.CheckInRequest{
				SessionID: "s1", StudentID: "stu-1", Location: reading(-26.2141, 28.0473),
			},
			kind: apperr.KindForbidden,
			code: "outside_geofence",
		},
		{
			name: "invalid coordinates",
			req: attendance.CheckInRequest{
				SessionID: "s1", StudentID: "stu-1", Location: reading(95, 28.0473),
			},
			kind: apperr.KindValidation,
			code: "invalid_location",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, tt.opts)
			if tt.setup != nil {
				tt.setup(t, f)
			}
			_, err := f.svc.CheckIn(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
			assert.Equal(t, tt.code, apperr.CodeOf(err))
			assert.Empty(t, f.sink.Sent())
		})
	}
}

func TestCheckInCompletedClassInsideWindow(t *testing.T) {
	f := setup(t, attendance.Options{})
	ctx := context.Background()
	_, err := f.store.CompleteEnded(ctx, at(10, 1, 0))
	require.NoError(t, err)

	f.clock.Set(at(10, 3, 0))
	_, err = f.svc.CheckIn(ctx, req("stu-1"))
	assert.NoError(t, err, "the register stays open for five minutes after the class ends")
}

func TestCheckInVerificationMethod(t *testing.T) {
	near := reading(-26.2041, 28.0478)
	tests := []struct {
		name     string
		opts     attendance.Options
		ip       string
		location *geofence.Reading
		want     attendance.Method
	}{
		{"nothing", attendance.Options{}, "10.0.0.5", nil, attendance.MethodManual},
		{"location", attendance.Options{}, "10.0.0.5", near, attendance.MethodLocation},
		{"ip", attendance.Options{SchoolIP: "196.22.1.1"}, "::ffff:196.22.1.1", nil, attendance.MethodIPVerified},
		{"both", attendance.Options{SchoolIP: "196.22.1.1"}, "196.22.1.1", near, attendance.MethodBoth},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, tt.opts)
			rec, err := f.svc.CheckIn(context.Background(), attendance.CheckInRequest{
				SessionID: "s1", StudentID: "stu-1", IPAddress: tt.ip, Location: tt.location, DeviceID: "phone-1",
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, rec.CheckIn.Method)
			assert.Equal(t, "phone-1", rec.CheckIn.DeviceID)
		})
	}
}

func TestCheckInDisabledFenceIsNotVerification(t *testing.T) {
	f := setup(t, attendance.Options{})
	ctx := context.Background()
	cfg := geofence.DefaultConfig()
	cfg.Enabled = false
	require.NoError(t, f.store.SaveGeoFence(ctx, cfg))

	rec, err := f.svc.CheckIn(ctx, attendance.CheckInRequest{
		SessionID: "s1", StudentID: "stu-1", Location: reading(-33.9249, 18.4241),
	})
	require.NoError(t, err)
	assert.Equal(t, attendance.MethodManual, rec.CheckIn.Method)
	assert.False(t, rec.CheckIn.VerifiedByLocation)
}

func TestConfirmationFailureIsSwallowed(t *testing.T) {
	f := setup(t, attendance.Options{})
	f.sink.Fail(errors.New("push provider down"))

	rec, err := f.svc.CheckIn(context.Background(), req("stu-1"))
	require.NoError(t, err)
	assert.Equal(t, attendance.StatusPresent, rec.Status)
}

func TestCheckOut(t *testing.T) {
	f := setup(t, attendance.Options{})
	ctx := context.Background()
	out := attendance.CheckOutRequest{SessionID: "s1", StudentID: "stu-1", IPAddress: "10.0.0.5"}

	_, err := f.svc.CheckOut(ctx, out)
	assert.ErrorIs(t, err, attendance.ErrNotSignedIn)

	_, err = f.svc.CheckIn(ctx, req("stu-1"))
	require.NoError(t, err)

	f.clock.Set(at(10, 12, 30))
	rec, err := f.svc.CheckOut(ctx, out)
	require.NoError(t, err)
	require.NotNil(t, rec.DurationMinutes)
	assert.GreaterOrEqual(t, *rec.DurationMinutes, 0)
	assert.Equal(t, 23, *rec.DurationMinutes)
	assert.Equal(t, attendance.StatusPresent, rec.Status)

	_, err = f.svc.CheckOut(ctx, out)
	assert.ErrorIs(t, err, attendance.ErrAlreadyCheckedOut)
}

func TestCheckOutWindow(t *testing.T) {
	f := setup(t, attendance.Options{})
	ctx := context.Background()
	_, err := f.svc.CheckIn(ctx, req("stu-1"))
	require.NoError(t, err)

	f.clock.Set(at(10, 15, 1))
	_, err = f.svc.CheckOut(ctx, attendance.CheckOutRequest{SessionID: "s1", StudentID: "stu-1"})
	assert.ErrorIs(t, err, attendance.ErrWindowClosed)
}

func TestCheckOutOutsideGeofence(t *testing.T) {
	f := setup(t, attendance.Options{})
	ctx := context.Background()
	_, err := f.svc.CheckIn(ctx, req("stu-1"))
	require.NoError(t, err)

	_, err = f.svc.CheckOut(ctx, attendance.CheckOutRequest{
		SessionID: "s1", StudentID: "stu-1", Location: reading(-26.2141, 28.0473),
	})
	assert.ErrorIs(t, err, geofence.ErrOutsideGeofence)
}

func TestOverride(t *testing.T) {
	f := setup(t, attendance.Options{})
	ctx := context.Background()
	rec, err := f.store.GetRecord(ctx, "s1", "stu-2")
	require.NoError(t, err)

	tutor := auth.Principal{UserID: "tutor-1", Role: auth.RoleTutor}
	f.clock.Set(at(11, 0, 0))
	got, err := f.svc.Override(ctx, tutor, rec.ID, attendance.StatusExcused, " doctor's note ")
	require.NoError(t, err)
	assert.Equal(t, attendance.StatusExcused, got.Status)
	require.NotNil(t, got.Override)
	assert.Equal(t, "tutor-1", got.Override.By)
	assert.Equal(t, "doctor's note", got.Override.Reason)
	assert.Equal(t, attendance.StatusAbsent, got.Override.PriorStatus)
	assert.Equal(t, at(11, 0, 0), got.Override.At)

	_, err = f.svc.Override(ctx, auth.Principal{UserID: "tutor-2", Role: auth.RoleTutor}, rec.ID, attendance.StatusPresent, "x")
	assert.Equal(t, "not_owner", apperr.CodeOf(err))

	_, err = f.svc.Override(ctx, auth.Principal{UserID: "stu-2", Role: auth.RoleStudent}, rec.ID, attendance.StatusPresent, "x")
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	admin := auth.Principal{UserID: "admin-1", Role: auth.RoleAdmin}
	_, err = f.svc.Override(ctx, admin, rec.ID, attendance.Status("vanished"), "x")
	assert.Equal(t, "invalid_status", apperr.CodeOf(err))

	_, err = f.svc.Override(ctx, admin, rec.ID, attendance.StatusPresent, "  ")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = f.svc.Override(ctx, admin, "missing", attendance.StatusPresent, "x")
	assert.ErrorIs(t, err, attendance.ErrRecordNotFound)
}

func TestSessionReportAndHistory(t *testing.T) {
	f := setup(t, attendance.Options{})
	ctx := context.Background()
	_, err := f.svc.CheckIn(ctx, req("stu-1"))
	require.NoError(t, err)

	tutor := auth.Principal{UserID: "tutor-1", Role: auth.RoleTutor}
	report, err := f.svc.SessionReport(ctx, tutor, "s1")
	require.NoError(t, err)
	assert.Len(t, report.Records, 2)
	assert.Equal(t, map[attendance.Status]int{attendance.StatusPresent: 1, attendance.StatusAbsent: 1}, report.Summary)

	_, err = f.svc.SessionReport(ctx, auth.Principal{UserID: "tutor-2", Role: auth.RoleTutor}, "s1")
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	me := auth.Principal{UserID: "stu-1", Role: auth.RoleStudent}
	history, err := f.svc.History(ctx, me, "stu-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, attendance.StatusPresent, history[0].Status)

	_, err = f.svc.History(ctx, me, "stu-2")
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	require.NoError(t, f.store.UpsertStudent(ctx, attendance.Student{ID: "stu-1", Name: "Thandi", GuardianIDs: []string{"mum-1"}}))
	mum := auth.Principal{UserID: "mum-1", Role: auth.RoleParent}
	history, err = f.svc.History(ctx, mum, "stu-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
	_, err = f.svc.History(ctx, mum, "stu-2")
	assert.Equal(t, "not_guardian", apperr.CodeOf(err))
	_, err = f.svc.History(ctx, mum, "stu-404")
	assert.Equal(t, "not_guardian", apperr.CodeOf(err))
}

func TestAvailability(t *testing.T) {
	f := setup(t, attendance.Options{})
	ctx := context.Background()

	f.clock.Set(at(9, 50, 0))
	a, err := f.svc.Availability(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, a.CheckIn)
	assert.True(t, a.CheckOut)
	assert.Equal(t, 15, a.MinutesLeft)

	f.clock.Set(at(10, 10, 0))
	a, err = f.svc.Availability(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, a.CheckIn)
	assert.True(t, a.CheckOut)
	assert.Zero(t, a.MinutesLeft)

	_, err = f.svc.Availability(ctx, "missing")
	assert.ErrorIs(t, err, schedule.ErrNotFound)
}
