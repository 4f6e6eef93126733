package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classroll/internal/attendance"
	"classroll/internal/geofence"
	"classroll/internal/notify"
	"classroll/internal/schedule"
	"classroll/internal/timewindow"
)

func session(t *testing.T, id string, students ...string) schedule.Session {
	t.Helper()
	w, err := timewindow.Compute(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), "09:00", "10:00", time.UTC)
	require.NoError(t, err)
	return schedule.Session{
		ID:             id,
		Subject:        "Mathematics",
		Title:          "Algebra",
		ScheduledDate:  time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		StartTime:      "09:00",
		EndTime:        "10:00",
		StudentIDs:     students,
		TutorID:        "tutor-1",
		Windows:        w,
		Status:         schedule.StatusScheduled,
		AutoMarkAbsent: true,
	}
}

func TestConcurrentCheckInCreatesOneRecord(t *testing.T) {
	s := New()
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 9, 50, 0, 0, time.UTC)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, applied, err := s.MarkPresent(ctx, "s1", "stu-1", attendance.CheckIn{Time: at, Method: attendance.MethodManual})
			assert.NoError(t, err)
			if applied {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	recs, err := s.ListBySession(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestCheckOutComputesDuration(t *testing.T) {
	s := New()
	ctx := context.Background()
	in := time.Date(2024, 3, 1, 9, 46, 0, 0, time.UTC)

	_, applied, err := s.MarkCheckedOut(ctx, "s1", "stu-1", attendance.CheckOut{Time: in})
	require.NoError(t, err)
	assert.False(t, applied, "no check-in yet")

	_, _, err = s.MarkPresent(ctx, "s1", "stu-1", attendance.CheckIn{Time: in})
	require.NoError(t, err)
	rec, applied, err := s.MarkCheckedOut(ctx, "s1", "stu-1", attendance.CheckOut{Time: in.Add(24*time.Minute + 40*time.Second)})
	require.NoError(t, err)
	require.True(t, applied)
	require.NotNil(t, rec.DurationMinutes)
	assert.Equal(t, 25, *rec.DurationMinutes)

	_, applied, err = s.MarkCheckedOut(ctx, "s1", "stu-1", attendance.CheckOut{Time: in.Add(time.Hour)})
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestMarkAbsentConditions(t *testing.T) {
	s := New()
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 10, 10, 0, 0, time.UTC)

	require.NoError(t, s.SeedAbsent(ctx, "s1", []string{"a", "b", "c", "d"}, at.Add(-time.Hour)))
	_, _, err := s.MarkPresent(ctx, "s1", "b", attendance.CheckIn{Time: at.Add(-20 * time.Minute)})
	require.NoError(t, err)
	c, err := s.GetRecord(ctx, "s1", "c")
	require.NoError(t, err)
	_, err = s.ApplyOverride(ctx, c.ID, attendance.StatusExcused, attendance.Override{By: "t", Reason: "sick", At: at})
	require.NoError(t, err)

	for _, tt := range []struct {
		student string
		want    bool
	}{
		{"a", true},  // seeded absent, not yet auto-marked
		{"a", false}, // second pass is a no-op
		{"b", false}, // present
		{"c", false}, // manual override
		{"e", true},  // no record yet
	} {
		applied, err := s.MarkAbsent(ctx, "s1", tt.student, at)
		require.NoError(t, err)
		assert.Equal(t, tt.want, applied, tt.student)
	}

	a, err := s.GetRecord(ctx, "s1", "a")
	require.NoError(t, err)
	assert.True(t, a.AutoMarked)
	assert.Equal(t, attendance.AutoAbsentNote, a.Notes)
}

func TestStatusAdvancementAndClaims(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, session(t, "s1", "a")))
	cancelled := session(t, "s2", "a")
	cancelled.Status = schedule.StatusCancelled
	require.NoError(t, s.CreateSession(ctx, cancelled))

	n, err := s.StartDue(ctx, time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.StartDue(ctx, time.Date(2024, 3, 1, 9, 31, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Zero(t, n)

	tick := time.Date(2024, 3, 1, 9, 50, 0, 0, time.UTC)
	won, err := s.ClaimRegisterOpen(ctx, "s1", tick)
	require.NoError(t, err)
	assert.True(t, won)
	won, err = s.ClaimRegisterOpen(ctx, "s1", tick)
	require.NoError(t, err)
	assert.False(t, won)

	claimed, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, tick, claimed.UpdatedAt)

	n, err = s.CompleteEnded(ctx, time.Date(2024, 3, 1, 10, 1, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetSession(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusCancelled, got.Status)

	won, err = s.Finalize(ctx, "s2", tick)
	require.NoError(t, err)
	assert.False(t, won)
}

func TestRetention(t *testing.T) {
	s := New()
	ctx := context.Background()
	old := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.SeedAbsent(ctx, "old", []string{"a", "b"}, old))
	require.NoError(t, s.SeedAbsent(ctx, "new", []string{"a"}, recent))

	n, err := s.DeleteOlderThan(ctx, time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = s.GetRecord(ctx, "old", "a")
	assert.ErrorIs(t, err, attendance.ErrRecordNotFound)
	_, err = s.GetRecord(ctx, "new", "a")
	assert.NoError(t, err)
}

func TestGeoFenceDefaultsAndValidation(t *testing.T) {
	s := New()
	ctx := context.Background()

	cfg, err := s.GeoFence(ctx)
	require.NoError(t, err)
	assert.Equal(t, geofence.DefaultConfig(), cfg)

	cfg.RadiusMeters = 10
	assert.Error(t, s.SaveGeoFence(ctx, cfg))

	cfg.RadiusMeters = 500
	require.NoError(t, s.SaveGeoFence(ctx, cfg))
	got, err := s.GeoFence(ctx)
	require.NoError(t, err)
	assert.Equal(t, 500.0, got.RadiusMeters)
}

func TestListNotificationsNewestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"n1", "n2", "n3"} {
		require.NoError(t, s.Deliver(ctx, notify.Notification{ID: id, RecipientID: "stu-1", CreatedAt: base.Add(time.Duration(i) * time.Minute)}))
	}
	require.NoError(t, s.Deliver(ctx, notify.Notification{ID: "other", RecipientID: "stu-2", CreatedAt: base}))

	all, err := s.ListNotifications(ctx, "stu-1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "n3", all[0].ID)
	assert.Equal(t, "n1", all[2].ID)

	top, err := s.ListNotifications(ctx, "stu-1", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"n3", "n2"}, []string{top[0].ID, top[1].ID})

	none, err := s.ListNotifications(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
