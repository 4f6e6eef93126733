package memory

import (
	"classroll/internal/attendance"
	"classroll/internal/geofence"
	"classroll/internal/lifecycle"
	"classroll/internal/notify"
	"classroll/internal/schedule"
)

var (
	_ schedule.Repository         = (*Store)(nil)
	_ schedule.Seeder             = (*Store)(nil)
	_ attendance.Repository       = (*Store)(nil)
	_ attendance.SessionReader    = (*Store)(nil)
	_ attendance.StudentDirectory = (*Store)(nil)
	_ lifecycle.Store             = (*Store)(nil)
	_ geofence.Provider           = (*Store)(nil)
	_ notify.Inbox                = (*Store)(nil)
	_ notify.Feed                 = (*Store)(nil)
)
