// Package api exposes the scheduling and attendance services over HTTP with gin.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"classroll/internal/apperr"
	"classroll/internal/attendance"
	"classroll/internal/auth"
	"classroll/internal/clock"
	"classroll/internal/geofence"
	"classroll/internal/lifecycle"
	"classroll/internal/notify"
	"classroll/internal/schedule"
)

// StudentWriter creates or updates student profiles.
type StudentWriter interface {
	UpsertStudent(ctx context.Context, st attendance.Student) error
}

// Deps are the collaborators behind the routes.
type Deps struct {
	Sessions   *schedule.Service
	Attendance *attendance.Service
	Lifecycle  *lifecycle.Job
	Fence      geofence.Provider
	Students   StudentWriter
	Feed       notify.Feed
	Clock      clock.Clock
	Log        zerolog.Logger
}

// Handler serves the /v1 routes.
type Handler struct {
	sessions   *schedule.Service
	attendance *attendance.Service
	job        *lifecycle.Job
	fence      geofence.Provider
	students   StudentWriter
	feed       notify.Feed
	clock      clock.Clock
	log        zerolog.Logger
}

func New(d Deps) *Handler {
	if d.Clock == nil {
		d.Clock = clock.System{}
	}
	return &Handler{
		sessions:   d.Sessions,
		attendance: d.Attendance,
		job:        d.Lifecycle,
		fence:      d.Fence,
		students:   d.Students,
		feed:       d.Feed,
		clock:      d.Clock,
		log:        d.Log,
	}
}

// Register mounts the routes on rg, which must already authenticate callers.
func (h *Handler) Register(rg *gin.RouterGroup) {
	sessions := rg.Group("/sessions")
	sessions.POST("", h.createSession)
	sessions.GET("/:id", h.getSession)
	sessions.PUT("/:id/time", h.rescheduleSession)
	sessions.POST("/:id/cancel", h.cancelSession)
	sessions.GET("/:id/availability", h.availability)
	sessions.POST("/:id/checkin", auth.RequireRole(auth.RoleStudent), h.checkIn)
	sessions.POST("/:id/checkout", auth.RequireRole(auth.RoleStudent), h.checkOut)
	sessions.GET("/:id/attendance", h.sessionAttendance)

	rg.GET("/students/:id/attendance", h.studentAttendance)
	rg.GET("/students/:id/sessions", h.studentSessions)
	rg.POST("/attendance/:id/override", h.override)
	rg.GET("/notifications", h.notifications)

	admin := rg.Group("/admin", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/lifecycle/run", h.runLifecycle)
	admin.GET("/geofence", h.getGeoFence)
	admin.PUT("/geofence", h.putGeoFence)
	admin.PUT("/students/:id", h.upsertStudent)
}

// principal is set by auth.Authenticate; its absence is a wiring bug.
func principal(c *gin.Context) auth.Principal {
	p, _ := auth.PrincipalFrom(c)
	return p
}

func statusOf(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as JSON with the status derived from its kind.
func (h *Handler) fail(c *gin.Context, err error) {
	status := statusOf(err)
	body := gin.H{"error": err.Error(), "code": apperr.CodeOf(err)}
	if fields := apperr.FieldsOf(err); len(fields) > 0 {
		body["fields"] = fields
	}
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
		body["error"] = http.StatusText(status)
		var ae *apperr.Error
		if errors.As(err, &ae) && ae.Message != "" {
			body["error"] = ae.Message
		}
	}
	c.AbortWithStatusJSON(status, body)
}

// bind decodes the JSON body. Decoding failures are validation errors.
func bind(c *gin.Context, v any) error {
	if err := c.ShouldBindJSON(v); err != nil {
		return apperr.Validation("invalid_body", "request body is not valid JSON: "+err.Error())
	}
	return nil
}
