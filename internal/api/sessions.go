package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"classroll/internal/apperr"
	"classroll/internal/schedule"
)

// defaultHorizon bounds the student timetable when no range is given.
const defaultHorizon = 7 * 24 * time.Hour

func (h *Handler) createSession(c *gin.Context) {
	var in schedule.NewSession
	if err := bind(c, &in); err != nil {
		h.fail(c, err)
		return
	}
	sess, err := h.sessions.CreateSession(c.Request.Context(), principal(c), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (h *Handler) getSession(c *gin.Context) {
	sess, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Handler) rescheduleSession(c *gin.Context) {
	var in schedule.Reschedule
	if err := bind(c, &in); err != nil {
		h.fail(c, err)
		return
	}
	sess, err := h.sessions.UpdateSessionTime(c.Request.Context(), principal(c), c.Param("id"), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Handler) cancelSession(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength > 0 {
		if err := bind(c, &req); err != nil {
			h.fail(c, err)
			return
		}
	}
	sess, err := h.sessions.CancelSession(c.Request.Context(), principal(c), c.Param("id"), req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// studentSessions lists a student's upcoming classes. from and to are RFC 3339 and default to
// now and a week ahead.
func (h *Handler) studentSessions(c *gin.Context) {
	from := h.clock.Now()
	to := from.Add(defaultHorizon)
	var err error
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			h.fail(c, apperr.Validation("invalid_range", "from must be RFC 3339",
				apperr.FieldError{Field: "from", Message: "must be RFC 3339"}))
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			h.fail(c, apperr.Validation("invalid_range", "to must be RFC 3339",
				apperr.FieldError{Field: "to", Message: "must be RFC 3339"}))
			return
		}
	}
	out, err := h.sessions.ListForStudent(c.Request.Context(), principal(c), c.Param("id"), from, to)
	if err != nil {
		h.fail(c, err)
		return
	}
	if out == nil {
		out = []schedule.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}
