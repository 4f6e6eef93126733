package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"classroll/internal/apperr"
	"classroll/internal/attendance"
	"classroll/internal/geofence"
	"classroll/internal/notify"
)

type registerRequest struct {
	DeviceID string            `json:"device_id"`
	Location *geofence.Reading `json:"location"`
}

// bindOptional decodes a body when one was sent. Check-in without location is allowed.
func bindOptional(c *gin.Context, v any) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	return bind(c, v)
}

func (h *Handler) availability(c *gin.Context) {
	a, err := h.attendance.Availability(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *Handler) checkIn(c *gin.Context) {
	var req registerRequest
	if err := bindOptional(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	rec, err := h.attendance.CheckIn(c.Request.Context(), attendance.CheckInRequest{
		SessionID: c.Param("id"),
		StudentID: principal(c).UserID,
		IPAddress: c.ClientIP(),
		DeviceID:  req.DeviceID,
		Location:  req.Location,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *Handler) checkOut(c *gin.Context) {
	var req registerRequest
	if err := bindOptional(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	rec, err := h.attendance.CheckOut(c.Request.Context(), attendance.CheckOutRequest{
		SessionID: c.Param("id"),
		StudentID: principal(c).UserID,
		IPAddress: c.ClientIP(),
		DeviceID:  req.DeviceID,
		Location:  req.Location,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) sessionAttendance(c *gin.Context) {
	report, err := h.attendance.SessionReport(c.Request.Context(), principal(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) studentAttendance(c *gin.Context) {
	recs, err := h.attendance.History(c.Request.Context(), principal(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if recs == nil {
		recs = []attendance.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

func (h *Handler) override(c *gin.Context) {
	var req struct {
		Status attendance.Status `json:"status"`
		Reason string            `json:"reason"`
	}
	if err := bind(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	rec, err := h.attendance.Override(c.Request.Context(), principal(c), c.Param("id"), req.Status, req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// notifications returns the caller's own inbox, newest first.
func (h *Handler) notifications(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	out, err := h.feed.ListNotifications(c.Request.Context(), principal(c).UserID, limit)
	if err != nil {
		h.fail(c, apperr.Transient(err, "list notifications"))
		return
	}
	if out == nil {
		out = []notify.Notification{}
	}
	c.JSON(http.StatusOK, gin.H{"notifications": out})
}
