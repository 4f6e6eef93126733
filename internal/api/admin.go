package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"classroll/internal/apperr"
	"classroll/internal/attendance"
	"classroll/internal/geofence"
)

// runLifecycle runs one tick now. Partial failures still return the counts.
func (h *Handler) runLifecycle(c *gin.Context) {
	res, err := h.job.AdvanceLifecycle(c.Request.Context(), h.clock.Now())
	body := gin.H{"result": res}
	if err != nil {
		h.log.Warn().Err(err).Str("by", principal(c).UserID).Msg("manual lifecycle tick had failures")
		body["error"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) getGeoFence(c *gin.Context) {
	cfg, err := h.fence.GeoFence(c.Request.Context())
	if err != nil {
		h.fail(c, apperr.Transient(err, "load geofence"))
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (h *Handler) putGeoFence(c *gin.Context) {
	var cfg geofence.Config
	if err := bind(c, &cfg); err != nil {
		h.fail(c, err)
		return
	}
	if err := cfg.Validate(); err != nil {
		h.fail(c, err)
		return
	}
	if err := h.fence.SaveGeoFence(c.Request.Context(), cfg); err != nil {
		h.fail(c, apperr.Transient(err, "save geofence"))
		return
	}
	h.log.Info().
		Str("by", principal(c).UserID).
		Float64("radius_meters", cfg.RadiusMeters).
		Bool("enabled", cfg.Enabled).
		Msg("geofence updated")
	c.JSON(http.StatusOK, cfg)
}

func (h *Handler) upsertStudent(c *gin.Context) {
	var req struct {
		Name        string   `json:"name"`
		Grade       string   `json:"grade"`
		GuardianIDs []string `json:"guardian_ids"`
	}
	if err := bind(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	st := attendance.Student{
		ID:          c.Param("id"),
		Name:        strings.TrimSpace(req.Name),
		Grade:       strings.TrimSpace(req.Grade),
		GuardianIDs: []string{},
		CreatedAt:   h.clock.Now(),
	}
	for _, id := range req.GuardianIDs {
		if id = strings.TrimSpace(id); id != "" {
			st.GuardianIDs = append(st.GuardianIDs, id)
		}
	}
	if st.Name == "" {
		h.fail(c, apperr.Validation("invalid_input", "name: is required",
			apperr.FieldError{Field: "name", Message: "is required"}))
		return
	}
	if err := h.students.UpsertStudent(c.Request.Context(), st); err != nil {
		h.fail(c, apperr.Transient(err, "save student"))
		return
	}
	c.JSON(http.StatusOK, st)
}
