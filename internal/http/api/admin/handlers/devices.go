package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/GuestGuard/internal/guard"
	log "github.com/sirupsen/logrus"
)

// DeviceHandler handles operator device endpoints.
type DeviceHandler struct {
	engine *guard.Engine
}

// NewDeviceHandler constructs a DeviceHandler.
func NewDeviceHandler(engine *guard.Engine) *DeviceHandler {
	return &DeviceHandler{engine: engine}
}

// Stats returns diagnostics for one device.
func (h *DeviceHandler) Stats(c *gin.Context) {
	deviceID := strings.TrimSpace(c.Param("id"))
	if deviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing device id"})
		return
	}
	stats := h.engine.GetStats(c.Request.Context(), deviceID)
	out := gin.H{
		"device_id":      deviceID,
		"total_events":   stats.TotalEvents,
		"events_today":   stats.EventsToday,
		"unique_prompts": stats.UniquePrompts,
		"is_suspicious":  stats.IsSuspicious,
		"score":          stats.Score,
		"state":          stats.State.String(),
	}
	if !stats.LockedUntil.IsZero() {
		out["locked_until"] = stats.LockedUntil
	}
	c.JSON(http.StatusOK, out)
}

// Clear forgets one device.
func (h *DeviceHandler) Clear(c *gin.Context) {
	deviceID := strings.TrimSpace(c.Param("id"))
	if deviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing device id"})
		return
	}
	if errClear := h.engine.Clear(c.Request.Context(), deviceID); errClear != nil {
		log.WithError(errClear).WithField("device_id", deviceID).Error("admin: clear device failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "clear device failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ClearAll forgets every device.
func (h *DeviceHandler) ClearAll(c *gin.Context) {
	if errClear := h.engine.ClearAll(c.Request.Context()); errClear != nil {
		log.WithError(errClear).Error("admin: clear all devices failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "clear devices failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
