package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/router-for-me/GuestGuard/internal/guard"
)

// GuestHandler serves guest admission endpoints.
type GuestHandler struct {
	quota *guard.QuotaManager
}

// NewGuestHandler constructs a GuestHandler.
func NewGuestHandler(quota *guard.QuotaManager) *GuestHandler {
	return &GuestHandler{quota: quota}
}

// admissionRequest is the body of an admission check.
type admissionRequest struct {
	DeviceID string `json:"device_id"` // Caller-held device identifier.
	Prompt   string `json:"prompt"`    // Generation prompt text.
}

// IssueDevice returns a fresh device identifier for a new guest.
func (h *GuestHandler) IssueDevice(c *gin.Context) {
	c.JSON(http.StatusCreated, gin.H{"device_id": uuid.NewString()})
}

// Admit checks and consumes the daily allowance for one generation.
func (h *GuestHandler) Admit(c *gin.Context) {
	var body admissionRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	body.DeviceID = strings.TrimSpace(body.DeviceID)
	if body.DeviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing device_id"})
		return
	}
	if strings.TrimSpace(body.Prompt) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing prompt"})
		return
	}

	verdict := h.quota.CheckAndConsume(c.Request.Context(), body.DeviceID, body.Prompt)
	status := http.StatusOK
	if !verdict.Allowed {
		status = http.StatusTooManyRequests
		if waitMs := verdict.WaitMs(); waitMs > 0 {
			c.Header("Retry-After", strconv.FormatInt((waitMs+999)/1000, 10))
		}
	}
	c.JSON(status, gin.H{
		"allowed":   verdict.Allowed,
		"remaining": verdict.Remaining,
		"reason":    verdict.Reason,
		"wait_ms":   verdict.WaitMs(),
	})
}

// Quota returns today's unused allowance and phase for a device.
func (h *GuestHandler) Quota(c *gin.Context) {
	deviceID := strings.TrimSpace(c.Param("id"))
	if deviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing device id"})
		return
	}
	remaining, phase := h.quota.Status(c.Request.Context(), deviceID)
	c.JSON(http.StatusOK, gin.H{
		"device_id": deviceID,
		"remaining": remaining,
		"phase":     phase.String(),
	})
}
