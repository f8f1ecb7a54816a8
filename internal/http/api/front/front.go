package front

import (
	"github.com/gin-gonic/gin"
	"github.com/router-for-me/GuestGuard/internal/fingerprint"
	"github.com/router-for-me/GuestGuard/internal/guard"
	handlers "github.com/router-for-me/GuestGuard/internal/http/api/front/handlers"
)

// ContextKeyFingerprint is the gin context key holding the request fingerprint.
const ContextKeyFingerprint = "fingerprint"

// RegisterFrontRoutes registers guest routes, middleware, and handlers.
func RegisterFrontRoutes(r *gin.Engine, quota *guard.QuotaManager) {
	if r == nil || quota == nil {
		return
	}

	guest := r.Group("/v1/guest")
	guest.Use(fingerprintMiddleware())

	guestHandler := handlers.NewGuestHandler(quota)
	guest.POST("/device", guestHandler.IssueDevice)
	guest.POST("/admission", guestHandler.Admit)
	guest.GET("/quota/:id", guestHandler.Quota)
}

// fingerprintMiddleware derives the environment fingerprint from request
// headers and carries it on the request context.
func fingerprintMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		fp := fingerprint.FromRequest(c.Request)
		if fp != fingerprint.Unknown {
			c.Request = c.Request.WithContext(fingerprint.WithValue(c.Request.Context(), fp))
			c.Set(ContextKeyFingerprint, fp)
		}
		c.Next()
	}
}
