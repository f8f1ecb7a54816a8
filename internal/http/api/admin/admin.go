package admin

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/GuestGuard/internal/guard"
	handlers "github.com/router-for-me/GuestGuard/internal/http/api/admin/handlers"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RegisterAdminRoutes registers health and operator routes. Operator routes
// are only mounted when token is set.
func RegisterAdminRoutes(r *gin.Engine, engine *guard.Engine, db *gorm.DB, token string) {
	if r == nil || engine == nil {
		return
	}

	healthHandler := handlers.NewHealthHandler(db)
	r.GET("/healthz", healthHandler.Healthz)

	token = strings.TrimSpace(token)
	if token == "" {
		log.Warn("admin routes disabled: no admin token configured")
		return
	}

	authed := r.Group("/v0/admin")
	authed.Use(adminTokenMiddleware(token))

	deviceHandler := handlers.NewDeviceHandler(engine)
	authed.GET("/devices/:id/stats", deviceHandler.Stats)
	authed.DELETE("/devices/:id", deviceHandler.Clear)
	authed.DELETE("/devices", deviceHandler.ClearAll)
}

// adminTokenMiddleware validates the static bearer token.
func adminTokenMiddleware(token string) gin.HandlerFunc {
	expected := []byte(token)
	return func(c *gin.Context) {
		authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		provided := []byte(strings.TrimSpace(parts[1]))
		if subtle.ConstantTimeCompare(provided, expected) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}
