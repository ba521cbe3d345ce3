package httpx

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gebeyahub/backend/internal/checkout"
)

func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader("X-Request-ID")
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set("rid", rid)
		c.Writer.Header().Set("X-Request-ID", rid)
		c.Next()
	}
}

func Logger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		rid := c.GetString("rid")
		log.Info("http request",
			zap.String("rid", rid),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}

const userKey = "httpx.user"

// Auth trusts the identity headers stamped by the gateway in front of this
// service. No user id means the request never passed the gateway.
func Auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-User-ID")
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Set(userKey, checkout.User{
			ID:        id,
			Email:     c.GetHeader("X-User-Email"),
			FirstName: c.GetHeader("X-User-First-Name"),
			LastName:  c.GetHeader("X-User-Last-Name"),
		})
		c.Next()
	}
}

// CurrentUser returns the principal set by Auth.
func CurrentUser(c *gin.Context) checkout.User {
	v, _ := c.Get(userKey)
	u, _ := v.(checkout.User)
	return u
}
