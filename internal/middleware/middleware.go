// Package middleware holds the proxy's inbound gin middleware stack: CORS,
// request-id, zap access logging/recovery, JWT auth and rate limiting.
package middleware

import (
	"fmt"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/requestid"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/zalando-incubator/perron-go"
)

// Middleware holds the dependencies the handler funcs below close over.
type Middleware struct {
	Logger *zap.Logger
}

// New builds a Middleware bound to logger.
func New(logger *zap.Logger) *Middleware {
	return &Middleware{Logger: logger}
}

// CORS configures permissive CORS for the demo proxy.
func (m *Middleware) CORS() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

// RequestID tags every inbound request with a correlation id.
func (m *Middleware) RequestID() gin.HandlerFunc {
	return requestid.New()
}

// RequestLogger logs each request via zap.
func (m *Middleware) RequestLogger() gin.HandlerFunc {
	return ginzap.Ginzap(m.Logger, time.RFC3339, true)
}

// Recovery converts a panic in a downstream handler into a 500 response.
func (m *Middleware) Recovery() gin.HandlerFunc {
	return ginzap.RecoveryWithZap(m.Logger, true)
}

// RateLimit configures a per-client-IP rate limiter in front of the proxy.
func (m *Middleware) RateLimit(period time.Duration, limit int64) gin.HandlerFunc {
	store := memory.NewStore()
	instance := limiter.New(store, limiter.Rate{Period: period, Limit: limit})
	return func(c *gin.Context) {
		ctx, err := instance.Get(c.Request.Context(), c.ClientIP())
		if err != nil {
			m.Logger.Error("rate limiting error", zap.Error(err))
			c.AbortWithStatusJSON(500, gin.H{"error": "internal server error"})
			return
		}
		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", ctx.Limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", ctx.Remaining))
		if ctx.Reached {
			c.AbortWithStatusJSON(429, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

// JWT requires a valid bearer token on the inbound request, verified with
// perron.VerifyBearerToken.
func (m *Middleware) JWT(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.GetHeader("Authorization")
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(401, gin.H{"error": "authorization header required"})
			return
		}
		userID, err := perron.VerifyBearerToken(tokenString, secret)
		if err != nil {
			c.AbortWithStatusJSON(401, gin.H{"error": err.Error()})
			return
		}
		c.Set("user_id", userID)
		c.Next()
	}
}
