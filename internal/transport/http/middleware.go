package http

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/paylink/ledger-service/internal/credential"
	"github.com/paylink/ledger-service/internal/model"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// LoggingMiddleware prints request/response metrics.
func LoggingMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Infof("%s %s %d %s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

// RateLimitMiddleware simple token bucket per IP.
func RateLimitMiddleware(rps, burst int) gin.HandlerFunc {
	var mu sync.Mutex
	buckets := make(map[string]*rate.Limiter)
	newLimiter := func() *rate.Limiter { return rate.NewLimiter(rate.Limit(rps), burst) }
	return func(c *gin.Context) {
		ip, _, _ := net.SplitHostPort(c.Request.RemoteAddr)
		mu.Lock()
		lim, ok := buckets[ip]
		if !ok {
			lim = newLimiter()
			buckets[ip] = lim
		}
		mu.Unlock()
		if !lim.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

const appKeyContextKey = "app_key"

// AuthMiddleware authenticates "Bearer {public_key}:{secret}" against
// the credential service and appends a usage log row after the handler
// ran. Every rejection is reported the same way.
func AuthMiddleware(creds *credential.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication failed"})
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication failed"})
			return
		}
		key, err := creds.Authenticate(c.Request.Context(), token, c.ClientIP())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication failed"})
			return
		}
		c.Set(appKeyContextKey, key)

		start := time.Now()
		c.Next()

		_ = creds.LogRequest(c.Request.Context(), key.ID,
			c.FullPath(), c.Request.Method, c.ClientIP(),
			c.Writer.Status(), int(time.Since(start).Milliseconds()))
	}
}

// RequireScope rejects authenticated keys lacking the scope.
func RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := AppKeyFromContext(c)
		if !ok || !key.HasScope(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient scope"})
			return
		}
		c.Next()
	}
}

// AppKeyFromContext returns the authenticated key set by
// AuthMiddleware.
func AppKeyFromContext(c *gin.Context) (*model.AppKey, bool) {
	v, ok := c.Get(appKeyContextKey)
	if !ok {
		return nil, false
	}
	key, ok := v.(*model.AppKey)
	return key, ok
}
