package http

import (
	"github.com/gin-gonic/gin"
	"github.com/paylink/ledger-service/internal/config"
	"github.com/paylink/ledger-service/internal/credential"
	"github.com/paylink/ledger-service/internal/ledger"
	"go.uber.org/zap"
)

// NewRouter wires middleware and handlers. Partner/key management is
// open (fronted by the operator network); the ledger routes require an
// API key.
func NewRouter(led *ledger.Service, creds *credential.Service, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, led, creds)
	return r
}
