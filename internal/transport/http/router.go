package http

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/peruguharika/AspireBridge-Forntend-sub002/internal/config"
	"github.com/peruguharika/AspireBridge-Forntend-sub002/internal/service"
)

func NewRouter(ledger *service.WalletLedger, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, ledger)
	return r
}
