package server

import (
	"github.com/Wei-Shaw/idemgate/internal/config"
	"github.com/Wei-Shaw/idemgate/internal/handler"
	middleware2 "github.com/Wei-Shaw/idemgate/internal/server/middleware"
	"github.com/Wei-Shaw/idemgate/internal/service"

	"github.com/gin-gonic/gin"
)

// SetupRouter 配置路由器中间件和路由
func SetupRouter(
	r *gin.Engine,
	handlers *handler.Handlers,
	coordinator *service.IdempotencyCoordinator,
	cfg *config.Config,
) *gin.Engine {
	// 应用中间件
	r.Use(middleware2.RequestID())
	r.Use(middleware2.AccessLogger())
	r.Use(middleware2.Idempotency(middleware2.IdempotencyOptions{
		Coordinator:        coordinator,
		KeyHeader:          cfg.Idempotency.KeyHeader,
		ReplayHeader:       cfg.Idempotency.ReplayHeader,
		RequireKey:         cfg.Idempotency.RequireKey,
		Methods:            cfg.Idempotency.Methods,
		ExcludePaths:       cfg.Idempotency.ExcludePaths,
		FingerprintHeaders: cfg.Idempotency.FingerprintHeaders,
		MaxBodySize:        cfg.Server.MaxRequestBodySize,
	}))

	registerRoutes(r, handlers)
	return r
}

// registerRoutes 注册所有 HTTP 路由
func registerRoutes(r *gin.Engine, h *handler.Handlers) {
	r.GET("/health", h.Ops.Health)

	v1 := r.Group("/api/v1")

	payments := v1.Group("/payments")
	payments.POST("", h.Payments.Create)
	payments.GET("/:id", h.Payments.Get)

	ops := v1.Group("/ops/idempotency")
	ops.GET("/metrics", h.Ops.Metrics)
	ops.POST("/cleanup", h.Ops.Cleanup)
	ops.POST("/sweep", h.Ops.Sweep)
}
