package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/Wei-Shaw/idemgate/internal/config"
	"github.com/Wei-Shaw/idemgate/internal/handler"
	"github.com/Wei-Shaw/idemgate/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/wire"
)

// ProviderSet is the Wire provider set for the server layer
var ProviderSet = wire.NewSet(ProvideHTTPServer)

// ProvideHTTPServer 构建 gin 引擎并装配成 http.Server。
func ProvideHTTPServer(
	handlers *handler.Handlers,
	coordinator *service.IdempotencyCoordinator,
	cfg *config.Config,
) *http.Server {
	switch cfg.Server.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	SetupRouter(engine, handlers, coordinator, cfg)

	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           engine,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeout) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}
}
