package middleware

import (
	"time"

	"github.com/Wei-Shaw/idemgate/internal/pkg/ctxkey"
	"github.com/Wei-Shaw/idemgate/internal/pkg/logger"
	"github.com/Wei-Shaw/idemgate/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AccessLogger 请求日志中间件
func AccessLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		path := c.Request.URL.Path

		c.Next()

		// 跳过健康检查等高频探针路径的日志
		if path == "/health" {
			return
		}

		latency := time.Since(startTime)
		fields := []zap.Field{
			zap.String("component", "http.access"),
			zap.Int("status_code", c.Writer.Status()),
			zap.Int64("latency_ms", latency.Milliseconds()),
			zap.String("client_ip", c.ClientIP()),
			zap.String("protocol", c.Request.Proto),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
		}
		if key, ok := c.Request.Context().Value(ctxkey.IdempotencyKey).(string); ok && key != "" {
			// 只记录键的哈希，幂等键可能含业务单号等敏感信息。
			fields = append(fields, zap.String("idempotency_key_hash", service.AuditKeyHash(key)))
		}
		if replayed := c.Writer.Header().Get("Idempotency-Replayed"); replayed != "" {
			fields = append(fields, zap.String("idempotency_replayed", replayed))
		}

		l := logger.FromContext(c.Request.Context()).With(fields...)
		l.Info("http request completed")

		if len(c.Errors) > 0 {
			l.Warn("http request contains gin errors", zap.String("errors", c.Errors.String()))
		}
	}
}
