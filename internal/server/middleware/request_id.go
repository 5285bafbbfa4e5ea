package middleware

import (
	"context"
	"strings"

	"github.com/Wei-Shaw/idemgate/internal/pkg/ctxkey"
	"github.com/Wei-Shaw/idemgate/internal/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const requestIDHeader = "X-Request-ID"

// RequestID 为每个请求注入唯一 client_request_id，并在请求上下文里挂上
// request-scoped logger，供后续中间件与幂等审计日志关联单次请求。
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request == nil {
			c.Next()
			return
		}

		requestID := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(requestIDHeader, requestID)

		ctx := context.WithValue(c.Request.Context(), ctxkey.ClientRequestID, requestID)
		requestLogger := logger.FromContext(ctx).With(
			zap.String("component", "http"),
			zap.String("client_request_id", requestID),
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
		)
		ctx = logger.IntoContext(ctx, requestLogger)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
