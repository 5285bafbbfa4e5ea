// Package response 提供统一的 HTTP JSON 响应封装。
//
// 成功响应固定为 {"code":0,"message":"success","data":...}；
// 失败响应由 ApplicationError 映射为对应 HTTP 状态码与业务错误信息。
package response

import (
	"net/http"

	infraerrors "github.com/Wei-Shaw/idemgate/internal/pkg/errors"

	"github.com/gin-gonic/gin"
)

// Response 统一响应结构。
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Success 输出 200 成功响应。
func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

// Error 输出指定状态码的错误响应。
func Error(c *gin.Context, httpStatus int, message string) {
	c.JSON(httpStatus, Response{
		Code:    httpStatus,
		Message: message,
	})
}

// ErrorFrom 将任意错误归一化后输出，ApplicationError 保留其状态码与 Reason。
func ErrorFrom(c *gin.Context, err error) {
	appErr := infraerrors.FromError(err)
	if appErr == nil {
		Success(c, nil)
		return
	}
	body := gin.H{
		"code":    appErr.Code,
		"message": appErr.Message,
	}
	if appErr.Reason != "" {
		body["error"] = appErr.Reason
	}
	if len(appErr.Metadata) > 0 {
		body["metadata"] = appErr.Metadata
	}
	c.JSON(appErr.Code, body)
}
