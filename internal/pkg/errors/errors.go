// Package errors 定义业务层统一的应用错误模型。
//
// 错误以 HTTP 状态码 + 机读 Reason + 人读 Message 表达，handler 层据此
// 直接渲染响应；Metadata 用于附带 retry_after 等协议级提示。
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// UnknownCode 表示无法归类的内部错误状态码。
const UnknownCode = http.StatusInternalServerError

// ApplicationError 是业务错误的统一载体。
type ApplicationError struct {
	Code     int               `json:"code"`
	Reason   string            `json:"reason"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`

	cause error
}

func (e *ApplicationError) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("error: code = %d reason = %s message = %s cause = %v", e.Code, e.Reason, e.Message, e.cause)
	}
	return fmt.Sprintf("error: code = %d reason = %s message = %s", e.Code, e.Reason, e.Message)
}

func (e *ApplicationError) Unwrap() error { return e.cause }

// Is 按 Code+Reason 判等，哨兵错误可与包装后的实例匹配。
func (e *ApplicationError) Is(target error) bool {
	var t *ApplicationError
	if !errors.As(target, &t) || t == nil {
		return false
	}
	return e.Code == t.Code && e.Reason == t.Reason
}

// WithCause 返回附带底层错误的副本，原错误保持不变。
func (e *ApplicationError) WithCause(cause error) *ApplicationError {
	cp := e.clone()
	cp.cause = cause
	return cp
}

// WithMetadata 返回附带元数据的副本，key 冲突时以新值为准。
func (e *ApplicationError) WithMetadata(md map[string]string) *ApplicationError {
	cp := e.clone()
	if cp.Metadata == nil {
		cp.Metadata = make(map[string]string, len(md))
	}
	for k, v := range md {
		cp.Metadata[k] = v
	}
	return cp
}

// WithMessage 返回替换展示文案的副本。
func (e *ApplicationError) WithMessage(message string) *ApplicationError {
	cp := e.clone()
	cp.Message = message
	return cp
}

func (e *ApplicationError) clone() *ApplicationError {
	cp := &ApplicationError{
		Code:    e.Code,
		Reason:  e.Reason,
		Message: e.Message,
		cause:   e.cause,
	}
	if len(e.Metadata) > 0 {
		cp.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

// New 构造任意状态码的应用错误。
func New(code int, reason, message string) *ApplicationError {
	return &ApplicationError{Code: code, Reason: reason, Message: message}
}

func Newf(code int, reason, format string, args ...any) *ApplicationError {
	return New(code, reason, fmt.Sprintf(format, args...))
}

func BadRequest(reason, message string) *ApplicationError {
	return New(http.StatusBadRequest, reason, message)
}

func Unauthorized(reason, message string) *ApplicationError {
	return New(http.StatusUnauthorized, reason, message)
}

func Forbidden(reason, message string) *ApplicationError {
	return New(http.StatusForbidden, reason, message)
}

func NotFound(reason, message string) *ApplicationError {
	return New(http.StatusNotFound, reason, message)
}

func RequestTimeout(reason, message string) *ApplicationError {
	return New(http.StatusRequestTimeout, reason, message)
}

func Conflict(reason, message string) *ApplicationError {
	return New(http.StatusConflict, reason, message)
}

func Gone(reason, message string) *ApplicationError {
	return New(http.StatusGone, reason, message)
}

func ContentTooLarge(reason, message string) *ApplicationError {
	return New(http.StatusRequestEntityTooLarge, reason, message)
}

func UnprocessableEntity(reason, message string) *ApplicationError {
	return New(http.StatusUnprocessableEntity, reason, message)
}

func TooManyRequests(reason, message string) *ApplicationError {
	return New(http.StatusTooManyRequests, reason, message)
}

func InternalServer(reason, message string) *ApplicationError {
	return New(http.StatusInternalServerError, reason, message)
}

func ServiceUnavailable(reason, message string) *ApplicationError {
	return New(http.StatusServiceUnavailable, reason, message)
}

// Code 提取错误的 HTTP 状态码；nil 返回 200，未知错误返回 500。
func Code(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return FromError(err).Code
}

// Reason 提取错误的机读原因；非应用错误返回空串。
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var appErr *ApplicationError
	if errors.As(err, &appErr) && appErr != nil {
		return appErr.Reason
	}
	return ""
}

// Metadata 提取指定元数据项；不存在时返回空串。
func Metadata(err error, key string) string {
	var appErr *ApplicationError
	if errors.As(err, &appErr) && appErr != nil && appErr.Metadata != nil {
		return appErr.Metadata[key]
	}
	return ""
}

// FromError 将任意错误归一化为 ApplicationError。
func FromError(err error) *ApplicationError {
	if err == nil {
		return nil
	}
	var appErr *ApplicationError
	if errors.As(err, &appErr) && appErr != nil {
		return appErr
	}
	return New(UnknownCode, "INTERNAL_ERROR", err.Error()).WithCause(err)
}
