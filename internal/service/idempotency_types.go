package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	infraerrors "github.com/Wei-Shaw/idemgate/internal/pkg/errors"
)

// 幂等记录状态机：PROCESSING -> COMPLETED | FAILED。
// 终态记录保留至 expires_at；FAILED 与锁过期的 PROCESSING 可被接管。
const (
	IdempotencyStatusProcessing = "PROCESSING"
	IdempotencyStatusCompleted  = "COMPLETED"
	IdempotencyStatusFailed     = "FAILED"
)

// 幂等子系统错误分类。Reason 为机读错误码，HTTP 状态码用于直接透出。
var (
	ErrInvalidKeyFormat      = infraerrors.BadRequest("INVALID_KEY_FORMAT", "idempotency key contains invalid characters")
	ErrKeyTooLong            = infraerrors.BadRequest("KEY_TOO_LONG", "idempotency key exceeds maximum length")
	ErrMissingIdempotencyKey = infraerrors.BadRequest("MISSING_IDEMPOTENCY_KEY", "idempotency key header is required")
	ErrRequestMismatch       = infraerrors.UnprocessableEntity("REQUEST_MISMATCH", "idempotency key reused with a different request payload")
	ErrConcurrentRequest     = infraerrors.Conflict("CONCURRENT_REQUEST", "another request with the same idempotency key is in flight")
	ErrWaitTimeout           = infraerrors.RequestTimeout("TIMEOUT", "timed out waiting for the concurrent request to finish")
	ErrLockAcquisitionFailed = infraerrors.Conflict("LOCK_ACQUISITION_FAILED", "lock token does not match the stored record")
	ErrLockExpired           = infraerrors.Conflict("LOCK_EXPIRED", "lock lease has already expired")
	ErrRecordNotFound        = infraerrors.NotFound("RECORD_NOT_FOUND", "idempotency record does not exist")
	ErrResponseTooLarge      = infraerrors.ContentTooLarge("RESPONSE_TOO_LARGE", "serialized response exceeds the configured maximum size")
	ErrSerialization         = infraerrors.InternalServer("SERIALIZATION_ERROR", "failed to serialize request or response")
	ErrStorage               = infraerrors.ServiceUnavailable("STORAGE_ERROR", "idempotency store unavailable")
	ErrTTLExceeded           = infraerrors.Gone("TTL_EXCEEDED", "idempotency record has expired")
)

// StorageError 将底层存储错误包装为可重试的 STORAGE_ERROR。
func StorageError(cause error) error {
	if cause == nil {
		return ErrStorage
	}
	return ErrStorage.WithCause(cause)
}

// IsStorageError 判断错误是否为可重试的存储故障。
func IsStorageError(err error) bool {
	return infraerrors.Reason(err) == "STORAGE_ERROR"
}

// WithRetryAfter 在错误上附加 retry_after 秒数提示（向上取整，至少 1 秒）。
func WithRetryAfter(base *infraerrors.ApplicationError, until time.Time, now time.Time) error {
	sec := int(until.Sub(now).Seconds())
	if sec <= 0 {
		sec = 1
	}
	return base.WithMetadata(map[string]string{"retry_after": strconv.Itoa(sec)})
}

// RetryAfterSeconds 读取错误元数据中的 retry_after；缺失或非法返回 0。
func RetryAfterSeconds(err error) int {
	v := infraerrors.Metadata(err, "retry_after")
	if v == "" {
		return 0
	}
	seconds, convErr := strconv.Atoi(v)
	if convErr != nil || seconds <= 0 {
		return 0
	}
	return seconds
}

// ResponseEnvelope 为自描述的响应信封，重放时按字节还原。
// 序列化仅走 encoding/json：Body 经 base64 往返无损；字段缺失只有零值
// 一种表示（无 null/undefined 之分）。
type ResponseEnvelope struct {
	StatusCode  int               `json:"status_code"`
	ContentType string            `json:"content_type,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        []byte            `json:"body,omitempty"`
}

// Marshal 序列化信封；ParseResponseEnvelope 是其逆操作。
func (e *ResponseEnvelope) Marshal() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, ErrSerialization.WithCause(err)
	}
	return raw, nil
}

// ParseResponseEnvelope 反序列化存储的响应信封。
func ParseResponseEnvelope(raw []byte) (*ResponseEnvelope, error) {
	if len(raw) == 0 {
		return nil, ErrSerialization.WithCause(fmt.Errorf("empty response envelope"))
	}
	var env ResponseEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, ErrSerialization.WithCause(err)
	}
	return &env, nil
}

// Clone 深拷贝信封，避免调用方修改存储内部状态。
func (e *ResponseEnvelope) Clone() *ResponseEnvelope {
	if e == nil {
		return nil
	}
	cp := &ResponseEnvelope{
		StatusCode:  e.StatusCode,
		ContentType: e.ContentType,
	}
	if e.Headers != nil {
		cp.Headers = make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			cp.Headers[k] = v
		}
	}
	if e.Body != nil {
		cp.Body = append([]byte(nil), e.Body...)
	}
	return cp
}

// IdempotencyRecord 是以幂等键为主键的持久化记录。
type IdempotencyRecord struct {
	Key           string
	RequestHash   string
	Status        string
	Response      *ResponseEnvelope
	ErrorCode     string
	ErrorMessage  string
	Endpoint      string
	Method        string
	ClientID      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
	ExpiresAt     time.Time
	LockToken     string
	LockExpiresAt *time.Time
}

// Expired 判断记录在 now 时刻是否逻辑过期（now >= expires_at）。
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// LockLive 判断处理锁在 now 时刻是否仍然有效。
func (r *IdempotencyRecord) LockLive(now time.Time) bool {
	return r.Status == IdempotencyStatusProcessing &&
		r.LockToken != "" &&
		r.LockExpiresAt != nil &&
		r.LockExpiresAt.After(now)
}

// Clone 深拷贝记录。
func (r *IdempotencyRecord) Clone() *IdempotencyRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Response = r.Response.Clone()
	if r.CompletedAt != nil {
		v := *r.CompletedAt
		cp.CompletedAt = &v
	}
	if r.LockExpiresAt != nil {
		v := *r.LockExpiresAt
		cp.LockExpiresAt = &v
	}
	return &cp
}

// RequestMeta 为随记录保存的上下文元数据，仅作观测，不参与指纹。
type RequestMeta struct {
	Endpoint string
	Method   string
	ClientID string
}

// CheckResult 为只读查询结果。RequestMismatch 为 true 时响应字段必须为空。
type CheckResult struct {
	Found           bool
	Status          string
	RequestMismatch bool
	Response        *ResponseEnvelope
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
	ExpiresAt       time.Time
}

// StartProcessingOptions 为 StartProcessing 的入参。
type StartProcessingOptions struct {
	Key         string
	RequestHash string
	LockTTL     time.Duration
	RecordTTL   time.Duration
	Meta        RequestMeta
}

// LockResult 为 StartProcessing 的结果。
//
// Acquired 为 true 时携带新铸的 fencing token；为 false 时按
// RequestMismatch / ExistingStatus 区分冲突原因，COMPLETED 场景附带
// 已存储的响应供重放。
type LockResult struct {
	Acquired             bool
	LockToken            string
	LockExpiresAt        time.Time
	Takeover             bool
	RequestMismatch      bool
	ExistingStatus       string
	ExistingResponse     *ResponseEnvelope
	ExistingLockDeadline *time.Time
}

// RecordOptions 为 Record 的入参。LockToken 非空时执行 fencing 校验。
type RecordOptions struct {
	Key          string
	RequestHash  string
	Response     *ResponseEnvelope
	LockToken    string
	TTL          time.Duration
	MarkFailed   bool
	ErrorCode    string
	ErrorMessage string
}

// ReleaseLockOptions 为 ReleaseLock 的入参。
// MarkFailed 为 false 时直接删除记录（调用方未产生响应即中止）；
// 为 true 时转入 FAILED 并保留 expires_at。
type ReleaseLockOptions struct {
	Key          string
	LockToken    string
	MarkFailed   bool
	ErrorCode    string
	ErrorMessage string
}

// ReleaseResult 为 ReleaseLock 的结果。
type ReleaseResult struct {
	Released bool
	Deleted  bool
	Status   string
}

// ExtendResult 为 ExtendLock 的结果。
type ExtendResult struct {
	Extended      bool
	LockExpiresAt time.Time
}

// CleanupOptions 控制过期记录清扫。
type CleanupOptions struct {
	BatchSize   int
	MaxRecords  int
	KeyPrefix   string
	ClientID    string
	ForceBefore *time.Time
	DryRun      bool
}

// CleanupResult 为一次清扫的统计结果。
type CleanupResult struct {
	DeletedCount  int64      `json:"deleted_count"`
	ScannedCount  int64      `json:"scanned_count"`
	Batches       int        `json:"batches"`
	NextExpiresAt *time.Time `json:"next_expires_at,omitempty"`
}

// IdempotencyStore 是三种后端共同实现的原子操作契约。
//
// “原子”指整个命名步骤对任何并发操作表现为单一步骤；过期记录在读路径
// 一律视为不存在。所有带 fencing token 的写操作在 token 不匹配时必须
// 失败（LOCK_ACQUISITION_FAILED），即使记录当前未持锁。
type IdempotencyStore interface {
	Check(ctx context.Context, key, requestHash string) (*CheckResult, error)
	StartProcessing(ctx context.Context, opts StartProcessingOptions) (*LockResult, error)
	Record(ctx context.Context, opts RecordOptions) (*IdempotencyRecord, error)
	ReleaseLock(ctx context.Context, opts ReleaseLockOptions) (*ReleaseResult, error)
	ExtendLock(ctx context.Context, key, lockToken string, extension time.Duration) (*ExtendResult, error)
	Cleanup(ctx context.Context, opts CleanupOptions) (*CleanupResult, error)
	HealthCheck(ctx context.Context) error
	Close() error
}
