package service

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	infraerrors "github.com/Wei-Shaw/idemgate/internal/pkg/errors"
	"github.com/Wei-Shaw/idemgate/internal/pkg/logger"

	"go.uber.org/zap"
)

// 并发请求处理策略。
const (
	ConcurrentHandlingReject = "reject"
	ConcurrentHandlingWait   = "wait"
)

// 等待期间持锁方转入 FAILED 时的处置。
const (
	WaitFailedTakeover = "takeover"
	WaitFailedConflict = "conflict"
)

// IdempotencyConfig 为协调器的运行配置。
type IdempotencyConfig struct {
	DefaultTTL         time.Duration
	LockTTL            time.Duration
	MaxKeyLength       int
	MaxResponseSize    int
	KeyPrefix          string
	ConcurrentHandling string
	WaitFailedBehavior string
	MaxWaitTime        time.Duration
	RetryInterval      time.Duration
	ObserveOnly        bool
	FailOpen           bool
	StorageRetry       StorageRetryPolicy
}

// StorageRetryPolicy 控制存储故障时的指数退避重试。
// 第 n 次重试前等待 min(BackoffBase*2^n, BackoffCap) 加 0~50% 抖动。
type StorageRetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// DefaultIdempotencyConfig 返回默认配置。
func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{
		DefaultTTL:         DefaultRecordTTL,
		LockTTL:            DefaultLockTTL,
		MaxKeyLength:       DefaultMaxKeyLength,
		MaxResponseSize:    DefaultMaxResponseSize,
		ConcurrentHandling: ConcurrentHandlingReject,
		WaitFailedBehavior: WaitFailedTakeover,
		MaxWaitTime:        10 * time.Second,
		RetryInterval:      100 * time.Millisecond,
		StorageRetry: StorageRetryPolicy{
			MaxAttempts: 3,
			BackoffBase: 100 * time.Millisecond,
			BackoffCap:  10 * time.Second,
		},
	}
}

// IdempotencyExecuteOptions 为一次受保护执行的入参。
//
// Payload 与 Body 二选一：HTTP 入口传原始 Body（连同指纹头），编程式
// 调用传结构化 Payload。
type IdempotencyExecuteOptions struct {
	Key      string
	Method   string
	Endpoint string
	ClientID string
	Scope    string
	Headers  map[string]string
	Body     []byte
	Payload  any
	TTL      time.Duration
	LockTTL  time.Duration
}

// IdempotencyExecuteResult 为一次受保护执行的结果。
//
// Stored 为 false 表示业务已执行但响应未能入库（超限或存储故障），
// 后续重试会重新执行业务操作。
type IdempotencyExecuteResult struct {
	Response *ResponseEnvelope
	Key      string
	Replayed bool
	Takeover bool
	Stored   bool
	Degraded bool
}

// IdempotencyCoordinator 封装“取锁 - 执行 - 记录”的完整幂等流程，
// 业务代码只需提供一个返回响应信封的闭包。
type IdempotencyCoordinator struct {
	store IdempotencyStore
	cfg   IdempotencyConfig

	// 测试钩子
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

var (
	defaultIdempotencyMu  sync.RWMutex
	defaultIdempotencySvc *IdempotencyCoordinator
)

// SetDefaultIdempotencyCoordinator 设置进程级默认协调器。
func SetDefaultIdempotencyCoordinator(svc *IdempotencyCoordinator) {
	defaultIdempotencyMu.Lock()
	defaultIdempotencySvc = svc
	defaultIdempotencyMu.Unlock()
}

// DefaultIdempotencyCoordinator 返回进程级默认协调器，未设置时为 nil。
func DefaultIdempotencyCoordinator() *IdempotencyCoordinator {
	defaultIdempotencyMu.RLock()
	defer defaultIdempotencyMu.RUnlock()
	return defaultIdempotencySvc
}

// NewIdempotencyCoordinator 创建协调器。零值配置项回落到默认值。
func NewIdempotencyCoordinator(store IdempotencyStore, cfg IdempotencyConfig) *IdempotencyCoordinator {
	def := DefaultIdempotencyConfig()
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.MaxKeyLength <= 0 {
		cfg.MaxKeyLength = def.MaxKeyLength
	}
	if cfg.MaxResponseSize <= 0 {
		cfg.MaxResponseSize = def.MaxResponseSize
	}
	if cfg.ConcurrentHandling == "" {
		cfg.ConcurrentHandling = def.ConcurrentHandling
	}
	if cfg.WaitFailedBehavior == "" {
		cfg.WaitFailedBehavior = def.WaitFailedBehavior
	}
	if cfg.MaxWaitTime <= 0 {
		cfg.MaxWaitTime = def.MaxWaitTime
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.StorageRetry.MaxAttempts <= 0 {
		cfg.StorageRetry.MaxAttempts = def.StorageRetry.MaxAttempts
	}
	if cfg.StorageRetry.BackoffBase <= 0 {
		cfg.StorageRetry.BackoffBase = def.StorageRetry.BackoffBase
	}
	if cfg.StorageRetry.BackoffCap <= 0 {
		cfg.StorageRetry.BackoffCap = def.StorageRetry.BackoffCap
	}
	return &IdempotencyCoordinator{
		store: store,
		cfg:   cfg,
		now:   time.Now,
		sleep: sleepContext,
	}
}

// Config 返回协调器归一化后的配置副本。
func (c *IdempotencyCoordinator) Config() IdempotencyConfig {
	return c.cfg
}

// Store 返回底层存储，供运维入口（手动清扫、健康检查）复用。
func (c *IdempotencyCoordinator) Store() IdempotencyStore {
	return c.store
}

// NormalizeKey 校验并归一化幂等键：去首尾空白、拼前缀、校验字符集与长度。
// 长度上限约束的是入库的存储键，前缀计入长度。
func (c *IdempotencyCoordinator) NormalizeKey(raw string) (string, error) {
	key := strings.TrimSpace(raw)
	if key == "" {
		return "", ErrInvalidKeyFormat
	}
	full := ApplyKeyPrefix(c.cfg.KeyPrefix, key)
	if err := ValidateKey(full, c.cfg.MaxKeyLength); err != nil {
		return "", err
	}
	return full, nil
}

// Execute 以幂等语义执行 execute 闭包。
//
// 首见键取得处理锁后执行业务并记录响应；重复键直接重放已存储的响应
// （Replayed=true）；同键并发按配置拒绝（CONCURRENT_REQUEST）或等待。
// 业务返回错误时记录转入 FAILED 并原样上抛，后续重试可接管重试。
func (c *IdempotencyCoordinator) Execute(
	ctx context.Context,
	opts IdempotencyExecuteOptions,
	execute func(context.Context) (*ResponseEnvelope, error),
) (*IdempotencyExecuteResult, error) {
	if execute == nil {
		return nil, infraerrors.InternalServer("IDEMPOTENCY_EXECUTOR_NIL", "idempotency executor is nil")
	}

	key, err := c.NormalizeKey(opts.Key)
	if err != nil {
		return nil, err
	}
	requestHash, err := c.fingerprint(opts)
	if err != nil {
		return nil, err
	}

	keyHash := AuditKeyHash(key)
	deadline := c.now().Add(c.cfg.MaxWaitTime)

	for {
		lr, acqErr := c.startProcessing(ctx, key, requestHash, opts)
		if acqErr != nil {
			if IsStorageError(acqErr) {
				return c.handleStoreDown(ctx, key, keyHash, opts, execute, acqErr)
			}
			return nil, acqErr
		}

		if lr.Acquired {
			return c.runOwned(ctx, key, keyHash, requestHash, lr, opts, execute)
		}

		if lr.RequestMismatch {
			RecordIdempotencyConflict(opts.Endpoint, opts.Scope, "fingerprint_mismatch")
			LogIdempotencyAudit(opts.Endpoint, opts.Scope, keyHash, "existing->fingerprint_mismatch", false, nil)
			if c.cfg.ObserveOnly {
				return c.executeUnprotected(ctx, key, opts, execute)
			}
			return nil, ErrRequestMismatch
		}

		if lr.ExistingStatus == IdempotencyStatusCompleted && lr.ExistingResponse != nil {
			RecordIdempotencyReplay(opts.Endpoint, opts.Scope, nil)
			LogIdempotencyAudit(opts.Endpoint, opts.Scope, keyHash, "completed->replayed", true, nil)
			return &IdempotencyExecuteResult{
				Response: lr.ExistingResponse,
				Key:      key,
				Replayed: true,
				Stored:   true,
			}, nil
		}

		// 同键并发：持锁方仍在处理。
		if c.cfg.ConcurrentHandling != ConcurrentHandlingWait {
			RecordIdempotencyConflict(opts.Endpoint, opts.Scope, "in_progress")
			LogIdempotencyAudit(opts.Endpoint, opts.Scope, keyHash, "processing->conflict", false, nil)
			if c.cfg.ObserveOnly {
				return c.executeUnprotected(ctx, key, opts, execute)
			}
			return c.concurrentError(lr)
		}

		result, retry, waitErr := c.waitForOutcome(ctx, key, requestHash, keyHash, opts, deadline)
		if waitErr != nil {
			return nil, waitErr
		}
		if result != nil {
			return result, nil
		}
		if !retry {
			return c.concurrentError(lr)
		}
		// 持锁方失败或记录消失：回到循环头重新抢占。
	}
}

// ExecuteWithRetry 在 Execute 之上对 CONCURRENT_REQUEST 做整体重试：
// 每次冲突后等待 RetryInterval 再重跑完整流程，直至竞争方出结果或
// MaxWaitTime 耗尽。reject 模式下的编程式调用方用它获得等待语义。
func (c *IdempotencyCoordinator) ExecuteWithRetry(
	ctx context.Context,
	opts IdempotencyExecuteOptions,
	execute func(context.Context) (*ResponseEnvelope, error),
) (*IdempotencyExecuteResult, error) {
	deadline := c.now().Add(c.cfg.MaxWaitTime)
	for {
		result, err := c.Execute(ctx, opts, execute)
		if err == nil || !errors.Is(err, ErrConcurrentRequest) {
			return result, err
		}
		if !c.now().Add(c.cfg.RetryInterval).Before(deadline) {
			return nil, ErrWaitTimeout
		}
		if sleepErr := c.sleep(ctx, c.cfg.RetryInterval); sleepErr != nil {
			return nil, sleepErr
		}
	}
}

func (c *IdempotencyCoordinator) concurrentError(lr *LockResult) (*IdempotencyExecuteResult, error) {
	if lr.ExistingLockDeadline != nil {
		return nil, WithRetryAfter(ErrConcurrentRequest, *lr.ExistingLockDeadline, c.now())
	}
	return nil, ErrConcurrentRequest
}

func (c *IdempotencyCoordinator) fingerprint(opts IdempotencyExecuteOptions) (string, error) {
	if opts.Payload != nil {
		return FingerprintPayload(opts.Method, opts.Endpoint, opts.Payload)
	}
	return Fingerprint(FingerprintInput{
		Method:  opts.Method,
		Path:    opts.Endpoint,
		Headers: opts.Headers,
		Body:    opts.Body,
	})
}

func (c *IdempotencyCoordinator) startProcessing(ctx context.Context, key, requestHash string, opts IdempotencyExecuteOptions) (*LockResult, error) {
	lockTTL := opts.LockTTL
	if lockTTL <= 0 {
		lockTTL = c.cfg.LockTTL
	}
	recordTTL := opts.TTL
	if recordTTL <= 0 {
		recordTTL = c.cfg.DefaultTTL
	}

	var lr *LockResult
	err := c.withStorageRetry(ctx, opts.Endpoint, opts.Scope, "start_processing", func() error {
		var innerErr error
		lr, innerErr = c.store.StartProcessing(ctx, StartProcessingOptions{
			Key:         key,
			RequestHash: requestHash,
			LockTTL:     lockTTL,
			RecordTTL:   recordTTL,
			Meta: RequestMeta{
				Endpoint: opts.Endpoint,
				Method:   opts.Method,
				ClientID: opts.ClientID,
			},
		})
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return lr, nil
}

// runOwned 在持锁状态下执行业务并记录结果。锁租期过半后由心跳续约，
// 覆盖执行时间超过 LockTTL 的长操作。
func (c *IdempotencyCoordinator) runOwned(
	ctx context.Context,
	key, keyHash, requestHash string,
	lr *LockResult,
	opts IdempotencyExecuteOptions,
	execute func(context.Context) (*ResponseEnvelope, error),
) (*IdempotencyExecuteResult, error) {
	RecordIdempotencyClaim(opts.Endpoint, opts.Scope, lr.Takeover)
	transition := "none->processing"
	if lr.Takeover {
		transition = "stale->processing"
	}
	LogIdempotencyAudit(opts.Endpoint, opts.Scope, keyHash, transition, false, nil)

	lockTTL := opts.LockTTL
	if lockTTL <= 0 {
		lockTTL = c.cfg.LockTTL
	}
	stopHeartbeat := c.startLockHeartbeat(ctx, key, lr.LockToken, lockTTL)
	defer stopHeartbeat()

	execStart := c.now()
	envelope, execErr := execute(ctx)
	RecordIdempotencyProcessingDuration(opts.Endpoint, opts.Scope, c.now().Sub(execStart))

	if execErr != nil {
		reason := infraerrors.Reason(execErr)
		if reason == "" {
			reason = "EXECUTION_FAILED"
		}
		c.releaseFailed(ctx, key, lr.LockToken, reason, execErr.Error(), opts)
		LogIdempotencyAudit(opts.Endpoint, opts.Scope, keyHash, "processing->failed", false, map[string]string{
			"reason": reason,
		})
		return nil, execErr
	}

	if envelope == nil {
		envelope = &ResponseEnvelope{StatusCode: 200}
	}

	raw, marshalErr := envelope.Marshal()
	if marshalErr != nil {
		c.releaseFailed(ctx, key, lr.LockToken, "SERIALIZATION_ERROR", marshalErr.Error(), opts)
		return nil, marshalErr
	}
	if c.cfg.MaxResponseSize > 0 && len(raw) > c.cfg.MaxResponseSize {
		// 响应超限：不入库，业务结果原样返回，记录转 FAILED 供后续重试。
		c.releaseFailed(ctx, key, lr.LockToken, ErrResponseTooLarge.Reason, ErrResponseTooLarge.Message, opts)
		LogIdempotencyAudit(opts.Endpoint, opts.Scope, keyHash, "processing->failed", false, map[string]string{
			"reason": "RESPONSE_TOO_LARGE",
		})
		return &IdempotencyExecuteResult{Response: envelope, Key: key, Takeover: lr.Takeover}, nil
	}

	markFailed := envelope.StatusCode >= 500
	recordErr := c.withStorageRetry(ctx, opts.Endpoint, opts.Scope, "record", func() error {
		_, innerErr := c.store.Record(ctx, RecordOptions{
			Key:         key,
			RequestHash: requestHash,
			Response:    envelope,
			LockToken:   lr.LockToken,
			TTL:         opts.TTL,
			MarkFailed:  markFailed,
			ErrorCode:   failureCode(markFailed),
		})
		return innerErr
	})
	if recordErr != nil {
		// 记录失败不拦截业务结果：释放锁让后续请求重新执行。
		RecordIdempotencyStoreUnavailable(opts.Endpoint, opts.Scope, "record_error")
		c.releaseAbandoned(ctx, key, lr.LockToken, opts)
		return &IdempotencyExecuteResult{Response: envelope, Key: key, Takeover: lr.Takeover}, nil
	}

	finalState := "processing->completed"
	if markFailed {
		finalState = "processing->failed"
	}
	LogIdempotencyAudit(opts.Endpoint, opts.Scope, keyHash, finalState, false, nil)
	return &IdempotencyExecuteResult{
		Response: envelope,
		Key:      key,
		Takeover: lr.Takeover,
		Stored:   true,
	}, nil
}

func failureCode(markFailed bool) string {
	if markFailed {
		return "UPSTREAM_ERROR"
	}
	return ""
}

// waitForOutcome 轮询等待持锁方出结果。
// 返回 (result, retryAcquire, err)：result 非空表示可直接重放；
// retryAcquire 为 true 表示记录已进入可抢占状态，调用方应重新 StartProcessing。
func (c *IdempotencyCoordinator) waitForOutcome(
	ctx context.Context,
	key, requestHash, keyHash string,
	opts IdempotencyExecuteOptions,
	deadline time.Time,
) (*IdempotencyExecuteResult, bool, error) {
	for {
		if !c.now().Before(deadline) {
			RecordIdempotencyConflict(opts.Endpoint, opts.Scope, "wait_timeout")
			LogIdempotencyAudit(opts.Endpoint, opts.Scope, keyHash, "processing->wait_timeout", false, nil)
			return nil, false, ErrWaitTimeout
		}
		if err := c.sleep(ctx, c.cfg.RetryInterval); err != nil {
			return nil, false, err
		}

		var check *CheckResult
		err := c.withStorageRetry(ctx, opts.Endpoint, opts.Scope, "check", func() error {
			var innerErr error
			check, innerErr = c.store.Check(ctx, key, requestHash)
			return innerErr
		})
		if err != nil {
			return nil, false, err
		}

		switch {
		case !check.Found:
			// 持锁方未留下结果，重新抢占。
			return nil, true, nil
		case check.RequestMismatch:
			RecordIdempotencyConflict(opts.Endpoint, opts.Scope, "fingerprint_mismatch")
			return nil, false, ErrRequestMismatch
		case check.Status == IdempotencyStatusCompleted && check.Response != nil:
			RecordIdempotencyReplay(opts.Endpoint, opts.Scope, map[string]string{"mode": "after_wait"})
			LogIdempotencyAudit(opts.Endpoint, opts.Scope, keyHash, "completed->replayed", true, nil)
			return &IdempotencyExecuteResult{Response: check.Response, Key: key, Replayed: true, Stored: true}, false, nil
		case check.Status == IdempotencyStatusFailed:
			// takeover：回到 Execute 循环重新抢占；conflict：按并发冲突上抛。
			if c.cfg.WaitFailedBehavior == WaitFailedConflict {
				RecordIdempotencyConflict(opts.Endpoint, opts.Scope, "failed_peer")
				return nil, false, nil
			}
			return nil, true, nil
		}
	}
}

// handleStoreDown 处理存储重试耗尽后的降级路径。
func (c *IdempotencyCoordinator) handleStoreDown(
	ctx context.Context,
	key, keyHash string,
	opts IdempotencyExecuteOptions,
	execute func(context.Context) (*ResponseEnvelope, error),
	cause error,
) (*IdempotencyExecuteResult, error) {
	strategy := "fail_closed"
	if c.cfg.FailOpen {
		strategy = "fail_open"
	}
	RecordIdempotencyStoreUnavailable(opts.Endpoint, opts.Scope, strategy)
	LogIdempotencyAudit(opts.Endpoint, opts.Scope, keyHash, "unknown->store_unavailable", false, map[string]string{
		"strategy": strategy,
	})
	if !c.cfg.FailOpen {
		return nil, cause
	}
	return c.executeUnprotected(ctx, key, opts, execute)
}

// executeUnprotected 跳过幂等保护直接执行（observe-only 或 fail-open）。
func (c *IdempotencyCoordinator) executeUnprotected(
	ctx context.Context,
	key string,
	opts IdempotencyExecuteOptions,
	execute func(context.Context) (*ResponseEnvelope, error),
) (*IdempotencyExecuteResult, error) {
	envelope, err := execute(ctx)
	if err != nil {
		return nil, err
	}
	if envelope == nil {
		envelope = &ResponseEnvelope{StatusCode: 200}
	}
	return &IdempotencyExecuteResult{Response: envelope, Key: key, Degraded: true}, nil
}

func (c *IdempotencyCoordinator) releaseFailed(ctx context.Context, key, token, code, message string, opts IdempotencyExecuteOptions) {
	err := c.withStorageRetry(ctx, opts.Endpoint, opts.Scope, "release_lock", func() error {
		_, innerErr := c.store.ReleaseLock(ctx, ReleaseLockOptions{
			Key:          key,
			LockToken:    token,
			MarkFailed:   true,
			ErrorCode:    code,
			ErrorMessage: message,
		})
		return innerErr
	})
	if err != nil {
		RecordIdempotencyStoreUnavailable(opts.Endpoint, opts.Scope, "release_lock_error")
	}
}

func (c *IdempotencyCoordinator) releaseAbandoned(ctx context.Context, key, token string, opts IdempotencyExecuteOptions) {
	err := c.withStorageRetry(ctx, opts.Endpoint, opts.Scope, "release_lock", func() error {
		_, innerErr := c.store.ReleaseLock(ctx, ReleaseLockOptions{Key: key, LockToken: token})
		return innerErr
	})
	if err != nil {
		RecordIdempotencyStoreUnavailable(opts.Endpoint, opts.Scope, "release_lock_error")
	}
}

// startLockHeartbeat 启动锁续约心跳，返回停止函数。续约失败说明锁已被
// 接管，心跳静默退出，最终 Record 会因 token 失配而失败。
func (c *IdempotencyCoordinator) startLockHeartbeat(ctx context.Context, key, token string, lockTTL time.Duration) func() {
	interval := lockTTL / 3
	if interval < time.Second {
		interval = time.Second
	}
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				res, err := c.store.ExtendLock(ctx, key, token, lockTTL)
				if err != nil || !res.Extended {
					logger.L().Warn("idempotency lock heartbeat lost",
						zap.String("key_hash", AuditKeyHash(key)))
					return
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

// withStorageRetry 对单个存储操作执行指数退避重试；只重试 STORAGE_ERROR。
func (c *IdempotencyCoordinator) withStorageRetry(ctx context.Context, endpoint, scope, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.StorageRetry.MaxAttempts; attempt++ {
		if attempt > 0 {
			recordIdempotencyRetryBackoff(endpoint, scope, map[string]string{"operation": op})
			if err := c.sleep(ctx, c.backoffDelay(attempt-1)); err != nil {
				return err
			}
		}
		lastErr = fn()
		if lastErr == nil || !IsStorageError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// backoffDelay 计算第 attempt 次重试的退避时长：指数增长、封顶、加抖动。
func (c *IdempotencyCoordinator) backoffDelay(attempt int) time.Duration {
	d := c.cfg.StorageRetry.BackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= c.cfg.StorageRetry.BackoffCap {
			d = c.cfg.StorageRetry.BackoffCap
			break
		}
	}
	if d > c.cfg.StorageRetry.BackoffCap {
		d = c.cfg.StorageRetry.BackoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d + jitter
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

