package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Wei-Shaw/idemgate/internal/service"

	"github.com/redis/go-redis/v9"
)

// Redis 后端存储布局
//
// 每个幂等键对应一个 String：
// - Key: {prefix}{幂等键}，默认前缀 idem:
// - Value: 记录的 JSON 编码，时间戳一律为毫秒
// - 物理过期通过 PEXPIREAT 对齐 expires_at_ms，Redis 自动回收
//
// 所有读改写路径都在 Lua 脚本内完成，对并发客户端表现为单一步骤。
// now 由调用方以毫秒传入（ARGV[1]），整个原子区间只观察这一个时刻。
const defaultRedisIdemKeyPrefix = "idem:"

// RedisStoreConfig 为 Redis 后端配置。
type RedisStoreConfig struct {
	// KeyPrefix Redis 物理键前缀，默认 idem:。
	KeyPrefix string
	// ScanBatch 清扫时单次 SCAN/删除的批大小，默认 100。
	ScanBatch int
	// MaxResponseSize 序列化响应信封的字节上限；<=0 表示不限。
	MaxResponseSize int
}

// redisIdemRecord 为 Redis 中的记录编码。response 字段保存响应信封的
// JSON 字符串（而非嵌套对象），保证 cjson 往返不改动信封字节。
type redisIdemRecord struct {
	Key             string `json:"key"`
	RequestHash     string `json:"request_hash"`
	Status          string `json:"status"`
	Response        string `json:"response,omitempty"`
	ErrorCode       string `json:"error_code,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"`
	Method          string `json:"method,omitempty"`
	ClientID        string `json:"client_id,omitempty"`
	CreatedAtMs     int64  `json:"created_at_ms"`
	UpdatedAtMs     int64  `json:"updated_at_ms"`
	CompletedAtMs   int64  `json:"completed_at_ms,omitempty"`
	ExpiresAtMs     int64  `json:"expires_at_ms"`
	LockToken       string `json:"lock_token,omitempty"`
	LockExpiresAtMs int64  `json:"lock_expires_at_ms,omitempty"`
}

var (
	// idemStartProcessingScript 原子执行 start_processing 状态机：
	// 不存在或已过期 -> 新建 PROCESSING；指纹不符 -> mismatch；
	// COMPLETED -> completed（附响应）；持锁 PROCESSING -> busy；
	// FAILED 或锁过期 -> 接管。
	// KEYS[1] = 记录键
	// ARGV[1] = now_ms
	// ARGV[2] = lock_ttl_ms
	// ARGV[3] = record_ttl_ms
	// ARGV[4] = request_hash
	// ARGV[5] = lock_token
	// ARGV[6] = endpoint
	// ARGV[7] = method
	// ARGV[8] = client_id
	// ARGV[9] = 逻辑幂等键
	// 返回: {mode, detail}
	idemStartProcessingScript = redis.NewScript(`
		local now = tonumber(ARGV[1])
		local raw = redis.call('GET', KEYS[1])
		if raw then
			local rec = cjson.decode(raw)
			if tonumber(rec.expires_at_ms) > now then
				if rec.request_hash ~= ARGV[4] then
					return {'mismatch', rec.status}
				end
				if rec.status == 'COMPLETED' then
					return {'completed', rec.response or ''}
				end
				if rec.status == 'PROCESSING' and tonumber(rec.lock_expires_at_ms or 0) > now then
					return {'busy', tostring(rec.lock_expires_at_ms)}
				end
				-- FAILED 或锁过期：接管，保留 created_at
				rec.status = 'PROCESSING'
				rec.lock_token = ARGV[5]
				rec.lock_expires_at_ms = now + tonumber(ARGV[2])
				rec.response = nil
				rec.error_code = nil
				rec.error_message = nil
				rec.completed_at_ms = nil
				rec.updated_at_ms = now
				rec.expires_at_ms = now + tonumber(ARGV[3])
				redis.call('SET', KEYS[1], cjson.encode(rec))
				redis.call('PEXPIREAT', KEYS[1], rec.expires_at_ms)
				return {'takeover', tostring(rec.lock_expires_at_ms)}
			end
		end
		local rec = {
			key = ARGV[9],
			request_hash = ARGV[4],
			status = 'PROCESSING',
			endpoint = ARGV[6],
			method = ARGV[7],
			client_id = ARGV[8],
			created_at_ms = now,
			updated_at_ms = now,
			expires_at_ms = now + tonumber(ARGV[3]),
			lock_token = ARGV[5],
			lock_expires_at_ms = now + tonumber(ARGV[2]),
		}
		redis.call('SET', KEYS[1], cjson.encode(rec))
		redis.call('PEXPIREAT', KEYS[1], rec.expires_at_ms)
		return {'acquired', tostring(rec.lock_expires_at_ms)}
	`)

	// idemRecordScript 原子写入终态。
	// KEYS[1] = 记录键
	// ARGV[1] = now_ms
	// ARGV[2] = lock_token（'' 表示跳过校验）
	// ARGV[3] = ttl_ms（0 表示沿用现有 expires_at）
	// ARGV[4] = mark_failed（'1'/'0'）
	// ARGV[5] = 响应信封 JSON 字符串
	// ARGV[6] = error_code
	// ARGV[7] = error_message
	// 返回: {mode, raw_json}
	idemRecordScript = redis.NewScript(`
		local now = tonumber(ARGV[1])
		local raw = redis.call('GET', KEYS[1])
		if not raw then
			return {'not_found', ''}
		end
		local rec = cjson.decode(raw)
		if tonumber(rec.expires_at_ms) <= now then
			return {'not_found', ''}
		end
		if ARGV[2] ~= '' and (rec.lock_token or '') ~= ARGV[2] then
			return {'token_mismatch', ''}
		end
		if ARGV[4] == '1' then
			rec.status = 'FAILED'
			rec.response = nil
			rec.error_code = ARGV[6]
			rec.error_message = ARGV[7]
		else
			rec.status = 'COMPLETED'
			rec.response = ARGV[5]
			rec.error_code = nil
			rec.error_message = nil
		end
		rec.completed_at_ms = now
		rec.updated_at_ms = now
		rec.lock_token = nil
		rec.lock_expires_at_ms = nil
		local ttl = tonumber(ARGV[3])
		if ttl > 0 then
			rec.expires_at_ms = now + ttl
		end
		local encoded = cjson.encode(rec)
		redis.call('SET', KEYS[1], encoded)
		redis.call('PEXPIREAT', KEYS[1], rec.expires_at_ms)
		return {'ok', encoded}
	`)

	// idemReleaseLockScript 释放处理锁：mark_failed 转 FAILED，否则删除记录。
	// token 必须与持有者一致，空 token 在 Go 侧已被拒绝。
	// KEYS[1] = 记录键
	// ARGV[1] = now_ms
	// ARGV[2] = lock_token
	// ARGV[3] = mark_failed（'1'/'0'）
	// ARGV[4] = error_code
	// ARGV[5] = error_message
	// 返回: {mode}
	idemReleaseLockScript = redis.NewScript(`
		local now = tonumber(ARGV[1])
		local raw = redis.call('GET', KEYS[1])
		if not raw then
			return {'noop'}
		end
		local rec = cjson.decode(raw)
		if tonumber(rec.expires_at_ms) <= now then
			return {'noop'}
		end
		if (rec.lock_token or '') ~= ARGV[2] then
			return {'token_mismatch'}
		end
		if ARGV[3] == '1' then
			rec.status = 'FAILED'
			rec.response = nil
			rec.error_code = ARGV[4]
			rec.error_message = ARGV[5]
			rec.updated_at_ms = now
			rec.lock_token = nil
			rec.lock_expires_at_ms = nil
			redis.call('SET', KEYS[1], cjson.encode(rec))
			redis.call('PEXPIREAT', KEYS[1], rec.expires_at_ms)
			return {'failed'}
		end
		redis.call('DEL', KEYS[1])
		return {'deleted'}
	`)

	// idemExtendLockScript 续约处理锁；锁不允许活得比记录久，必要时顺延记录。
	// KEYS[1] = 记录键
	// ARGV[1] = now_ms
	// ARGV[2] = lock_token
	// ARGV[3] = extension_ms
	// 返回: {mode, new_deadline_ms}
	idemExtendLockScript = redis.NewScript(`
		local now = tonumber(ARGV[1])
		local raw = redis.call('GET', KEYS[1])
		if not raw then
			return {'not_found', '0'}
		end
		local rec = cjson.decode(raw)
		if tonumber(rec.expires_at_ms) <= now then
			return {'not_found', '0'}
		end
		if (rec.lock_token or '') ~= ARGV[2] then
			return {'token_mismatch', '0'}
		end
		if rec.status ~= 'PROCESSING' or tonumber(rec.lock_expires_at_ms or 0) <= now then
			return {'lock_expired', '0'}
		end
		local deadline = now + tonumber(ARGV[3])
		rec.lock_expires_at_ms = deadline
		rec.updated_at_ms = now
		if tonumber(rec.expires_at_ms) < deadline then
			rec.expires_at_ms = deadline
		end
		redis.call('SET', KEYS[1], cjson.encode(rec))
		redis.call('PEXPIREAT', KEYS[1], rec.expires_at_ms)
		return {'ok', tostring(deadline)}
	`)

	// idemCleanupBatchScript 对一批键做比较后删除，避免误删 SCAN 后被
	// 重建的记录。
	// KEYS    = 待检查的记录键
	// ARGV[1] = now_ms
	// ARGV[2] = force_before_ms（0 表示仅按 expires_at 判定）
	// ARGV[3] = client_id 过滤（'' 表示不过滤）
	// ARGV[4] = dry_run（'1'/'0'）
	// 返回: {deleted, next_expires_ms}
	idemCleanupBatchScript = redis.NewScript(`
		local now = tonumber(ARGV[1])
		local forceBefore = tonumber(ARGV[2])
		local deleted = 0
		local nextMs = 0
		for i = 1, #KEYS do
			local raw = redis.call('GET', KEYS[i])
			if raw then
				local rec = cjson.decode(raw)
				local matched = ARGV[3] == '' or (rec.client_id or '') == ARGV[3]
				if matched then
					local victim = tonumber(rec.expires_at_ms) <= now
					if not victim and forceBefore > 0 and tonumber(rec.created_at_ms) < forceBefore then
						victim = true
					end
					if victim then
						deleted = deleted + 1
						if ARGV[4] ~= '1' then
							redis.call('DEL', KEYS[i])
						end
					else
						local e = tonumber(rec.expires_at_ms)
						if nextMs == 0 or e < nextMs then
							nextMs = e
						end
					end
				end
			end
		end
		return {deleted, nextMs}
	`)
)

type redisIdempotencyStore struct {
	client          redis.UniversalClient
	keyPrefix       string
	scanBatch       int
	maxResponseSize int
	now             func() time.Time
}

// NewRedisIdempotencyStore 创建 Redis 后端。
func NewRedisIdempotencyStore(client redis.UniversalClient, cfg RedisStoreConfig) service.IdempotencyStore {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultRedisIdemKeyPrefix
	}
	batch := cfg.ScanBatch
	if batch <= 0 {
		batch = 100
	}
	return &redisIdempotencyStore{
		client:          client,
		keyPrefix:       prefix,
		scanBatch:       batch,
		maxResponseSize: cfg.MaxResponseSize,
		now:             time.Now,
	}
}

func (s *redisIdempotencyStore) redisKey(key string) string {
	return s.keyPrefix + key
}

func (s *redisIdempotencyStore) nowMs() int64 {
	return s.now().UnixMilli()
}

// Check 是纯读操作，不需要脚本；过期判定在 Go 侧完成。
func (s *redisIdempotencyStore) Check(ctx context.Context, key, requestHash string) (*service.CheckResult, error) {
	raw, err := s.client.Get(ctx, s.redisKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return &service.CheckResult{}, nil
	}
	if err != nil {
		return nil, service.StorageError(err)
	}
	rec, decodeErr := decodeRedisRecord(raw)
	if decodeErr != nil {
		return nil, decodeErr
	}
	if rec.ExpiresAtMs <= s.nowMs() {
		return &service.CheckResult{}, nil
	}

	out := &service.CheckResult{
		Found:     true,
		Status:    rec.Status,
		CreatedAt: timeFromMs(rec.CreatedAtMs),
		UpdatedAt: timeFromMs(rec.UpdatedAtMs),
		ExpiresAt: timeFromMs(rec.ExpiresAtMs),
	}
	if rec.CompletedAtMs > 0 {
		v := timeFromMs(rec.CompletedAtMs)
		out.CompletedAt = &v
	}
	if rec.RequestHash != requestHash {
		out.RequestMismatch = true
		return out, nil
	}
	if rec.Response != "" {
		env, parseErr := service.ParseResponseEnvelope([]byte(rec.Response))
		if parseErr != nil {
			return nil, parseErr
		}
		out.Response = env
	}
	return out, nil
}

func (s *redisIdempotencyStore) StartProcessing(ctx context.Context, opts service.StartProcessingOptions) (*service.LockResult, error) {
	token := service.NewLockToken()
	res, err := idemStartProcessingScript.Run(ctx, s.client,
		[]string{s.redisKey(opts.Key)},
		s.nowMs(),
		opts.LockTTL.Milliseconds(),
		opts.RecordTTL.Milliseconds(),
		opts.RequestHash,
		token,
		opts.Meta.Endpoint,
		opts.Meta.Method,
		opts.Meta.ClientID,
		opts.Key,
	).Slice()
	if err != nil {
		return nil, service.StorageError(err)
	}
	if len(res) != 2 {
		return nil, service.StorageError(fmt.Errorf("unexpected start_processing reply: %v", res))
	}
	mode, detail := toString(res[0]), toString(res[1])

	switch mode {
	case "acquired", "takeover":
		deadlineMs, _ := strconv.ParseInt(detail, 10, 64)
		return &service.LockResult{
			Acquired:      true,
			LockToken:     token,
			LockExpiresAt: timeFromMs(deadlineMs),
			Takeover:      mode == "takeover",
		}, nil
	case "mismatch":
		return &service.LockResult{
			RequestMismatch: true,
			ExistingStatus:  detail,
		}, nil
	case "completed":
		lr := &service.LockResult{ExistingStatus: service.IdempotencyStatusCompleted}
		if detail != "" {
			env, parseErr := service.ParseResponseEnvelope([]byte(detail))
			if parseErr != nil {
				return nil, parseErr
			}
			lr.ExistingResponse = env
		}
		return lr, nil
	case "busy":
		deadlineMs, _ := strconv.ParseInt(detail, 10, 64)
		deadline := timeFromMs(deadlineMs)
		return &service.LockResult{
			ExistingStatus:       service.IdempotencyStatusProcessing,
			ExistingLockDeadline: &deadline,
		}, nil
	}
	return nil, service.StorageError(fmt.Errorf("unexpected start_processing mode %q", mode))
}

func (s *redisIdempotencyStore) Record(ctx context.Context, opts service.RecordOptions) (*service.IdempotencyRecord, error) {
	var envelopeJSON string
	if !opts.MarkFailed {
		raw, err := opts.Response.Marshal()
		if err != nil {
			return nil, err
		}
		if s.maxResponseSize > 0 && len(raw) > s.maxResponseSize {
			return nil, service.ErrResponseTooLarge
		}
		envelopeJSON = string(raw)
	}

	markFailed := "0"
	if opts.MarkFailed {
		markFailed = "1"
	}
	res, err := idemRecordScript.Run(ctx, s.client,
		[]string{s.redisKey(opts.Key)},
		s.nowMs(),
		opts.LockToken,
		opts.TTL.Milliseconds(),
		markFailed,
		envelopeJSON,
		opts.ErrorCode,
		opts.ErrorMessage,
	).Slice()
	if err != nil {
		return nil, service.StorageError(err)
	}
	if len(res) != 2 {
		return nil, service.StorageError(fmt.Errorf("unexpected record reply: %v", res))
	}
	mode, raw := toString(res[0]), toString(res[1])
	switch mode {
	case "ok":
		rec, decodeErr := decodeRedisRecord(raw)
		if decodeErr != nil {
			return nil, decodeErr
		}
		return rec.toDomain()
	case "not_found":
		return nil, service.ErrRecordNotFound
	case "token_mismatch":
		return nil, service.ErrLockAcquisitionFailed
	}
	return nil, service.StorageError(fmt.Errorf("unexpected record mode %q", mode))
}

func (s *redisIdempotencyStore) ReleaseLock(ctx context.Context, opts service.ReleaseLockOptions) (*service.ReleaseResult, error) {
	if opts.LockToken == "" {
		return nil, service.ErrLockAcquisitionFailed
	}
	markFailed := "0"
	if opts.MarkFailed {
		markFailed = "1"
	}
	res, err := idemReleaseLockScript.Run(ctx, s.client,
		[]string{s.redisKey(opts.Key)},
		s.nowMs(),
		opts.LockToken,
		markFailed,
		opts.ErrorCode,
		opts.ErrorMessage,
	).Slice()
	if err != nil {
		return nil, service.StorageError(err)
	}
	if len(res) < 1 {
		return nil, service.StorageError(fmt.Errorf("unexpected release reply: %v", res))
	}
	switch toString(res[0]) {
	case "noop":
		return &service.ReleaseResult{}, nil
	case "token_mismatch":
		return nil, service.ErrLockAcquisitionFailed
	case "failed":
		return &service.ReleaseResult{Released: true, Status: service.IdempotencyStatusFailed}, nil
	case "deleted":
		return &service.ReleaseResult{Released: true, Deleted: true}, nil
	}
	return nil, service.StorageError(fmt.Errorf("unexpected release mode %q", toString(res[0])))
}

func (s *redisIdempotencyStore) ExtendLock(ctx context.Context, key, lockToken string, extension time.Duration) (*service.ExtendResult, error) {
	res, err := idemExtendLockScript.Run(ctx, s.client,
		[]string{s.redisKey(key)},
		s.nowMs(),
		lockToken,
		extension.Milliseconds(),
	).Slice()
	if err != nil {
		return nil, service.StorageError(err)
	}
	if len(res) != 2 {
		return nil, service.StorageError(fmt.Errorf("unexpected extend reply: %v", res))
	}
	mode := toString(res[0])
	switch mode {
	case "ok":
		deadlineMs, _ := strconv.ParseInt(toString(res[1]), 10, 64)
		return &service.ExtendResult{Extended: true, LockExpiresAt: timeFromMs(deadlineMs)}, nil
	case "not_found":
		return nil, service.ErrRecordNotFound
	case "token_mismatch":
		return nil, service.ErrLockAcquisitionFailed
	case "lock_expired":
		return nil, service.ErrLockExpired
	}
	return nil, service.StorageError(fmt.Errorf("unexpected extend mode %q", mode))
}

// Cleanup 以 SCAN 游标分批遍历记录键，每批交给 Lua 脚本做比较后删除。
// Redis 本身会回收到期键，这里主要服务 force_before 与统计口径。
func (s *redisIdempotencyStore) Cleanup(ctx context.Context, opts service.CleanupOptions) (*service.CleanupResult, error) {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = s.scanBatch
	}
	match := s.keyPrefix + opts.KeyPrefix + "*"

	var forceBeforeMs int64
	if opts.ForceBefore != nil {
		forceBeforeMs = opts.ForceBefore.UnixMilli()
	}
	dryRun := "0"
	if opts.DryRun {
		dryRun = "1"
	}

	result := &service.CleanupResult{}
	var nextMs int64
	var cursor uint64
	for {
		keys, nextCursor, err := s.client.Scan(ctx, cursor, match, int64(batch)).Result()
		if err != nil {
			return nil, service.StorageError(err)
		}
		cursor = nextCursor

		if len(keys) > 0 {
			result.Batches++
			result.ScannedCount += int64(len(keys))
			res, runErr := idemCleanupBatchScript.Run(ctx, s.client, keys,
				s.nowMs(),
				forceBeforeMs,
				opts.ClientID,
				dryRun,
			).Slice()
			if runErr != nil {
				return nil, service.StorageError(runErr)
			}
			if len(res) == 2 {
				deleted, _ := res[0].(int64)
				result.DeletedCount += deleted
				if ms, ok := res[1].(int64); ok && ms > 0 && (nextMs == 0 || ms < nextMs) {
					nextMs = ms
				}
			}
		}

		if cursor == 0 {
			break
		}
		if opts.MaxRecords > 0 && result.DeletedCount >= int64(opts.MaxRecords) {
			break
		}
	}
	if nextMs > 0 {
		v := timeFromMs(nextMs)
		result.NextExpiresAt = &v
	}
	return result, nil
}

func (s *redisIdempotencyStore) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return service.StorageError(err)
	}
	return nil
}

func (s *redisIdempotencyStore) Close() error {
	return s.client.Close()
}

func decodeRedisRecord(raw string) (*redisIdemRecord, error) {
	var rec redisIdemRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, service.ErrSerialization.WithCause(err)
	}
	return &rec, nil
}

func (r *redisIdemRecord) toDomain() (*service.IdempotencyRecord, error) {
	out := &service.IdempotencyRecord{
		Key:          r.Key,
		RequestHash:  r.RequestHash,
		Status:       r.Status,
		ErrorCode:    r.ErrorCode,
		ErrorMessage: r.ErrorMessage,
		Endpoint:     r.Endpoint,
		Method:       r.Method,
		ClientID:     r.ClientID,
		CreatedAt:    timeFromMs(r.CreatedAtMs),
		UpdatedAt:    timeFromMs(r.UpdatedAtMs),
		ExpiresAt:    timeFromMs(r.ExpiresAtMs),
		LockToken:    r.LockToken,
	}
	if r.CompletedAtMs > 0 {
		v := timeFromMs(r.CompletedAtMs)
		out.CompletedAt = &v
	}
	if r.LockExpiresAtMs > 0 {
		v := timeFromMs(r.LockExpiresAtMs)
		out.LockExpiresAt = &v
	}
	if r.Response != "" {
		env, err := service.ParseResponseEnvelope([]byte(r.Response))
		if err != nil {
			return nil, err
		}
		out.Response = env
	}
	return out, nil
}

func timeFromMs(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func toString(v any) string {
	switch tv := v.(type) {
	case string:
		return tv
	case []byte:
		return string(tv)
	case int64:
		return strconv.FormatInt(tv, 10)
	case nil:
		return ""
	default:
		return fmt.Sprint(tv)
	}
}
