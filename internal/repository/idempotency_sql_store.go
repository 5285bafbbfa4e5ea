package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Wei-Shaw/idemgate/internal/service"
)

// SQL 后端存储布局
//
// 单表 idempotency_records，以幂等键为主键。start_processing 通过一条
// INSERT ... ON CONFLICT DO UPDATE 完成“新建 / 过期重建 / 接管”的全部
// 状态迁移，依赖 PostgreSQL 对单行 upsert 的原子性；时间一律取数据库
// NOW()，多实例部署下不受应用时钟偏差影响。
//
// 清扫使用 FOR UPDATE SKIP LOCKED 分批删除，避免与在线请求互相阻塞。

const idempotencySchemaDDL = `
CREATE TABLE IF NOT EXISTS idempotency_records (
	idempotency_key        TEXT PRIMARY KEY,
	request_hash           VARCHAR(64) NOT NULL,
	status                 VARCHAR(16) NOT NULL,
	response_status        INT,
	response_content_type  TEXT,
	response_headers       JSONB,
	response_body          BYTEA,
	error_code             VARCHAR(64),
	error_message          TEXT,
	endpoint               TEXT,
	method                 VARCHAR(16),
	client_id              TEXT,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	completed_at           TIMESTAMPTZ,
	expires_at             TIMESTAMPTZ NOT NULL,
	lock_token             VARCHAR(64),
	lock_expires_at        TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_idempotency_records_expires_at ON idempotency_records (expires_at);
CREATE INDEX IF NOT EXISTS idx_idempotency_records_status ON idempotency_records (status);
CREATE INDEX IF NOT EXISTS idx_idempotency_records_client_id ON idempotency_records (client_id) WHERE client_id IS NOT NULL;
`

// SQLStoreConfig 为关系型后端配置。
type SQLStoreConfig struct {
	// CleanupBatch 清扫单批删除行数，默认 500。
	CleanupBatch int
	// ClassifyRetries upsert 落空后重读分类的重试上限，默认 3。
	ClassifyRetries int
	// MaxResponseSize 序列化响应信封的字节上限；<=0 表示不限。
	MaxResponseSize int
}

type sqlIdempotencyStore struct {
	db              *sql.DB
	exec            sqlExecutor
	cleanupBatch    int
	classifyRetries int
	maxResponseSize int
}

// NewSQLIdempotencyStore 创建关系型后端。
func NewSQLIdempotencyStore(db *sql.DB, cfg SQLStoreConfig) service.IdempotencyStore {
	batch := cfg.CleanupBatch
	if batch <= 0 {
		batch = 500
	}
	retries := cfg.ClassifyRetries
	if retries <= 0 {
		retries = 3
	}
	return &sqlIdempotencyStore{
		db:              db,
		exec:            db,
		cleanupBatch:    batch,
		classifyRetries: retries,
		maxResponseSize: cfg.MaxResponseSize,
	}
}

// EnsureIdempotencySchema 建表建索引，可重复执行。
func EnsureIdempotencySchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, idempotencySchemaDDL); err != nil {
		return fmt.Errorf("ensure idempotency schema: %w", err)
	}
	return nil
}

func (s *sqlIdempotencyStore) Check(ctx context.Context, key, requestHash string) (*service.CheckResult, error) {
	query := `
		SELECT request_hash, status, response_status, response_content_type,
			response_headers, response_body, created_at, updated_at, completed_at, expires_at
		FROM idempotency_records
		WHERE idempotency_key = $1 AND expires_at > NOW()
	`
	var (
		storedHash  string
		status      string
		respStatus  sql.NullInt64
		contentType sql.NullString
		headersJSON []byte
		body        []byte
		createdAt   time.Time
		updatedAt   time.Time
		completedAt sql.NullTime
		expiresAt   time.Time
	)
	err := scanSingleRow(ctx, s.exec, query, []any{key},
		&storedHash, &status, &respStatus, &contentType,
		&headersJSON, &body, &createdAt, &updatedAt, &completedAt, &expiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return &service.CheckResult{}, nil
	}
	if err != nil {
		return nil, service.StorageError(err)
	}

	out := &service.CheckResult{
		Found:     true,
		Status:    status,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
		ExpiresAt: expiresAt,
	}
	if completedAt.Valid {
		v := completedAt.Time
		out.CompletedAt = &v
	}
	if storedHash != requestHash {
		out.RequestMismatch = true
		return out, nil
	}
	if respStatus.Valid {
		env, envErr := envelopeFromColumns(respStatus, contentType, headersJSON, body)
		if envErr != nil {
			return nil, envErr
		}
		out.Response = env
	}
	return out, nil
}

func (s *sqlIdempotencyStore) StartProcessing(ctx context.Context, opts service.StartProcessingOptions) (*service.LockResult, error) {
	token := service.NewLockToken()
	// WHERE 子句限定可抢占状态：过期记录视同不存在；同指纹的 FAILED 或
	// 锁过期 PROCESSING 允许接管。条件不满足时 upsert 不更新任何行。
	upsert := `
		INSERT INTO idempotency_records AS r (
			idempotency_key, request_hash, status, endpoint, method, client_id,
			created_at, updated_at, expires_at, lock_token, lock_expires_at
		) VALUES (
			$1, $2, 'PROCESSING', $3, $4, $5,
			NOW(), NOW(), NOW() + make_interval(secs => $6),
			$7, NOW() + make_interval(secs => $8)
		)
		ON CONFLICT (idempotency_key) DO UPDATE SET
			status = 'PROCESSING',
			request_hash = EXCLUDED.request_hash,
			endpoint = EXCLUDED.endpoint,
			method = EXCLUDED.method,
			client_id = EXCLUDED.client_id,
			response_status = NULL,
			response_content_type = NULL,
			response_headers = NULL,
			response_body = NULL,
			error_code = NULL,
			error_message = NULL,
			completed_at = NULL,
			updated_at = NOW(),
			created_at = CASE WHEN r.expires_at <= NOW() THEN NOW() ELSE r.created_at END,
			expires_at = EXCLUDED.expires_at,
			lock_token = EXCLUDED.lock_token,
			lock_expires_at = EXCLUDED.lock_expires_at
		WHERE r.expires_at <= NOW()
			OR (r.request_hash = EXCLUDED.request_hash
				AND (r.status = 'FAILED'
					OR (r.status = 'PROCESSING'
						AND (r.lock_expires_at IS NULL OR r.lock_expires_at <= NOW()))))
		RETURNING lock_expires_at, created_at, updated_at, (xmax <> 0)
	`
	for attempt := 0; attempt < s.classifyRetries; attempt++ {
		var (
			lockDeadline time.Time
			createdAt    time.Time
			updatedAt    time.Time
			updatedRow   bool
		)
		err := scanSingleRow(ctx, s.exec, upsert, []any{
			opts.Key,
			opts.RequestHash,
			opts.Meta.Endpoint,
			opts.Meta.Method,
			opts.Meta.ClientID,
			opts.RecordTTL.Seconds(),
			token,
			opts.LockTTL.Seconds(),
		}, &lockDeadline, &createdAt, &updatedAt, &updatedRow)
		if err == nil {
			// 过期重建时 created_at 被重置为当前时刻，不算接管。
			takeover := updatedRow && createdAt.Before(updatedAt)
			return &service.LockResult{
				Acquired:      true,
				LockToken:     token,
				LockExpiresAt: lockDeadline,
				Takeover:      takeover,
			}, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, service.StorageError(err)
		}

		// upsert 落空：读出现状分类。读不到或可抢占说明与并发方竞态，重试。
		lr, retry, classifyErr := s.classifyConflict(ctx, opts.Key, opts.RequestHash)
		if classifyErr != nil {
			return nil, classifyErr
		}
		if !retry {
			return lr, nil
		}
	}
	return nil, service.StorageError(fmt.Errorf("start_processing contention on key not resolved"))
}

// classifyConflict 读取现有记录并判定冲突类型。retry 为 true 表示记录
// 已消失或重新可抢占，调用方应重试 upsert。
func (s *sqlIdempotencyStore) classifyConflict(ctx context.Context, key, requestHash string) (*service.LockResult, bool, error) {
	query := `
		SELECT request_hash, status, response_status, response_content_type,
			response_headers, response_body, lock_expires_at
		FROM idempotency_records
		WHERE idempotency_key = $1 AND expires_at > NOW()
	`
	var (
		storedHash   string
		status       string
		respStatus   sql.NullInt64
		contentType  sql.NullString
		headersJSON  []byte
		body         []byte
		lockDeadline sql.NullTime
	)
	err := scanSingleRow(ctx, s.exec, query, []any{key},
		&storedHash, &status, &respStatus, &contentType, &headersJSON, &body, &lockDeadline,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, service.StorageError(err)
	}

	if storedHash != requestHash {
		return &service.LockResult{RequestMismatch: true, ExistingStatus: status}, false, nil
	}
	switch status {
	case service.IdempotencyStatusCompleted:
		lr := &service.LockResult{ExistingStatus: status}
		if respStatus.Valid {
			env, envErr := envelopeFromColumns(respStatus, contentType, headersJSON, body)
			if envErr != nil {
				return nil, false, envErr
			}
			lr.ExistingResponse = env
		}
		return lr, false, nil
	case service.IdempotencyStatusProcessing:
		if lockDeadline.Valid && lockDeadline.Time.After(time.Now()) {
			deadline := lockDeadline.Time
			return &service.LockResult{
				ExistingStatus:       status,
				ExistingLockDeadline: &deadline,
			}, false, nil
		}
	}
	// FAILED 或锁已过期：可抢占，重试 upsert。
	return nil, true, nil
}

func (s *sqlIdempotencyStore) Record(ctx context.Context, opts service.RecordOptions) (*service.IdempotencyRecord, error) {
	var (
		respStatus  sql.NullInt64
		contentType sql.NullString
		headersJSON []byte
		body        []byte
		status      = service.IdempotencyStatusCompleted
		errorCode   sql.NullString
		errorMsg    sql.NullString
	)
	if opts.MarkFailed {
		status = service.IdempotencyStatusFailed
		errorCode = nullString(opts.ErrorCode)
		errorMsg = nullString(opts.ErrorMessage)
	} else {
		if opts.Response == nil {
			return nil, service.ErrSerialization.WithCause(fmt.Errorf("nil response envelope"))
		}
		if s.maxResponseSize > 0 {
			raw, err := opts.Response.Marshal()
			if err != nil {
				return nil, err
			}
			if len(raw) > s.maxResponseSize {
				return nil, service.ErrResponseTooLarge
			}
		}
		respStatus = sql.NullInt64{Int64: int64(opts.Response.StatusCode), Valid: true}
		contentType = nullString(opts.Response.ContentType)
		body = opts.Response.Body
		if len(opts.Response.Headers) > 0 {
			raw, err := json.Marshal(opts.Response.Headers)
			if err != nil {
				return nil, service.ErrSerialization.WithCause(err)
			}
			headersJSON = raw
		}
	}

	query := `
		UPDATE idempotency_records SET
			status = $2,
			response_status = $3,
			response_content_type = $4,
			response_headers = $5,
			response_body = $6,
			error_code = $7,
			error_message = $8,
			completed_at = NOW(),
			updated_at = NOW(),
			lock_token = NULL,
			lock_expires_at = NULL,
			expires_at = CASE WHEN $9 > 0 THEN NOW() + make_interval(secs => $9) ELSE expires_at END
		WHERE idempotency_key = $1
			AND expires_at > NOW()
			AND ($10 = '' OR lock_token = $10)
		RETURNING request_hash, created_at, updated_at, completed_at, expires_at, endpoint, method, client_id
	`
	var (
		storedHash  string
		createdAt   time.Time
		updatedAt   time.Time
		completedAt sql.NullTime
		expiresAt   time.Time
		endpoint    sql.NullString
		method      sql.NullString
		clientID    sql.NullString
	)
	err := scanSingleRow(ctx, s.exec, query, []any{
		opts.Key, status, respStatus, contentType, headersJSON, body,
		errorCode, errorMsg, opts.TTL.Seconds(), opts.LockToken,
	}, &storedHash, &createdAt, &updatedAt, &completedAt, &expiresAt, &endpoint, &method, &clientID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.explainWriteMiss(ctx, opts.Key, opts.LockToken)
	}
	if err != nil {
		return nil, service.StorageError(err)
	}

	rec := &service.IdempotencyRecord{
		Key:          opts.Key,
		RequestHash:  storedHash,
		Status:       status,
		ErrorCode:    opts.ErrorCode,
		ErrorMessage: opts.ErrorMessage,
		Endpoint:     endpoint.String,
		Method:       method.String,
		ClientID:     clientID.String,
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
		ExpiresAt:    expiresAt,
	}
	if completedAt.Valid {
		v := completedAt.Time
		rec.CompletedAt = &v
	}
	if !opts.MarkFailed {
		rec.Response = opts.Response.Clone()
	}
	return rec, nil
}

// explainWriteMiss 区分写失败原因：记录缺失返回 RECORD_NOT_FOUND，行仍在
// 但已逻辑过期返回 TTL_EXCEEDED，token 失配返回 LOCK_ACQUISITION_FAILED。
func (s *sqlIdempotencyStore) explainWriteMiss(ctx context.Context, key, token string) error {
	var storedToken sql.NullString
	var expired bool
	err := scanSingleRow(ctx, s.exec,
		`SELECT lock_token, (expires_at <= NOW()) FROM idempotency_records WHERE idempotency_key = $1`,
		[]any{key}, &storedToken, &expired)
	if errors.Is(err, sql.ErrNoRows) {
		return service.ErrRecordNotFound
	}
	if err != nil {
		return service.StorageError(err)
	}
	if expired {
		return service.ErrTTLExceeded
	}
	if token != "" && storedToken.String != token {
		return service.ErrLockAcquisitionFailed
	}
	return service.ErrRecordNotFound
}

func (s *sqlIdempotencyStore) ReleaseLock(ctx context.Context, opts service.ReleaseLockOptions) (*service.ReleaseResult, error) {
	if opts.LockToken == "" {
		return nil, service.ErrLockAcquisitionFailed
	}
	if opts.MarkFailed {
		query := `
			UPDATE idempotency_records SET
				status = 'FAILED',
				response_status = NULL,
				response_content_type = NULL,
				response_headers = NULL,
				response_body = NULL,
				error_code = $2,
				error_message = $3,
				updated_at = NOW(),
				lock_token = NULL,
				lock_expires_at = NULL
			WHERE idempotency_key = $1
				AND expires_at > NOW()
				AND lock_token = $4
		`
		res, err := s.exec.ExecContext(ctx, query, opts.Key, nullString(opts.ErrorCode), nullString(opts.ErrorMessage), opts.LockToken)
		if err != nil {
			return nil, service.StorageError(err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, service.StorageError(err)
		}
		if affected == 0 {
			return s.explainReleaseMiss(ctx, opts.Key, opts.LockToken)
		}
		return &service.ReleaseResult{Released: true, Status: service.IdempotencyStatusFailed}, nil
	}

	query := `
		DELETE FROM idempotency_records
		WHERE idempotency_key = $1
			AND lock_token = $2
	`
	res, err := s.exec.ExecContext(ctx, query, opts.Key, opts.LockToken)
	if err != nil {
		return nil, service.StorageError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, service.StorageError(err)
	}
	if affected == 0 {
		return s.explainReleaseMiss(ctx, opts.Key, opts.LockToken)
	}
	return &service.ReleaseResult{Released: true, Deleted: true}, nil
}

func (s *sqlIdempotencyStore) explainReleaseMiss(ctx context.Context, key, token string) (*service.ReleaseResult, error) {
	var storedToken sql.NullString
	err := scanSingleRow(ctx, s.exec,
		`SELECT lock_token FROM idempotency_records WHERE idempotency_key = $1 AND expires_at > NOW()`,
		[]any{key}, &storedToken)
	if errors.Is(err, sql.ErrNoRows) {
		return &service.ReleaseResult{}, nil
	}
	if err != nil {
		return nil, service.StorageError(err)
	}
	if storedToken.String != token {
		return nil, service.ErrLockAcquisitionFailed
	}
	return &service.ReleaseResult{}, nil
}

func (s *sqlIdempotencyStore) ExtendLock(ctx context.Context, key, lockToken string, extension time.Duration) (*service.ExtendResult, error) {
	query := `
		UPDATE idempotency_records SET
			lock_expires_at = NOW() + make_interval(secs => $3),
			updated_at = NOW(),
			expires_at = GREATEST(expires_at, NOW() + make_interval(secs => $3))
		WHERE idempotency_key = $1
			AND expires_at > NOW()
			AND status = 'PROCESSING'
			AND lock_token = $2
			AND lock_expires_at > NOW()
		RETURNING lock_expires_at
	`
	var deadline time.Time
	err := scanSingleRow(ctx, s.exec, query, []any{key, lockToken, extension.Seconds()}, &deadline)
	if err == nil {
		return &service.ExtendResult{Extended: true, LockExpiresAt: deadline}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, service.StorageError(err)
	}

	var storedToken sql.NullString
	var lockDeadline sql.NullTime
	var expired bool
	err = scanSingleRow(ctx, s.exec,
		`SELECT lock_token, lock_expires_at, (expires_at <= NOW()) FROM idempotency_records WHERE idempotency_key = $1`,
		[]any{key}, &storedToken, &lockDeadline, &expired)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, service.ErrRecordNotFound
	}
	if err != nil {
		return nil, service.StorageError(err)
	}
	if expired {
		return nil, service.ErrTTLExceeded
	}
	if storedToken.String != lockToken {
		return nil, service.ErrLockAcquisitionFailed
	}
	return nil, service.ErrLockExpired
}

func (s *sqlIdempotencyStore) Cleanup(ctx context.Context, opts service.CleanupOptions) (*service.CleanupResult, error) {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = s.cleanupBatch
	}
	var forceBefore sql.NullTime
	if opts.ForceBefore != nil {
		forceBefore = sql.NullTime{Time: *opts.ForceBefore, Valid: true}
	}

	predicate := `
		(expires_at <= NOW() OR ($1::timestamptz IS NOT NULL AND created_at < $1))
		AND ($2 = '' OR idempotency_key LIKE $2 || '%')
		AND ($3 = '' OR client_id = $3)
	`

	result := &service.CleanupResult{}
	if opts.DryRun {
		var count int64
		err := scanSingleRow(ctx, s.exec,
			`SELECT COUNT(*) FROM idempotency_records WHERE `+predicate,
			[]any{forceBefore, opts.KeyPrefix, opts.ClientID}, &count)
		if err != nil {
			return nil, service.StorageError(err)
		}
		result.DeletedCount = count
		result.ScannedCount = count
		result.Batches = 1
	} else {
		deleteQuery := `
			WITH victims AS (
				SELECT idempotency_key FROM idempotency_records
				WHERE ` + predicate + `
				ORDER BY expires_at
				LIMIT $4
				FOR UPDATE SKIP LOCKED
			)
			DELETE FROM idempotency_records r
			USING victims v
			WHERE r.idempotency_key = v.idempotency_key
		`
		for {
			limit := batch
			if opts.MaxRecords > 0 {
				remaining := int64(opts.MaxRecords) - result.DeletedCount
				if remaining <= 0 {
					break
				}
				if remaining < int64(limit) {
					limit = int(remaining)
				}
			}
			res, err := s.exec.ExecContext(ctx, deleteQuery, forceBefore, opts.KeyPrefix, opts.ClientID, limit)
			if err != nil {
				return nil, service.StorageError(err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return nil, service.StorageError(err)
			}
			if affected == 0 {
				break
			}
			result.Batches++
			result.DeletedCount += affected
			result.ScannedCount += affected
		}
	}

	var next sql.NullTime
	err := scanSingleRow(ctx, s.exec,
		`SELECT MIN(expires_at) FROM idempotency_records WHERE expires_at > NOW()
			AND ($1 = '' OR idempotency_key LIKE $1 || '%')
			AND ($2 = '' OR client_id = $2)`,
		[]any{opts.KeyPrefix, opts.ClientID}, &next)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, service.StorageError(err)
	}
	if next.Valid {
		v := next.Time
		result.NextExpiresAt = &v
	}
	return result, nil
}

func (s *sqlIdempotencyStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return service.StorageError(err)
	}
	return nil
}

func (s *sqlIdempotencyStore) Close() error {
	return s.db.Close()
}

func envelopeFromColumns(status sql.NullInt64, contentType sql.NullString, headersJSON, body []byte) (*service.ResponseEnvelope, error) {
	env := &service.ResponseEnvelope{
		StatusCode:  int(status.Int64),
		ContentType: contentType.String,
	}
	if len(headersJSON) > 0 {
		if err := json.Unmarshal(headersJSON, &env.Headers); err != nil {
			return nil, service.ErrSerialization.WithCause(err)
		}
	}
	if len(body) > 0 {
		env.Body = append([]byte(nil), body...)
	}
	return env, nil
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
