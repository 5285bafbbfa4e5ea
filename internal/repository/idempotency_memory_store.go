package repository

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Wei-Shaw/idemgate/internal/service"

	"github.com/zeromicro/go-zero/core/collection"
)

// MemoryStoreConfig 为内存后端配置。
type MemoryStoreConfig struct {
	// MaxRecords 容量上限，超出后按创建顺序淘汰最旧记录；<=0 表示不限。
	MaxRecords int
	// MaxResponseSize 序列化响应信封的字节上限；<=0 表示不限。
	MaxResponseSize int
}

// memoryIdempotencyStore 基于互斥锁的单进程幂等存储。
// 过期记录由 timing wheel 异步回收，读路径仍以 expires_at 判定为准，
// 回收只是释放内存，不影响语义。
type memoryIdempotencyStore struct {
	mu         sync.Mutex
	records         map[string]*service.IdempotencyRecord
	order           []string
	maxRecords      int
	maxResponseSize int
	tw         *collection.TimingWheel
	closed     bool
	now        func() time.Time
}

// NewMemoryIdempotencyStore 创建内存后端。
func NewMemoryIdempotencyStore(cfg MemoryStoreConfig) (service.IdempotencyStore, error) {
	s := &memoryIdempotencyStore{
		records: make(map[string]*service.IdempotencyRecord),
		now:     time.Now,
	}
	s.maxRecords = cfg.MaxRecords
	s.maxResponseSize = cfg.MaxResponseSize
	tw, err := collection.NewTimingWheel(time.Second, 3600, func(key, _ any) {
		k, ok := key.(string)
		if !ok {
			return
		}
		s.evictIfExpired(k)
	})
	if err != nil {
		return nil, fmt.Errorf("create timing wheel: %w", err)
	}
	s.tw = tw
	return s, nil
}

func (s *memoryIdempotencyStore) evictIfExpired(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return
	}
	if rec.Expired(s.now()) {
		delete(s.records, key)
	}
}

func (s *memoryIdempotencyStore) scheduleExpiry(key string, expiresAt time.Time) {
	delay := expiresAt.Sub(s.now())
	if delay <= 0 {
		delay = time.Second
	}
	_ = s.tw.SetTimer(key, key, delay)
}

func (s *memoryIdempotencyStore) Check(ctx context.Context, key, requestHash string) (*service.CheckResult, error) {
	if err := s.live(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || rec.Expired(s.now()) {
		return &service.CheckResult{}, nil
	}
	res := &service.CheckResult{
		Found:       true,
		Status:      rec.Status,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
		CompletedAt: cloneTimePtr(rec.CompletedAt),
		ExpiresAt:   rec.ExpiresAt,
	}
	if rec.RequestHash != requestHash {
		res.RequestMismatch = true
		return res, nil
	}
	res.Response = rec.Response.Clone()
	return res, nil
}

func (s *memoryIdempotencyStore) StartProcessing(ctx context.Context, opts service.StartProcessingOptions) (*service.LockResult, error) {
	if err := s.live(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec, exists := s.records[opts.Key]
	if exists && rec.Expired(now) {
		delete(s.records, opts.Key)
		exists = false
	}

	if !exists {
		fresh := s.newProcessingRecord(opts, now)
		s.insertLocked(fresh)
		return &service.LockResult{
			Acquired:      true,
			LockToken:     fresh.LockToken,
			LockExpiresAt: *fresh.LockExpiresAt,
		}, nil
	}

	if rec.RequestHash != opts.RequestHash {
		return &service.LockResult{
			RequestMismatch: true,
			ExistingStatus:  rec.Status,
		}, nil
	}

	switch {
	case rec.Status == service.IdempotencyStatusCompleted:
		return &service.LockResult{
			ExistingStatus:   rec.Status,
			ExistingResponse: rec.Response.Clone(),
		}, nil
	case rec.LockLive(now):
		return &service.LockResult{
			ExistingStatus:       rec.Status,
			ExistingLockDeadline: cloneTimePtr(rec.LockExpiresAt),
		}, nil
	}

	// FAILED 或锁过期的 PROCESSING：接管。
	token := service.NewLockToken()
	lockDeadline := now.Add(opts.LockTTL)
	rec.Status = service.IdempotencyStatusProcessing
	rec.LockToken = token
	rec.LockExpiresAt = &lockDeadline
	rec.Response = nil
	rec.ErrorCode = ""
	rec.ErrorMessage = ""
	rec.CompletedAt = nil
	rec.UpdatedAt = now
	rec.ExpiresAt = now.Add(opts.RecordTTL)
	s.scheduleExpiry(rec.Key, rec.ExpiresAt)
	return &service.LockResult{
		Acquired:      true,
		LockToken:     token,
		LockExpiresAt: lockDeadline,
		Takeover:      true,
	}, nil
}

func (s *memoryIdempotencyStore) newProcessingRecord(opts service.StartProcessingOptions, now time.Time) *service.IdempotencyRecord {
	lockDeadline := now.Add(opts.LockTTL)
	return &service.IdempotencyRecord{
		Key:           opts.Key,
		RequestHash:   opts.RequestHash,
		Status:        service.IdempotencyStatusProcessing,
		Endpoint:      opts.Meta.Endpoint,
		Method:        opts.Meta.Method,
		ClientID:      opts.Meta.ClientID,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(opts.RecordTTL),
		LockToken:     service.NewLockToken(),
		LockExpiresAt: &lockDeadline,
	}
}

func (s *memoryIdempotencyStore) insertLocked(rec *service.IdempotencyRecord) {
	s.records[rec.Key] = rec
	s.order = append(s.order, rec.Key)
	s.scheduleExpiry(rec.Key, rec.ExpiresAt)

	if s.maxRecords <= 0 {
		return
	}
	for len(s.records) > s.maxRecords && len(s.order) > 0 {
		oldest := s.order[0]
		s.order = s.order[1:]
		if oldest == rec.Key {
			s.order = append(s.order, oldest)
			continue
		}
		delete(s.records, oldest)
	}
}

func (s *memoryIdempotencyStore) Record(ctx context.Context, opts service.RecordOptions) (*service.IdempotencyRecord, error) {
	if err := s.live(ctx); err != nil {
		return nil, err
	}
	if !opts.MarkFailed && s.maxResponseSize > 0 {
		raw, err := opts.Response.Marshal()
		if err != nil {
			return nil, err
		}
		if len(raw) > s.maxResponseSize {
			return nil, service.ErrResponseTooLarge
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec, ok := s.records[opts.Key]
	if !ok {
		return nil, service.ErrRecordNotFound
	}
	if rec.Expired(now) {
		return nil, service.ErrTTLExceeded
	}
	if opts.LockToken != "" && rec.LockToken != opts.LockToken {
		return nil, service.ErrLockAcquisitionFailed
	}

	if opts.MarkFailed {
		rec.Status = service.IdempotencyStatusFailed
		rec.Response = nil
		rec.ErrorCode = opts.ErrorCode
		rec.ErrorMessage = opts.ErrorMessage
	} else {
		rec.Status = service.IdempotencyStatusCompleted
		rec.Response = opts.Response.Clone()
		rec.ErrorCode = ""
		rec.ErrorMessage = ""
	}
	completed := now
	rec.CompletedAt = &completed
	rec.UpdatedAt = now
	rec.LockToken = ""
	rec.LockExpiresAt = nil
	if opts.TTL > 0 {
		rec.ExpiresAt = now.Add(opts.TTL)
		s.scheduleExpiry(rec.Key, rec.ExpiresAt)
	}
	return rec.Clone(), nil
}

func (s *memoryIdempotencyStore) ReleaseLock(ctx context.Context, opts service.ReleaseLockOptions) (*service.ReleaseResult, error) {
	if err := s.live(ctx); err != nil {
		return nil, err
	}
	if opts.LockToken == "" {
		return nil, service.ErrLockAcquisitionFailed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec, ok := s.records[opts.Key]
	if !ok || rec.Expired(now) {
		return &service.ReleaseResult{}, nil
	}
	if rec.LockToken != opts.LockToken {
		return nil, service.ErrLockAcquisitionFailed
	}

	if opts.MarkFailed {
		rec.Status = service.IdempotencyStatusFailed
		rec.Response = nil
		rec.ErrorCode = opts.ErrorCode
		rec.ErrorMessage = opts.ErrorMessage
		rec.UpdatedAt = now
		rec.LockToken = ""
		rec.LockExpiresAt = nil
		return &service.ReleaseResult{Released: true, Status: rec.Status}, nil
	}
	delete(s.records, opts.Key)
	return &service.ReleaseResult{Released: true, Deleted: true}, nil
}

func (s *memoryIdempotencyStore) ExtendLock(ctx context.Context, key, lockToken string, extension time.Duration) (*service.ExtendResult, error) {
	if err := s.live(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec, ok := s.records[key]
	if !ok {
		return nil, service.ErrRecordNotFound
	}
	if rec.Expired(now) {
		return nil, service.ErrTTLExceeded
	}
	if rec.LockToken != lockToken {
		return nil, service.ErrLockAcquisitionFailed
	}
	if !rec.LockLive(now) {
		return nil, service.ErrLockExpired
	}
	deadline := now.Add(extension)
	rec.LockExpiresAt = &deadline
	rec.UpdatedAt = now
	// 锁不允许活得比记录久。
	if rec.ExpiresAt.Before(deadline) {
		rec.ExpiresAt = deadline
		s.scheduleExpiry(rec.Key, rec.ExpiresAt)
	}
	return &service.ExtendResult{Extended: true, LockExpiresAt: deadline}, nil
}

func (s *memoryIdempotencyStore) Cleanup(ctx context.Context, opts service.CleanupOptions) (*service.CleanupResult, error) {
	if err := s.live(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	result := &service.CleanupResult{Batches: 1}
	var next *time.Time
	for k, rec := range s.records {
		result.ScannedCount++
		if !matchesCleanupFilter(rec, opts) {
			continue
		}
		victim := rec.Expired(now) || (opts.ForceBefore != nil && rec.CreatedAt.Before(*opts.ForceBefore))
		if victim {
			if opts.MaxRecords > 0 && result.DeletedCount >= int64(opts.MaxRecords) {
				continue
			}
			result.DeletedCount++
			if !opts.DryRun {
				delete(s.records, k)
			}
			continue
		}
		if next == nil || rec.ExpiresAt.Before(*next) {
			v := rec.ExpiresAt
			next = &v
		}
	}
	result.NextExpiresAt = next
	return result, nil
}

func matchesCleanupFilter(rec *service.IdempotencyRecord, opts service.CleanupOptions) bool {
	if opts.KeyPrefix != "" && !strings.HasPrefix(rec.Key, opts.KeyPrefix) {
		return false
	}
	if opts.ClientID != "" && rec.ClientID != opts.ClientID {
		return false
	}
	return true
}

func (s *memoryIdempotencyStore) HealthCheck(ctx context.Context) error {
	return s.live(ctx)
}

func (s *memoryIdempotencyStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.tw.Stop()
	s.records = make(map[string]*service.IdempotencyRecord)
	s.order = nil
	return nil
}

func (s *memoryIdempotencyStore) live(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return service.StorageError(err)
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return service.StorageError(fmt.Errorf("memory store closed"))
	}
	return nil
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
