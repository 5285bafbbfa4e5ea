package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Wei-Shaw/idemgate/internal/pkg/logger"

	"github.com/robfig/cron/v3"
)

var idempotencyCleanupCronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// IdempotencyCleanupConfig 为清扫器配置。
// Schedule（标准 5 段 cron）优先于 Interval；两者都未设置时默认每 60 秒。
type IdempotencyCleanupConfig struct {
	Interval           time.Duration
	Schedule           string
	BatchSize          int
	MaxRecordsPerSweep int
	SweepTimeout       time.Duration
}

// IdempotencyCleanupService 定期清理已过期的幂等记录，避免存储无限增长。
// 存储后端自身的物理过期（Redis PEXPIREAT、内存 timing wheel）是第一道
// 防线，这里兜底关系型后端并提供统一的统计口径。
type IdempotencyCleanupService struct {
	store IdempotencyStore
	cfg   IdempotencyCleanupConfig

	cron      *cron.Cron
	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
}

// NewIdempotencyCleanupService 创建清扫器。
func NewIdempotencyCleanupService(store IdempotencyStore, cfg IdempotencyCleanupConfig) *IdempotencyCleanupService {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = 10 * time.Second
	}
	return &IdempotencyCleanupService{
		store:  store,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

// Start 启动后台清扫。启动后立即清理一轮，防止重启后积压。
func (s *IdempotencyCleanupService) Start() {
	if s == nil || s.store == nil {
		return
	}
	s.startOnce.Do(func() {
		schedule := strings.TrimSpace(s.cfg.Schedule)
		if schedule != "" {
			c := cron.New(cron.WithParser(idempotencyCleanupCronParser))
			if _, err := c.AddFunc(schedule, func() { s.sweepLogged() }); err != nil {
				logger.LegacyPrintf("service.idempotency_cleanup",
					"[IdempotencyCleanup] invalid schedule=%q err=%v, falling back to interval=%s",
					schedule, err, s.cfg.Interval)
			} else {
				s.cron = c
				s.cron.Start()
				go s.sweepLogged()
				logger.LegacyPrintf("service.idempotency_cleanup",
					"[IdempotencyCleanup] started schedule=%q batch=%d", schedule, s.cfg.BatchSize)
				return
			}
		}
		logger.LegacyPrintf("service.idempotency_cleanup",
			"[IdempotencyCleanup] started interval=%s batch=%d", s.cfg.Interval, s.cfg.BatchSize)
		go s.runLoop()
	})
}

// Stop 停止后台清扫。
func (s *IdempotencyCleanupService) Stop() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.cron != nil {
			stopCtx := s.cron.Stop()
			select {
			case <-stopCtx.Done():
			case <-time.After(3 * time.Second):
				logger.LegacyPrintf("service.idempotency_cleanup", "[IdempotencyCleanup] cron stop timed out")
			}
		}
		logger.LegacyPrintf("service.idempotency_cleanup", "[IdempotencyCleanup] stopped")
	})
}

func (s *IdempotencyCleanupService) runLoop() {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.sweepLogged()

	for {
		select {
		case <-ticker.C:
			s.sweepLogged()
		case <-s.stopCh:
			return
		}
	}
}

func (s *IdempotencyCleanupService) sweepLogged() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SweepTimeout)
	defer cancel()

	result, err := s.SweepOnce(ctx)
	if err != nil {
		logger.LegacyPrintf("service.idempotency_cleanup", "[IdempotencyCleanup] sweep failed err=%v", err)
		return
	}
	if result.DeletedCount > 0 {
		logger.LegacyPrintf("service.idempotency_cleanup",
			"[IdempotencyCleanup] cleaned expired records count=%d batches=%d", result.DeletedCount, result.Batches)
	}
}

// SweepOnce 执行一轮清扫，也供运维入口手动触发。
func (s *IdempotencyCleanupService) SweepOnce(ctx context.Context) (*CleanupResult, error) {
	result, err := s.store.Cleanup(ctx, CleanupOptions{
		BatchSize:  s.cfg.BatchSize,
		MaxRecords: s.cfg.MaxRecordsPerSweep,
	})
	if err != nil {
		return nil, err
	}
	recordIdempotencyCleanup(result.DeletedCount)
	return result, nil
}
