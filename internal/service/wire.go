package service

import (
	"time"

	"github.com/Wei-Shaw/idemgate/internal/config"

	"github.com/google/wire"
)

// ProviderSet is the Wire provider set for the service layer
var ProviderSet = wire.NewSet(
	ProvideIdempotencyCoordinator,
	ProvideIdempotencyCleanupService,
)

// ProvideIdempotencyCoordinator 由配置装配协调器，并注册为进程默认实例。
func ProvideIdempotencyCoordinator(cfg *config.Config, store IdempotencyStore) *IdempotencyCoordinator {
	idem := cfg.Idempotency
	coordinator := NewIdempotencyCoordinator(store, IdempotencyConfig{
		DefaultTTL:         time.Duration(idem.DefaultTTLSeconds) * time.Second,
		LockTTL:            time.Duration(idem.LockTimeoutSeconds) * time.Second,
		MaxKeyLength:       idem.MaxKeyLength,
		MaxResponseSize:    idem.MaxResponseSize,
		KeyPrefix:          idem.KeyPrefix,
		ConcurrentHandling: idem.ConcurrentRequestHandling,
		WaitFailedBehavior: idem.WaitFailedBehavior,
		MaxWaitTime:        time.Duration(idem.MaxWaitTimeSeconds) * time.Second,
		RetryInterval:      time.Duration(idem.RetryIntervalMillis) * time.Millisecond,
		ObserveOnly:        idem.ObserveOnly,
		FailOpen:           idem.FailOpen,
		StorageRetry: StorageRetryPolicy{
			MaxAttempts: idem.Retry.MaxAttempts,
			BackoffBase: time.Duration(idem.Retry.BackoffBaseMillis) * time.Millisecond,
			BackoffCap:  time.Duration(idem.Retry.BackoffCapSeconds) * time.Second,
		},
	})
	SetDefaultIdempotencyCoordinator(coordinator)
	return coordinator
}

// ProvideIdempotencyCleanupService 装配清扫器；是否启动由调用方按配置决定。
func ProvideIdempotencyCleanupService(cfg *config.Config, store IdempotencyStore) *IdempotencyCleanupService {
	cleanup := cfg.Idempotency.Cleanup
	return NewIdempotencyCleanupService(store, IdempotencyCleanupConfig{
		Interval:           time.Duration(cleanup.IntervalSeconds) * time.Second,
		Schedule:           cleanup.Schedule,
		BatchSize:          cleanup.BatchSize,
		MaxRecordsPerSweep: cleanup.MaxRecordsPerSweep,
	})
}
