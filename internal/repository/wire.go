package repository

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"time"

	"github.com/Wei-Shaw/idemgate/internal/config"
	"github.com/Wei-Shaw/idemgate/internal/service"

	"github.com/google/wire"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

// ProviderSet is the Wire provider set for the repository layer
var ProviderSet = wire.NewSet(ProvideIdempotencyStore)

// ProvideIdempotencyStore 按配置装配存储后端，返回 wire 清理函数负责关闭连接。
func ProvideIdempotencyStore(cfg *config.Config) (service.IdempotencyStore, func(), error) {
	switch cfg.Store.Backend {
	case config.StoreBackendRedis:
		opts := &redis.Options{
			Addr:         cfg.Redis.Address(),
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  time.Duration(cfg.Redis.DialTimeoutSeconds) * time.Second,
			ReadTimeout:  time.Duration(cfg.Redis.ReadTimeoutSeconds) * time.Second,
			WriteTimeout: time.Duration(cfg.Redis.WriteTimeoutSeconds) * time.Second,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		}
		if cfg.Redis.EnableTLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		client := redis.NewClient(opts)
		store := NewRedisIdempotencyStore(client, RedisStoreConfig{
			KeyPrefix:       cfg.Store.Redis.KeyPrefix,
			ScanBatch:       cfg.Store.Redis.ScanBatch,
			MaxResponseSize: cfg.Idempotency.MaxResponseSize,
		})
		return store, func() { _ = store.Close() }, nil

	case config.StoreBackendSQL:
		db, err := sql.Open("postgres", cfg.Database.DSN())
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetimeMinutes) * time.Minute)
		db.SetConnMaxIdleTime(time.Duration(cfg.Database.ConnMaxIdleTimeMinutes) * time.Minute)

		if cfg.Database.AutoMigrate {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := EnsureIdempotencySchema(ctx, db); err != nil {
				_ = db.Close()
				return nil, nil, fmt.Errorf("ensure idempotency schema: %w", err)
			}
		}
		store := NewSQLIdempotencyStore(db, SQLStoreConfig{
			CleanupBatch:    cfg.Store.SQL.CleanupBatch,
			MaxResponseSize: cfg.Idempotency.MaxResponseSize,
		})
		return store, func() { _ = store.Close() }, nil

	default:
		store, err := NewMemoryIdempotencyStore(MemoryStoreConfig{
			MaxRecords:      cfg.Store.Memory.MaxRecords,
			MaxResponseSize: cfg.Idempotency.MaxResponseSize,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}
}
