package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	setDefaults()

	var cfg Config
	require.NoError(t, viper.Unmarshal(&cfg))
	cfg.normalize()
	return &cfg
}

func TestDefaultsValidate(t *testing.T) {
	cfg := defaultConfig(t)
	require.NoError(t, cfg.Validate())

	require.Equal(t, StoreBackendMemory, cfg.Store.Backend)
	require.Equal(t, "Idempotency-Key", cfg.Idempotency.KeyHeader)
	require.Equal(t, 86400, cfg.Idempotency.DefaultTTLSeconds)
	require.Equal(t, 30, cfg.Idempotency.LockTimeoutSeconds)
	require.Equal(t, 1<<20, cfg.Idempotency.MaxResponseSize)
	require.Equal(t, 256, cfg.Idempotency.MaxKeyLength)
	require.Equal(t, ConcurrentHandlingReject, cfg.Idempotency.ConcurrentRequestHandling)
	require.Equal(t, []string{"POST", "PUT", "PATCH"}, cfg.Idempotency.Methods)
	require.True(t, cfg.Idempotency.Cleanup.Enabled)
}

func TestNormalizeMethodsAndMode(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Server.Mode = " Release "
	cfg.Idempotency.Methods = []string{" post", "Put", ""}
	cfg.Idempotency.ConcurrentRequestHandling = "WAIT"
	cfg.normalize()

	require.Equal(t, "release", cfg.Server.Mode)
	require.Equal(t, []string{"POST", "PUT"}, cfg.Idempotency.Methods)
	require.Equal(t, ConcurrentHandlingWait, cfg.Idempotency.ConcurrentRequestHandling)
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadBackend(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Store.Backend = "etcd"
	require.ErrorContains(t, cfg.Validate(), "store.backend")
}

func TestValidateRejectsBadConcurrentHandling(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Idempotency.ConcurrentRequestHandling = "queue"
	require.ErrorContains(t, cfg.Validate(), "concurrent_request_handling")
}

func TestValidateRejectsBadWaitFailedBehavior(t *testing.T) {
	cfg := defaultConfig(t)
	require.Equal(t, WaitFailedTakeover, cfg.Idempotency.WaitFailedBehavior)

	cfg.Idempotency.WaitFailedBehavior = "replay"
	require.ErrorContains(t, cfg.Validate(), "wait_failed_behavior")

	cfg.Idempotency.WaitFailedBehavior = WaitFailedConflict
	require.NoError(t, cfg.Validate())
}

func TestValidateWaitModeNeedsTuning(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Idempotency.ConcurrentRequestHandling = ConcurrentHandlingWait
	cfg.Idempotency.MaxWaitTimeSeconds = 0
	require.ErrorContains(t, cfg.Validate(), "max_wait_time_seconds")
}

func TestValidateRejectsBadExcludeRegexp(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Idempotency.ExcludePaths = []string{"regexp:["}
	require.ErrorContains(t, cfg.Validate(), "exclude_paths")
}

func TestValidateCleanupNeedsIntervalOrSchedule(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Idempotency.Cleanup.IntervalSeconds = 0
	require.ErrorContains(t, cfg.Validate(), "cleanup.interval_seconds")

	cfg.Idempotency.Cleanup.Schedule = "*/5 * * * *"
	require.NoError(t, cfg.Validate())
}

func TestDatabaseDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "app", DBName: "idemgate", SSLMode: "disable"}
	require.Equal(t, "host=db port=5432 user=app dbname=idemgate sslmode=disable", d.DSN())

	d.Password = "secret"
	require.Equal(t, "host=db port=5432 user=app password=secret dbname=idemgate sslmode=disable", d.DSN())
}

func TestRedisAddress(t *testing.T) {
	r := RedisConfig{Host: "cache", Port: 6380}
	require.Equal(t, "cache:6380", r.Address())
}
