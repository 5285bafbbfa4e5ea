// Package config provides configuration loading, defaults, and validation.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

// 存储后端类型
const (
	StoreBackendMemory = "memory"
	StoreBackendRedis  = "redis"
	StoreBackendSQL    = "sql"
)

// 并发同键请求的处理策略
const (
	ConcurrentHandlingReject = "reject"
	ConcurrentHandlingWait   = "wait"
)

// wait 模式下持锁方失败后的处置
const (
	WaitFailedTakeover = "takeover"
	WaitFailedConflict = "conflict"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Store       StoreConfig       `mapstructure:"store"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Timezone    string            `mapstructure:"timezone"` // e.g. "Asia/Shanghai", "UTC"
}

type ServerConfig struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	Mode              string `mapstructure:"mode"`                // debug/release
	ReadHeaderTimeout int    `mapstructure:"read_header_timeout"` // 读取请求头超时（秒）
	IdleTimeout       int    `mapstructure:"idle_timeout"`        // 空闲连接超时（秒）
	// MaxRequestBodySize 全局最大请求体限制（字节）。指纹计算要读全量 body，必须有上限。
	MaxRequestBodySize int64 `mapstructure:"max_request_body_size"`
}

type LogConfig struct {
	Level           string            `mapstructure:"level"`
	Format          string            `mapstructure:"format"`
	ServiceName     string            `mapstructure:"service_name"`
	Environment     string            `mapstructure:"env"`
	Caller          bool              `mapstructure:"caller"`
	StacktraceLevel string            `mapstructure:"stacktrace_level"`
	Output          LogOutputConfig   `mapstructure:"output"`
	Rotation        LogRotationConfig `mapstructure:"rotation"`
}

type LogOutputConfig struct {
	ToStdout bool   `mapstructure:"to_stdout"`
	ToFile   bool   `mapstructure:"to_file"`
	FilePath string `mapstructure:"file_path"`
}

type LogRotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
	LocalTime  bool `mapstructure:"local_time"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	// 连接池配置
	// MaxOpenConns: 最大打开连接数，控制数据库连接上限，防止资源耗尽
	MaxOpenConns int `mapstructure:"max_open_conns"`
	// MaxIdleConns: 最大空闲连接数，保持热连接减少建连延迟
	MaxIdleConns int `mapstructure:"max_idle_conns"`
	// ConnMaxLifetimeMinutes: 连接最大存活时间，防止长连接导致的资源泄漏
	ConnMaxLifetimeMinutes int `mapstructure:"conn_max_lifetime_minutes"`
	// ConnMaxIdleTimeMinutes: 空闲连接最大存活时间，及时释放不活跃连接
	ConnMaxIdleTimeMinutes int `mapstructure:"conn_max_idle_time_minutes"`
	// AutoMigrate 启动时自动执行建表 DDL。
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

func (d *DatabaseConfig) DSN() string {
	// 当密码为空时不包含 password 参数，避免 libpq 解析错误
	if d.Password == "" {
		return fmt.Sprintf(
			"host=%s port=%d user=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.DBName, d.SSLMode,
		)
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// RedisConfig Redis 连接配置
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// DialTimeoutSeconds: 建立连接超时，防止慢连接阻塞
	DialTimeoutSeconds int `mapstructure:"dial_timeout_seconds"`
	// ReadTimeoutSeconds: 读取超时，避免慢查询阻塞连接池
	ReadTimeoutSeconds int `mapstructure:"read_timeout_seconds"`
	// WriteTimeoutSeconds: 写入超时，避免慢写入阻塞连接池
	WriteTimeoutSeconds int `mapstructure:"write_timeout_seconds"`
	// PoolSize: 连接池大小，控制最大并发连接数
	PoolSize int `mapstructure:"pool_size"`
	// MinIdleConns: 最小空闲连接数，保持热连接减少冷启动延迟
	MinIdleConns int `mapstructure:"min_idle_conns"`
	// EnableTLS: 是否启用 TLS/SSL 连接
	EnableTLS bool `mapstructure:"enable_tls"`
}

func (r *RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// StoreConfig 选择幂等记录的存储后端及各后端参数。
type StoreConfig struct {
	// Backend: memory / redis / sql
	Backend string `mapstructure:"backend"`
	Memory  MemoryStoreConfig `mapstructure:"memory"`
	Redis   RedisStoreConfig  `mapstructure:"redis"`
	SQL     SQLStoreConfig    `mapstructure:"sql"`
}

type MemoryStoreConfig struct {
	// MaxRecords 内存后端最大记录数，超出时按创建时间淘汰最旧记录。0 表示不限制。
	MaxRecords int `mapstructure:"max_records"`
}

type RedisStoreConfig struct {
	// KeyPrefix Redis 键前缀（默认 "idem:"）。
	KeyPrefix string `mapstructure:"key_prefix"`
	// ScanBatch 清理扫描时每次 SCAN 的 COUNT。
	ScanBatch int `mapstructure:"scan_batch"`
}

type SQLStoreConfig struct {
	// CleanupBatch 每批删除的过期记录数。
	CleanupBatch int `mapstructure:"cleanup_batch"`
}

// IdempotencyConfig 幂等子系统配置。
type IdempotencyConfig struct {
	// ObserveOnly 为 true 时处于观察期：冲突只记日志不拦截，未带键请求放行。
	ObserveOnly bool `mapstructure:"observe_only"`
	// FailOpen 存储不可用时是否放行请求（降级直通），默认拦截（fail-closed）。
	FailOpen bool `mapstructure:"fail_open"`
	// RequireKey 受保护方法缺少 Idempotency-Key 时是否返回 400。
	RequireKey bool `mapstructure:"require_key"`
	// KeyHeader 幂等键请求头名。
	KeyHeader string `mapstructure:"key_header"`
	// ReplayHeader 重放命中时附加的响应头名。
	ReplayHeader string `mapstructure:"replay_header"`
	// KeyPrefix 存储前命名空间前缀（如 "payments"），与键以 ":" 连接。
	KeyPrefix string `mapstructure:"key_prefix"`
	// Methods 受保护的 HTTP 方法列表。
	Methods []string `mapstructure:"methods"`
	// ExcludePaths 跳过幂等处理的路径规则：精确、前缀（尾部 *）或正则（regexp: 前缀）。
	ExcludePaths []string `mapstructure:"exclude_paths"`
	// FingerprintHeaders 参与请求指纹的请求头名列表。
	FingerprintHeaders []string `mapstructure:"fingerprint_headers"`
	// DefaultTTLSeconds 幂等记录默认 TTL（秒）。
	DefaultTTLSeconds int `mapstructure:"default_ttl_seconds"`
	// LockTimeoutSeconds processing 状态锁租约（秒）。
	LockTimeoutSeconds int `mapstructure:"lock_timeout_seconds"`
	// MaxResponseSize 持久化响应体最大长度（字节）。
	MaxResponseSize int `mapstructure:"max_response_size"`
	// MaxKeyLength 前缀拼接后允许的最大键长。
	MaxKeyLength int `mapstructure:"max_key_length"`
	// ConcurrentRequestHandling 同键并发处理策略：reject / wait。
	ConcurrentRequestHandling string `mapstructure:"concurrent_request_handling"`
	// WaitFailedBehavior wait 模式下持锁方转 FAILED 时的处置：takeover / conflict。
	WaitFailedBehavior string `mapstructure:"wait_failed_behavior"`
	// MaxWaitTimeSeconds wait 模式最长等待时间（秒）。
	MaxWaitTimeSeconds int `mapstructure:"max_wait_time_seconds"`
	// RetryIntervalMillis wait 模式轮询间隔（毫秒）。
	RetryIntervalMillis int `mapstructure:"retry_interval_millis"`
	// Retry 存储故障重试退避参数。
	Retry IdempotencyRetryConfig `mapstructure:"retry"`
	// Cleanup 过期记录清扫配置。
	Cleanup IdempotencyCleanupConfig `mapstructure:"cleanup"`
}

type IdempotencyRetryConfig struct {
	// MaxAttempts STORAGE_ERROR 下的最大尝试次数（含首次）。
	MaxAttempts int `mapstructure:"max_attempts"`
	// BackoffBaseMillis 指数退避基础间隔（毫秒）。
	BackoffBaseMillis int `mapstructure:"backoff_base_millis"`
	// BackoffCapSeconds 退避上限（秒）。
	BackoffCapSeconds int `mapstructure:"backoff_cap_seconds"`
}

type IdempotencyCleanupConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Schedule 标准 5 段 cron 表达式，优先于 IntervalSeconds。
	Schedule string `mapstructure:"schedule"`
	// IntervalSeconds 未配置 Schedule 时的固定清扫周期（秒）。
	IntervalSeconds int `mapstructure:"interval_seconds"`
	// BatchSize 每批清理的最大记录数。
	BatchSize int `mapstructure:"batch_size"`
	// MaxRecordsPerSweep 单轮清扫总上限，0 表示不限制。
	MaxRecordsPerSweep int `mapstructure:"max_records_per_sweep"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	// Add config paths in priority order
	// 1. DATA_DIR environment variable (highest priority)
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		viper.AddConfigPath(dataDir)
	}
	// 2. Docker data directory
	viper.AddConfigPath("/app/data")
	// 3. Current directory
	viper.AddConfigPath(".")
	// 4. Config subdirectory
	viper.AddConfigPath("./config")
	// 5. System config directory
	viper.AddConfigPath("/etc/idemgate")

	// 环境变量支持：IDEMGATE_SERVER_PORT 覆盖 server.port
	viper.SetEnvPrefix("IDEMGATE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 默认值
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config error: %w", err)
		}
		// 配置文件不存在时使用默认值
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config error: %w", err)
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config error: %w", err)
	}

	return &cfg, nil
}

func (c *Config) normalize() {
	c.Server.Mode = strings.ToLower(strings.TrimSpace(c.Server.Mode))
	if c.Server.Mode == "" {
		c.Server.Mode = "debug"
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Log.ServiceName = strings.TrimSpace(c.Log.ServiceName)
	c.Log.Environment = strings.TrimSpace(c.Log.Environment)
	c.Log.StacktraceLevel = strings.ToLower(strings.TrimSpace(c.Log.StacktraceLevel))
	c.Log.Output.FilePath = strings.TrimSpace(c.Log.Output.FilePath)
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	c.Idempotency.KeyHeader = strings.TrimSpace(c.Idempotency.KeyHeader)
	c.Idempotency.ReplayHeader = strings.TrimSpace(c.Idempotency.ReplayHeader)
	c.Idempotency.KeyPrefix = strings.TrimSpace(c.Idempotency.KeyPrefix)
	c.Idempotency.ConcurrentRequestHandling = strings.ToLower(strings.TrimSpace(c.Idempotency.ConcurrentRequestHandling))
	c.Idempotency.WaitFailedBehavior = strings.ToLower(strings.TrimSpace(c.Idempotency.WaitFailedBehavior))
	c.Idempotency.Methods = normalizeMethods(c.Idempotency.Methods)
	c.Idempotency.ExcludePaths = normalizeStringSlice(c.Idempotency.ExcludePaths)
	c.Idempotency.FingerprintHeaders = normalizeStringSlice(c.Idempotency.FingerprintHeaders)
	c.Idempotency.Cleanup.Schedule = strings.TrimSpace(c.Idempotency.Cleanup.Schedule)
}

func setDefaults() {
	// Server
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.mode", "release")
	viper.SetDefault("server.read_header_timeout", 30) // 30秒读取请求头
	viper.SetDefault("server.idle_timeout", 120)       // 120秒空闲超时
	viper.SetDefault("server.max_request_body_size", int64(10*1024*1024))

	// Log
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.service_name", "idemgate")
	viper.SetDefault("log.env", "production")
	viper.SetDefault("log.caller", true)
	viper.SetDefault("log.stacktrace_level", "error")
	viper.SetDefault("log.output.to_stdout", true)
	viper.SetDefault("log.output.to_file", false)
	viper.SetDefault("log.output.file_path", "")
	viper.SetDefault("log.rotation.max_size_mb", 100)
	viper.SetDefault("log.rotation.max_backups", 10)
	viper.SetDefault("log.rotation.max_age_days", 7)
	viper.SetDefault("log.rotation.compress", true)
	viper.SetDefault("log.rotation.local_time", true)

	// Database
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "")
	viper.SetDefault("database.dbname", "idemgate")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.max_open_conns", 30)
	viper.SetDefault("database.max_idle_conns", 10)
	viper.SetDefault("database.conn_max_lifetime_minutes", 60)
	viper.SetDefault("database.conn_max_idle_time_minutes", 10)
	viper.SetDefault("database.auto_migrate", true)

	// Redis
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.dial_timeout_seconds", 5)
	viper.SetDefault("redis.read_timeout_seconds", 3)
	viper.SetDefault("redis.write_timeout_seconds", 3)
	viper.SetDefault("redis.pool_size", 100)
	viper.SetDefault("redis.min_idle_conns", 10)
	viper.SetDefault("redis.enable_tls", false)

	// Store
	viper.SetDefault("store.backend", StoreBackendMemory)
	viper.SetDefault("store.memory.max_records", 100000)
	viper.SetDefault("store.redis.key_prefix", "idem:")
	viper.SetDefault("store.redis.scan_batch", 100)
	viper.SetDefault("store.sql.cleanup_batch", 500)

	// Idempotency
	viper.SetDefault("idempotency.observe_only", false)
	viper.SetDefault("idempotency.fail_open", false)
	viper.SetDefault("idempotency.require_key", true)
	viper.SetDefault("idempotency.key_header", "Idempotency-Key")
	viper.SetDefault("idempotency.replay_header", "Idempotency-Replayed")
	viper.SetDefault("idempotency.key_prefix", "")
	viper.SetDefault("idempotency.methods", []string{"POST", "PUT", "PATCH"})
	viper.SetDefault("idempotency.exclude_paths", []string{"/health", "/api/v1/ops/*"})
	viper.SetDefault("idempotency.fingerprint_headers", []string{"Content-Type"})
	viper.SetDefault("idempotency.default_ttl_seconds", 86400) // 24 小时
	viper.SetDefault("idempotency.lock_timeout_seconds", 30)
	viper.SetDefault("idempotency.max_response_size", 1<<20) // 1MiB
	viper.SetDefault("idempotency.max_key_length", 256)
	viper.SetDefault("idempotency.concurrent_request_handling", ConcurrentHandlingReject)
	viper.SetDefault("idempotency.wait_failed_behavior", WaitFailedTakeover)
	viper.SetDefault("idempotency.max_wait_time_seconds", 10)
	viper.SetDefault("idempotency.retry_interval_millis", 100)
	viper.SetDefault("idempotency.retry.max_attempts", 3)
	viper.SetDefault("idempotency.retry.backoff_base_millis", 100)
	viper.SetDefault("idempotency.retry.backoff_cap_seconds", 10)
	viper.SetDefault("idempotency.cleanup.enabled", true)
	viper.SetDefault("idempotency.cleanup.schedule", "")
	viper.SetDefault("idempotency.cleanup.interval_seconds", 60)
	viper.SetDefault("idempotency.cleanup.batch_size", 500)
	viper.SetDefault("idempotency.cleanup.max_records_per_sweep", 0)
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535")
	}
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("server.mode must be one of: debug/release/test")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	case "":
		return fmt.Errorf("log.level is required")
	default:
		return fmt.Errorf("log.level must be one of: debug/info/warn/error")
	}
	switch c.Log.Format {
	case "json", "console":
	case "":
		return fmt.Errorf("log.format is required")
	default:
		return fmt.Errorf("log.format must be one of: json/console")
	}
	switch c.Log.StacktraceLevel {
	case "none", "error", "fatal":
	case "":
		return fmt.Errorf("log.stacktrace_level is required")
	default:
		return fmt.Errorf("log.stacktrace_level must be one of: none/error/fatal")
	}
	if !c.Log.Output.ToStdout && !c.Log.Output.ToFile {
		return fmt.Errorf("log.output.to_stdout and log.output.to_file cannot both be false")
	}
	if c.Log.Rotation.MaxSizeMB <= 0 {
		return fmt.Errorf("log.rotation.max_size_mb must be positive")
	}

	switch c.Store.Backend {
	case StoreBackendMemory, StoreBackendRedis, StoreBackendSQL:
	default:
		return fmt.Errorf("store.backend must be one of: memory/redis/sql")
	}
	if c.Store.Memory.MaxRecords < 0 {
		return fmt.Errorf("store.memory.max_records must be non-negative")
	}
	if c.Store.Redis.ScanBatch <= 0 {
		return fmt.Errorf("store.redis.scan_batch must be positive")
	}
	if c.Store.SQL.CleanupBatch <= 0 {
		return fmt.Errorf("store.sql.cleanup_batch must be positive")
	}

	idem := &c.Idempotency
	if idem.KeyHeader == "" {
		return fmt.Errorf("idempotency.key_header is required")
	}
	if idem.ReplayHeader == "" {
		return fmt.Errorf("idempotency.replay_header is required")
	}
	if idem.DefaultTTLSeconds <= 0 {
		return fmt.Errorf("idempotency.default_ttl_seconds must be positive")
	}
	if idem.LockTimeoutSeconds <= 0 {
		return fmt.Errorf("idempotency.lock_timeout_seconds must be positive")
	}
	if idem.MaxResponseSize <= 0 {
		return fmt.Errorf("idempotency.max_response_size must be positive")
	}
	if idem.MaxKeyLength <= 0 {
		return fmt.Errorf("idempotency.max_key_length must be positive")
	}
	if len(idem.Methods) == 0 {
		return fmt.Errorf("idempotency.methods must not be empty")
	}
	switch idem.ConcurrentRequestHandling {
	case ConcurrentHandlingReject, ConcurrentHandlingWait:
	default:
		return fmt.Errorf("idempotency.concurrent_request_handling must be one of: reject/wait")
	}
	switch idem.WaitFailedBehavior {
	case WaitFailedTakeover, WaitFailedConflict:
	default:
		return fmt.Errorf("idempotency.wait_failed_behavior must be one of: takeover/conflict")
	}
	if idem.ConcurrentRequestHandling == ConcurrentHandlingWait {
		if idem.MaxWaitTimeSeconds <= 0 {
			return fmt.Errorf("idempotency.max_wait_time_seconds must be positive in wait mode")
		}
		if idem.RetryIntervalMillis <= 0 {
			return fmt.Errorf("idempotency.retry_interval_millis must be positive in wait mode")
		}
	}
	if idem.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("idempotency.retry.max_attempts must be positive")
	}
	if idem.Retry.BackoffBaseMillis <= 0 {
		return fmt.Errorf("idempotency.retry.backoff_base_millis must be positive")
	}
	if idem.Retry.BackoffCapSeconds <= 0 {
		return fmt.Errorf("idempotency.retry.backoff_cap_seconds must be positive")
	}
	// 正则排除规则启动期编译失败直接拒绝，避免运行期才发现。
	for _, pattern := range idem.ExcludePaths {
		if rest, ok := strings.CutPrefix(pattern, "regexp:"); ok {
			if _, err := regexp.Compile(rest); err != nil {
				return fmt.Errorf("idempotency.exclude_paths pattern %q invalid: %w", pattern, err)
			}
		}
	}
	if idem.Cleanup.IntervalSeconds <= 0 && idem.Cleanup.Schedule == "" {
		return fmt.Errorf("idempotency.cleanup.interval_seconds must be positive when no schedule is set")
	}
	if idem.Cleanup.BatchSize <= 0 {
		return fmt.Errorf("idempotency.cleanup.batch_size must be positive")
	}
	if idem.Cleanup.MaxRecordsPerSweep < 0 {
		return fmt.Errorf("idempotency.cleanup.max_records_per_sweep must be non-negative")
	}
	return nil
}

func normalizeStringSlice(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func normalizeMethods(methods []string) []string {
	out := make([]string, 0, len(methods))
	for _, m := range methods {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m != "" {
			out = append(out, m)
		}
	}
	return out
}
