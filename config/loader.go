// =============================================================================
// 📦 ScanFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("scanflow.yaml").
//	    WithEnvPrefix("SCANFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 ScanFlow 的完整配置结构
type Config struct {
	// Cache 两级结果缓存配置
	Cache CacheConfig `yaml:"cache" env:"CACHE"`

	// Scheduler 批量分析调度配置
	Scheduler SchedulerConfig `yaml:"scheduler" env:"SCHEDULER"`

	// Warming 缓存预热配置
	Warming WarmingConfig `yaml:"warming" env:"WARMING"`

	// Redis DISK 层 Redis 后端配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database DISK 层关系库后端配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Metrics 指标/健康检查 HTTP 服务配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// DISK 层后端类型
const (
	DiskBackendNone     = "none"     // 纯内存，不挂 DISK 层
	DiskBackendRedis    = "redis"    // Redis 后端
	DiskBackendDatabase = "database" // 关系库后端
)

// CacheConfig 两级缓存配置
type CacheConfig struct {
	// MEMORY 层最大条目数
	MemoryMaxEntries int `yaml:"memory_max_entries" env:"MEMORY_MAX_ENTRIES"`
	// DISK 层条目预算，0 表示不限制
	DiskMaxEntries int64 `yaml:"disk_max_entries" env:"DISK_MAX_ENTRIES"`
	// 标准 TTL 档
	StandardTTL time.Duration `yaml:"standard_ttl" env:"STANDARD_TTL"`
	// 热门条目延长 TTL 档
	ExtendedTTL time.Duration `yaml:"extended_ttl" env:"EXTENDED_TTL"`
	// 访问次数达到该值升级为热门档
	PopularThreshold int64 `yaml:"popular_threshold" env:"POPULAR_THRESHOLD"`
	// DISK 层过期清理周期
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	// DISK 层后端: none, redis, database
	DiskBackend string `yaml:"disk_backend" env:"DISK_BACKEND"`
}

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	// 进程共享限流速率（次/秒）
	RatePerSecond float64 `yaml:"rate_per_second" env:"RATE_PER_SECOND"`
	// 限流突发容量
	Burst int `yaml:"burst" env:"BURST"`
	// 终态会话保留窗口
	RetentionWindow time.Duration `yaml:"retention_window" env:"RETENTION_WINDOW"`
	// 留存清理周期
	EvictionInterval time.Duration `yaml:"eviction_interval" env:"EVICTION_INTERVAL"`
}

// WarmingConfig 缓存预热配置
type WarmingConfig struct {
	// 是否启用预热器
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 周期预热间隔，0 表示仅手动触发
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	// 距过期不足该窗口的条目才会被重新计算
	NearExpiry time.Duration `yaml:"near_expiry" env:"NEAR_EXPIRY"`
	// 单轮预热最大并发
	Parallelism int `yaml:"parallelism" env:"PARALLELISM"`
	// 周期预热的固定键列表
	Keys []string `yaml:"keys" env:"KEYS"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 命令最大重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 是否启用 TLS 连接
	TLS bool `yaml:"tls" env:"TLS"`
	// 后台健康检查间隔，0 表示不检查
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
	// 缓存键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	// 打开时自动执行 Schema 迁移
	AutoMigrate bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// MetricsConfig 指标/健康检查 HTTP 服务配置
type MetricsConfig struct {
	// 监听地址，空字符串表示不启动
	Addr string `yaml:"addr" env:"ADDR"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "SCANFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	// 验证缓存配置
	if c.Cache.MemoryMaxEntries <= 0 {
		errs = append(errs, "cache.memory_max_entries must be positive")
	}
	if c.Cache.StandardTTL <= 0 {
		errs = append(errs, "cache.standard_ttl must be positive")
	}
	if c.Cache.ExtendedTTL < c.Cache.StandardTTL {
		errs = append(errs, "cache.extended_ttl must not be shorter than standard_ttl")
	}
	if c.Cache.PopularThreshold < 1 {
		errs = append(errs, "cache.popular_threshold must be at least 1")
	}
	switch c.Cache.DiskBackend {
	case DiskBackendNone, DiskBackendRedis, DiskBackendDatabase:
	default:
		errs = append(errs, fmt.Sprintf("unknown cache.disk_backend %q", c.Cache.DiskBackend))
	}

	// 验证调度配置
	if c.Scheduler.RatePerSecond <= 0 {
		errs = append(errs, "scheduler.rate_per_second must be positive")
	}
	if c.Scheduler.Burst < 1 {
		errs = append(errs, "scheduler.burst must be at least 1")
	}
	if c.Scheduler.RetentionWindow <= 0 {
		errs = append(errs, "scheduler.retention_window must be positive")
	}

	// 验证预热配置
	if c.Warming.Enabled && c.Warming.Parallelism < 1 {
		errs = append(errs, "warming.parallelism must be at least 1")
	}

	// 验证日志配置
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("unknown log.level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("unknown log.format %q", c.Log.Format))
	}

	// 验证遥测配置
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry.sample_rate must be between 0 and 1")
	}

	// 验证 Redis 配置
	if c.Redis.MaxRetries < 0 {
		errs = append(errs, "redis.max_retries must not be negative")
	}
	if c.Redis.HealthCheckInterval < 0 {
		errs = append(errs, "redis.health_check_interval must not be negative")
	}

	// 验证指标服务配置
	if c.Metrics.Addr != "" && c.Metrics.ShutdownTimeout <= 0 {
		errs = append(errs, "metrics.shutdown_timeout must be positive when metrics.addr is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
