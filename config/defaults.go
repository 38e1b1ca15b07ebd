// =============================================================================
// 📦 ScanFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Cache:     DefaultCacheConfig(),
		Scheduler: DefaultSchedulerConfig(),
		Warming:   DefaultWarmingConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Metrics:   DefaultMetricsConfig(),
	}
}

// DefaultCacheConfig 返回默认缓存配置
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MemoryMaxEntries: 10000,
		DiskMaxEntries:   100000,
		StandardTTL:      24 * time.Hour,
		ExtendedTTL:      72 * time.Hour,
		PopularThreshold: 3,
		SweepInterval:    10 * time.Minute,
		DiskBackend:      DiskBackendNone,
	}
}

// DefaultSchedulerConfig 返回默认调度配置
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		RatePerSecond:    10,
		Burst:            1,
		RetentionWindow:  30 * time.Minute,
		EvictionInterval: time.Minute,
	}
}

// DefaultWarmingConfig 返回默认预热配置
func DefaultWarmingConfig() WarmingConfig {
	return WarmingConfig{
		Enabled:     false,
		Interval:    0,
		NearExpiry:  time.Hour,
		Parallelism: 4,
		Keys:        nil,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:                "localhost:6379",
		Password:            "",
		DB:                  0,
		MaxRetries:          3,
		PoolSize:            10,
		MinIdleConns:        2,
		TLS:                 false,
		HealthCheckInterval: 30 * time.Second,
		KeyPrefix:           "scanflow:cache:",
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "scanflow",
		Password:        "",
		Name:            "scanflow.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		AutoMigrate:     true,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "scanflow",
		SampleRate:   0.1,
	}
}

// DefaultMetricsConfig 返回默认指标服务配置
// Addr 为空时不启动指标服务
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Addr:            "",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}
