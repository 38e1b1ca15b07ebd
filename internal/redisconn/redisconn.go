package redisconn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/scanflow/internal/tlsutil"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// =============================================================================
// 🔌 Redis 连接构建
// =============================================================================

// pingTimeout 连接验证与健康检查的单次超时
const pingTimeout = 5 * time.Second

// Config Redis 连接配置
type Config struct {
	// Redis 地址
	Addr string `yaml:"addr" json:"addr"`

	// 密码
	Password string `yaml:"password" json:"password"`

	// 数据库编号
	DB int `yaml:"db" json:"db"`

	// 最大重试次数
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// 连接池大小
	PoolSize int `yaml:"pool_size" json:"pool_size"`

	// 最小空闲连接数
	MinIdleConns int `yaml:"min_idle_conns" json:"min_idle_conns"`

	// 是否启用 TLS
	TLS bool `yaml:"tls" json:"tls"`
}

// DefaultConfig 返回默认连接配置
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// Dial 按配置建立 Redis 连接并验证连通性。
// 返回的客户端由调用方负责关闭。
func Dial(config Config, logger *zap.Logger) (*redis.Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := &redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		MaxRetries:   config.MaxRetries,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
	}
	if config.TLS {
		opts.TLSConfig = tlsutil.DefaultTLSConfig()
	}

	client := redis.NewClient(opts)

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("redis connection established",
		zap.String("addr", config.Addr),
		zap.Int("pool_size", config.PoolSize),
		zap.Bool("tls", config.TLS),
	)

	return client, nil
}

// =============================================================================
// 🏥 健康检查
// =============================================================================

// Watchdog 周期性 Ping 一个 Redis 客户端并记录连接池状态。
// 客户端的生命周期不归它管，Close 只停掉检查循环。
type Watchdog struct {
	client   *redis.Client
	interval time.Duration
	logger   *zap.Logger

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewWatchdog 创建健康检查器，interval 必须为正
func NewWatchdog(client *redis.Client, interval time.Duration, logger *zap.Logger) *Watchdog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watchdog{
		client:   client,
		interval: interval,
		logger:   logger.With(zap.String("component", "redis_watchdog")),
		stopCh:   make(chan struct{}),
	}
}

// Start 启动后台检查循环（非阻塞）
func (w *Watchdog) Start() {
	if w.interval <= 0 {
		return
	}
	w.wg.Add(1)
	go w.run()
}

func (w *Watchdog) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
			if err := w.client.Ping(ctx).Err(); err != nil {
				w.logger.Error("redis health check failed", zap.Error(err))
			} else {
				stats := w.client.PoolStats()
				w.logger.Debug("redis health check passed",
					zap.Uint32("total_conns", stats.TotalConns),
					zap.Uint32("idle_conns", stats.IdleConns),
					zap.Uint32("pool_timeouts", stats.Timeouts),
				)
			}
			cancel()
		}
	}
}

// Close 停止检查循环并等待退出，可重复调用
func (w *Watchdog) Close() {
	w.stopped.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}
