package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/scanflow/internal/metrics"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// 配置与参数错误
var (
	ErrInvalidRate  = errors.New("ratelimit: rate must be positive")
	ErrInvalidBurst = errors.New("ratelimit: burst must be at least 1")
)

// Config 限流器配置
type Config struct {
	// RatePerSecond 每秒允许的请求数
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second"`
	// Burst 突发容量，默认 1（严格匀速）
	Burst int `yaml:"burst" json:"burst"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		RatePerSecond: 10,
		Burst:         1,
	}
}

// Stats 限流器统计快照
type Stats struct {
	// Acquired 成功获取的令牌总数
	Acquired int64 `json:"acquired"`
	// Waited 实际发生等待的获取次数
	Waited int64 `json:"waited"`
	// RatePerSecond 当前速率
	RatePerSecond float64 `json:"rate_per_second"`
	// Burst 当前突发容量
	Burst int `json:"burst"`
}

// Limiter 令牌桶限流器。多个调度会话共享同一个实例时，
// 所有真实计算的派发共同受这一个桶约束。
type Limiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter

	acquired  atomic.Int64
	waited    atomic.Int64
	collector *metrics.Collector
	logger    *zap.Logger
}

// New 创建限流器。rate 必须为正，burst 小于 1 时取 1。
func New(config Config, collector *metrics.Collector, logger *zap.Logger) (*Limiter, error) {
	if config.RatePerSecond <= 0 {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidRate, config.RatePerSecond)
	}
	if config.Burst < 1 {
		config.Burst = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Limiter{
		limiter:   rate.NewLimiter(rate.Limit(config.RatePerSecond), config.Burst),
		collector: collector,
		logger:    logger.With(zap.String("component", "ratelimit")),
	}, nil
}

// Wait 阻塞直到获得一个令牌或 ctx 结束。
// ctx 结束时归还预约的令牌，不影响后续调用者。
func (l *Limiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	r := l.limiter.Reserve()
	l.mu.Unlock()
	if !r.OK() {
		return fmt.Errorf("ratelimit: reservation rejected, burst %d too small", l.Burst())
	}

	delay := r.Delay()
	if delay == 0 {
		l.acquired.Add(1)
		return nil
	}

	l.waited.Add(1)
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	case <-timer.C:
		l.acquired.Add(1)
		l.collector.RecordRateWait(delay)
		return nil
	}
}

// Allow 非阻塞尝试获取一个令牌
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	ok := l.limiter.Allow()
	l.mu.Unlock()
	if ok {
		l.acquired.Add(1)
	}
	return ok
}

// SetRate 在线调整速率，立即对后续获取生效
func (l *Limiter) SetRate(perSecond float64) error {
	if perSecond <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidRate, perSecond)
	}
	l.mu.Lock()
	l.limiter.SetLimit(rate.Limit(perSecond))
	l.mu.Unlock()
	l.logger.Info("rate updated", zap.Float64("rate_per_second", perSecond))
	return nil
}

// SetBurst 在线调整突发容量
func (l *Limiter) SetBurst(burst int) error {
	if burst < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidBurst, burst)
	}
	l.mu.Lock()
	l.limiter.SetBurst(burst)
	l.mu.Unlock()
	l.logger.Info("burst updated", zap.Int("burst", burst))
	return nil
}

// Rate 返回当前速率
func (l *Limiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return float64(l.limiter.Limit())
}

// Burst 返回当前突发容量
func (l *Limiter) Burst() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limiter.Burst()
}

// Stats 返回统计快照
func (l *Limiter) Stats() Stats {
	return Stats{
		Acquired:      l.acquired.Load(),
		Waited:        l.waited.Load(),
		RatePerSecond: l.Rate(),
		Burst:         l.Burst(),
	}
}
