package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/scanflow/internal/metrics"
	"github.com/BaSui01/scanflow/ratelimit"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrWarmerClosed 预热器已关闭
var ErrWarmerClosed = errors.New("cache: warmer is closed")

// 单个键的预热结果标签
const (
	warmOutcomeWarmed  = "warmed"
	warmOutcomeSkipped = "skipped"
	warmOutcomeFailed  = "failed"
)

// WarmSource 预热数据源：为指定键计算（或拉取）待缓存的值。
// 第二个返回值为热门提示，true 时直接写入延长 TTL 档。
type WarmSource func(ctx context.Context, itemKey string) (json.RawMessage, bool, error)

// WarmerConfig 预热器配置
type WarmerConfig struct {
	// Interval 周期预热间隔；小于等于 0 时只支持手动触发
	Interval time.Duration `yaml:"interval" json:"interval"`
	// NearExpiry 条目距过期不足该窗口才重新计算，否则跳过
	NearExpiry time.Duration `yaml:"near_expiry" json:"near_expiry"`
	// Parallelism 单轮预热的最大并发数
	Parallelism int `yaml:"parallelism" json:"parallelism"`
	// Keys 周期预热的固定键列表
	Keys []string `yaml:"keys" json:"keys"`
}

// DefaultWarmerConfig 默认配置
func DefaultWarmerConfig() WarmerConfig {
	return WarmerConfig{
		Interval:    0,
		NearExpiry:  time.Hour,
		Parallelism: 4,
	}
}

// WarmResult 单轮预热统计
type WarmResult struct {
	Warmed  int `json:"warmed"`  // 重新计算并写入的键数
	Skipped int `json:"skipped"` // 缓存尚新、无需处理的键数
	Failed  int `json:"failed"`  // 计算或写入失败的键数
}

// Warmer 缓存预热器。按需或周期性地为一批键补齐缓存：
// 已缓存且离过期尚远的键跳过，其余经限流后重新计算并写入。
// 整轮预热随 ctx 取消，Close 会中止进行中的一轮。
type Warmer struct {
	store   *Store
	source  WarmSource
	limiter *ratelimit.Limiter
	config  WarmerConfig

	tracer    trace.Tracer
	collector *metrics.Collector
	logger    *zap.Logger

	closed atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWarmer 创建预热器。limiter 传 nil 时预热不受限流约束。
func NewWarmer(store *Store, source WarmSource, config WarmerConfig, limiter *ratelimit.Limiter, collector *metrics.Collector, logger *zap.Logger) (*Warmer, error) {
	if store == nil {
		return nil, errors.New("cache: warmer requires a store")
	}
	if source == nil {
		return nil, errors.New("cache: warmer requires a source")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	def := DefaultWarmerConfig()
	if config.NearExpiry <= 0 {
		config.NearExpiry = def.NearExpiry
	}
	if config.Parallelism <= 0 {
		config.Parallelism = def.Parallelism
	}

	return &Warmer{
		store:     store,
		source:    source,
		limiter:   limiter,
		config:    config,
		tracer:    otel.Tracer("scanflow/cache"),
		collector: collector,
		logger:    logger.With(zap.String("component", "cache_warmer")),
		stopCh:    make(chan struct{}),
	}, nil
}

// Start 启动周期预热循环。Interval 未配置时为空操作。
func (w *Warmer) Start() {
	if w.config.Interval <= 0 || w.closed.Load() {
		return
	}
	w.wg.Add(1)
	go w.runLoop()
}

// Warm 对一批键执行一轮预热，阻塞直到全部处理完或 ctx 取消。
// 取消时返回已完成部分的统计与 ctx 错误。
func (w *Warmer) Warm(ctx context.Context, keys []string) (WarmResult, error) {
	if w.closed.Load() {
		return WarmResult{}, ErrWarmerClosed
	}

	start := time.Now()
	ctx, span := w.tracer.Start(ctx, "cache.warm",
		trace.WithAttributes(attribute.Int("warm.keys", len(keys))))
	defer span.End()

	var warmed, skipped, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.config.Parallelism)

	for _, key := range keys {
		// 每轮迭代检查取消，不再派发新键
		if gctx.Err() != nil {
			break
		}
		key := key
		g.Go(func() error {
			outcome := w.warmOne(gctx, key)
			switch outcome {
			case warmOutcomeWarmed:
				warmed.Add(1)
			case warmOutcomeSkipped:
				skipped.Add(1)
			default:
				failed.Add(1)
			}
			w.collector.RecordWarmKey(outcome)
			return nil // 单键失败不终止整轮
		})
	}
	_ = g.Wait()

	result := WarmResult{
		Warmed:  int(warmed.Load()),
		Skipped: int(skipped.Load()),
		Failed:  int(failed.Load()),
	}
	w.collector.RecordWarmRun(time.Since(start))
	span.SetAttributes(
		attribute.Int("warm.warmed", result.Warmed),
		attribute.Int("warm.skipped", result.Skipped),
		attribute.Int("warm.failed", result.Failed),
	)
	w.logger.Info("warm run finished",
		zap.Int("keys", len(keys)),
		zap.Int("warmed", result.Warmed),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
		zap.Duration("elapsed", time.Since(start)))

	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

// Close 停止周期循环并中止进行中的预热。可重复调用。
func (w *Warmer) Close() {
	if w.closed.Swap(true) {
		return
	}
	close(w.stopCh)
	w.wg.Wait()
}

// warmOne 处理单个键：缓存尚新则跳过，否则经限流后重新计算并写入
func (w *Warmer) warmOne(ctx context.Context, itemKey string) string {
	if expiresAt, ok := w.store.entryExpiry(ctx, itemKey); ok {
		if time.Until(expiresAt) > w.config.NearExpiry {
			return warmOutcomeSkipped
		}
	}

	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return warmOutcomeFailed
		}
	}

	value, popular, err := w.source(ctx, itemKey)
	if err != nil {
		w.logger.Warn("warm source failed", zap.String("item_key", itemKey), zap.Error(err))
		return warmOutcomeFailed
	}
	if err := w.store.Put(ctx, itemKey, value, popular); err != nil {
		w.logger.Warn("warm put failed", zap.String("item_key", itemKey), zap.Error(err))
		return warmOutcomeFailed
	}
	return warmOutcomeWarmed
}

func (w *Warmer) runLoop() {
	defer w.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-w.stopCh
		cancel()
	}()

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			if _, err := w.Warm(ctx, w.config.Keys); err != nil {
				w.logger.Warn("periodic warm aborted", zap.Error(err))
			}
		}
	}
}
