// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。nil 接收者安全：所有记录方法在 c 为 nil 时
// 直接返回，组件可选择不接入指标。
type Collector struct {
	// 会话指标
	sessionsCreated  prometheus.Counter
	sessionsFinished *prometheus.CounterVec
	sessionDuration  *prometheus.HistogramVec
	sessionsActive   prometheus.Gauge

	// 任务指标
	tasksFinished *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec

	// 缓存指标
	cacheHits       *prometheus.CounterVec
	cacheMisses     prometheus.Counter
	cacheEvictions  *prometheus.CounterVec
	cachePromotions prometheus.Counter
	cacheIOErrors   *prometheus.CounterVec
	cacheEntries    *prometheus.GaugeVec

	// 限流指标
	rateWaits        prometheus.Counter
	rateWaitDuration prometheus.Histogram

	// 预热指标
	warmRunDuration prometheus.Histogram
	warmKeys        *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 会话指标
	c.sessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of analysis sessions created",
		},
	)

	c.sessionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_finished_total",
			Help:      "Total number of sessions reaching a terminal state",
		},
		[]string{"state"},
	)

	c.sessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Session duration from creation to terminal state",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"state"},
	)

	c.sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently running",
		},
	)

	// 任务指标
	c.tasksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Total number of tasks reaching a terminal state",
		},
		[]string{"state", "cache_hit"},
	)

	c.taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task execution duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"state"},
	)

	// 缓存指标
	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"tier"},
	)

	c.cacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses across all tiers",
		},
	)

	c.cacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Total number of cache evictions",
		},
		[]string{"tier", "reason"},
	)

	c.cachePromotions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_promotions_total",
			Help:      "Total number of disk-to-memory promotions",
		},
	)

	c.cacheIOErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_io_errors_total",
			Help:      "Total number of disk tier I/O errors",
		},
		[]string{"op"},
	)

	c.cacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Number of entries per cache tier",
		},
		[]string{"tier"},
	)

	// 限流指标
	c.rateWaits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limiter_waits_total",
			Help:      "Total number of rate limiter token acquisitions",
		},
	)

	c.rateWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rate_limiter_wait_duration_seconds",
			Help:      "Time spent waiting for a rate limiter token",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
	)

	// 预热指标
	c.warmRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "warm_run_duration_seconds",
			Help:      "Duration of one cache warming pass",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		},
	)

	c.warmKeys = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "warm_keys_total",
			Help:      "Total number of keys handled by the warmer",
		},
		[]string{"result"}, // result: computed, skipped, failed
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database", "operation"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🗂️ 会话指标记录
// =============================================================================

// RecordSessionCreated 记录会话创建
func (c *Collector) RecordSessionCreated() {
	if c == nil {
		return
	}
	c.sessionsCreated.Inc()
	c.sessionsActive.Inc()
}

// RecordSessionFinished 记录会话到达终态
func (c *Collector) RecordSessionFinished(state string, duration time.Duration) {
	if c == nil {
		return
	}
	c.sessionsFinished.WithLabelValues(state).Inc()
	c.sessionDuration.WithLabelValues(state).Observe(duration.Seconds())
	c.sessionsActive.Dec()
}

// RecordSessionEvicted 记录会话被保留期清理移出（不影响活跃数）
func (c *Collector) RecordSessionEvicted() {
	if c == nil {
		return
	}
	c.sessionsFinished.WithLabelValues("evicted").Inc()
}

// =============================================================================
// ⚙️ 任务指标记录
// =============================================================================

// RecordTaskFinished 记录任务到达终态
func (c *Collector) RecordTaskFinished(state string, cacheHit bool, duration time.Duration) {
	if c == nil {
		return
	}
	hit := "false"
	if cacheHit {
		hit = "true"
	}
	c.tasksFinished.WithLabelValues(state, hit).Inc()
	c.taskDuration.WithLabelValues(state).Observe(duration.Seconds())
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(tier string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(tier).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss() {
	if c == nil {
		return
	}
	c.cacheMisses.Inc()
}

// RecordCacheEviction 记录缓存淘汰
func (c *Collector) RecordCacheEviction(tier, reason string) {
	if c == nil {
		return
	}
	c.cacheEvictions.WithLabelValues(tier, reason).Inc()
}

// RecordCachePromotion 记录 DISK 到 MEMORY 的条目提升
func (c *Collector) RecordCachePromotion() {
	if c == nil {
		return
	}
	c.cachePromotions.Inc()
}

// RecordCacheIOError 记录 DISK 层 IO 错误
func (c *Collector) RecordCacheIOError(op string) {
	if c == nil {
		return
	}
	c.cacheIOErrors.WithLabelValues(op).Inc()
}

// SetCacheEntries 更新层级条目数
func (c *Collector) SetCacheEntries(tier string, n float64) {
	if c == nil {
		return
	}
	c.cacheEntries.WithLabelValues(tier).Set(n)
}

// =============================================================================
// 🚦 限流指标记录
// =============================================================================

// RecordRateWait 记录一次令牌等待
func (c *Collector) RecordRateWait(duration time.Duration) {
	if c == nil {
		return
	}
	c.rateWaits.Inc()
	c.rateWaitDuration.Observe(duration.Seconds())
}

// =============================================================================
// 🔥 预热指标记录
// =============================================================================

// RecordWarmRun 记录一轮预热耗时
func (c *Collector) RecordWarmRun(duration time.Duration) {
	if c == nil {
		return
	}
	c.warmRunDuration.Observe(duration.Seconds())
}

// RecordWarmKey 记录预热键处理结果
func (c *Collector) RecordWarmKey(result string) {
	if c == nil {
		return
	}
	c.warmKeys.WithLabelValues(result).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	if c == nil {
		return
	}
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery 记录数据库查询
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	if c == nil {
		return
	}
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}
