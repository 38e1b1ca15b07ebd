package scanflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BaSui01/scanflow/config"
	"github.com/BaSui01/scanflow/internal/metrics"
	"github.com/BaSui01/scanflow/scheduler"
	"github.com/BaSui01/scanflow/testutil"
	"github.com/BaSui01/scanflow/testutil/fixtures"
	"github.com/BaSui01/scanflow/testutil/mocks"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// fastConfig returns a default configuration tuned so sessions finish
// quickly under test.
func fastConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Scheduler.RatePerSecond = 500
	cfg.Scheduler.Burst = 50
	return cfg
}

// newTestSystem builds a System with a silent logger and metrics disabled.
func newTestSystem(t *testing.T, opts ...Option) *System {
	t.Helper()

	base := []Option{WithLogger(zap.NewNop()), WithCollector(nil)}
	sys, err := New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sys.Close() })
	return sys
}

func TestNew_Defaults(t *testing.T) {
	sys, err := New(WithLogger(zap.NewNop()))
	require.NoError(t, err)

	assert.NotNil(t, sys.Cache())
	assert.NotNil(t, sys.Scheduler())
	assert.NotNil(t, sys.Limiter())
	assert.NotNil(t, sys.Logger())
	assert.Nil(t, sys.Warmer())

	cfg := sys.Config()
	assert.Equal(t, config.DiskBackendNone, cfg.Cache.DiskBackend)
	assert.InDelta(t, 10.0, sys.Limiter().Rate(), 0.001)

	require.NoError(t, sys.Close())
	require.NoError(t, sys.Close())
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"negative rate", func(c *config.Config) { c.Scheduler.RatePerSecond = -1 }},
		{"unknown disk backend", func(c *config.Config) { c.Cache.DiskBackend = "tape" }},
		{"zero memory capacity", func(c *config.Config) { c.Cache.MemoryMaxEntries = 0 }},
		{"extended ttl below standard", func(c *config.Config) {
			c.Cache.StandardTTL = 3 * time.Hour
			c.Cache.ExtendedTTL = time.Hour
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.mutate(cfg)

			_, err := New(WithConfig(cfg), WithLogger(zap.NewNop()))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid config")
		})
	}
}

func TestSystem_EndToEndSession(t *testing.T) {
	analyzer := mocks.NewMockAnalyzer()
	sys := newTestSystem(t, WithConfig(fastConfig()), WithAnalyzer(analyzer))

	ctx := testutil.TestContext(t)
	keys := fixtures.ItemKeys(6)

	id, err := sys.NewSession(ctx, scheduler.SessionConfig{ItemKeys: keys, Concurrency: 3})
	require.NoError(t, err)

	snap := testutil.WaitForSession(t, sys.Scheduler(), id, 10*time.Second)
	assert.Equal(t, len(keys), snap.Completed)

	results, err := sys.Scheduler().Results(id)
	require.NoError(t, err)
	testutil.AssertResultsInSubmissionOrder(t, results)
	testutil.AssertResultKeys(t, results, keys...)
	testutil.AssertAllCompleted(t, results)
	for _, r := range results {
		assert.False(t, r.CacheHit, "first pass for %s must recompute", r.ItemKey)
	}

	// 第二个会话全部命中缓存，每个键只分析过一次
	id2, err := sys.NewSession(ctx, scheduler.SessionConfig{ItemKeys: keys, Concurrency: 2})
	require.NoError(t, err)
	testutil.WaitForSession(t, sys.Scheduler(), id2, 10*time.Second)

	results2, err := sys.Scheduler().Results(id2)
	require.NoError(t, err)
	testutil.AssertAllCompleted(t, results2)
	for _, r := range results2 {
		assert.True(t, r.CacheHit, "second pass for %s must hit the cache", r.ItemKey)
	}
	for _, k := range keys {
		assert.Equal(t, 1, analyzer.CallsFor(k))
	}
}

func TestSystem_SessionWithItemPriorities(t *testing.T) {
	analyzer := mocks.NewMockAnalyzer()
	sys := newTestSystem(t, WithConfig(fastConfig()), WithAnalyzer(analyzer))

	ctx := testutil.TestContext(t)
	keys := fixtures.ItemKeys(4)
	items := fixtures.ItemsWithPriority(scheduler.PriorityUrgent, keys...)

	id, err := sys.NewSessionItems(ctx, scheduler.SessionConfig{Concurrency: 2}, items)
	require.NoError(t, err)

	testutil.WaitForSession(t, sys.Scheduler(), id, 10*time.Second)
	results, err := sys.Scheduler().Results(id)
	require.NoError(t, err)
	testutil.AssertResultsInSubmissionOrder(t, results)
	testutil.AssertAllCompleted(t, results)
}

func TestSystem_NewSessionWithoutAnalyzer(t *testing.T) {
	sys := newTestSystem(t, WithConfig(fastConfig()))

	ctx := testutil.TestContext(t)
	_, err := sys.NewSession(ctx, scheduler.SessionConfig{ItemKeys: []string{"a"}, Concurrency: 1})
	assert.ErrorIs(t, err, ErrNoAnalyzer)

	_, err = sys.NewSessionItems(ctx, scheduler.SessionConfig{Concurrency: 1}, fixtures.Items("a"))
	assert.ErrorIs(t, err, ErrNoAnalyzer)
}

func TestSystem_SessionAfterClose(t *testing.T) {
	sys, err := New(
		WithConfig(fastConfig()),
		WithAnalyzer(mocks.NewMockAnalyzer()),
		WithLogger(zap.NewNop()),
		WithCollector(nil),
	)
	require.NoError(t, err)
	require.NoError(t, sys.Close())

	ctx := testutil.TestContext(t)
	_, err = sys.NewSession(ctx, scheduler.SessionConfig{ItemKeys: []string{"a"}, Concurrency: 1})
	assert.ErrorIs(t, err, scheduler.ErrSchedulerClosed)
}

func TestNew_WarmingRequiresAnalyzer(t *testing.T) {
	cfg := fastConfig()
	cfg.Warming.Enabled = true

	_, err := New(WithConfig(cfg), WithLogger(zap.NewNop()), WithCollector(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "warming enabled but no analyzer")
}

func TestSystem_WarmerWiring(t *testing.T) {
	cfg := fastConfig()
	cfg.Warming.Enabled = true
	cfg.Warming.Parallelism = 2

	analyzer := mocks.NewMockAnalyzer()
	sys := newTestSystem(t, WithConfig(cfg), WithAnalyzer(analyzer))
	require.NotNil(t, sys.Warmer())

	ctx := testutil.TestContext(t)
	keys := fixtures.ItemKeys(4)

	result, err := sys.Warmer().Warm(ctx, keys)
	require.NoError(t, err)
	assert.Equal(t, len(keys), result.Warmed)
	assert.Zero(t, result.Failed)

	value, ok := sys.Cache().Get(ctx, keys[0])
	require.True(t, ok)
	testutil.AssertJSONEqual(t, json.RawMessage(fmt.Sprintf(`{"item":%q}`, keys[0])), value)

	// 刚预热过的键离过期还远，再跑一轮应整体跳过
	again, err := sys.Warmer().Warm(ctx, keys)
	require.NoError(t, err)
	assert.Equal(t, len(keys), again.Skipped)
	assert.Zero(t, again.Warmed)
}

func TestSystem_RedisBackend(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	keys := fixtures.ItemKeys(5)

	makeConfig := func() *config.Config {
		cfg := fastConfig()
		cfg.Cache.DiskBackend = config.DiskBackendRedis
		return cfg
	}

	analyzer1 := mocks.NewMockAnalyzer()
	client1 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sys1, err := New(
		WithConfig(makeConfig()),
		WithAnalyzer(analyzer1),
		WithRedisClient(client1),
		WithLogger(zap.NewNop()),
		WithCollector(nil),
	)
	require.NoError(t, err)

	ctx := testutil.TestContext(t)
	id, err := sys1.NewSession(ctx, scheduler.SessionConfig{ItemKeys: keys, Concurrency: 2})
	require.NoError(t, err)
	testutil.WaitForSession(t, sys1.Scheduler(), id, 10*time.Second)
	require.NoError(t, sys1.Close())

	// DISK 层数据在进程重建后仍然可用
	assert.NotEmpty(t, mr.Keys())

	analyzer2 := mocks.NewMockAnalyzer()
	client2 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sys2, err := New(
		WithConfig(makeConfig()),
		WithAnalyzer(analyzer2),
		WithRedisClient(client2),
		WithLogger(zap.NewNop()),
		WithCollector(nil),
	)
	require.NoError(t, err)
	defer sys2.Close()

	id2, err := sys2.NewSession(ctx, scheduler.SessionConfig{ItemKeys: keys, Concurrency: 2})
	require.NoError(t, err)
	testutil.WaitForSession(t, sys2.Scheduler(), id2, 10*time.Second)

	results, err := sys2.Scheduler().Results(id2)
	require.NoError(t, err)
	testutil.AssertAllCompleted(t, results)
	for _, r := range results {
		assert.True(t, r.CacheHit, "key %s should come from the redis tier", r.ItemKey)
	}
	assert.Zero(t, analyzer2.CallCount())
}

func TestSystem_DatabaseBackend(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	dbPath := filepath.Join(t.TempDir(), "scanflow.db")
	keys := fixtures.ItemKeys(4)

	makeConfig := func() *config.Config {
		cfg := fastConfig()
		cfg.Cache.DiskBackend = config.DiskBackendDatabase
		cfg.Database.Driver = "sqlite"
		cfg.Database.Name = dbPath
		cfg.Database.MaxOpenConns = 1
		return cfg
	}

	analyzer1 := mocks.NewMockAnalyzer()
	sys1, err := New(
		WithConfig(makeConfig()),
		WithAnalyzer(analyzer1),
		WithLogger(zap.NewNop()),
		WithCollector(nil),
	)
	require.NoError(t, err)

	ctx := testutil.TestContext(t)
	id, err := sys1.NewSession(ctx, scheduler.SessionConfig{ItemKeys: keys, Concurrency: 2})
	require.NoError(t, err)
	testutil.WaitForSession(t, sys1.Scheduler(), id, 15*time.Second)
	require.NoError(t, sys1.Close())

	// 第二个系统打开同一个库文件，迁移幂等，数据直接命中
	analyzer2 := mocks.NewMockAnalyzer()
	sys2, err := New(
		WithConfig(makeConfig()),
		WithAnalyzer(analyzer2),
		WithLogger(zap.NewNop()),
		WithCollector(nil),
	)
	require.NoError(t, err)
	defer sys2.Close()

	id2, err := sys2.NewSession(ctx, scheduler.SessionConfig{ItemKeys: keys, Concurrency: 2})
	require.NoError(t, err)
	testutil.WaitForSession(t, sys2.Scheduler(), id2, 15*time.Second)

	results, err := sys2.Scheduler().Results(id2)
	require.NoError(t, err)
	testutil.AssertAllCompleted(t, results)
	for _, r := range results {
		assert.True(t, r.CacheHit, "key %s should come from the database tier", r.ItemKey)
	}
	assert.Zero(t, analyzer2.CallCount())
}

func TestSystem_MetricsServer(t *testing.T) {
	collector := metrics.NewCollector(fmt.Sprintf("scanflow_ops_%d", time.Now().UnixNano()), zap.NewNop())

	cfg := fastConfig()
	cfg.Metrics.Addr = "127.0.0.1:0"

	analyzer := mocks.NewMockAnalyzer()
	sys := newTestSystem(t, WithConfig(cfg), WithAnalyzer(analyzer), WithCollector(collector))

	addr := sys.MetricsAddr()
	require.NotEmpty(t, addr)

	// /healthz 返回 JSON 健康状态
	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health["status"])

	// /metrics 暴露 prometheus 文本格式
	resp2, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	body, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "go_goroutines")
	// 注入的收集器指标同样走这个端点
	assert.Contains(t, string(body), "sessions_created_total")

	// 关闭后端点不再可达
	require.NoError(t, sys.Close())
	_, err = http.Get("http://" + addr + "/healthz")
	assert.Error(t, err)
}

func TestSystem_MetricsServerDisabledByDefault(t *testing.T) {
	sys := newTestSystem(t, WithConfig(fastConfig()))
	assert.Empty(t, sys.MetricsAddr())
}

func TestSystem_RedisWatchdogLifecycle(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cfg := fastConfig()
	cfg.Cache.DiskBackend = config.DiskBackendRedis
	cfg.Redis.HealthCheckInterval = 10 * time.Millisecond

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sys, err := New(
		WithConfig(cfg),
		WithAnalyzer(mocks.NewMockAnalyzer()),
		WithRedisClient(client),
		WithLogger(zap.NewNop()),
		WithCollector(nil),
	)
	require.NoError(t, err)
	require.NotNil(t, sys.watchdog)

	// 让巡检跑几个周期后正常关停
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, sys.Close())
}

func TestSystem_ProgressCallback(t *testing.T) {
	analyzer := mocks.NewMockAnalyzer()
	sys := newTestSystem(t, WithConfig(fastConfig()), WithAnalyzer(analyzer))

	rec := mocks.NewProgressRecorder()
	ctx := testutil.TestContext(t)
	keys := fixtures.ItemKeys(5)

	id, err := sys.NewSession(ctx, scheduler.SessionConfig{
		ItemKeys:    keys,
		Concurrency: 2,
		OnProgress:  rec.Callback(),
	})
	require.NoError(t, err)

	_, ok := testutil.WaitForChannel(rec.Done(), 10*time.Second)
	require.True(t, ok, "progress callback never reached the final update")

	assert.Equal(t, len(keys), rec.Count())
	last, ok := rec.Last()
	require.True(t, ok)
	assert.Equal(t, id, last.SessionID)
	assert.Equal(t, len(keys), last.Completed)
	assert.Equal(t, len(keys), last.Total)
}

func TestSystem_HotReload(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	path := fixtures.WriteConfigFile(t, fixtures.ConfigYAML())

	sys, err := New(WithConfigFile(path), WithLogger(zap.NewNop()), WithCollector(nil))
	require.NoError(t, err)
	defer sys.Close()

	assert.InDelta(t, 100.0, sys.Limiter().Rate(), 0.001)

	updated := strings.Replace(fixtures.ConfigYAML(), "rate_per_second: 100.0", "rate_per_second: 250.0", 1)
	require.NotEqual(t, fixtures.ConfigYAML(), updated)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	// 轮询按修改时间探测变更，显式前移 mtime 保证被发现
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	assert.Eventually(t, func() bool {
		return sys.Limiter().Rate() == 250.0
	}, 10*time.Second, 100*time.Millisecond, "rate change was not applied")
	assert.Equal(t, 250.0, sys.Config().Scheduler.RatePerSecond)
}

func TestSystem_ApplyReload(t *testing.T) {
	sys := newTestSystem(t, WithConfig(fastConfig()), WithAnalyzer(mocks.NewMockAnalyzer()))

	oldCfg := fastConfig()
	newCfg := fastConfig()
	newCfg.Scheduler.RatePerSecond = 42
	newCfg.Scheduler.Burst = 7
	newCfg.Cache.StandardTTL = 2 * time.Hour
	newCfg.Cache.ExtendedTTL = 6 * time.Hour

	sys.applyReload(oldCfg, newCfg)

	assert.InDelta(t, 42.0, sys.Limiter().Rate(), 0.001)
	assert.Equal(t, 7, sys.Limiter().Burst())
	standard, extended := sys.Cache().TTLs()
	assert.Equal(t, 2*time.Hour, standard)
	assert.Equal(t, 6*time.Hour, extended)
}

func TestSystem_ApplyReloadLogLevel(t *testing.T) {
	cfg := fastConfig()
	cfg.Log.OutputPaths = []string{filepath.Join(t.TempDir(), "scanflow.log")}

	// 不注入 logger，让系统自建并持有 AtomicLevel
	sys, err := New(WithConfig(cfg), WithCollector(nil))
	require.NoError(t, err)
	defer sys.Close()
	assert.Equal(t, zapcore.InfoLevel, sys.level.Level())

	newCfg := fastConfig()
	newCfg.Log.Level = "error"
	sys.applyReload(cfg, newCfg)
	assert.Equal(t, zapcore.ErrorLevel, sys.level.Level())
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"verbose", zapcore.InfoLevel},
		{"", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLogLevel(tt.input), "level %q", tt.input)
	}
}

func TestBuildLogger(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "out.log")

	logger, level := buildLogger(config.LogConfig{
		Level:       "warn",
		Format:      "json",
		OutputPaths: []string{logPath},
	})
	require.NotNil(t, logger)
	assert.Equal(t, zapcore.WarnLevel, level.Level())

	logger.Info("below threshold")
	logger.Warn("recorded message")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "below threshold")
	assert.Contains(t, string(data), "recorded message")
	assert.Contains(t, string(data), "timestamp")

	// console 编码同样可以构建
	consoleLogger, consoleLevel := buildLogger(config.LogConfig{Level: "bogus", Format: "console"})
	require.NotNil(t, consoleLogger)
	assert.Equal(t, zapcore.InfoLevel, consoleLevel.Level())
}

func TestWithAnalyzeFunc(t *testing.T) {
	payload := json.RawMessage(`{"fixed":true}`)
	sys := newTestSystem(t,
		WithConfig(fastConfig()),
		WithAnalyzeFunc(func(ctx context.Context, itemKey string) (json.RawMessage, error) {
			return payload, nil
		}),
	)

	ctx := testutil.TestContext(t)
	id, err := sys.NewSession(ctx, scheduler.SessionConfig{ItemKeys: []string{"zone-a"}, Concurrency: 1})
	require.NoError(t, err)
	testutil.WaitForSession(t, sys.Scheduler(), id, 10*time.Second)

	results, err := sys.Scheduler().Results(id)
	require.NoError(t, err)
	require.Len(t, results, 1)
	testutil.AssertJSONEqual(t, payload, results[0].Value)
}
