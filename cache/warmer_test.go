package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/scanflow/ratelimit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubSource 记录调用并支持按键注入失败的预热数据源
type stubSource struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
	delay time.Duration
}

func newStubSource() *stubSource {
	return &stubSource{
		calls: make(map[string]int),
		fail:  make(map[string]error),
	}
}

func (s *stubSource) fn() WarmSource {
	return func(ctx context.Context, itemKey string) (json.RawMessage, bool, error) {
		if s.delay > 0 {
			select {
			case <-ctx.Done():
				return nil, false, ctx.Err()
			case <-time.After(s.delay):
			}
		}
		s.mu.Lock()
		s.calls[itemKey]++
		err := s.fail[itemKey]
		s.mu.Unlock()
		if err != nil {
			return nil, false, err
		}
		return json.RawMessage(`{"warmed":true}`), false, nil
	}
}

func (s *stubSource) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func (s *stubSource) count(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

func TestNewWarmer_Validation(t *testing.T) {
	store := newTestStore(t, Config{}, nil)
	source := newStubSource()

	_, err := NewWarmer(nil, source.fn(), WarmerConfig{}, nil, nil, nil)
	assert.Error(t, err)

	_, err = NewWarmer(store, nil, WarmerConfig{}, nil, nil, nil)
	assert.Error(t, err)

	warmer, err := NewWarmer(store, source.fn(), WarmerConfig{}, nil, nil, zap.NewNop())
	require.NoError(t, err)
	defer warmer.Close()
	// 未配置项回填默认值
	assert.Equal(t, time.Hour, warmer.config.NearExpiry)
	assert.Equal(t, 4, warmer.config.Parallelism)
}

func TestWarmer_Warm_ComputesMissingKeys(t *testing.T) {
	store := newTestStore(t, Config{}, nil)
	source := newStubSource()
	warmer, err := NewWarmer(store, source.fn(), WarmerConfig{}, nil, nil, zap.NewNop())
	require.NoError(t, err)
	defer warmer.Close()

	ctx := context.Background()
	result, err := warmer.Warm(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, WarmResult{Warmed: 3}, result)
	assert.Equal(t, 3, source.total())

	// 预热后的键全部命中
	for _, key := range []string{"a", "b", "c"} {
		_, ok := store.Get(ctx, key)
		assert.True(t, ok, "expected %s cached", key)
	}
}

func TestWarmer_Warm_SkipsFreshEntries(t *testing.T) {
	// 标准 TTL 24h，距过期远超 1h 窗口，无需预热
	store := newTestStore(t, Config{StandardTTL: 24 * time.Hour}, nil)
	source := newStubSource()
	warmer, err := NewWarmer(store, source.fn(), WarmerConfig{NearExpiry: time.Hour}, nil, nil, zap.NewNop())
	require.NoError(t, err)
	defer warmer.Close()

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "fresh", json.RawMessage(`1`), false))

	result, err := warmer.Warm(ctx, []string{"fresh", "missing"})
	require.NoError(t, err)
	assert.Equal(t, WarmResult{Warmed: 1, Skipped: 1}, result)
	assert.Equal(t, 0, source.count("fresh"))
	assert.Equal(t, 1, source.count("missing"))
}

func TestWarmer_Warm_RefreshesNearExpiry(t *testing.T) {
	// 标准 TTL 30m 落在 1h 预热窗口内，视为临近过期
	store := newTestStore(t, Config{StandardTTL: 30 * time.Minute}, nil)
	source := newStubSource()
	warmer, err := NewWarmer(store, source.fn(), WarmerConfig{NearExpiry: time.Hour}, nil, nil, zap.NewNop())
	require.NoError(t, err)
	defer warmer.Close()

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "aging", json.RawMessage(`"old"`), false))

	result, err := warmer.Warm(ctx, []string{"aging"})
	require.NoError(t, err)
	assert.Equal(t, WarmResult{Warmed: 1}, result)
	assert.Equal(t, 1, source.count("aging"))

	// 值已被重新计算
	value, ok := store.Get(ctx, "aging")
	require.True(t, ok)
	assert.Equal(t, json.RawMessage(`{"warmed":true}`), value)
}

func TestWarmer_Warm_SourceFailureCounted(t *testing.T) {
	store := newTestStore(t, Config{}, nil)
	source := newStubSource()
	source.fail["bad"] = errors.New("upstream unavailable")
	warmer, err := NewWarmer(store, source.fn(), WarmerConfig{}, nil, nil, zap.NewNop())
	require.NoError(t, err)
	defer warmer.Close()

	ctx := context.Background()
	result, err := warmer.Warm(ctx, []string{"good", "bad"})
	require.NoError(t, err)
	assert.Equal(t, WarmResult{Warmed: 1, Failed: 1}, result)

	// 单键失败不影响其他键
	_, ok := store.Get(ctx, "good")
	assert.True(t, ok)
	_, ok = store.Get(ctx, "bad")
	assert.False(t, ok)
}

func TestWarmer_Warm_ContextCancelAbortsRun(t *testing.T) {
	store := newTestStore(t, Config{}, nil)
	source := newStubSource()
	source.delay = 20 * time.Millisecond
	warmer, err := NewWarmer(store, source.fn(), WarmerConfig{Parallelism: 1}, nil, nil, zap.NewNop())
	require.NoError(t, err)
	defer warmer.Close()

	keys := make([]string, 20)
	for i := range keys {
		keys[i] = keyN(i + 1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	result, err := warmer.Warm(ctx, keys)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	// 取消后不再派发新键，已完成的部分保留
	assert.Less(t, result.Warmed, len(keys))
}

func TestWarmer_Warm_RespectsLimiter(t *testing.T) {
	store := newTestStore(t, Config{}, nil)
	source := newStubSource()
	limiter, err := ratelimit.New(ratelimit.Config{RatePerSecond: 50, Burst: 1}, nil, zap.NewNop())
	require.NoError(t, err)

	warmer, err := NewWarmer(store, source.fn(), WarmerConfig{}, limiter, nil, zap.NewNop())
	require.NoError(t, err)
	defer warmer.Close()

	start := time.Now()
	result, err := warmer.Warm(context.Background(), []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)
	assert.Equal(t, 5, result.Warmed)
	// 5 个键经过 50/s 的桶，至少 4 个令牌间隔
	assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
}

func TestWarmer_ClosedRejectsWarm(t *testing.T) {
	store := newTestStore(t, Config{}, nil)
	source := newStubSource()
	warmer, err := NewWarmer(store, source.fn(), WarmerConfig{}, nil, nil, zap.NewNop())
	require.NoError(t, err)

	warmer.Close()

	_, err = warmer.Warm(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, ErrWarmerClosed)

	// 重复关闭与关闭后 Start 均为空操作
	warmer.Close()
	warmer.Start()
}

func TestWarmer_PeriodicLoop(t *testing.T) {
	store := newTestStore(t, Config{StandardTTL: time.Minute}, nil)
	source := newStubSource()
	config := WarmerConfig{
		Interval:   25 * time.Millisecond,
		NearExpiry: 2 * time.Minute, // 每轮都视为临近过期，强制重算
		Keys:       []string{"hot-1", "hot-2"},
	}
	warmer, err := NewWarmer(store, source.fn(), config, nil, nil, zap.NewNop())
	require.NoError(t, err)

	warmer.Start()
	require.Eventually(t, func() bool {
		return source.count("hot-1") >= 2 && source.count("hot-2") >= 2
	}, 2*time.Second, 10*time.Millisecond)

	warmer.Close()
}
