package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLimiter(t *testing.T, config Config) *Limiter {
	t.Helper()
	limiter, err := New(config, nil, zap.NewNop())
	require.NoError(t, err)
	return limiter
}

func TestNew_Validation(t *testing.T) {
	// 非正速率无效
	_, err := New(Config{RatePerSecond: 0}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidRate)

	_, err = New(Config{RatePerSecond: -3}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidRate)

	// burst 小于 1 时回填为 1
	limiter, err := New(Config{RatePerSecond: 10}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, limiter.Burst())
}

func TestLimiter_Allow(t *testing.T) {
	limiter := newTestLimiter(t, Config{RatePerSecond: 1, Burst: 2})

	// 突发容量内立即放行
	assert.True(t, limiter.Allow())
	assert.True(t, limiter.Allow())
	// 桶空后拒绝
	assert.False(t, limiter.Allow())

	stats := limiter.Stats()
	assert.Equal(t, int64(2), stats.Acquired)
}

func TestLimiter_Wait_PacesAcquisitions(t *testing.T) {
	limiter := newTestLimiter(t, Config{RatePerSecond: 100, Burst: 1})
	ctx := context.Background()

	// 第一个令牌立即可得
	require.NoError(t, limiter.Wait(ctx))

	// 第二个需要等待约 10ms
	start := time.Now()
	require.NoError(t, limiter.Wait(ctx))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 5*time.Millisecond)

	stats := limiter.Stats()
	assert.Equal(t, int64(2), stats.Acquired)
	assert.Equal(t, int64(1), stats.Waited)
}

func TestLimiter_Wait_ContextCancel(t *testing.T) {
	limiter := newTestLimiter(t, Config{RatePerSecond: 1, Burst: 1})

	// 耗尽桶
	require.NoError(t, limiter.Wait(context.Background()))

	// 下一次获取需等约 1s，在此之前取消
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := limiter.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	// 取消的等待不计入成功获取
	stats := limiter.Stats()
	assert.Equal(t, int64(1), stats.Acquired)
	assert.Equal(t, int64(1), stats.Waited)
}

func TestLimiter_Wait_CanceledBeforeCall(t *testing.T) {
	limiter := newTestLimiter(t, Config{RatePerSecond: 100, Burst: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := limiter.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), limiter.Stats().Acquired)
}

func TestLimiter_SetRate(t *testing.T) {
	limiter := newTestLimiter(t, Config{RatePerSecond: 10, Burst: 1})

	assert.ErrorIs(t, limiter.SetRate(0), ErrInvalidRate)
	assert.ErrorIs(t, limiter.SetRate(-1), ErrInvalidRate)

	require.NoError(t, limiter.SetRate(25))
	assert.Equal(t, float64(25), limiter.Rate())
	assert.Equal(t, float64(25), limiter.Stats().RatePerSecond)
}

func TestLimiter_SetBurst(t *testing.T) {
	limiter := newTestLimiter(t, Config{RatePerSecond: 1, Burst: 1})

	assert.ErrorIs(t, limiter.SetBurst(0), ErrInvalidBurst)

	require.NoError(t, limiter.SetBurst(3))
	assert.Equal(t, 3, limiter.Burst())
}

func TestLimiter_SharedAcrossGoroutines(t *testing.T) {
	// 10 个并发获取共享一个 50/s 的桶，总耗时至少 9 个令牌间隔
	limiter := newTestLimiter(t, Config{RatePerSecond: 50, Burst: 1})
	ctx := context.Background()

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, limiter.Wait(ctx))
		}()
	}
	wg.Wait()

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Equal(t, int64(10), limiter.Stats().Acquired)
}
