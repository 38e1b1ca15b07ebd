package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

// 速率取得足够小，测试期间桶内不会有可观测的回填，
// 于是初始突发容量就是非阻塞获取的精确上限。
const drainRate = 0.0001

func TestProperty_Limiter_AllowBoundedByBurst(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		burst := rapid.IntRange(1, 32).Draw(rt, "burst")

		limiter, err := New(Config{RatePerSecond: drainRate, Burst: burst}, nil, zap.NewNop())
		require.NoError(t, err)

		for i := 0; i < burst; i++ {
			assert.True(t, limiter.Allow(), "acquisition %d within burst should pass", i)
		}
		assert.False(t, limiter.Allow(), "acquisition beyond burst should be denied")

		stats := limiter.Stats()
		assert.Equal(t, int64(burst), stats.Acquired)
		assert.Equal(t, int64(0), stats.Waited, "Allow never waits")
	})
}

func TestProperty_Limiter_SettersTrackLastValidValue(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		limiter, err := New(Config{RatePerSecond: 10, Burst: 2}, nil, zap.NewNop())
		require.NoError(t, err)

		wantRate := 10.0
		wantBurst := 2

		steps := rapid.IntRange(1, 20).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 3).Draw(rt, "op") {
			case 0:
				r := rapid.Float64Range(0.5, 1000).Draw(rt, "rate")
				require.NoError(t, limiter.SetRate(r))
				wantRate = r
			case 1:
				b := rapid.IntRange(1, 64).Draw(rt, "validBurst")
				require.NoError(t, limiter.SetBurst(b))
				wantBurst = b
			case 2:
				// 非法速率被拒绝，状态保持不变
				r := rapid.Float64Range(-100, 0).Draw(rt, "badRate")
				assert.ErrorIs(t, limiter.SetRate(r), ErrInvalidRate)
			case 3:
				b := rapid.IntRange(-64, 0).Draw(rt, "badBurst")
				assert.ErrorIs(t, limiter.SetBurst(b), ErrInvalidBurst)
			}

			assert.InDelta(t, wantRate, limiter.Rate(), 1e-9)
			assert.Equal(t, wantBurst, limiter.Burst())
		}

		stats := limiter.Stats()
		assert.InDelta(t, wantRate, stats.RatePerSecond, 1e-9)
		assert.Equal(t, wantBurst, stats.Burst)
	})
}
