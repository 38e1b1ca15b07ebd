package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/BaSui01/scanflow/internal/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// =============================================================================
// 💾 DISK 层 Redis 实现
// =============================================================================

// RedisTier 基于 Redis 的持久层实现。条目以 JSON 存储并设置原生 TTL，
// 另维护一个按过期时间排序的 Sorted Set 索引，供清理与预算裁剪按
// "最先过期" 顺序扫描。适合多进程共享同一份结果缓存的部署。
type RedisTier struct {
	client    *redis.Client
	keyPrefix string
	collector *metrics.Collector
	logger    *zap.Logger
}

var _ DiskTier = (*RedisTier)(nil)

// NewRedisTier 创建 Redis 持久层。keyPrefix 为空时使用 "scanflow:cache:"。
func NewRedisTier(client *redis.Client, keyPrefix string, collector *metrics.Collector, logger *zap.Logger) (*RedisTier, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if keyPrefix == "" {
		keyPrefix = "scanflow:cache:"
	}

	// 连接探活
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, &IOError{Op: "ping", Err: err}
	}

	return &RedisTier{
		client:    client,
		keyPrefix: keyPrefix,
		collector: collector,
		logger:    logger.With(zap.String("component", "cache_redis_tier")),
	}, nil
}

func (t *RedisTier) dataKey(key string) string {
	return t.keyPrefix + "entry:" + key
}

func (t *RedisTier) expiryIndexKey() string {
	return t.keyPrefix + "expiry"
}

// =============================================================================
// 🎯 核心操作
// =============================================================================

// Get 读取条目
func (t *RedisTier) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := t.client.Get(ctx, t.dataKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, &IOError{Op: "get", Key: key, Err: err}
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		// 损坏的条目按未命中处理并顺手清除
		t.logger.Warn("corrupt cache entry, dropping", zap.String("key", key), zap.Error(err))
		_ = t.removeKeys(ctx, key)
		return nil, ErrCacheMiss
	}

	entry.Tier = TierDisk
	return &entry, nil
}

// Put 写入条目：数据键带原生 TTL，同时登记过期时间索引
func (t *RedisTier) Put(ctx context.Context, entry *Entry) error {
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		// 已过期的条目不落盘
		return t.removeKeys(ctx, entry.Key)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return &IOError{Op: "put", Key: entry.Key, Err: err}
	}

	pipe := t.client.Pipeline()
	pipe.Set(ctx, t.dataKey(entry.Key), data, ttl)
	pipe.ZAdd(ctx, t.expiryIndexKey(), redis.Z{
		Score:  float64(entry.ExpiresAt.Unix()),
		Member: entry.Key,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return &IOError{Op: "put", Key: entry.Key, Err: err}
	}
	return nil
}

// Delete 删除条目及其索引
func (t *RedisTier) Delete(ctx context.Context, key string) error {
	return t.removeKeys(ctx, key)
}

// Purge 清空全部条目与索引
func (t *RedisTier) Purge(ctx context.Context) error {
	// 扫描删除数据键
	iter := t.client.Scan(ctx, 0, t.keyPrefix+"entry:*", 200).Iterator()
	batch := make([]string, 0, 200)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 200 {
			if err := t.client.Del(ctx, batch...).Err(); err != nil {
				return &IOError{Op: "purge", Err: err}
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return &IOError{Op: "purge", Err: err}
	}
	if len(batch) > 0 {
		if err := t.client.Del(ctx, batch...).Err(); err != nil {
			return &IOError{Op: "purge", Err: err}
		}
	}

	if err := t.client.Del(ctx, t.expiryIndexKey()).Err(); err != nil {
		return &IOError{Op: "purge", Err: err}
	}
	return nil
}

// Sweep 清理过期条目并在超出预算时按最先过期顺序裁剪。
// 数据键由 Redis 原生 TTL 兜底过期，这里同步清理索引并统计数量。
func (t *RedisTier) Sweep(ctx context.Context, now time.Time, maxEntries int64) (int64, error) {
	var removed int64

	// 1. 清理已过期的索引成员及其数据键
	expired, err := t.client.ZRangeByScore(ctx, t.expiryIndexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, &IOError{Op: "sweep", Err: err}
	}
	if len(expired) > 0 {
		if err := t.removeKeys(ctx, expired...); err != nil {
			return removed, err
		}
		removed += int64(len(expired))
	}

	if maxEntries <= 0 {
		return removed, nil
	}

	// 2. 超出预算：按分数（过期时间）升序裁剪
	card, err := t.client.ZCard(ctx, t.expiryIndexKey()).Result()
	if err != nil {
		return removed, &IOError{Op: "sweep", Err: err}
	}
	if card > maxEntries {
		over := card - maxEntries
		victims, err := t.client.ZRange(ctx, t.expiryIndexKey(), 0, over-1).Result()
		if err != nil {
			return removed, &IOError{Op: "sweep", Err: err}
		}
		if len(victims) > 0 {
			if err := t.removeKeys(ctx, victims...); err != nil {
				return removed, err
			}
			removed += int64(len(victims))
		}
	}

	return removed, nil
}

// Len 返回条目数。以索引基数计，和原生 TTL 过期之间存在短暂偏差，
// 由下一轮 Sweep 校正。
func (t *RedisTier) Len(ctx context.Context) (int64, error) {
	card, err := t.client.ZCard(ctx, t.expiryIndexKey()).Result()
	if err != nil {
		return 0, &IOError{Op: "len", Err: err}
	}
	return card, nil
}

// Close 关闭 Redis 连接
func (t *RedisTier) Close() error {
	return t.client.Close()
}

// removeKeys 批量删除数据键并同步移除索引成员
func (t *RedisTier) removeKeys(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	dataKeys := make([]string, len(keys))
	members := make([]interface{}, len(keys))
	for i, k := range keys {
		dataKeys[i] = t.dataKey(k)
		members[i] = k
	}

	pipe := t.client.Pipeline()
	pipe.Del(ctx, dataKeys...)
	pipe.ZRem(ctx, t.expiryIndexKey(), members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return &IOError{Op: "delete", Err: err}
	}
	return nil
}
