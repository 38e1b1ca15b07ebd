package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/scanflow/internal/metrics"

	"go.uber.org/zap"
)

// Config 缓存存储配置
type Config struct {
	MemoryMaxEntries int           `yaml:"memory_max_entries" json:"memory_max_entries"` // MEMORY 层最大条目数
	DiskMaxEntries   int64         `yaml:"disk_max_entries" json:"disk_max_entries"`     // DISK 层条目预算（0 表示不限制）
	StandardTTL      time.Duration `yaml:"standard_ttl" json:"standard_ttl"`             // 标准 TTL 档
	ExtendedTTL      time.Duration `yaml:"extended_ttl" json:"extended_ttl"`             // 热门条目延长 TTL 档
	PopularThreshold int64         `yaml:"popular_threshold" json:"popular_threshold"`   // 访问次数达到该值升级为热门档
	SweepInterval    time.Duration `yaml:"sweep_interval" json:"sweep_interval"`         // DISK 层过期清理周期
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		MemoryMaxEntries: 10000,
		DiskMaxEntries:   100000,
		StandardTTL:      24 * time.Hour,
		ExtendedTTL:      72 * time.Hour,
		PopularThreshold: 3,
		SweepInterval:    10 * time.Minute,
	}
}

// Stats 缓存统计。计数单调累加，仅 ResetStats 重置。
type Stats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	HitRate       float64 `json:"hit_rate"`
	MemoryHits    int64   `json:"memory_hits"`
	DiskHits      int64   `json:"disk_hits"`
	Promotions    int64   `json:"promotions"`
	Evictions     int64   `json:"evictions"`
	IOErrors      int64   `json:"io_errors"`
	MemoryEntries int     `json:"memory_entries"`
	DiskEntries   int64   `json:"disk_entries"`
}

// Store 两级结果缓存：MEMORY 层（LRU）负责低延迟，DISK 层负责进程重启后
// 的结果留存。DISK 命中且未过期的条目会先提升到 MEMORY 再返回。
// 两层各自持锁，DISK 清理不会阻塞 MEMORY 读取。
type Store struct {
	config Config
	memory *MemoryTier
	disk   DiskTier

	collector *metrics.Collector
	logger    *zap.Logger

	// 在线可调的 TTL 档位（纳秒）
	standardTTL atomic.Int64
	extendedTTL atomic.Int64

	// 计量
	hits       atomic.Int64
	misses     atomic.Int64
	memoryHits atomic.Int64
	diskHits   atomic.Int64
	promotions atomic.Int64
	evictions  atomic.Int64
	ioErrors   atomic.Int64

	diskEntries atomic.Int64 // 最近一次成功统计到的 DISK 条目数

	closed atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewStore 创建两级缓存。disk 传 nil 时退化为纯内存缓存；
// collector 传 nil 时不上报指标。
func NewStore(config Config, disk DiskTier, collector *metrics.Collector, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if config.MemoryMaxEntries <= 0 {
		config.MemoryMaxEntries = def.MemoryMaxEntries
	}
	if config.StandardTTL <= 0 {
		config.StandardTTL = def.StandardTTL
	}
	if config.ExtendedTTL <= 0 {
		config.ExtendedTTL = def.ExtendedTTL
	}
	if config.PopularThreshold <= 0 {
		config.PopularThreshold = def.PopularThreshold
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = def.SweepInterval
	}

	s := &Store{
		config:    config,
		memory:    NewMemoryTier(config.MemoryMaxEntries),
		disk:      disk,
		collector: collector,
		logger:    logger.With(zap.String("component", "cache")),
		stopCh:    make(chan struct{}),
	}
	s.standardTTL.Store(int64(config.StandardTTL))
	s.extendedTTL.Store(int64(config.ExtendedTTL))

	// DISK 层清理循环
	if disk != nil {
		s.wg.Add(1)
		go s.sweepLoop()
	}

	return s
}

// Get 查询条目。先查 MEMORY，未命中再查 DISK；DISK 命中且未过期时
// 回填 MEMORY（提升）后返回。过期的 DISK 条目按未命中处理并当场清除。
// DISK 读取失败按未命中降级，绝不向调用方传播。
func (s *Store) Get(ctx context.Context, itemKey string) (json.RawMessage, bool) {
	if s.closed.Load() || strings.TrimSpace(itemKey) == "" {
		return nil, false
	}

	key := DeriveKey(itemKey)
	now := time.Now()

	// 1. 查 MEMORY 层
	if entry, ok := s.memory.Get(key, now); ok {
		s.hits.Add(1)
		s.memoryHits.Add(1)
		s.collector.RecordCacheHit(string(TierMemory))
		s.maybeUpgrade(ctx, key, entry)
		s.logger.Debug("memory tier hit", zap.String("item_key", itemKey))
		return entry.Value, true
	}

	if s.disk == nil {
		s.miss()
		return nil, false
	}

	// 2. 查 DISK 层
	entry, err := s.disk.Get(ctx, key)
	if err != nil {
		if !IsCacheMiss(err) {
			s.ioError("get", err)
		}
		s.miss()
		return nil, false
	}

	// 过期条目：清除并按未命中处理
	if entry.Expired(now) {
		if derr := s.disk.Delete(ctx, key); derr != nil {
			s.ioError("delete", derr)
		}
		s.miss()
		return nil, false
	}

	// 提升到 MEMORY 层
	entry.AccessCount++
	entry.LastAccess = now
	if s.memory.Set(key, entry.clone()) {
		s.evictions.Add(1)
		s.collector.RecordCacheEviction(string(TierMemory), "capacity")
	}
	s.promotions.Add(1)
	s.collector.RecordCachePromotion()

	s.hits.Add(1)
	s.diskHits.Add(1)
	s.collector.RecordCacheHit(string(TierDisk))
	s.maybeUpgrade(ctx, key, entry)
	s.logger.Debug("disk tier hit", zap.String("item_key", itemKey))
	return entry.Value, true
}

// Put 写入条目，同时落到两层。popular 为 true 时直接使用延长 TTL 档。
// DISK 写入失败只记日志与计数（缓存尽力而为），不向调用方返回。
func (s *Store) Put(ctx context.Context, itemKey string, value json.RawMessage, popular bool) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if strings.TrimSpace(itemKey) == "" {
		return ErrInvalidKey
	}

	key := DeriveKey(itemKey)
	now := time.Now()
	ttl := time.Duration(s.standardTTL.Load())
	if popular {
		ttl = time.Duration(s.extendedTTL.Load())
	}

	entry := &Entry{
		Key:        key,
		Value:      value,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		LastAccess: now,
		Popular:    popular,
	}

	// 1. 写 MEMORY 层
	if s.memory.Set(key, entry.clone()) {
		s.evictions.Add(1)
		s.collector.RecordCacheEviction(string(TierMemory), "capacity")
	}

	// 2. 写 DISK 层
	if s.disk != nil {
		d := entry.clone()
		d.Tier = TierDisk
		if err := s.disk.Put(ctx, d); err != nil {
			s.ioError("put", err)
		}
	}

	s.logger.Debug("cache put",
		zap.String("item_key", itemKey),
		zap.Bool("popular", popular),
		zap.Duration("ttl", ttl))
	return nil
}

// Invalidate 立即从两层删除指定条目
func (s *Store) Invalidate(ctx context.Context, itemKey string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}

	key := DeriveKey(itemKey)
	s.memory.Delete(key)

	if s.disk != nil {
		if err := s.disk.Delete(ctx, key); err != nil {
			s.ioError("delete", err)
			return err
		}
	}
	return nil
}

// InvalidateAll 立即清空两层全部条目
func (s *Store) InvalidateAll(ctx context.Context) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}

	s.memory.Clear()

	if s.disk != nil {
		if err := s.disk.Purge(ctx); err != nil {
			s.ioError("purge", err)
			return err
		}
		s.diskEntries.Store(0)
	}
	return nil
}

// Stats 返回当前统计快照
func (s *Store) Stats() Stats {
	hits := s.hits.Load()
	misses := s.misses.Load()

	st := Stats{
		Hits:          hits,
		Misses:        misses,
		MemoryHits:    s.memoryHits.Load(),
		DiskHits:      s.diskHits.Load(),
		Promotions:    s.promotions.Load(),
		Evictions:     s.evictions.Load(),
		IOErrors:      s.ioErrors.Load(),
		MemoryEntries: s.memory.Len(),
	}
	if total := hits + misses; total > 0 {
		st.HitRate = float64(hits) / float64(total)
	}

	if s.disk != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if n, err := s.disk.Len(ctx); err == nil {
			s.diskEntries.Store(n)
		} else {
			s.ioError("len", err)
		}
		st.DiskEntries = s.diskEntries.Load()
	}

	s.collector.SetCacheEntries(string(TierMemory), float64(st.MemoryEntries))
	s.collector.SetCacheEntries(string(TierDisk), float64(st.DiskEntries))
	return st
}

// ResetStats 清零全部计数
func (s *Store) ResetStats() {
	s.hits.Store(0)
	s.misses.Store(0)
	s.memoryHits.Store(0)
	s.diskHits.Store(0)
	s.promotions.Store(0)
	s.evictions.Store(0)
	s.ioErrors.Store(0)
}

// Close 停止清理循环并关闭 DISK 层。可重复调用。
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.stopCh)
	s.wg.Wait()

	if s.disk != nil {
		return s.disk.Close()
	}
	return nil
}

// SetTTLs 在线调整 TTL 档位，对之后的写入与热门升级生效，
// 已写入条目的过期时间不变
func (s *Store) SetTTLs(standard, extended time.Duration) error {
	if standard <= 0 {
		return fmt.Errorf("%w: standard ttl must be positive, got %v", ErrInvalidTTL, standard)
	}
	if extended < standard {
		return fmt.Errorf("%w: extended ttl must not be shorter than standard, got %v", ErrInvalidTTL, extended)
	}
	s.standardTTL.Store(int64(standard))
	s.extendedTTL.Store(int64(extended))
	s.logger.Info("cache ttls updated",
		zap.Duration("standard_ttl", standard),
		zap.Duration("extended_ttl", extended))
	return nil
}

// TTLs 返回当前生效的 TTL 档位
func (s *Store) TTLs() (standard, extended time.Duration) {
	return time.Duration(s.standardTTL.Load()), time.Duration(s.extendedTTL.Load())
}

// maybeUpgrade 访问计数达到阈值时升级为热门档：
// 过期时间改为创建时间 + 延长 TTL，并异步写回 DISK 层。
func (s *Store) maybeUpgrade(ctx context.Context, key string, entry *Entry) {
	if entry.Popular || entry.AccessCount < s.config.PopularThreshold {
		return
	}

	expiresAt := entry.CreatedAt.Add(time.Duration(s.extendedTTL.Load()))
	s.memory.Upgrade(key, expiresAt)

	if s.disk == nil {
		return
	}
	upgraded := entry.clone()
	upgraded.Popular = true
	upgraded.ExpiresAt = expiresAt
	upgraded.Tier = TierDisk

	// 异步写回，失败只计数
	go func() {
		wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.disk.Put(wctx, upgraded); err != nil {
			s.ioError("put", err)
		}
	}()

	s.logger.Debug("entry upgraded to extended ttl",
		zap.String("key", key),
		zap.Int64("access_count", entry.AccessCount))
}

// entryExpiry 返回条目当前的过期时间。只做探测，不改变访问计数、
// LRU 顺序与任何统计，供预热判断"是否临近过期"使用。
func (s *Store) entryExpiry(ctx context.Context, itemKey string) (time.Time, bool) {
	key := DeriveKey(itemKey)
	now := time.Now()

	if entry, ok := s.memory.Peek(key); ok && !entry.Expired(now) {
		return entry.ExpiresAt, true
	}
	if s.disk == nil {
		return time.Time{}, false
	}

	entry, err := s.disk.Get(ctx, key)
	if err != nil || entry.Expired(now) {
		return time.Time{}, false
	}
	return entry.ExpiresAt, true
}

// sweepLoop 周期性清理 DISK 层：先删过期条目，超出预算时按
// 过期时间升序继续删除
func (s *Store) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweepOnce()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) sweepOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	removed, err := s.disk.Sweep(ctx, time.Now(), s.config.DiskMaxEntries)
	if err != nil {
		s.ioError("sweep", err)
		return
	}
	if removed > 0 {
		s.evictions.Add(removed)
		s.collector.RecordCacheEviction(string(TierDisk), "expired")
		s.logger.Debug("disk sweep completed", zap.Int64("removed", removed))
	}
	if n, lerr := s.disk.Len(ctx); lerr == nil {
		s.diskEntries.Store(n)
	}
}

func (s *Store) miss() {
	s.misses.Add(1)
	s.collector.RecordCacheMiss()
}

func (s *Store) ioError(op string, err error) {
	s.ioErrors.Add(1)
	s.collector.RecordCacheIOError(op)
	s.logger.Warn("disk tier io error", zap.String("op", op), zap.Error(err))
}
