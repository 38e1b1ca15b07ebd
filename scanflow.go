// Package scanflow provides a top-level convenience entry point for building
// a wired batch-analysis system with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/scanflow"
//
//	sys, err := scanflow.New(scanflow.WithAnalyzer(myAnalyzer))
//	sys, err := scanflow.New(scanflow.WithConfigFile("scanflow.yaml"), scanflow.WithAnalyzer(myAnalyzer))
//	sys, err := scanflow.New(scanflow.WithConfig(cfg), scanflow.WithAnalyzeFunc(fn))
//
// New assembles the full stack from configuration: logger, metrics,
// telemetry, the two-tier result cache with its configured disk backend,
// the shared rate limiter, the batch scheduler, the optional cache
// warmer, and the optional metrics/health endpoint. Close tears
// everything down in reverse order.
package scanflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/scanflow/analysis"
	"github.com/BaSui01/scanflow/cache"
	"github.com/BaSui01/scanflow/config"
	"github.com/BaSui01/scanflow/internal/database"
	"github.com/BaSui01/scanflow/internal/metrics"
	"github.com/BaSui01/scanflow/internal/migration"
	"github.com/BaSui01/scanflow/internal/redisconn"
	"github.com/BaSui01/scanflow/internal/server"
	"github.com/BaSui01/scanflow/internal/telemetry"
	"github.com/BaSui01/scanflow/ratelimit"
	"github.com/BaSui01/scanflow/scheduler"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ErrNoAnalyzer is returned by session helpers when no default analyzer was
// configured via WithAnalyzer or WithAnalyzeFunc.
var ErrNoAnalyzer = errors.New("scanflow: no analyzer configured: use WithAnalyzer or WithAnalyzeFunc")

// Option configures the system created by [New].
type Option func(*options)

type options struct {
	cfg        *config.Config
	configPath string
	analyzer   analysis.Analyzer
	logger     *zap.Logger

	collector    *metrics.Collector
	collectorSet bool

	redisClient *redis.Client
	noHotReload bool
}

// WithConfig sets a pre-built configuration. Takes precedence over
// WithConfigFile for the configuration content; the file path is still
// used for hot reload watching.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithConfigFile loads configuration from the given YAML file (with
// SCANFLOW_* environment overrides) and watches it for changes. Hot
// reloadable fields are applied to the running system on rewrite.
func WithConfigFile(path string) Option {
	return func(o *options) { o.configPath = path }
}

// WithAnalyzer sets the default analyzer used by session helpers and,
// when warming is enabled, as the warm source.
func WithAnalyzer(a analysis.Analyzer) Option {
	return func(o *options) { o.analyzer = a }
}

// WithAnalyzeFunc sets the default analyzer from a plain function.
func WithAnalyzeFunc(fn analysis.AnalyzeFunc) Option {
	return func(o *options) { o.analyzer = fn }
}

// WithLogger sets a custom zap logger. Defaults to a logger built from
// the Log configuration section.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithCollector sets the metrics collector. Pass nil to disable metrics.
// Defaults to a process-shared collector under the "scanflow" namespace.
func WithCollector(c *metrics.Collector) Option {
	return func(o *options) {
		o.collector = c
		o.collectorSet = true
	}
}

// WithRedisClient injects a pre-built Redis client for the redis disk
// backend instead of dialing from the Redis configuration section. The
// system takes ownership of the client and closes it on Close.
func WithRedisClient(client *redis.Client) Option {
	return func(o *options) { o.redisClient = client }
}

// WithoutHotReload disables config file watching even when WithConfigFile
// is used.
func WithoutHotReload() Option {
	return func(o *options) { o.noHotReload = true }
}

// System is the assembled batch-analysis stack. Construct it with [New]
// and release it with Close; its components are safe for concurrent use.
type System struct {
	cfg      *config.Config
	analyzer analysis.Analyzer

	logger    *zap.Logger
	ownLogger bool
	level     zap.AtomicLevel

	collector *metrics.Collector
	providers *telemetry.Providers

	redisClient *redis.Client
	ownRedis    bool
	watchdog    *redisconn.Watchdog
	pool        *database.PoolManager

	store  *cache.Store
	sch    *scheduler.Scheduler
	warmer *cache.Warmer
	reload *config.HotReloadManager
	opsSrv *server.Manager

	closed atomic.Bool
}

// 未显式注入 collector 时全进程共享一个，重复注册会触发
// prometheus 的 AlreadyRegistered panic。
var (
	sharedCollectorOnce sync.Once
	sharedCollectorInst *metrics.Collector
)

func sharedCollector(logger *zap.Logger) *metrics.Collector {
	sharedCollectorOnce.Do(func() {
		sharedCollectorInst = metrics.NewCollector("scanflow", logger)
	})
	return sharedCollectorInst
}

// New creates a fully wired System.
func New(opts ...Option) (*System, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	cfg := o.cfg
	if cfg == nil {
		loader := config.NewLoader()
		if o.configPath != "" {
			loader = loader.WithConfigPath(o.configPath)
		}
		loaded, err := loader.Load()
		if err != nil {
			return nil, fmt.Errorf("scanflow: load config: %w", err)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("scanflow: invalid config: %w", err)
	}

	s := &System{
		cfg:      cfg,
		analyzer: o.analyzer,
	}

	// 日志
	if o.logger != nil {
		s.logger = o.logger
	} else {
		s.logger, s.level = buildLogger(cfg.Log)
		s.ownLogger = true
	}

	// 指标
	if o.collectorSet {
		s.collector = o.collector
	} else {
		s.collector = sharedCollector(s.logger)
	}

	// 遥测
	providers, err := telemetry.Init(cfg.Telemetry, s.logger)
	if err != nil {
		s.teardown()
		return nil, fmt.Errorf("scanflow: init telemetry: %w", err)
	}
	s.providers = providers

	// DISK 层
	disk, err := s.buildDiskTier(o)
	if err != nil {
		s.teardown()
		return nil, err
	}

	// 两级缓存
	s.store = cache.NewStore(cache.Config{
		MemoryMaxEntries: cfg.Cache.MemoryMaxEntries,
		DiskMaxEntries:   cfg.Cache.DiskMaxEntries,
		StandardTTL:      cfg.Cache.StandardTTL,
		ExtendedTTL:      cfg.Cache.ExtendedTTL,
		PopularThreshold: cfg.Cache.PopularThreshold,
		SweepInterval:    cfg.Cache.SweepInterval,
	}, disk, s.collector, s.logger)

	// 调度器（内部构建进程共享限流器）
	sch, err := scheduler.New(scheduler.Config{
		RatePerSecond:    cfg.Scheduler.RatePerSecond,
		Burst:            cfg.Scheduler.Burst,
		RetentionWindow:  cfg.Scheduler.RetentionWindow,
		EvictionInterval: cfg.Scheduler.EvictionInterval,
	}, s.store, s.collector, s.logger)
	if err != nil {
		s.teardown()
		return nil, fmt.Errorf("scanflow: create scheduler: %w", err)
	}
	s.sch = sch

	// 预热器
	if cfg.Warming.Enabled {
		if s.analyzer == nil {
			s.teardown()
			return nil, fmt.Errorf("scanflow: warming enabled but no analyzer configured")
		}
		analyzer := s.analyzer
		source := func(ctx context.Context, itemKey string) (json.RawMessage, bool, error) {
			value, err := analyzer.Analyze(ctx, itemKey)
			return value, false, err
		}
		warmer, err := cache.NewWarmer(s.store, source, cache.WarmerConfig{
			Interval:    cfg.Warming.Interval,
			NearExpiry:  cfg.Warming.NearExpiry,
			Parallelism: cfg.Warming.Parallelism,
			Keys:        cfg.Warming.Keys,
		}, sch.Limiter(), s.collector, s.logger)
		if err != nil {
			s.teardown()
			return nil, fmt.Errorf("scanflow: create warmer: %w", err)
		}
		s.warmer = warmer
		s.warmer.Start()
	}

	// 配置热重载
	if o.configPath != "" && !o.noHotReload {
		rm := config.NewHotReloadManager(cfg,
			config.WithConfigPath(o.configPath),
			config.WithHotReloadLogger(s.logger),
			config.WithValidateFunc((*config.Config).Validate),
		)
		rm.OnReload(s.applyReload)
		if err := rm.Start(context.Background()); err != nil {
			s.teardown()
			return nil, fmt.Errorf("scanflow: start hot reload: %w", err)
		}
		s.reload = rm
	}

	// 指标/健康检查服务
	if cfg.Metrics.Addr != "" {
		if err := s.startOpsServer(); err != nil {
			s.teardown()
			return nil, err
		}
	}

	s.logger.Info("scanflow system ready",
		zap.String("disk_backend", cfg.Cache.DiskBackend),
		zap.Bool("warming", cfg.Warming.Enabled),
		zap.Bool("hot_reload", s.reload != nil))
	return s, nil
}

// startOpsServer 启动承载 /metrics 与 /healthz 的运维端点
func (s *System) startOpsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    "healthy",
			"timestamp": time.Now(),
		})
	})

	mcfg := s.cfg.Metrics
	mgr := server.NewManager(mux, server.Config{
		Addr:            mcfg.Addr,
		ReadTimeout:     mcfg.ReadTimeout,
		WriteTimeout:    mcfg.WriteTimeout,
		ShutdownTimeout: mcfg.ShutdownTimeout,
	}, s.logger)

	if err := mgr.Start(); err != nil {
		return fmt.Errorf("scanflow: start metrics server: %w", err)
	}
	s.opsSrv = mgr

	s.logger.Info("metrics server started", zap.String("addr", mgr.Addr()))
	return nil
}

// buildDiskTier 按配置构建 DISK 层后端
func (s *System) buildDiskTier(o *options) (cache.DiskTier, error) {
	cfg := s.cfg
	switch cfg.Cache.DiskBackend {
	case "", config.DiskBackendNone:
		return nil, nil

	case config.DiskBackendRedis:
		client := o.redisClient
		if client == nil {
			dialed, err := redisconn.Dial(redisconn.Config{
				Addr:         cfg.Redis.Addr,
				Password:     cfg.Redis.Password,
				DB:           cfg.Redis.DB,
				MaxRetries:   cfg.Redis.MaxRetries,
				PoolSize:     cfg.Redis.PoolSize,
				MinIdleConns: cfg.Redis.MinIdleConns,
				TLS:          cfg.Redis.TLS,
			}, s.logger)
			if err != nil {
				return nil, fmt.Errorf("scanflow: dial redis: %w", err)
			}
			client = dialed
			s.ownRedis = true
		}
		s.redisClient = client

		tier, err := cache.NewRedisTier(client, cfg.Redis.KeyPrefix, s.collector, s.logger)
		if err != nil {
			return nil, fmt.Errorf("scanflow: connect redis disk tier: %w", err)
		}
		// 所有权移交给 tier，Store.Close 会连带关闭 client
		s.redisClient = nil

		if cfg.Redis.HealthCheckInterval > 0 {
			s.watchdog = redisconn.NewWatchdog(client, cfg.Redis.HealthCheckInterval, s.logger)
			s.watchdog.Start()
		}
		return tier, nil

	case config.DiskBackendDatabase:
		if cfg.Database.AutoMigrate {
			if err := s.runMigrations(); err != nil {
				return nil, err
			}
		}

		pool, err := database.Open(cfg.Database.Driver, cfg.Database.DSN(), database.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, s.collector, s.logger)
		if err != nil {
			return nil, fmt.Errorf("scanflow: open database disk tier: %w", err)
		}
		s.pool = pool

		tier, err := cache.NewSQLTier(pool, s.collector, s.logger)
		if err != nil {
			return nil, fmt.Errorf("scanflow: create sql disk tier: %w", err)
		}
		// 所有权移交给 tier，Store.Close 会连带关闭连接池
		s.pool = nil
		return tier, nil

	default:
		return nil, fmt.Errorf("scanflow: unknown disk backend %q", cfg.Cache.DiskBackend)
	}
}

// runMigrations 为 DATABASE 后端执行 Schema 迁移
func (s *System) runMigrations() error {
	m, err := migration.NewMigratorFromDatabaseConfig(s.cfg.Database)
	if err != nil {
		return fmt.Errorf("scanflow: create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(context.Background()); err != nil {
		return fmt.Errorf("scanflow: run migrations: %w", err)
	}

	s.logger.Info("database migrations applied", zap.String("driver", s.cfg.Database.Driver))
	return nil
}

// applyReload 将配置文件变更套用到运行中的组件
func (s *System) applyReload(oldCfg, newCfg *config.Config) {
	limiter := s.sch.Limiter()

	if newCfg.Scheduler.RatePerSecond != oldCfg.Scheduler.RatePerSecond {
		if err := limiter.SetRate(newCfg.Scheduler.RatePerSecond); err != nil {
			s.logger.Warn("failed to apply new rate", zap.Error(err))
		}
	}
	if newCfg.Scheduler.Burst != oldCfg.Scheduler.Burst {
		if err := limiter.SetBurst(newCfg.Scheduler.Burst); err != nil {
			s.logger.Warn("failed to apply new burst", zap.Error(err))
		}
	}

	if newCfg.Cache.StandardTTL != oldCfg.Cache.StandardTTL ||
		newCfg.Cache.ExtendedTTL != oldCfg.Cache.ExtendedTTL {
		if err := s.store.SetTTLs(newCfg.Cache.StandardTTL, newCfg.Cache.ExtendedTTL); err != nil {
			s.logger.Warn("failed to apply new cache ttls", zap.Error(err))
		}
	}

	if s.ownLogger && newCfg.Log.Level != oldCfg.Log.Level {
		s.level.SetLevel(parseLogLevel(newCfg.Log.Level))
	}
}

// Cache returns the two-tier result cache.
func (s *System) Cache() *cache.Store {
	return s.store
}

// Scheduler returns the batch analysis scheduler.
func (s *System) Scheduler() *scheduler.Scheduler {
	return s.sch
}

// Warmer returns the cache warmer, or nil when warming is disabled.
func (s *System) Warmer() *cache.Warmer {
	return s.warmer
}

// Limiter returns the process-shared rate limiter.
func (s *System) Limiter() *ratelimit.Limiter {
	return s.sch.Limiter()
}

// Logger returns the system logger.
func (s *System) Logger() *zap.Logger {
	return s.logger
}

// MetricsAddr returns the bound address of the metrics endpoint, or the
// empty string when the metrics server is disabled.
func (s *System) MetricsAddr() string {
	if s.opsSrv == nil {
		return ""
	}
	return s.opsSrv.Addr()
}

// Config returns the current configuration. While a config file is being
// watched it returns a snapshot reflecting the latest applied values.
func (s *System) Config() *config.Config {
	if s.reload != nil {
		return s.reload.GetConfig()
	}
	return s.cfg
}

// NewSession creates a batch analysis session with the default analyzer.
func (s *System) NewSession(ctx context.Context, cfg scheduler.SessionConfig) (string, error) {
	if s.analyzer == nil {
		return "", ErrNoAnalyzer
	}
	return s.sch.CreateSession(ctx, cfg, s.analyzer)
}

// NewSessionItems creates a session with per-item priorities using the
// default analyzer.
func (s *System) NewSessionItems(ctx context.Context, cfg scheduler.SessionConfig, items []scheduler.Item) (string, error) {
	if s.analyzer == nil {
		return "", ErrNoAnalyzer
	}
	return s.sch.CreateSessionItems(ctx, cfg, items, s.analyzer)
}

// Close shuts all components down in reverse construction order.
// It is idempotent.
func (s *System) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.teardown()
}

func (s *System) teardown() error {
	var errs []error

	if s.opsSrv != nil {
		if err := s.opsSrv.Shutdown(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	if s.reload != nil {
		if err := s.reload.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.warmer != nil {
		s.warmer.Close()
	}
	if s.sch != nil {
		if err := s.sch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	// 巡检要先于 store 停止，store 关闭会连带关闭 redis 客户端
	if s.watchdog != nil {
		s.watchdog.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	// pool 与 redisClient 仅在磁盘层构建中途失败时残留，正常路径由 store 级联关闭
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.redisClient != nil && s.ownRedis {
		if err := s.redisClient.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.providers != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.providers.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	if s.ownLogger && s.logger != nil {
		_ = s.logger.Sync()
	}

	return errors.Join(errs...)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func parseLogLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// buildLogger 按日志配置构建 zap.Logger，返回的 AtomicLevel
// 供热重载在线调整级别。
func buildLogger(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel) {
	level := zap.NewAtomicLevelAt(parseLogLevel(cfg.Level))

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputPaths := cfg.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:            level,
		Development:      cfg.Format == "console",
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}

	var buildOpts []zap.Option
	if cfg.EnableCaller {
		buildOpts = append(buildOpts, zap.AddCaller())
	}
	if cfg.EnableStacktrace {
		buildOpts = append(buildOpts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	logger, err := zapConfig.Build(buildOpts...)
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}

	return logger, level
}
