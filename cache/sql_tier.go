package cache

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/scanflow/internal/database"
	"github.com/BaSui01/scanflow/internal/metrics"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TableName maps entries onto the cache_entries table managed by the
// schema migrations.
func (Entry) TableName() string { return "cache_entries" }

// SQLTier is the durable tier backed by a relational database. It keeps
// one row per key and leans on the expires_at index for the sweep. The
// sqlite driver is pure Go, so the default deployment needs no external
// service.
type SQLTier struct {
	pool      *database.PoolManager
	collector *metrics.Collector
	logger    *zap.Logger

	// trim batch size for the over-budget pass
	trimBatch int
}

var _ DiskTier = (*SQLTier)(nil)

// NewSQLTier creates a SQL-backed disk tier. The tier takes ownership of
// the pool; Close closes it.
func NewSQLTier(pool *database.PoolManager, collector *metrics.Collector, logger *zap.Logger) (*SQLTier, error) {
	if pool == nil {
		return nil, errors.New("pool cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLTier{
		pool:      pool,
		collector: collector,
		logger:    logger.With(zap.String("component", "cache_sql_tier")),
		trimBatch: 500,
	}, nil
}

// Get loads the entry for key.
func (t *SQLTier) Get(ctx context.Context, key string) (*Entry, error) {
	start := time.Now()
	defer func() { t.collector.RecordDBQuery("cache", "get", time.Since(start)) }()

	var entry Entry
	err := t.pool.DB().WithContext(ctx).First(&entry, "key = ?", key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCacheMiss
		}
		return nil, &IOError{Op: "get", Key: key, Err: err}
	}

	entry.Tier = TierDisk
	return &entry, nil
}

// Put upserts the entry.
func (t *SQLTier) Put(ctx context.Context, entry *Entry) error {
	start := time.Now()
	defer func() { t.collector.RecordDBQuery("cache", "put", time.Since(start)) }()

	err := t.pool.DB().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			UpdateAll: true,
		}).
		Create(entry).Error
	if err != nil {
		return &IOError{Op: "put", Key: entry.Key, Err: err}
	}
	return nil
}

// Delete removes the entry for key. Absent keys are not an error.
func (t *SQLTier) Delete(ctx context.Context, key string) error {
	start := time.Now()
	defer func() { t.collector.RecordDBQuery("cache", "delete", time.Since(start)) }()

	if err := t.pool.DB().WithContext(ctx).Delete(&Entry{}, "key = ?", key).Error; err != nil {
		return &IOError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// Purge removes every row.
func (t *SQLTier) Purge(ctx context.Context) error {
	start := time.Now()
	defer func() { t.collector.RecordDBQuery("cache", "purge", time.Since(start)) }()

	err := t.pool.DB().WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&Entry{}).Error
	if err != nil {
		return &IOError{Op: "purge", Err: err}
	}
	return nil
}

// Sweep deletes expired rows, then trims soonest-to-expire rows while the
// table is over maxEntries. Runs in a retrying transaction because batch
// deletes can deadlock under mysql/postgres.
func (t *SQLTier) Sweep(ctx context.Context, now time.Time, maxEntries int64) (int64, error) {
	start := time.Now()
	defer func() { t.collector.RecordDBQuery("cache", "sweep", time.Since(start)) }()

	var removed int64
	err := t.pool.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		res := tx.Where("expires_at <= ?", now).Delete(&Entry{})
		if res.Error != nil {
			return res.Error
		}
		removed += res.RowsAffected

		if maxEntries <= 0 {
			return nil
		}

		var count int64
		if err := tx.Model(&Entry{}).Count(&count).Error; err != nil {
			return err
		}

		// over budget: drop soonest-to-expire rows in batches
		for count > maxEntries {
			batch := count - maxEntries
			if batch > int64(t.trimBatch) {
				batch = int64(t.trimBatch)
			}

			var keys []string
			if err := tx.Model(&Entry{}).
				Order("expires_at ASC").
				Limit(int(batch)).
				Pluck("key", &keys).Error; err != nil {
				return err
			}
			if len(keys) == 0 {
				return nil
			}

			res := tx.Where("key IN ?", keys).Delete(&Entry{})
			if res.Error != nil {
				return res.Error
			}
			removed += res.RowsAffected
			count -= res.RowsAffected
		}
		return nil
	})
	if err != nil {
		return removed, &IOError{Op: "sweep", Err: err}
	}
	return removed, nil
}

// Len reports the number of rows.
func (t *SQLTier) Len(ctx context.Context) (int64, error) {
	var count int64
	if err := t.pool.DB().WithContext(ctx).Model(&Entry{}).Count(&count).Error; err != nil {
		return 0, &IOError{Op: "len", Err: err}
	}
	return count, nil
}

// Close closes the underlying connection pool.
func (t *SQLTier) Close() error {
	return t.pool.Close()
}
