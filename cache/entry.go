package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCacheMiss indicates the key is absent from every tier.
	ErrCacheMiss = errors.New("cache miss")
	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("cache store closed")
	// ErrInvalidKey indicates an empty or unusable item key.
	ErrInvalidKey = errors.New("invalid cache key")
	// ErrInvalidTTL indicates a rejected TTL adjustment.
	ErrInvalidTTL = errors.New("invalid cache ttl")
)

// Tier identifies the cache level an entry currently lives in.
type Tier string

const (
	TierMemory Tier = "memory"
	TierDisk   Tier = "disk"
)

// Entry is one cached analysis result. The value is an opaque payload; the
// store never interprets it.
type Entry struct {
	Key         string          `json:"key" gorm:"primaryKey;size:128"`
	Value       json.RawMessage `json:"value"`
	Tier        Tier            `json:"tier" gorm:"-"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at" gorm:"index"`
	AccessCount int64           `json:"access_count"`
	LastAccess  time.Time       `json:"last_access"`
	Popular     bool            `json:"popular"`
}

// Expired reports whether the entry is past its deadline at the given instant.
func (e *Entry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// clone returns an independent copy. The value bytes are shared; callers
// treat payloads as read-only.
func (e *Entry) clone() *Entry {
	cp := *e
	return &cp
}

// IOError classifies a disk-tier read/write failure. The store treats it as
// a forced miss or no-op: the cache is a performance layer, never a
// correctness dependency.
type IOError struct {
	Op  string
	Key string
	Err error
}

func (e *IOError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("cache disk %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cache disk %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// IsCacheMiss reports whether err means "not cached".
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}

// IsIOError reports whether err is a disk-tier I/O failure.
func IsIOError(err error) bool {
	var ioErr *IOError
	return errors.As(err, &ioErr)
}
