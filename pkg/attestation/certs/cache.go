package certs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores raw certificate bytes keyed by an opaque cache key built
// from the product name and, for VCEKs, the chip ID and TCB query string.
// Implementations need not validate the bytes; callers re-parse and
// discard on corruption.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
}

type memoryCacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is an in-process TTL cache, the default Cache implementation
// for a single KDS client instance.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryCacheEntry
	ttl     time.Duration
}

// NewMemoryCache builds a MemoryCache whose entries expire after ttl.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryCacheEntry), ttl: ttl}
}

func (m *MemoryCache) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

func (m *MemoryCache) Set(key string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryCacheEntry{value: value, expiresAt: time.Now().Add(m.ttl)}
}

// DiskCache persists certificates content-addressed under dir, so
// repeated process restarts on the same host never re-fetch a VCEK whose
// chip_id/TCB combination has already been seen. Keys are hashed so they
// are always valid filenames regardless of the characters a TCB query
// string might contain.
type DiskCache struct {
	dir string
}

// NewDiskCache builds a DiskCache rooted at dir, creating it if absent.
func NewDiskCache(dir string) (*DiskCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &DiskCache{dir: dir}, nil
}

func (d *DiskCache) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(d.dir, hex.EncodeToString(sum[:])+".der")
}

func (d *DiskCache) Get(key string) ([]byte, bool) {
	b, err := os.ReadFile(d.path(key))
	if err != nil {
		return nil, false
	}
	return b, true
}

func (d *DiskCache) Set(key string, value []byte) {
	_ = os.WriteFile(d.path(key), value, 0o644)
}

// RedisCache shares a certificate cache across every host in a fleet, so
// a newly provisioned host can skip the initial KDS round trip for
// certificates its siblings already fetched.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisCache builds a RedisCache using client, namespacing keys under
// prefix to share the keyspace safely with other callers.
func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, prefix: prefix}
}

func (r *RedisCache) Get(key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	return b, true
}

func (r *RedisCache) Set(key string, value []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = r.client.Set(ctx, r.prefix+key, value, r.ttl).Err()
}
