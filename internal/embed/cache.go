package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/redis/go-redis/v9"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

const (
	// DefaultCacheSize is the entry limit when none is configured.
	DefaultCacheSize = 10000

	// DefaultCacheTTL is the entry lifetime when none is configured.
	DefaultCacheTTL = 24 * time.Hour

	// redisKeyPrefix namespaces cache entries in a shared Redis.
	redisKeyPrefix = "mmind:embed:"
)

// CacheConfig controls the embedding cache.
type CacheConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	MaxSize        int           `yaml:"max_size" json:"max_size"`
	TTL            time.Duration `yaml:"ttl" json:"ttl"`
	Persistent     bool          `yaml:"persistent" json:"persistent"`
	PersistentPath string        `yaml:"persistent_path" json:"persistent_path,omitempty"`
	RedisURL       string        `yaml:"redis_url" json:"redis_url,omitempty"`
}

// DefaultCacheConfig returns the cache defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled: true,
		MaxSize: DefaultCacheSize,
		TTL:     DefaultCacheTTL,
	}
}

// CacheKey derives the cache key for a model and text pair. The model
// identifier is part of the key so the same text embedded under two
// models never collides.
func CacheKey(modelID, text string) string {
	h := sha256.New()
	h.Write([]byte(modelID))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// cacheEntry is one cached vector with its insertion time.
type cacheEntry struct {
	Vector  []float32 `json:"vector"`
	AddedAt time.Time `json:"added_at"`
}

// CacheStats reports cache effectiveness counters.
type CacheStats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
	MaxSize   int   `json:"max_size"`
}

// Cache is the embedding cache. The local LRU tier is authoritative;
// when a Redis URL is configured it acts as a shared second tier that
// is consulted on local misses and written through on stores.
type Cache struct {
	mu        sync.Mutex
	lru       *simplelru.LRU[string, cacheEntry]
	config    CacheConfig
	hits      int64
	misses    int64
	evictions int64

	redis *redis.Client
}

// NewCache builds a cache from the config. A nil return with nil error
// means caching is disabled.
func NewCache(config CacheConfig) (*Cache, error) {
	if !config.Enabled {
		return nil, nil
	}
	if config.MaxSize <= 0 {
		config.MaxSize = DefaultCacheSize
	}
	if config.TTL <= 0 {
		config.TTL = DefaultCacheTTL
	}

	c := &Cache{config: config}
	lru, err := simplelru.NewLRU[string, cacheEntry](config.MaxSize, c.onEvict)
	if err != nil {
		return nil, mmerrors.Wrap(mmerrors.KindConfigInvalid, err)
	}
	c.lru = lru

	if config.RedisURL != "" {
		opts, err := redis.ParseURL(config.RedisURL)
		if err != nil {
			return nil, mmerrors.Newf(mmerrors.KindConfigInvalid,
				"invalid cache redis_url: %v", err)
		}
		c.redis = redis.NewClient(opts)
	}

	if config.Persistent && config.PersistentPath != "" {
		if err := c.loadFile(config.PersistentPath); err != nil {
			if !mmerrors.IsKind(err, mmerrors.KindNotFound) {
				slog.Warn("embedding_cache_load_failed",
					slog.String("path", config.PersistentPath),
					slog.String("error", err.Error()))
			}
		}
	}
	return c, nil
}

// onEvict runs inside the lru under c.mu.
func (c *Cache) onEvict(string, cacheEntry) {
	c.evictions++
}

// Get returns the cached vector for a model and text pair. Expired
// entries are dropped and count as misses.
func (c *Cache) Get(ctx context.Context, modelID, text string) ([]float32, bool) {
	if c == nil {
		return nil, false
	}
	key := CacheKey(modelID, text)

	c.mu.Lock()
	entry, ok := c.lru.Get(key)
	if ok && c.expired(entry) {
		c.lru.Remove(key)
		ok = false
	}
	if ok {
		c.hits++
		c.mu.Unlock()
		return entry.Vector, true
	}
	c.misses++
	c.mu.Unlock()

	if vec, found := c.redisGet(ctx, key); found {
		c.mu.Lock()
		c.lru.Add(key, cacheEntry{Vector: vec, AddedAt: time.Now()})
		c.hits++
		c.misses--
		c.mu.Unlock()
		return vec, true
	}
	return nil, false
}

// Put stores a vector for a model and text pair.
func (c *Cache) Put(ctx context.Context, modelID, text string, vector []float32) {
	if c == nil {
		return
	}
	key := CacheKey(modelID, text)

	c.mu.Lock()
	c.lru.Add(key, cacheEntry{Vector: vector, AddedAt: time.Now()})
	c.mu.Unlock()

	c.redisPut(ctx, key, vector)
}

// expired reports whether an entry is past its TTL.
func (c *Cache) expired(entry cacheEntry) bool {
	return time.Since(entry.AddedAt) > c.config.TTL
}

// redisGet consults the shared tier. Failures degrade to a miss.
func (c *Cache) redisGet(ctx context.Context, key string) ([]float32, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Debug("embedding_cache_redis_get_failed",
				slog.String("error", err.Error()))
		}
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		return nil, false
	}
	return vec, true
}

// redisPut writes through to the shared tier. Failures are logged and
// otherwise ignored; the local tier stays authoritative.
func (c *Cache) redisPut(ctx context.Context, key string, vector []float32) {
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(vector)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, redisKeyPrefix+key, data, c.config.TTL).Err(); err != nil {
		slog.Debug("embedding_cache_redis_set_failed",
			slog.String("error", err.Error()))
	}
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	if c == nil {
		return CacheStats{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      c.lru.Len(),
		MaxSize:   c.config.MaxSize,
	}
}

// Clear drops every entry. The counters are kept.
func (c *Cache) Clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	evictions := c.evictions
	c.lru.Purge()
	c.evictions = evictions
}

// cacheSnapshot is the persisted cache file shape.
type cacheSnapshot struct {
	SavedAt time.Time             `json:"saved_at"`
	Entries map[string]cacheEntry `json:"entries"`
}

// Save writes the cache to its configured path atomically.
func (c *Cache) Save() error {
	if c == nil || !c.config.Persistent || c.config.PersistentPath == "" {
		return nil
	}

	c.mu.Lock()
	snapshot := cacheSnapshot{
		SavedAt: time.Now(),
		Entries: make(map[string]cacheEntry, c.lru.Len()),
	}
	for _, key := range c.lru.Keys() {
		if entry, ok := c.lru.Peek(key); ok {
			snapshot.Entries[key] = entry
		}
	}
	c.mu.Unlock()

	path := c.config.PersistentPath
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal cache: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize cache file: %w", err)
	}
	return nil
}

// loadFile restores entries from a snapshot, dropping expired ones.
// Entries are added oldest first so the LRU keeps the most recent when
// the snapshot exceeds the configured size.
func (c *Cache) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return mmerrors.Newf(mmerrors.KindNotFound, "cache file not found: %s", path)
		}
		return fmt.Errorf("failed to read cache file: %w", err)
	}

	var snapshot cacheSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return mmerrors.Wrap(mmerrors.KindIndexCorrupt, err)
	}

	type keyed struct {
		key   string
		entry cacheEntry
	}
	entries := make([]keyed, 0, len(snapshot.Entries))
	for key, entry := range snapshot.Entries {
		if c.expired(entry) {
			continue
		}
		entries = append(entries, keyed{key, entry})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].entry.AddedAt.Before(entries[j].entry.AddedAt)
	})

	c.mu.Lock()
	for _, e := range entries {
		c.lru.Add(e.key, e.entry)
	}
	loaded := c.lru.Len()
	c.evictions = 0
	c.mu.Unlock()

	slog.Debug("embedding_cache_loaded",
		slog.String("path", path),
		slog.Int("entries", loaded))
	return nil
}

// Close persists the cache when configured and releases the Redis
// connection.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	err := c.Save()
	if c.redis != nil {
		if cerr := c.redis.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
