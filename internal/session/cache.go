package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/park285/cheese-sync/pkg/chessdto"
)

// Entry is a cached session copy. The cache is never authoritative.
type Entry struct {
	Session chessdto.Session `json:"session"`
	Version uint64           `json:"version"`
	SavedAt time.Time        `json:"saved_at"`
}

// rank orders entries by progress: move count, then finished.
func (e *Entry) rank() int {
	r := len(e.Session.Moves) * 2
	if e.Session.Status == chessdto.StatusFinished {
		r++
	}
	return r
}

// Cache persists the last known session copy for a fast stale first paint.
// Load returns (nil, nil) when nothing is cached.
type Cache interface {
	Load(ctx context.Context, sessionID string) (*Entry, error)
	Save(ctx context.Context, e *Entry) error
	Delete(ctx context.Context, sessionID string) error
}

type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryCache() *MemoryCache { return &MemoryCache{entries: make(map[string]Entry)} }

func (c *MemoryCache) Load(_ context.Context, sessionID string) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[strings.TrimSpace(sessionID)]
	if !ok {
		return nil, nil
	}
	e.Session = *e.Session.Clone()
	return &e, nil
}

func (c *MemoryCache) Save(_ context.Context, e *Entry) error {
	if e == nil || strings.TrimSpace(e.Session.ID) == "" {
		return errInvalidEntry
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	id := strings.TrimSpace(e.Session.ID)
	if prev, ok := c.entries[id]; ok && prev.rank() > e.rank() {
		return nil
	}
	cp := *e
	cp.Session = *e.Session.Clone()
	c.entries[id] = cp
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, sessionID string) error {
	c.mu.Lock()
	delete(c.entries, strings.TrimSpace(sessionID))
	c.mu.Unlock()
	return nil
}

var errInvalidEntry = errors.New("session cache: entry without session id")

const defaultCacheTTL = 24 * time.Hour

// RedisCache stores entries as JSON under sync:session:<id> with a TTL.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &RedisCache{rdb: rdb, ttl: ttl}
}

// OpenRedisCache dials redisURL and verifies the connection.
func OpenRedisCache(ctx context.Context, redisURL string, ttl time.Duration) (*RedisCache, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("redis url required for session cache")
	}
	opts, err := ParseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisCache(rdb, ttl), nil
}

func (c *RedisCache) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

func sessionKey(id string) string { return "sync:session:" + strings.TrimSpace(id) }

func (c *RedisCache) Load(ctx context.Context, sessionID string) (*Entry, error) {
	raw, err := c.rdb.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode cached session: %w", err)
	}
	return &e, nil
}

// Save writes e unless the cached entry is strictly further along.
func (c *RedisCache) Save(ctx context.Context, e *Entry) error {
	if e == nil || strings.TrimSpace(e.Session.ID) == "" {
		return errInvalidEntry
	}
	key := sessionKey(e.Session.ID)
	newRaw, err := json.Marshal(e)
	if err != nil {
		return err
	}

	err = c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var cur Entry
			if jerr := json.Unmarshal(raw, &cur); jerr == nil && cur.rank() > e.rank() {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newRaw, c.ttl)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// 동시 저장 경합: 다른 쪽이 먼저 기록함
		return nil
	}
	return err
}

func (c *RedisCache) Delete(ctx context.Context, sessionID string) error {
	return c.rdb.Del(ctx, sessionKey(sessionID)).Err()
}

// ParseRedisURL converts redis://[:password@]host:port[/db] into client options.
func ParseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
