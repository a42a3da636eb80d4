package reliability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultAttemptTTL bounds how long a failure count is remembered
const DefaultAttemptTTL = 24 * time.Hour

// AttemptTracker counts failed processing attempts per message key.
// Implementations must be safe for concurrent use.
type AttemptTracker interface {
	// Increment records one failure and returns the new count
	Increment(ctx context.Context, key string) (int, error)
	// Count returns the recorded failures for key
	Count(ctx context.Context, key string) (int, error)
	// Reset forgets key
	Reset(ctx context.Context, key string) error
	Close() error
}

type attemptEntry struct {
	count   int
	expires time.Time
}

// MemoryAttemptTracker keeps counts in process memory. Counts are lost on
// restart, which only makes the redelivery cap more lenient.
type MemoryAttemptTracker struct {
	mu      sync.Mutex
	entries map[string]attemptEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryAttemptTracker creates an in-memory tracker; ttl <= 0 uses DefaultAttemptTTL
func NewMemoryAttemptTracker(ttl time.Duration) *MemoryAttemptTracker {
	if ttl <= 0 {
		ttl = DefaultAttemptTTL
	}
	return &MemoryAttemptTracker{
		entries: make(map[string]attemptEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (m *MemoryAttemptTracker) Increment(ctx context.Context, key string) (int, error) {
	if key == "" {
		return 0, ErrEmptyAttemptKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.evictLocked(now)

	e := m.entries[key]
	e.count++
	e.expires = now.Add(m.ttl)
	m.entries[key] = e
	return e.count, nil
}

func (m *MemoryAttemptTracker) Count(ctx context.Context, key string) (int, error) {
	if key == "" {
		return 0, ErrEmptyAttemptKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || !m.now().Before(e.expires) {
		return 0, nil
	}
	return e.count, nil
}

func (m *MemoryAttemptTracker) Reset(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Len returns the number of live keys
func (m *MemoryAttemptTracker) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked(m.now())
	return len(m.entries)
}

func (m *MemoryAttemptTracker) Close() error {
	return nil
}

func (m *MemoryAttemptTracker) evictLocked(now time.Time) {
	for k, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, k)
		}
	}
}

// RedisAttemptTracker shares counts between replicas through Redis
type RedisAttemptTracker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	owned  bool
}

// NewRedisAttemptTracker wraps an existing client; ttl <= 0 uses DefaultAttemptTTL
func NewRedisAttemptTracker(client redis.UniversalClient, ttl time.Duration) *RedisAttemptTracker {
	if ttl <= 0 {
		ttl = DefaultAttemptTTL
	}
	return &RedisAttemptTracker{
		client: client,
		prefix: "fbrelay:attempts:",
		ttl:    ttl,
	}
}

// DialRedisAttemptTracker parses redisURL, connects and pings the server
func DialRedisAttemptTracker(ctx context.Context, redisURL string, ttl time.Duration) (*RedisAttemptTracker, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	t := NewRedisAttemptTracker(client, ttl)
	t.owned = true
	return t, nil
}

func (r *RedisAttemptTracker) Increment(ctx context.Context, key string) (int, error) {
	if key == "" {
		return 0, ErrEmptyAttemptKey
	}

	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, r.prefix+key)
		pipe.Expire(ctx, r.prefix+key, r.ttl)
		return nil
	})
	if err != nil {
		return 0, &TrackerError{Op: "increment", Key: key, Err: err}
	}
	return int(incr.Val()), nil
}

func (r *RedisAttemptTracker) Count(ctx context.Context, key string) (int, error) {
	if key == "" {
		return 0, ErrEmptyAttemptKey
	}

	n, err := r.client.Get(ctx, r.prefix+key).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, &TrackerError{Op: "count", Key: key, Err: err}
	}
	return n, nil
}

func (r *RedisAttemptTracker) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return &TrackerError{Op: "reset", Key: key, Err: err}
	}
	return nil
}

// Close closes the client when the tracker dialed it itself
func (r *RedisAttemptTracker) Close() error {
	if r.owned && r.client != nil {
		return r.client.Close()
	}
	return nil
}
