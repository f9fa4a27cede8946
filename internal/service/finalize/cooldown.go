package finalize

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// CooldownStore remembers deployments that must not be retried before a deadline.
type CooldownStore interface {
	// Start records a cooldown that began at now and ends at until. Both come
	// from the caller's clock.
	Start(ctx context.Context, deploymentID string, now, until time.Time) error
	Active(ctx context.Context, deploymentID string, now time.Time) (bool, error)
	Clear(ctx context.Context, deploymentID string) error
}

// MemoryCooldowns keeps cooldown windows in process.
type MemoryCooldowns struct {
	mu    sync.Mutex
	until map[string]time.Time
}

// NewMemoryCooldowns returns an empty in-process cooldown store.
func NewMemoryCooldowns() *MemoryCooldowns {
	return &MemoryCooldowns{until: make(map[string]time.Time)}
}

// Start records a cooldown ending at until.
func (m *MemoryCooldowns) Start(ctx context.Context, deploymentID string, now, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.until[deploymentID] = until
	return nil
}

// Active reports whether the cooldown for deploymentID is still running at now.
// Expired entries are dropped.
func (m *MemoryCooldowns) Active(ctx context.Context, deploymentID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.until[deploymentID]
	if !ok {
		return false, nil
	}
	if now.Before(until) {
		return true, nil
	}
	delete(m.until, deploymentID)
	return false, nil
}

// Clear removes any cooldown for deploymentID.
func (m *MemoryCooldowns) Clear(ctx context.Context, deploymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.until, deploymentID)
	return nil
}

// RedisCooldowns shares cooldown windows between finalizer instances.
type RedisCooldowns struct {
	client *redis.Client
	prefix string
}

// DialRedis connects to Redis and verifies the connection. The client backs
// both RedisCooldowns and RedisTxJournal.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// NewRedisCooldowns stores cooldowns under filify:cooldown:<deployment id>.
func NewRedisCooldowns(client *redis.Client) *RedisCooldowns {
	return &RedisCooldowns{client: client, prefix: "filify:cooldown:"}
}

// Start stores the deadline. The key expires after until-now, so the window
// follows the caller's clock rather than the Redis host's.
func (r *RedisCooldowns) Start(ctx context.Context, deploymentID string, now, until time.Time) error {
	ttl := until.Sub(now)
	if ttl <= 0 {
		return r.Clear(ctx, deploymentID)
	}
	return r.client.Set(ctx, r.prefix+deploymentID, until.UnixMilli(), ttl).Err()
}

// Active compares the stored deadline with now.
func (r *RedisCooldowns) Active(ctx context.Context, deploymentID string, now time.Time) (bool, error) {
	raw, err := r.client.Get(ctx, r.prefix+deploymentID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false, err
	}
	return now.Before(time.UnixMilli(millis)), nil
}

// Clear removes any cooldown for deploymentID.
func (r *RedisCooldowns) Clear(ctx context.Context, deploymentID string) error {
	return r.client.Del(ctx, r.prefix+deploymentID).Err()
}
