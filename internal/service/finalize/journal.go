package finalize

import (
	"context"
	"errors"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// TxJournal remembers broadcast transactions until the record store has
// accepted them, so a confirm retry never signs a second time.
type TxJournal interface {
	Remember(ctx context.Context, deploymentID, txRef string) error
	Lookup(ctx context.Context, deploymentID string) (string, error)
	Forget(ctx context.Context, deploymentID string) error
}

// MemoryTxJournal keeps transaction refs in process. They are lost on restart.
type MemoryTxJournal struct {
	mu  sync.Mutex
	txs map[string]string
}

func NewMemoryTxJournal() *MemoryTxJournal {
	return &MemoryTxJournal{txs: make(map[string]string)}
}

func (m *MemoryTxJournal) Remember(ctx context.Context, deploymentID, txRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs[deploymentID] = txRef
	return nil
}

func (m *MemoryTxJournal) Lookup(ctx context.Context, deploymentID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txs[deploymentID], nil
}

func (m *MemoryTxJournal) Forget(ctx context.Context, deploymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.txs, deploymentID)
	return nil
}

// redisTxRetention bounds how long an unconfirmed transaction is remembered.
// The record store's confirmation TTL fails deployments well before this.
const redisTxRetention = 7 * 24 * time.Hour

// RedisTxJournal survives finalizer restarts and is shared between instances.
type RedisTxJournal struct {
	client *redis.Client
	prefix string
}

func NewRedisTxJournal(client *redis.Client) *RedisTxJournal {
	return &RedisTxJournal{client: client, prefix: "filify:pendingtx:"}
}

func (r *RedisTxJournal) Remember(ctx context.Context, deploymentID, txRef string) error {
	return r.client.Set(ctx, r.prefix+deploymentID, txRef, redisTxRetention).Err()
}

func (r *RedisTxJournal) Lookup(ctx context.Context, deploymentID string) (string, error) {
	txRef, err := r.client.Get(ctx, r.prefix+deploymentID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return txRef, err
}

func (r *RedisTxJournal) Forget(ctx context.Context, deploymentID string) error {
	return r.client.Del(ctx, r.prefix+deploymentID).Err()
}
