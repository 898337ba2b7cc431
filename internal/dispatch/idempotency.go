package dispatch

import (
	"context"
	"sync"
	"time"

	"wabridge/internal/storage"
)

// idemCache is the gateway's view of idempotency records. Backed by the
// durable store when configured, else by the process-local fallback below.
type idemCache interface {
	Get(ctx context.Context, key string) (storage.IdempotencyRecord, bool, error)
	Put(ctx context.Context, key string, rec storage.IdempotencyRecord) error
}

type storeIdem struct{ st storage.Store }

func (s storeIdem) Get(ctx context.Context, key string) (storage.IdempotencyRecord, bool, error) {
	return s.st.GetIdempotency(ctx, key)
}

func (s storeIdem) Put(ctx context.Context, key string, rec storage.IdempotencyRecord) error {
	return s.st.PutIdempotency(ctx, key, rec)
}

// memIdem dies with the process. Expired entries are pruned lazily on
// access, every pruneEvery writes.
type memIdem struct {
	mu     sync.Mutex
	m      map[string]storage.IdempotencyRecord
	writes int
}

const memIdemPruneEvery = 128

func newMemIdem() *memIdem {
	return &memIdem{m: map[string]storage.IdempotencyRecord{}}
}

func (c *memIdem) Get(_ context.Context, key string) (storage.IdempotencyRecord, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.m[key]
	if !ok {
		return storage.IdempotencyRecord{}, false, nil
	}
	if !rec.ExpiresAt.IsZero() && time.Now().After(rec.ExpiresAt) {
		delete(c.m, key)
		return storage.IdempotencyRecord{}, false, nil
	}
	return rec, true, nil
}

func (c *memIdem) Put(_ context.Context, key string, rec storage.IdempotencyRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = rec
	c.writes++
	if c.writes%memIdemPruneEvery == 0 {
		now := time.Now()
		for k, r := range c.m {
			if !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt) {
				delete(c.m, k)
			}
		}
	}
	return nil
}
