// Package idempotency deduplicates side-effecting operations. Every
// create/evolve request is reduced to a deterministic key; the guard
// guarantees that concurrent duplicates of a key execute at most once and
// that retries within the result TTL replay the recorded outcome instead of
// re-running generation.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/easelhq/easel/pkg/canvas"
)

// Defaults for the guard's time windows. The bucket folds rapid retries of
// the same logical request onto one key; the lease bounds how long a crashed
// holder can block duplicates; the TTL bounds how long results replay.
const (
	DefaultBucket    = 5 * time.Minute
	DefaultLease     = 60 * time.Second
	DefaultResultTTL = 10 * time.Minute
)

// Guard coordinates execute-at-most-once semantics over the store's
// idempotency primitives, with a small in-process replay cache in front of
// Redis. The cache is an optimization only: durability and cross-process
// mutual exclusion always come from Redis.
type Guard struct {
	store     *canvas.Store
	bucket    time.Duration
	lease     time.Duration
	resultTTL time.Duration
	now       func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	payload   []byte
	expiresAt time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithBucket overrides the retry-folding time bucket.
func WithBucket(d time.Duration) Option {
	return func(g *Guard) { g.bucket = d }
}

// WithLease overrides the pending-marker lease.
func WithLease(d time.Duration) Option {
	return func(g *Guard) { g.lease = d }
}

// WithResultTTL overrides how long recorded results replay.
func WithResultTTL(d time.Duration) Option {
	return func(g *Guard) { g.resultTTL = d }
}

// withNow injects a clock for tests.
func withNow(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// NewGuard creates a Guard over the given store.
func NewGuard(store *canvas.Store, opts ...Option) *Guard {
	g := &Guard{
		store:     store,
		bucket:    DefaultBucket,
		lease:     DefaultLease,
		resultTTL: DefaultResultTTL,
		now:       time.Now,
		cache:     make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Key derives the idempotency key for an operation. Identical
// (resource, operation, actor, content) tuples within the same time bucket
// always produce the same key, so rapid duplicate submissions collapse.
func (g *Guard) Key(resource, operation, actor, content string) string {
	bucket := g.now().UnixMilli() / g.bucket.Milliseconds()
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%d", resource, operation, actor, content, bucket)))
	return hex.EncodeToString(sum[:])
}

// ContentHash reduces request content fields to a stable digest for Key.
func ContentHash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Start attempts to claim the key for execution. Returns true when the
// caller won the claim and must eventually call Record or Cancel. Returns
// false when a result is already recorded (replay it via Check) or another
// caller currently holds the key.
func (g *Guard) Start(ctx context.Context, key string) (bool, error) {
	return g.store.BeginPending(ctx, key, g.lease)
}

// Record stores the operation's result for replay and releases the claim.
func (g *Guard) Record(ctx context.Context, key string, payload []byte) error {
	if err := g.store.RecordResult(ctx, key, payload, g.resultTTL); err != nil {
		return err
	}

	g.mu.Lock()
	g.cache[key] = cacheEntry{payload: payload, expiresAt: g.now().Add(g.resultTTL)}
	g.mu.Unlock()
	return nil
}

// Cancel releases the claim without recording a result, so the next attempt
// executes again. Called on operation failure.
func (g *Guard) Cancel(ctx context.Context, key string) error {
	return g.store.ClearPending(ctx, key)
}

// Check returns the recorded result for a key. The in-process cache is
// consulted first; misses fall through to Redis. Returns a
// canvas.ErrNotFound-wrapped error when no unexpired result exists, which
// for a refused Start means the original execution is still in flight.
func (g *Guard) Check(ctx context.Context, key string) ([]byte, error) {
	g.mu.RLock()
	entry, ok := g.cache[key]
	g.mu.RUnlock()
	if ok && g.now().Before(entry.expiresAt) {
		return entry.payload, nil
	}

	payload, err := g.store.LookupResult(ctx, key)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.cache[key] = cacheEntry{payload: payload, expiresAt: g.now().Add(g.resultTTL)}
	g.mu.Unlock()
	return payload, nil
}

// RunSweeper evicts expired entries from the in-process cache at the given
// interval until the context is cancelled. The durable Redis keys expire on
// their own TTLs; this only bounds local memory.
func (g *Guard) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweep()
		}
	}
}

func (g *Guard) sweep() {
	now := g.now()
	g.mu.Lock()
	for key, entry := range g.cache {
		if !now.Before(entry.expiresAt) {
			delete(g.cache, key)
		}
	}
	g.mu.Unlock()
}
