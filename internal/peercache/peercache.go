// Package peercache maps a bitcoind daemon's transient peer_num (assigned
// fresh on every reconnection) onto the stable Peer row identity
// (spec.md §4.3). Each listener-observed line carries only a peer_num;
// resolving it into a durable foreign key needs a round trip to the
// relational Store's upsert, so results are cached in-process and only
// refreshed synchronously on a cache miss or an explicit invalidation (the
// Pong listener's trigger). Grounded on models.py's Peer
// uniqueness-together fields and stylistically on
// internal/mempool/mempool.go's mutex-guarded map with a background GC
// loop.
package peercache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bitcoinwatch/bmon/internal/model"
)

// Resolver fetches the live peer list for a host from bitcoind (via
// getpeerinfo) and upserts each into the relational Store, returning the
// stable rows keyed by peer_num. Implemented by internal/rpcpoller plus
// internal/store's upsert path.
type Resolver interface {
	ResolvePeers(ctx context.Context, host string) (map[int64]model.Peer, error)
}

type cacheKey struct {
	host    string
	peerNum int64
}

// entry tracks a cached Peer and when it was last refreshed, so a
// Prune can expire entries bitcoind has long since forgotten.
type entry struct {
	peer       model.Peer
	lastSeenAt time.Time
}

// Cache maps (host, peer_num) onto model.Peer, synchronously re-resolving
// the whole host's peer list on any miss.
type Cache struct {
	mu       sync.RWMutex
	entries  map[cacheKey]entry
	resolver Resolver
	logger   *zap.Logger

	// resolving de-duplicates concurrent misses for the same host so a
	// burst of lookups during a reconnect storm triggers one RPC round
	// trip, not N.
	resolvingMu sync.Mutex
	resolving   map[string]chan struct{}
}

// New builds a Cache backed by resolver.
func New(resolver Resolver, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		entries:   make(map[cacheKey]entry),
		resolver:  resolver,
		logger:    logger,
		resolving: make(map[string]chan struct{}),
	}
}

// Get returns the stable Peer for (host, peerNum), resolving the whole
// host's peer list synchronously on a cache miss.
func (c *Cache) Get(ctx context.Context, host string, peerNum int64) (model.Peer, error) {
	if p, ok := c.lookup(host, peerNum); ok {
		return p, nil
	}

	if err := c.resync(ctx, host); err != nil {
		return model.Peer{}, fmt.Errorf("peercache: resync %s: %w", host, err)
	}

	if p, ok := c.lookup(host, peerNum); ok {
		return p, nil
	}

	return model.Peer{}, fmt.Errorf("peercache: peer_num %d not found on host %s after resync", peerNum, host)
}

// Invalidate re-resolves host's whole peer list right away, refreshing its
// cached entries regardless of what's cached. The PongListener's peer-number callback calls this: a
// pong is cheap evidence the peer set may have changed.
func (c *Cache) Invalidate(ctx context.Context, host string) error {
	return c.resync(ctx, host)
}

func (c *Cache) lookup(host string, peerNum int64) (model.Peer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[cacheKey{host: host, peerNum: peerNum}]
	return e.peer, ok
}

// resync refreshes the full peer set for host, coalescing concurrent
// callers into a single resolver round trip.
func (c *Cache) resync(ctx context.Context, host string) error {
	c.resolvingMu.Lock()
	if wait, inFlight := c.resolving[host]; inFlight {
		c.resolvingMu.Unlock()
		select {
		case <-wait:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	c.resolving[host] = done
	c.resolvingMu.Unlock()

	defer func() {
		c.resolvingMu.Lock()
		delete(c.resolving, host)
		c.resolvingMu.Unlock()
		close(done)
	}()

	peers, err := c.resolver.ResolvePeers(ctx, host)
	if err != nil {
		return err
	}

	now := time.Now()
	c.mu.Lock()
	for num, peer := range peers {
		c.entries[cacheKey{host: host, peerNum: num}] = entry{peer: peer, lastSeenAt: now}
	}
	c.mu.Unlock()

	c.logger.Debug("peer cache resynced", zap.String("host", host), zap.Int("peer_count", len(peers)))
	return nil
}

// Prune drops cached entries for host that weren't refreshed by the most
// recent resync, so peers that disconnected stop being returned from
// cache. Call this after resync, e.g. on a periodic sweep.
func (c *Cache) Prune(host string, olderThan time.Duration) {
	cutoff := time.Now().Add(-olderThan)

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if key.host == host && e.lastSeenAt.Before(cutoff) {
			delete(c.entries, key)
		}
	}
}
