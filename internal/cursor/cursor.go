// Package cursor manages the durable (loghash, timestamp) position each
// edge keeps into its bitcoind's debug.log, so a restart resumes tailing
// roughly where it left off instead of reprocessing the whole file.
// Grounded on original_source/bmon/logparse.py's LogfilePosManager: the
// live value is cached in the edge-local fast store (to absorb the write
// rate of high-volume events like MempoolAccept) and periodically flushed
// into the relational Store.
package cursor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bitcoinwatch/bmon/internal/fingerprint"
	"github.com/bitcoinwatch/bmon/internal/model"
)

// separator joins the two halves of the cached cursor value, matching
// LogfilePosManager.REDIS_SEPARATOR.
const separator = "|"

// Store is the subset of the relational Store adapter CursorManager needs.
// Satisfied by internal/store.PostgresStore.
type Store interface {
	UpsertLogProgress(ctx context.Context, lp model.LogProgress) error
	GetLogProgress(ctx context.Context, host string) (model.LogProgress, bool, error)
}

// Manager caches a host's logfile cursor in Redis and periodically durably
// flushes it to Store.
type Manager struct {
	Host string

	redis *redis.Client
	key   string
	store Store

	logger *zap.Logger
}

// New builds a Manager for host, backed by rdb and flushing into store.
func New(host string, rdb *redis.Client, store Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		Host:   host,
		redis:  rdb,
		key:    "logpos." + host,
		store:  store,
		logger: logger,
	}
}

// Mark records the current position as fp, observed at 'at'. This is
// called once the hub has accepted (or validation-rejected) the event
// derived from a line (or, for high-volume kinds like MempoolAccept, at
// enqueue time per spec.md's Open Question resolution), so it only
// touches the fast store — never the relational Store directly.
func (m *Manager) Mark(ctx context.Context, fp fingerprint.Fingerprint, at time.Time) error {
	return m.redis.Set(ctx, m.key, formatCursorValue(fp, at), 0).Err()
}

// Get returns the most recently marked cursor, or ok=false if none has
// ever been recorded for this host.
func (m *Manager) Get(ctx context.Context) (fp fingerprint.Fingerprint, at time.Time, ok bool, err error) {
	raw, err := m.redis.Get(ctx, m.key).Result()
	if err == redis.Nil {
		return fp, at, false, nil
	}
	if err != nil {
		return fp, at, false, err
	}

	fp, at, err = parseCursorValue(raw)
	if err != nil {
		return fp, at, false, err
	}
	return fp, at, true, nil
}

// formatCursorValue and parseCursorValue implement the wire format cached
// in Redis, split out so it is testable without a live Redis connection.
func formatCursorValue(fp fingerprint.Fingerprint, at time.Time) string {
	return fp.String() + separator + at.UTC().Format(time.RFC3339Nano)
}

func parseCursorValue(raw string) (fingerprint.Fingerprint, time.Time, error) {
	var fp fingerprint.Fingerprint

	parts := strings.SplitN(raw, separator, 2)
	if len(parts) != 2 {
		return fp, time.Time{}, fmt.Errorf("cursor: malformed cached value %q", raw)
	}

	fp, err := fingerprint.Parse(parts[0])
	if err != nil {
		return fp, time.Time{}, err
	}
	at, err := time.Parse(time.RFC3339Nano, parts[1])
	if err != nil {
		return fp, time.Time{}, err
	}
	return fp, at, nil
}

// Bootstrap seeds the fast-store cache from the durable Store on edge
// boot, per spec.md §4.3: the cursor is read from the Store, not the fast
// store, so a wiped Redis instance is recoverable without reprocessing
// the whole logfile. A no-op if the Store has no recorded progress yet.
func (m *Manager) Bootstrap(ctx context.Context) error {
	lp, ok, err := m.store.GetLogProgress(ctx, m.Host)
	if err != nil {
		return fmt.Errorf("cursor: bootstrap from store: %w", err)
	}
	if !ok {
		return nil
	}

	fp, err := fingerprint.Parse(lp.LogHash)
	if err != nil {
		return fmt.Errorf("cursor: bootstrap: malformed stored loghash: %w", err)
	}

	m.logger.Info("bootstrapped logfile cursor from store",
		zap.String("host", m.Host), zap.String("loghash", fp.String()), zap.Time("at", lp.Timestamp))
	return m.Mark(ctx, fp, lp.Timestamp)
}

// Flush writes the cached cursor into the relational Store, a no-op if
// nothing has been cached yet.
func (m *Manager) Flush(ctx context.Context) error {
	fp, at, ok, err := m.Get(ctx)
	if err != nil {
		return fmt.Errorf("cursor: get before flush: %w", err)
	}
	if !ok {
		return nil
	}

	m.logger.Info("flushing logfile cursor",
		zap.String("host", m.Host), zap.String("loghash", fp.String()), zap.Time("at", at))

	return m.store.UpsertLogProgress(ctx, model.LogProgress{
		Host:      m.Host,
		LogHash:   fp.String(),
		Timestamp: at,
	})
}

// RunFlushLoop periodically calls Flush until ctx is cancelled, in the
// ticker-driven idiom cmd/sprint/main.go uses for its other periodic
// background tasks. Flush errors are logged, not fatal: the cache still
// has the latest value and will be retried on the next tick.
func (m *Manager) RunFlushLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Flush(ctx); err != nil {
				m.logger.Error("cursor flush failed", zap.String("host", m.Host), zap.Error(err))
			}
		}
	}
}
