// Package propagation implements the cross-host correlation engine that
// watches MempoolAccept admissions fleet-wide and compacts them into a
// single PropagationRecord per txid, without ever persisting the ~250k
// raw admissions a busy node sees per day. Grounded on
// original_source/bmon/mempool.py's MempoolAcceptAggregator; the Redis
// key layout (mpa:<txid>:<host>, mpa:txids, mpa:prop_event:<txid>,
// mpa:prop_event_set) is carried over field for field.
package propagation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bitcoinwatch/bmon/internal/metrics"
	"github.com/bitcoinwatch/bmon/internal/model"
)

const (
	keyTxidSorted   = "mpa:txids"
	keyTotalSeen    = "mpa:total_txids"
	keyEventIndex   = "mpa:prop_event_set"
	rawTTL          = 3 * time.Hour
	logTTL          = 4 * time.Hour
	eventTTL        = 65 * time.Minute
	lockTTL         = 10 * time.Second
	lockWaitTimeout = 10 * time.Second
	observationWindow = time.Hour
)

// ErrDoubleFinalize is returned when finalize/mark_seen observes a txid
// that has already been finalized — a logic bug upstream, per spec.md's
// "raise — double-finalization is a bug".
var ErrDoubleFinalize = errors.New("propagation: txid already finalized")

// ErrUnknownHost is returned by MarkSeen for a host the Aggregator was
// not configured with.
var ErrUnknownHost = errors.New("propagation: host not recognized")

func txidKey(host, txid string) string  { return fmt.Sprintf("mpa:%s:%s", txid, host) }
func logKey(txid string) string         { return fmt.Sprintf("mpa:log:%s", txid) }
func lockKey(txid string) string        { return fmt.Sprintf("mpa:lock:%s", txid) }
func eventKey(txid string) string       { return fmt.Sprintf("mpa:prop_event:%s", txid) }
func totalSeenKey(host string) string   { return keyTotalSeen + ":" + host }

// redisCmdable is the subset of *redis.Client's Cmdable interface the
// Aggregator needs, narrowed so tests can substitute an in-memory fake
// without a live Redis instance (any *redis.Client satisfies it as-is).
type redisCmdable interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	ExpireNX(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	ZAddNX(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZScore(ctx context.Context, key, member string) *redis.FloatCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	ZRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	ZRemRangeByScore(ctx context.Context, key, min, max string) *redis.IntCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
}

// Aggregator watches MempoolAccept admissions across hosts and produces
// PropagationRecords, backed by a process-wide Redis instance.
type Aggregator struct {
	redis        redisCmdable
	hostToCohort map[string]model.PolicyCohort
	logger       *zap.Logger
}

// New builds an Aggregator over the given host → cohort assignment,
// ordinarily derived from each host's getnetworkinfo subversion via
// model.CohortForVersion (see cmd/bmon-hub's resolveCohorts). rdb is ordinarily a *redis.Client.
func New(rdb redisCmdable, hostToCohort map[string]model.PolicyCohort, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{redis: rdb, hostToCohort: hostToCohort, logger: logger}
}

func (a *Aggregator) hostNames() map[string]struct{} {
	out := make(map[string]struct{}, len(a.hostToCohort))
	for h := range a.hostToCohort {
		out[h] = struct{}{}
	}
	return out
}

func (a *Aggregator) hostsForCohort(cohort model.PolicyCohort) map[string]struct{} {
	out := map[string]struct{}{}
	for h, c := range a.hostToCohort {
		if c == cohort {
			out[h] = struct{}{}
		}
	}
	return out
}

func (a *Aggregator) cohorts() []model.PolicyCohort {
	seen := map[model.PolicyCohort]bool{}
	var out []model.PolicyCohort
	for _, c := range a.hostToCohort {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// GetTotalTxidsProcessed returns the fleet-wide count of distinct txids
// ever admitted.
func (a *Aggregator) GetTotalTxidsProcessed(ctx context.Context) (int64, error) {
	v, err := a.redis.Get(ctx, keyTotalSeen).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

// GetTotalTxidsProcessedPerHost returns each known host's admission count,
// omitting hosts that have never reported one.
func (a *Aggregator) GetTotalTxidsProcessedPerHost(ctx context.Context) (map[string]int64, error) {
	hosts := make([]string, 0, len(a.hostToCohort))
	for h := range a.hostToCohort {
		hosts = append(hosts, h)
	}
	keys := make([]string, len(hosts))
	for i, h := range hosts {
		keys[i] = totalSeenKey(h)
	}
	if len(keys) == 0 {
		return map[string]int64{}, nil
	}

	vals, err := a.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("propagation: mget total txids: %w", err)
	}

	out := make(map[string]int64, len(hosts))
	for i, v := range vals {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			a.logger.Error("missing total txids for host key", zap.String("key", keys[i]))
			continue
		}
		out[hosts[i]] = n
	}
	return out, nil
}

// acquireLock blocks (up to lockWaitTimeout) for the per-txid lock,
// standing in for redis.lock(blocking_timeout=10) in the Python original.
// The returned func releases the lock; callers must defer it.
func (a *Aggregator) acquireLock(ctx context.Context, txid string) (func(), error) {
	key := lockKey(txid)
	deadline := time.Now().Add(lockWaitTimeout)

	for {
		ok, err := a.redis.SetNX(ctx, key, "1", lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("propagation: acquire lock %s: %w", key, err)
		}
		if ok {
			return func() { a.redis.Del(context.Background(), key) }, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("propagation: timed out acquiring lock for txid %s", txid)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// MarkSeen records that host observed txid in its mempool at seenAt,
// returning a non-nil status the moment the fleet (or the host's policy
// cohort) has fully observed it. Duplicate (host, txid) pairs return
// (nil, nil) and are logged, not treated as an error: upstream is
// expected to de-duplicate via the CursorManager, so a duplicate here
// signals a redelivery, not corruption.
func (a *Aggregator) MarkSeen(ctx context.Context, host, txid string, seenAt time.Time) (*model.CompletionStatus, error) {
	cohort, known := a.hostToCohort[host]
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHost, host)
	}

	unlock, err := a.acquireLock(ctx, txid)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tk := txidKey(host, txid)
	exists, err := a.redis.Exists(ctx, tk).Result()
	if err != nil {
		return nil, fmt.Errorf("propagation: check existing %s: %w", tk, err)
	}
	if exists > 0 {
		a.logger.Error("duplicate MempoolAccept event detected", zap.String("txid", txid), zap.String("host", host))
		return nil, nil
	}

	lk := logKey(txid)
	if err := a.redis.RPush(ctx, lk, fmt.Sprintf("%s | %s | %s", host, seenAt.Format(time.RFC3339Nano), time.Now().UTC().Format(time.RFC3339Nano))).Err(); err != nil {
		return nil, fmt.Errorf("propagation: append debug log: %w", err)
	}
	a.redis.ExpireNX(ctx, lk, logTTL)

	if err := a.redis.Set(ctx, tk, seenAt.Unix(), rawTTL).Err(); err != nil {
		return nil, fmt.Errorf("propagation: set %s: %w", tk, err)
	}

	added, err := a.redis.ZAddNX(ctx, keyTxidSorted, redis.Z{Score: float64(time.Now().UTC().UnixNano()) / 1e9, Member: txid}).Result()
	if err != nil {
		return nil, fmt.Errorf("propagation: zadd %s: %w", keyTxidSorted, err)
	}
	if added > 0 {
		_, err := a.redis.ZScore(ctx, keyEventIndex, eventKey(txid)).Result()
		if err == nil {
			return nil, fmt.Errorf("%w: %s", ErrDoubleFinalize, txid)
		}
		if !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("propagation: zscore event index: %w", err)
		}
		if err := a.redis.Incr(ctx, keyTotalSeen).Err(); err != nil {
			return nil, fmt.Errorf("propagation: incr total seen: %w", err)
		}
	}
	if err := a.redis.Incr(ctx, totalSeenKey(host)).Err(); err != nil {
		return nil, fmt.Errorf("propagation: incr total seen for host: %w", err)
	}

	hostsSeen, err := a.hostsThatSaw(ctx, txid)
	if err != nil {
		return nil, err
	}

	if len(hostsSeen) == len(a.hostToCohort) {
		status := model.CompleteAll
		return &status, nil
	}

	cohortHosts := a.hostsForCohort(cohort)
	cohortSatisfied := true
	for h := range cohortHosts {
		if _, ok := hostsSeen[h]; !ok {
			cohortSatisfied = false
			break
		}
	}
	if cohortSatisfied {
		status := model.CompleteCohort
		return &status, nil
	}

	return nil, nil
}

// hostsThatSaw returns the set of hosts with a live mpa:<txid>:<host> key.
func (a *Aggregator) hostsThatSaw(ctx context.Context, txid string) (map[string]struct{}, error) {
	hosts := make([]string, 0, len(a.hostToCohort))
	for h := range a.hostToCohort {
		hosts = append(hosts, h)
	}
	keys := make([]string, len(hosts))
	for i, h := range hosts {
		keys[i] = txidKey(h, txid)
	}

	vals, err := a.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("propagation: mget host keys for %s: %w", txid, err)
	}

	seen := map[string]struct{}{}
	for i, v := range vals {
		if v != nil {
			seen[hosts[i]] = struct{}{}
		}
	}
	return seen, nil
}

// Finalize compacts all per-host observations of txid into a single
// PropagationRecord, removing the raw per-host keys. If assertComplete is
// true and not every host has observed txid, Finalize refuses (logs and
// returns nil, nil) rather than produce a partial "complete" record.
func (a *Aggregator) Finalize(ctx context.Context, txid string, assertComplete bool) (*model.PropagationRecord, error) {
	unlock, err := a.acquireLock(ctx, txid)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ek := eventKey(txid)
	if _, err := a.redis.ZScore(ctx, keyEventIndex, ek).Result(); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrDoubleFinalize, txid)
	} else if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("propagation: zscore event index: %w", err)
	}

	firstSaw, err := a.redis.ZScore(ctx, keyTxidSorted, txid).Result()
	if errors.Is(err, redis.Nil) {
		a.logger.Error("missing score for txid in sorted set", zap.String("txid", txid))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("propagation: zscore %s: %w", keyTxidSorted, err)
	}

	hosts := make([]string, 0, len(a.hostToCohort))
	for h := range a.hostToCohort {
		hosts = append(hosts, h)
	}
	hostKeys := make([]string, len(hosts))
	for i, h := range hosts {
		hostKeys[i] = txidKey(h, txid)
	}

	vals, err := a.redis.MGet(ctx, hostKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("propagation: mget host keys for %s: %w", txid, err)
	}

	hostToTimestamp := map[string]time.Time{}
	for i, v := range vals {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		sec, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		hostToTimestamp[hosts[i]] = time.Unix(sec, 0).UTC()
	}

	if len(hostToTimestamp) == 0 {
		a.logger.Error("no timestamp entries found for txid", zap.String("txid", txid))
		a.redis.ZRem(ctx, keyTxidSorted, txid)
		return nil, nil
	}

	hostsThatSaw := make(map[string]struct{}, len(hostToTimestamp))
	for h := range hostToTimestamp {
		hostsThatSaw[h] = struct{}{}
	}

	var cohortsComplete []model.PolicyCohort
	for _, c := range a.cohorts() {
		complete := true
		for h := range a.hostsForCohort(c) {
			if _, ok := hostsThatSaw[h]; !ok {
				complete = false
				break
			}
		}
		if complete {
			cohortsComplete = append(cohortsComplete, c)
		}
	}

	allComplete := len(hostsThatSaw) == len(a.hostToCohort)
	if assertComplete && !allComplete {
		a.logger.Error("expected to have all host timestamps for txid", zap.String("txid", txid))
		return nil, nil
	}

	now := time.Now().UTC()
	firstSavedAt := time.Unix(0, int64(firstSaw*float64(time.Second))).UTC()
	record := &model.PropagationRecord{
		TxID:                  txid,
		HostToTimestamp:       hostToTimestamp,
		CohortsComplete:       cohortsComplete,
		AllComplete:           allComplete,
		ObservationWindowSecs: now.Sub(firstSavedAt).Seconds(),
	}
	record.Recompute()

	raw, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("propagation: marshal record: %w", err)
	}
	if err := a.redis.Set(ctx, ek, raw, eventTTL).Err(); err != nil {
		return nil, fmt.Errorf("propagation: set %s: %w", ek, err)
	}

	added, err := a.redis.ZAddNX(ctx, keyEventIndex, redis.Z{Score: float64(now.Unix()), Member: ek}).Result()
	if err != nil {
		return nil, fmt.Errorf("propagation: zadd event index: %w", err)
	}
	if added <= 0 {
		a.logger.Error("already in event index - duplicate tx prop. event", zap.String("txid", txid))
		return nil, nil
	}

	if n, err := a.redis.ZRem(ctx, keyTxidSorted, txid).Result(); err != nil {
		return nil, fmt.Errorf("propagation: zrem %s: %w", keyTxidSorted, err)
	} else if n != 1 {
		a.logger.Error("unexpected zrem count for txid", zap.String("txid", txid), zap.Int64("count", n))
	}

	delKeys := append(append([]string{}, hostKeys...), logKey(txid))
	a.redis.Del(ctx, delKeys...)

	status := model.Incomplete
	if allComplete {
		status = model.CompleteAll
	} else if len(cohortsComplete) > 0 {
		status = model.CompleteCohort
	}
	metrics.PropagationFinalizedTotal.WithLabelValues(string(status), cohortLabel(cohortsComplete)).Inc()
	metrics.PropagationSpreadSeconds.WithLabelValues(cohortLabel(cohortsComplete)).Observe(record.Spread.Seconds())

	return record, nil
}

func cohortLabel(cohorts []model.PolicyCohort) string {
	if len(cohorts) == 0 {
		return "none"
	}
	out := string(cohorts[0])
	for _, c := range cohorts[1:] {
		out += "+" + string(c)
	}
	return out
}

// ProcessCompletedPropagation finalizes txid with assertComplete=true, the
// path MarkSeen's CompleteAll result should trigger.
func (a *Aggregator) ProcessCompletedPropagation(ctx context.Context, txid string) (*model.PropagationRecord, error) {
	return a.Finalize(ctx, txid, true)
}

// ProcessAllAged finalizes every txid added to the observation window more
// than minAge ago (default observationWindow), the idle-timeout reaper
// that retires txids no forward-progress host will ever complete.
// latestTimeAllowed overrides the minAge-derived cutoff when non-nil,
// mirroring the Python original's explicit latest_time_allowed parameter
// (used by tests and by callers replaying a fixed point in time).
func (a *Aggregator) ProcessAllAged(ctx context.Context, minAge time.Duration, latestTimeAllowed *time.Time) ([]*model.PropagationRecord, error) {
	if minAge <= 0 {
		minAge = observationWindow
	}
	latestAllowed := time.Now().UTC().Add(-minAge)
	if latestTimeAllowed != nil {
		latestAllowed = latestTimeAllowed.UTC()
	}

	txids, err := a.redis.ZRangeByScore(ctx, keyTxidSorted, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(latestAllowed.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("propagation: zrangebyscore %s: %w", keyTxidSorted, err)
	}

	a.logger.Info("sending aged txids for propagation finalization", zap.Int("count", len(txids)))

	var records []*model.PropagationRecord
	for _, txid := range txids {
		rec, err := a.Finalize(ctx, txid, false)
		if err != nil {
			a.logger.Error("failed to finalize aged txid", zap.String("txid", txid), zap.Error(err))
			continue
		}
		if rec != nil {
			records = append(records, rec)
		}
	}
	return records, nil
}

// GetPropagationEvents returns every still-live finalized record (within
// the 1h result window), pruning expired index entries as it goes.
func (a *Aggregator) GetPropagationEvents(ctx context.Context) ([]*model.PropagationRecord, error) {
	hourAgo := time.Now().UTC().Add(-time.Hour)
	if removed, err := a.redis.ZRemRangeByScore(ctx, keyEventIndex, "-inf", strconv.FormatInt(hourAgo.Unix(), 10)).Result(); err == nil && removed > 0 {
		a.logger.Info("removed old tx propagation events", zap.Int64("count", removed))
	}

	keys, err := a.redis.ZRange(ctx, keyEventIndex, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("propagation: zrange event index: %w", err)
	}

	var records []*model.PropagationRecord
	var keysToRemove []string

	const chunkSize = 500
	for start := 0; start < len(keys); start += chunkSize {
		end := start + chunkSize
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]

		vals, err := a.redis.MGet(ctx, chunk...).Result()
		if err != nil {
			return nil, fmt.Errorf("propagation: mget event chunk: %w", err)
		}

		for i, v := range vals {
			if v == nil {
				a.logger.Error("missing tx prop. event in index", zap.String("key", chunk[i]))
				keysToRemove = append(keysToRemove, chunk[i])
				continue
			}
			s, ok := v.(string)
			if !ok {
				continue
			}

			var rec model.PropagationRecord
			if err := json.Unmarshal([]byte(s), &rec); err != nil {
				a.logger.Error("failed to deserialize propagation record", zap.String("key", chunk[i]), zap.Error(err))
				continue
			}
			if len(rec.HostToTimestamp) == 0 {
				a.logger.Error("propagation record without timestamp data", zap.String("txid", rec.TxID))
				continue
			}
			records = append(records, &rec)
		}
	}

	if len(keysToRemove) > 0 {
		removed, err := a.redis.ZRem(ctx, keyEventIndex, toAny(keysToRemove)...).Result()
		if err == nil {
			a.logger.Info("removed bad keys from tx prop. event index", zap.Int64("count", removed))
		}
	}

	return records, nil
}

func toAny(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// RunReaperLoop periodically calls ProcessAllAged until ctx is cancelled,
// the background sweep for txids no host will ever finish observing.
func (a *Aggregator) RunReaperLoop(ctx context.Context, interval, minAge time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.ProcessAllAged(ctx, minAge, nil); err != nil {
				a.logger.Error("propagation reaper pass failed", zap.Error(err))
			}
		}
	}
}

// CompareResult groups txids observed by the mempool-divergence check in
// CompareMempools.
type CompareResult struct {
	// Unique holds txids seen by exactly one host, keyed by that host.
	Unique map[string][]string
	// Missing holds txids seen by a majority of hosts but absent from the
	// named host's mempool.
	Missing map[string][]string
	// HaveUncommon holds txids seen by fewer than a majority of hosts,
	// keyed by each host that has it.
	HaveUncommon map[string][]string
}

// CompareMempools finds divergences across hosts' raw getrawmempool txid
// lists: txids only one host has, txids a majority have that some host is
// missing, and txids held by a true minority of hosts. A pure function,
// grounded on original_source/bmon/mempool.py's compare_mempools — it
// takes the host→txid-list map directly rather than performing the RPC
// fan-out itself, so callers (ordinarily internal/rpcpoller) supply
// getrawmempool results already gathered.
func CompareMempools(hostToPool map[string][]string) CompareResult {
	hostToSet := make(map[string]map[string]struct{}, len(hostToPool))
	for host, txids := range hostToPool {
		set := make(map[string]struct{}, len(txids))
		for _, tx := range txids {
			set[tx] = struct{}{}
		}
		hostToSet[host] = set
	}

	numHosts := len(hostToSet)
	overHalf := (numHosts / 2) + 1

	allTx := map[string]struct{}{}
	for _, set := range hostToSet {
		for tx := range set {
			allTx[tx] = struct{}{}
		}
	}

	result := CompareResult{
		Unique:       map[string][]string{},
		Missing:      map[string][]string{},
		HaveUncommon: map[string][]string{},
	}

	allHosts := make([]string, 0, len(hostToSet))
	for h := range hostToSet {
		allHosts = append(allHosts, h)
	}

	for tx := range allTx {
		var hosts []string
		for _, h := range allHosts {
			if _, ok := hostToSet[h][tx]; ok {
				hosts = append(hosts, h)
			}
		}

		switch {
		case len(hosts) == 1:
			result.Unique[hosts[0]] = append(result.Unique[hosts[0]], tx)
		case len(hosts) >= overHalf:
			haveSet := make(map[string]struct{}, len(hosts))
			for _, h := range hosts {
				haveSet[h] = struct{}{}
			}
			for _, h := range allHosts {
				if _, ok := haveSet[h]; !ok {
					result.Missing[h] = append(result.Missing[h], tx)
				}
			}
		default:
			for _, h := range hosts {
				result.HaveUncommon[h] = append(result.HaveUncommon[h], tx)
			}
		}
	}

	return result
}
