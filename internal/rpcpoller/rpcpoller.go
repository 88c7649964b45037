// Package rpcpoller fans JSON-RPC calls out across a fleet of bitcoind
// hosts, grounded on original_source/bmon/bitcoin/api.py's run_rpc (a
// ThreadPoolExecutor(max_workers=10) over get_rpc's host map) and
// server_tasks.py's examine_peers periodic task. A failing host's call
// never aborts the batch; its slot gets the ErrRPCFailed sentinel, the Go
// analogue of api.py's RPC_ERROR_RESULT.
package rpcpoller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bitcoinwatch/bmon/internal/metrics"
	"github.com/bitcoinwatch/bmon/internal/model"
	"github.com/bitcoinwatch/bmon/internal/rpcclient"
)

// maxConcurrentCalls bounds the fan-out, matching api.py's
// ThreadPoolExecutor(max_workers=10).
const maxConcurrentCalls = 10

// ErrRPCFailed marks a host's slot in a fan-out result map as failed
// without aborting the rest of the batch.
var ErrRPCFailed = errors.New("rpcpoller: rpc call failed")

// Store is the subset of the relational Store the poller needs to
// persist what it resolves.
type Store interface {
	UpsertPeer(ctx context.Context, peer model.Peer) (model.Peer, error)
	InsertPeerStats(ctx context.Context, stats model.PeerStats) error
}

// HostIDLookup resolves a monitored host's stable Host row id, so
// PollPeerStats can attach the right foreign key. cmd/bmon-hub supplies
// one backed by the same Host rows it upserts at boot.
type HostIDLookup func(host string) (int64, bool)

// Poller fans RPC calls out across every configured host.
type Poller struct {
	clients map[string]*rpcclient.Client // keyed by host name
	store   Store
	hostID  HostIDLookup
	logger  *zap.Logger
}

// New builds a Poller over clients, one per monitored host.
func New(clients map[string]*rpcclient.Client, store Store, hostID HostIDLookup, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{clients: clients, store: store, hostID: hostID, logger: logger}
}

// call is one RPC invocation to run against every host.
type call func(ctx context.Context, client *rpcclient.Client) (interface{}, error)

// runAll runs fn against every configured host, bounded to
// maxConcurrentCalls in flight, collecting one result or ErrRPCFailed per
// host. It never returns an error itself: a single bad host degrades its
// own slot, not the batch.
func (p *Poller) runAll(ctx context.Context, fn call) map[string]interface{} {
	results := make(map[string]interface{}, len(p.clients))
	resultCh := make(chan struct {
		host string
		val  interface{}
		err  error
	}, len(p.clients))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentCalls)

	for host, client := range p.clients {
		host, client := host, client
		g.Go(func() error {
			val, err := fn(gCtx, client)
			resultCh <- struct {
				host string
				val  interface{}
				err  error
			}{host, val, err}
			return nil
		})
	}

	// errgroup.Wait only ever returns nil here since fn's errors are
	// captured per-host rather than propagated, but Wait still blocks
	// until every goroutine (and thus every send above) has completed.
	_ = g.Wait()
	close(resultCh)

	for r := range resultCh {
		if r.err != nil {
			p.logger.Warn("rpc call failed", zap.String("host", r.host), zap.Error(r.err))
			results[r.host] = ErrRPCFailed
			continue
		}
		results[r.host] = r.val
	}
	return results
}

type peerInfoEntry struct {
	ID             int64  `json:"id"`
	Addr           string `json:"addr"`
	ConnectionType string `json:"connection_type"`
	Inbound        bool   `json:"inbound"`
	Network        string `json:"network"`
	Services       string `json:"services"`
	SubVer         string `json:"subver"`
	Version        int64  `json:"version"`
	RelayTxes      bool   `json:"relaytxes"`
	BIP152HBTo     *bool  `json:"bip152_hb_to"`
	BIP152HBFrom   *bool  `json:"bip152_hb_from"`

	PingTime        float64          `json:"pingtime"`
	BytesRecv       int64            `json:"bytesrecv"`
	BytesSent       int64            `json:"bytessent"`
	BytesRecvPerMsg map[string]int64 `json:"bytesrecv_per_msg"`
	BytesSentPerMsg map[string]int64 `json:"bytessent_per_msg"`
}

// ResolvePeers implements internal/peercache.Resolver: it polls
// getpeerinfo on host's client, upserts each entry into Store so it has
// a stable row id, and returns the fleet keyed by bitcoind's transient
// peer_num — exactly what the cache needs to translate a log line's
// peer=N into a durable foreign key.
func (p *Poller) ResolvePeers(ctx context.Context, host string) (map[int64]model.Peer, error) {
	client, ok := p.clients[host]
	if !ok {
		return nil, fmt.Errorf("rpcpoller: no rpc client configured for host %q", host)
	}

	var entries []peerInfoEntry
	if err := client.CallInto(ctx, &entries, "getpeerinfo"); err != nil {
		return nil, fmt.Errorf("rpcpoller: getpeerinfo on %s: %w", host, err)
	}

	out := make(map[int64]model.Peer, len(entries))
	for _, e := range entries {
		peer := model.Peer{
			Num:            e.ID,
			Addr:           e.Addr,
			ConnectionType: e.ConnectionType,
			Inbound:        e.Inbound,
			Network:        e.Network,
			Services:       e.Services,
			SubVer:         e.SubVer,
			Version:        e.Version,
			RelayTxes:      e.RelayTxes,
			BIP152HBTo:     boolOrFalse(e.BIP152HBTo),
			BIP152HBFrom:   boolOrFalse(e.BIP152HBFrom),
		}

		stored, err := p.store.UpsertPeer(ctx, peer)
		if err != nil {
			return nil, fmt.Errorf("rpcpoller: upsert peer %d on %s: %w", e.ID, host, err)
		}
		out[e.ID] = stored
	}
	return out, nil
}

func boolOrFalse(b *bool) bool {
	return b != nil && *b
}

// PollPeerStats fans getpeerinfo out across every host and persists the
// aggregates models.py's PeerStats names: peer count and ping
// min/mean/max from each peer's pingtime, total bytes sent/received and
// their per-message breakdown summed across the fleet's view of that
// one host.
func (p *Poller) PollPeerStats(ctx context.Context) {
	results := p.runAll(ctx, func(ctx context.Context, client *rpcclient.Client) (interface{}, error) {
		var entries []peerInfoEntry
		if err := client.CallInto(ctx, &entries, "getpeerinfo"); err != nil {
			return nil, err
		}
		return entries, nil
	})

	for host, result := range results {
		if result == ErrRPCFailed {
			continue
		}
		entries := result.([]peerInfoEntry)
		stats := buildPeerStats(entries)

		hostID, ok := p.hostID(host)
		if !ok {
			p.logger.Warn("peer stats skipped: unresolved host id", zap.String("host", host))
			continue
		}
		stats.HostID = hostID

		if err := p.store.InsertPeerStats(ctx, stats); err != nil {
			p.logger.Error("failed to persist peer stats", zap.String("host", host), zap.Error(err))
		}
	}
}

func buildPeerStats(entries []peerInfoEntry) model.PeerStats {
	stats := model.PeerStats{
		PeerCount:              int64(len(entries)),
		BytesSentByMessage:     map[string]int64{},
		BytesReceivedByMessage: map[string]int64{},
	}
	if len(entries) == 0 {
		return stats
	}

	stats.MinPingMs = -1
	for _, e := range entries {
		pingMs := e.PingTime * 1000
		if stats.MinPingMs < 0 || pingMs < stats.MinPingMs {
			stats.MinPingMs = pingMs
		}
		if pingMs > stats.MaxPingMs {
			stats.MaxPingMs = pingMs
		}
		stats.MeanPingMs += pingMs

		stats.BytesSentTotal += e.BytesSent
		stats.BytesReceivedTotal += e.BytesRecv
		for msg, n := range e.BytesSentPerMsg {
			stats.BytesSentByMessage[msg] += n
		}
		for msg, n := range e.BytesRecvPerMsg {
			stats.BytesReceivedByMessage[msg] += n
		}
	}
	stats.MeanPingMs /= float64(len(entries))
	if stats.MinPingMs < 0 {
		stats.MinPingMs = 0
	}
	return stats
}

// RunPeerStatsLoop periodically calls PollPeerStats until ctx is
// cancelled, on a 60s default cadence matching examine_peers' periodic
// task registration in server_tasks.py.
func (p *Poller) RunPeerStatsLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PollPeerStats(ctx)
		}
	}
}

type blockchainInfo struct {
	Blocks  int64 `json:"blocks"`
	Headers int64 `json:"headers"`
}

// RunHeaderGapLoop polls getblockchaininfo on every host and exposes the
// headers-minus-blocks gap as a gauge, the RPC-derived corroborating
// signal for sync staleness that supplements (but never replaces) the
// log-derived HeaderToTip event.
func (p *Poller) RunHeaderGapLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollHeaderGap(ctx)
		}
	}
}

func (p *Poller) pollHeaderGap(ctx context.Context) {
	results := p.runAll(ctx, func(ctx context.Context, client *rpcclient.Client) (interface{}, error) {
		var info blockchainInfo
		if err := client.CallInto(ctx, &info, "getblockchaininfo"); err != nil {
			return nil, err
		}
		return info, nil
	})

	for host, result := range results {
		if result == ErrRPCFailed {
			continue
		}
		info := result.(blockchainInfo)
		metrics.HeaderToTipGap.WithLabelValues(host).Set(float64(info.Headers - info.Blocks))
	}
}
