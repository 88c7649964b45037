package rpcpoller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bitcoinwatch/bmon/internal/model"
	"github.com/bitcoinwatch/bmon/internal/rpcclient"
)

type fakeStore struct {
	mu    sync.Mutex
	peers []model.Peer
	stats []model.PeerStats
}

func (f *fakeStore) UpsertPeer(ctx context.Context, peer model.Peer) (model.Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	peer.ID = int64(len(f.peers) + 1)
	f.peers = append(f.peers, peer)
	return peer, nil
}

func (f *fakeStore) InsertPeerStats(ctx context.Context, stats model.PeerStats) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = append(f.stats, stats)
	return nil
}

func rpcServer(t *testing.T, body string) *rpcclient.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	return rpcclient.New(rpcclient.Config{Host: u.Hostname(), Port: port, Retries: 1}, nil)
}

const getPeerInfoBody = `{
  "result": [
    {"id": 5, "addr": "1.2.3.4:8333", "connection_type": "outbound-full-relay",
     "inbound": false, "network": "ipv4", "services": "0000000000000409",
     "subver": "/Satoshi:25.0.0/", "version": 70016, "relaytxes": true,
     "bip152_hb_to": true, "bip152_hb_from": false,
     "pingtime": 0.05, "bytesrecv": 100, "bytessent": 200,
     "bytesrecv_per_msg": {"ping": 10}, "bytessent_per_msg": {"pong": 20}},
    {"id": 7, "addr": "5.6.7.8:8333", "connection_type": "inbound",
     "inbound": true, "network": "ipv4", "services": "0000000000000409",
     "subver": "/Satoshi:25.0.0/", "version": 70016, "relaytxes": true,
     "bip152_hb_to": false, "bip152_hb_from": false,
     "pingtime": 0.15, "bytesrecv": 50, "bytessent": 75,
     "bytesrecv_per_msg": {"ping": 5}, "bytessent_per_msg": {"pong": 9}}
  ],
  "error": null, "id": 1
}`

func TestResolvePeersUpsertsAndKeysByPeerNum(t *testing.T) {
	client := rpcServer(t, getPeerInfoBody)
	store := &fakeStore{}
	p := New(map[string]*rpcclient.Client{"host-a": client}, store, nil, nil)

	peers, err := p.ResolvePeers(context.Background(), "host-a")
	require.NoError(t, err)
	require.Len(t, peers, 2)
	require.Equal(t, "1.2.3.4:8333", peers[5].Addr)
	require.Equal(t, "5.6.7.8:8333", peers[7].Addr)
	require.True(t, peers[5].BIP152HBTo)
	require.False(t, peers[7].BIP152HBTo)
	require.Len(t, store.peers, 2)
}

func TestResolvePeersUnknownHost(t *testing.T) {
	p := New(map[string]*rpcclient.Client{}, &fakeStore{}, nil, nil)
	_, err := p.ResolvePeers(context.Background(), "missing")
	require.Error(t, err)
}

func TestPollPeerStatsAggregatesAndPersists(t *testing.T) {
	client := rpcServer(t, getPeerInfoBody)
	store := &fakeStore{}
	lookup := func(host string) (int64, bool) { return 42, true }
	p := New(map[string]*rpcclient.Client{"host-a": client}, store, lookup, nil)

	p.PollPeerStats(context.Background())

	require.Len(t, store.stats, 1)
	stats := store.stats[0]
	require.EqualValues(t, 42, stats.HostID)
	require.EqualValues(t, 2, stats.PeerCount)
	require.InDelta(t, 50, stats.MinPingMs, 0.001)
	require.InDelta(t, 150, stats.MaxPingMs, 0.001)
	require.InDelta(t, 100, stats.MeanPingMs, 0.001)
	require.EqualValues(t, 150, stats.BytesReceivedTotal)
	require.EqualValues(t, 275, stats.BytesSentTotal)
	require.EqualValues(t, 15, stats.BytesReceivedByMessage["ping"])
	require.EqualValues(t, 29, stats.BytesSentByMessage["pong"])
}

func TestPollPeerStatsSkipsHostsWithNoIDMapping(t *testing.T) {
	client := rpcServer(t, getPeerInfoBody)
	store := &fakeStore{}
	lookup := func(host string) (int64, bool) { return 0, false }
	p := New(map[string]*rpcclient.Client{"host-a": client}, store, lookup, nil)

	p.PollPeerStats(context.Background())
	require.Empty(t, store.stats)
}

func TestPollPeerStatsToleratesPartialHostFailure(t *testing.T) {
	good := rpcServer(t, getPeerInfoBody)
	bad := rpcServer(t, `not json`)
	store := &fakeStore{}
	lookup := func(host string) (int64, bool) { return 1, true }
	p := New(map[string]*rpcclient.Client{"good": good, "bad": bad}, store, lookup, nil)

	p.PollPeerStats(context.Background())
	require.Len(t, store.stats, 1, "the failing host must not block the healthy host's stats")
}

func TestRunPeerStatsLoopStopsOnContextCancel(t *testing.T) {
	client := rpcServer(t, getPeerInfoBody)
	store := &fakeStore{}
	lookup := func(host string) (int64, bool) { return 1, true }
	p := New(map[string]*rpcclient.Client{"host-a": client}, store, lookup, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.RunPeerStatsLoop(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after context cancellation")
	}
}
