package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/bitcoinwatch/bmon/internal/model"
)

// ErrEventRejected marks a hub response of 422 Unprocessable Entity: the
// hub ran the event through its own validation and dropped it
// (bmonerr.KindValidation), rather than hitting a transient failure.
// Callers should treat the event as consumed, not retry it.
var ErrEventRejected = errors.New("ingestclient: event rejected by hub")

// ingestClient is the edge's view of the hub's IngestEndpoint (spec.md §6
// "Durable event queue"): every event, cursor flush, and peer upsert this
// edge produces crosses the wire through it rather than touching Postgres
// directly, since only the hub process holds a DATABASE_URL connection.
type ingestClient struct {
	baseURL string
	http    *http.Client
}

func newIngestClient(baseURL string) *ingestClient {
	return &ingestClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *ingestClient) postJSON(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("ingestclient: encode %s body: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ingestclient: build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ingestclient: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnprocessableEntity {
		return fmt.Errorf("ingestclient: %s: %w", path, ErrEventRejected)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ingestclient: %s returned %s", path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// PostEvent forwards one listener-produced event to the hub's dispatcher.
func (c *ingestClient) PostEvent(ctx context.Context, ev model.Event) error {
	return c.postJSON(ctx, "/events", ev, nil)
}

// UpsertLogProgress implements internal/cursor.Store by forwarding the
// flush to the hub, which owns the actual log_progress table.
func (c *ingestClient) UpsertLogProgress(ctx context.Context, lp model.LogProgress) error {
	return c.postJSON(ctx, "/cursor", lp, nil)
}

// GetLogProgress implements internal/cursor.Store's boot-time read.
func (c *ingestClient) GetLogProgress(ctx context.Context, host string) (model.LogProgress, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/cursor?host="+url.QueryEscape(host), nil)
	if err != nil {
		return model.LogProgress{}, false, fmt.Errorf("ingestclient: build cursor get request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return model.LogProgress{}, false, fmt.Errorf("ingestclient: get cursor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return model.LogProgress{}, false, nil
	}
	if resp.StatusCode >= 300 {
		return model.LogProgress{}, false, fmt.Errorf("ingestclient: get cursor returned %s", resp.Status)
	}

	var lp model.LogProgress
	if err := json.NewDecoder(resp.Body).Decode(&lp); err != nil {
		return model.LogProgress{}, false, fmt.Errorf("ingestclient: decode cursor: %w", err)
	}
	return lp, true, nil
}

// UpsertPeer implements internal/rpcpoller.Store, forwarding the hub's
// upsert so the edge's PeerCache can resolve a stable Peer identity for
// its own host without ever holding a Postgres connection itself.
func (c *ingestClient) UpsertPeer(ctx context.Context, peer model.Peer) (model.Peer, error) {
	var out model.Peer
	if err := c.postJSON(ctx, "/peers", peer, &out); err != nil {
		return model.Peer{}, err
	}
	return out, nil
}

// InsertPeerStats satisfies internal/rpcpoller.Store's full interface.
// The edge's own PeerCache resolver only ever calls ResolvePeers, never
// PollPeerStats (that fleet-wide aggregate is the hub's own
// rpcpoller.Poller, run centrally across every monitored host), so this
// is never invoked in practice; it forwards anyway rather than panic, in
// case a future edge-local stats sweep is added.
func (c *ingestClient) InsertPeerStats(ctx context.Context, stats model.PeerStats) error {
	return c.postJSON(ctx, "/peerstats", stats, nil)
}

// PostProcessLineError forwards an out-of-band listener failure to the
// hub's durable record, keeping it outside the events table since
// model.ProcessLineError isn't a model.Event kind.
func (c *ingestClient) PostProcessLineError(ctx context.Context, pe model.ProcessLineError) error {
	return c.postJSON(ctx, "/errors", pe, nil)
}
