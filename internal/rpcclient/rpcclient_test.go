package rpcclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	return New(Config{
		Host:     u.Hostname(),
		Port:     port,
		User:     "alice",
		Password: "hunter2",
		Retries:  3,
	}, nil)
}

func TestCallReturnsResult(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "getblockcount", req.Method)

		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "alice", user)
		require.Equal(t, "hunter2", pass)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result": 802345, "error": null, "id": ` + strconv.FormatUint(req.ID, 10) + `}`))
	})

	var count int
	require.NoError(t, c.CallInto(context.Background(), &count, "getblockcount"))
	require.Equal(t, 802345, count)
}

func TestCallPreservesDecimalPrecision(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result": {"balance": 0.00000001}, "error": null, "id": 1}`))
	})

	var out struct {
		Balance decimal.Decimal `json:"balance"`
	}
	require.NoError(t, c.CallInto(context.Background(), &out, "getwalletinfo"))
	require.True(t, decimal.NewFromFloat(0.00000001).Equal(out.Balance))
}

func TestCallReturnsRPCError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result": null, "error": {"code": -8, "message": "block not found"}, "id": 1}`))
	})

	_, err := c.Call(context.Background(), "getblock", "deadbeef")
	require.Error(t, err)
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, -8, rpcErr.Code)
	require.Equal(t, "block not found", rpcErr.Message)
}

func TestCallRejectsNonJSONBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("<html>nope</html>"))
	})

	_, err := c.Call(context.Background(), "getblockcount")
	require.Error(t, err)
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, codeNonJSONResponse, rpcErr.Code)
}

func TestCallRetriesConnectionFailuresThenSucceeds(t *testing.T) {
	var attempts int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&attempts, 1)
		if n < 2 {
			// Close without response to force a connection-level error on
			// the client, the case BitcoinRpc._call's retry loop handles.
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result": 1, "error": null, "id": 1}`))
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	c := New(Config{Host: u.Hostname(), Port: port, Retries: 3}, nil)

	var count int
	require.NoError(t, c.CallInto(context.Background(), &count, "getblockcount"))
	require.Equal(t, 1, count)
	require.GreaterOrEqual(t, atomic.LoadInt64(&attempts), int64(2))
}

func TestPublicURLNeverCarriesCredentials(t *testing.T) {
	// Credentials travel via HTTP Basic Auth, never embedded in the URL
	// itself, so PublicURL is always safe to log as-is.
	c := New(Config{Host: "127.0.0.1", Port: 8332, User: "alice", Password: "hunter2"}, nil)
	require.Equal(t, "alice", c.user)
	require.NotContains(t, c.PublicURL(), "alice")
	require.NotContains(t, c.PublicURL(), "hunter2")
}

func TestWalletNameSuffixesPath(t *testing.T) {
	c := New(Config{Host: "127.0.0.1", Port: 8332, WalletName: "watcher"}, nil)
	require.Contains(t, c.rawURL, "/wallet/watcher")
}
