// Package rpcclient implements bitcoind's JSON-RPC 1.1 wire protocol
// (spec.md §6, grounded on original_source/bmon/bitcoin/rpc.py's
// BitcoinRpc). It adds production concerns the original left to
// operational luck: a per-host circuit breaker so one wedged daemon
// doesn't stall the whole fan-out, a request-rate limiter, and bounded
// exponential-backoff retries on connection-level failures.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/bitcoinwatch/bmon/internal/metrics"
)

const (
	defaultUserAgent = "bmon-rpcclient/1.0"
	defaultTimeout   = 30 * time.Second
)

var credentialPattern = regexp.MustCompile(`://[^/@]+@`)

// Error is a JSON-RPC protocol error, mirroring JSONRPCError's
// {code, message} shape. Synthetic codes below -340 are minted locally
// for transport-level failures that never reached bitcoind, matching
// BitcoinRpc._get_response's conventions exactly.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("bitcoind rpc: %s (code %d)", e.Message, e.Code)
}

const (
	codeMissingHTTPResponse = -342
	codeNonJSONResponse     = -342
	codeMissingResult       = -343
	codeNonDictError        = -344
	codeDefaultRPCError     = -345
)

// Config configures a Client for one bitcoind host.
type Config struct {
	Host       string // hostname or address, no scheme
	Port       int
	User       string
	Password   string
	WalletName string // optional; suffixes the URL path with /wallet/<name>
	Timeout    time.Duration
	Retries    int        // BitcoinRpc._call's "tries"; default 5
	RateLimit  rate.Limit // requests/sec; 0 disables limiting
	RateBurst  int
}

// Client is a JSON-RPC proxy for a single bitcoind host.
type Client struct {
	httpClient *http.Client
	rawURL     string
	publicURL  string
	host       string
	user       string
	password   string
	timeout    time.Duration
	retries    int

	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[json.RawMessage]

	idCount uint64

	logger *zap.Logger
}

// New builds a Client for cfg. The host name is also used as the
// gobreaker instance name, so per-host breaker state and metrics stay
// distinguishable in a multi-host fan-out.
func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = 5
	}

	path := ""
	if cfg.WalletName != "" {
		path = "/wallet/" + cfg.WalletName
	}
	rawURL := fmt.Sprintf("http://%s:%d%s", cfg.Host, cfg.Port, path)

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(cfg.RateLimit, burst)
	}

	breaker := gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:        cfg.Host,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("rpc circuit breaker state change",
				zap.String("host", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		rawURL:     rawURL,
		publicURL:  credentialPattern.ReplaceAllString(rawURL, "://***@"),
		host:       cfg.Host,
		user:       cfg.User,
		password:   cfg.Password,
		timeout:    timeout,
		retries:    retries,
		limiter:    limiter,
		breaker:    breaker,
		logger:     logger,
	}
}

// rpcRequest mirrors BitcoinRpc._call's wire body exactly.
type rpcRequest struct {
	Version string        `json:"version"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      uint64        `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
	ID     uint64          `json:"id"`
}

// Call invokes method with params, returning the raw "result" field.
// Callers decode it into a method-specific struct, typically using
// shopspring/decimal.Decimal fields for any bitcoin-denominated amount
// so precision survives the JSON round trip untouched.
func (c *Client) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	return c.breaker.Execute(func() (json.RawMessage, error) {
		return c.callWithRetry(ctx, method, params)
	})
}

// CallInto calls method and unmarshals its result into out.
func (c *Client) CallInto(ctx context.Context, out interface{}, method string, params ...interface{}) error {
	raw, err := c.Call(ctx, method, params...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("rpcclient: decode %s result: %w", method, err)
	}
	return nil
}

func (c *Client) callWithRetry(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 300 * time.Millisecond
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	retryable := backoff.WithMaxRetries(bo, uint64(c.retries-1))

	var raw json.RawMessage
	op := func() error {
		r, err := c.doCall(ctx, method, params)
		if err != nil {
			if isConnectionError(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		raw = r
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(retryable, ctx)); err != nil {
		return nil, err
	}
	return raw, nil
}

// isConnectionError reports whether err happened before any byte of a
// response was read, the Go analogue of BitcoinRpc._call's retried
// exception set (BlockingIOError, CannotSendRequest, socket.gaierror).
func isConnectionError(err error) bool {
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func (c *Client) doCall(ctx context.Context, method string, params []interface{}) (_ json.RawMessage, err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.RPCCallDuration.WithLabelValues(c.host, method, outcome).Observe(time.Since(start).Seconds())
	}()

	id := atomic.AddUint64(&c.idCount, 1)
	if params == nil {
		params = []interface{}{}
	}

	body, err := json.Marshal(rpcRequest{Version: "1.1", Method: method, Params: params, ID: id})
	if err != nil {
		return nil, fmt.Errorf("rpcclient: encode request: %w", err)
	}

	c.logger.Debug("calling bitcoind rpc", zap.String("url", c.publicURL), zap.String("method", method))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rpcclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", defaultUserAgent)
	if c.user != "" || c.password != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return c.decodeResponse(resp)
}

func (c *Client) decodeResponse(resp *http.Response) (json.RawMessage, error) {
	rdata, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Code: codeMissingHTTPResponse, Message: "missing HTTP response from server"}
	}

	var parsed rpcResponse
	if err := json.Unmarshal(rdata, &parsed); err != nil {
		snippet := string(rdata)
		suffix := ""
		if len(snippet) > 20 {
			snippet = snippet[:20]
			suffix = "..."
		}
		return nil, &Error{
			Code: codeNonJSONResponse,
			Message: fmt.Sprintf("non-JSON HTTP response with '%d %s' from server: '%s%s'",
				resp.StatusCode, resp.Status, snippet, suffix),
		}
	}

	if len(parsed.Error) > 0 && string(parsed.Error) != "null" {
		return nil, parseRPCError(parsed.Error)
	}
	if len(parsed.Result) == 0 {
		return nil, &Error{Code: codeMissingResult, Message: "missing JSON-RPC result"}
	}
	return parsed.Result, nil
}

func parseRPCError(raw json.RawMessage) error {
	var obj struct {
		Code    *int   `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return &Error{Code: codeNonDictError, Message: s}
		}
		return &Error{Code: codeNonDictError, Message: string(raw)}
	}

	code := codeDefaultRPCError
	if obj.Code != nil {
		code = *obj.Code
	}
	msg := obj.Message
	if msg == "" {
		msg = "error message not specified"
	}
	return &Error{Code: code, Message: msg}
}

// PublicURL returns the client's target URL with any embedded
// credentials redacted, safe to include in logs.
func (c *Client) PublicURL() string { return c.publicURL }

// Host returns the configured daemon host, used to key per-host
// resources (the peer cache, poller bookkeeping) one layer up.
func (c *Client) Host() string { return c.host }
