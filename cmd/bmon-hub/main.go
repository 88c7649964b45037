// Command bmon-hub is the single process holding the DATABASE_URL
// connection: every edge forwards its observations here over HTTP rather
// than touching Postgres directly. It also runs the fleet-wide RPC poller
// (peer stats, header-gap) and the propagation aggregator's reaper loop.
// Grounded on cmd/sprintd/main.go's process shape.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bitcoinwatch/bmon/internal/bmonerr"
	"github.com/bitcoinwatch/bmon/internal/config"
	"github.com/bitcoinwatch/bmon/internal/metrics"
	"github.com/bitcoinwatch/bmon/internal/model"
	"github.com/bitcoinwatch/bmon/internal/propagation"
	"github.com/bitcoinwatch/bmon/internal/rpcclient"
	"github.com/bitcoinwatch/bmon/internal/rpcpoller"
	"github.com/bitcoinwatch/bmon/internal/store"
)

func main() {
	cfg := config.Load()
	logger := initLogger()
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := newHub(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("hub init failed", zap.Error(err))
	}

	h.Start(ctx)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	<-sigs

	logger.Info("shutting down hub")
	cancel()
	h.Close()
	logger.Info("hub shutdown complete")
}

func initLogger() *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if os.Getenv("BMON_DEBUG") != "" {
		zc := zap.NewDevelopmentConfig()
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		logger, err = zc.Build()
	} else {
		zc := zap.NewProductionConfig()
		zc.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		logger, err = zc.Build()
	}
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	return logger
}

// hub bundles every long-lived component one bmon-hub process owns.
type hub struct {
	cfg    config.Config
	logger *zap.Logger

	db           *store.PostgresStore
	aggregator   *propagation.Aggregator
	poller       *rpcpoller.Poller
	redisServer  *redis.Client
	httpServer   *http.Server
}

func newHub(ctx context.Context, cfg config.Config, logger *zap.Logger) (*hub, error) {
	redisOpts, err := redis.ParseURL(cfg.RedisServerURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_SERVER_URL: %w", err)
	}
	redisServer := redis.NewClient(redisOpts)

	clients := buildRPCClients(cfg, logger)

	hostToCohort, err := resolveCohorts(ctx, clients, logger)
	if err != nil {
		logger.Warn("cohort resolution had failures; unresolved hosts are left out of the propagation cohort map", zap.Error(err))
	}
	aggregator := propagation.New(redisServer, hostToCohort, logger)

	db, err := store.New(ctx, cfg.DatabaseURL, aggregator, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := db.LoadHostIDs(ctx); err != nil {
		logger.Warn("loading cached host ids failed; rpc poller host-stat writes will be skipped until a Host row exists", zap.Error(err))
	}

	poller := rpcpoller.New(clients, db, db.HostIDLookup, logger)

	mux := buildMux(db, logger)

	return &hub{
		cfg:        cfg,
		logger:     logger,
		db:         db,
		aggregator: aggregator,
		poller:     poller,
		redisServer: redisServer,
		httpServer: &http.Server{Addr: cfg.MetricsAddr, Handler: mux},
	}, nil
}

// buildRPCClients constructs one rpcclient.Client per configured fleet
// host, sharing every other RPC credential/setting from cfg (the fleet is
// assumed to run under one operator's shared RPC user/password).
func buildRPCClients(cfg config.Config, logger *zap.Logger) map[string]*rpcclient.Client {
	clients := make(map[string]*rpcclient.Client, len(cfg.RPCPollerHosts))
	for _, host := range cfg.RPCPollerHosts {
		clients[host] = rpcclient.New(rpcclient.Config{
			Host:     host,
			Port:     cfg.RPCPort,
			User:     cfg.RPCUser,
			Password: cfg.RPCPassword,
			Timeout:  cfg.RPCTimeout,
			Retries:  cfg.RPCRetries,
		}, logger)
	}
	return clients
}

type networkInfo struct {
	SubVersion string `json:"subversion"`
	Version    int64  `json:"version"`
}

// resolveCohorts polls getnetworkinfo on every configured host to derive
// its model.PolicyCohort from its reported subversion string, the input
// internal/propagation.Aggregator needs to know which hosts must agree
// before a policy-sensitive transaction is considered cohort-complete.
// A host whose RPC call fails is omitted (logged, not fatal) so the rest
// of the fleet still boots; the aggregator then treats it as an unknown
// host. The map is built once at boot and is not refreshed afterwards.
func resolveCohorts(ctx context.Context, clients map[string]*rpcclient.Client, logger *zap.Logger) (map[string]model.PolicyCohort, error) {
	out := make(map[string]model.PolicyCohort, len(clients))
	var errs []error

	for host, client := range clients {
		var info networkInfo
		if err := client.CallInto(ctx, &info, "getnetworkinfo"); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", host, err))
			continue
		}
		out[host] = model.CohortForVersion(parseSubVersion(info.SubVersion))
	}

	if len(errs) > 0 {
		return out, errors.Join(errs...)
	}
	return out, nil
}

// parseSubVersion extracts the dotted version number from bitcoind's
// subversion string, e.g. "/Satoshi:25.0.0/" -> "25.0.0".
func parseSubVersion(sub string) string {
	s := strings.Trim(sub, "/")
	if idx := strings.LastIndex(s, ":"); idx >= 0 {
		s = s[idx+1:]
	}
	return s
}

// Start launches every background loop; it returns immediately.
func (h *hub) Start(ctx context.Context) {
	go h.poller.RunPeerStatsLoop(ctx, h.cfg.RPCPollInterval)
	go h.poller.RunHeaderGapLoop(ctx, h.cfg.RPCPollInterval)
	go h.aggregator.RunReaperLoop(ctx, h.cfg.PropagationObservationWindow, h.cfg.PropagationFinalizationMinAge)

	go func() {
		h.logger.Info("hub http server listening", zap.String("addr", h.cfg.MetricsAddr))
		if err := h.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("hub http server stopped", zap.Error(err))
		}
	}()
}

// Close shuts the HTTP server down gracefully and releases the
// Postgres/Redis handles.
func (h *hub) Close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.httpServer.Shutdown(shutdownCtx); err != nil {
		h.logger.Warn("http server shutdown failed", zap.Error(err))
	}
	h.db.Close()
	if err := h.redisServer.Close(); err != nil {
		h.logger.Warn("redis close failed", zap.Error(err))
	}
}

// buildMux wires the IngestEndpoint: every edge-produced observation
// crosses the wire through one of these handlers, since only this
// process holds a DATABASE_URL connection (spec.md §2's data-flow line,
// "events queue -> IngestEndpoint -> Store | PropagationAggregator").
func buildMux(db *store.PostgresStore, logger *zap.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var ev model.Event
		if err := decodeJSON(r, &ev); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := db.Dispatch(r.Context(), ev.Host, ev); err != nil {
			// A validation-class rejection means the event is dropped on
			// purpose (bad or missing field); 422 lets the edge tell this
			// apart from a transient dispatch failure so it still advances
			// its cursor instead of retrying a payload that will never
			// become valid.
			if bmonerr.Is(err, bmonerr.KindValidation) {
				logger.Warn("rejecting invalid event", zap.String("host", ev.Host), zap.String("kind", string(ev.Kind)), zap.Error(err))
				http.Error(w, "invalid event: "+err.Error(), http.StatusUnprocessableEntity)
				return
			}
			logger.Error("dispatch failed", zap.String("host", ev.Host), zap.String("kind", string(ev.Kind)), zap.Error(err))
			http.Error(w, "dispatch failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/cursor", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var lp model.LogProgress
			if err := decodeJSON(r, &lp); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if err := db.UpsertLogProgress(r.Context(), lp); err != nil {
				logger.Error("cursor upsert failed", zap.String("host", lp.Host), zap.Error(err))
				http.Error(w, "cursor upsert failed", http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			host := r.URL.Query().Get("host")
			if host == "" {
				http.Error(w, "host query parameter is required", http.StatusBadRequest)
				return
			}
			lp, ok, err := db.GetLogProgress(r.Context(), host)
			if err != nil {
				logger.Error("cursor get failed", zap.String("host", host), zap.Error(err))
				http.Error(w, "cursor get failed", http.StatusInternalServerError)
				return
			}
			if !ok {
				http.Error(w, "no cursor recorded for host", http.StatusNotFound)
				return
			}
			encodeJSON(w, lp)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/peers", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var p model.Peer
		if err := decodeJSON(r, &p); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		stored, err := db.UpsertPeer(r.Context(), p)
		if err != nil {
			logger.Error("peer upsert failed", zap.Int64("host_id", p.HostID), zap.Error(err))
			http.Error(w, "peer upsert failed", http.StatusInternalServerError)
			return
		}
		encodeJSON(w, stored)
	})

	mux.HandleFunc("/peerstats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var st model.PeerStats
		if err := decodeJSON(r, &st); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := db.InsertPeerStats(r.Context(), st); err != nil {
			logger.Error("peer stats insert failed", zap.Int64("host_id", st.HostID), zap.Error(err))
			http.Error(w, "peer stats insert failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/errors", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var pe model.ProcessLineError
		if err := decodeJSON(r, &pe); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		metrics.ProcessLineErrorsTotal.WithLabelValues(pe.Host, pe.Listener).Inc()
		if err := db.InsertProcessLineError(r.Context(), pe); err != nil {
			logger.Error("process line error insert failed", zap.String("host", pe.Host), zap.Error(err))
			http.Error(w, "process line error insert failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	registry := metrics.NewRegistry()
	mux.Handle("/metrics", registry.Handler())

	return mux
}

func decodeJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func encodeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
