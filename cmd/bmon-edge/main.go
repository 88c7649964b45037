// Command bmon-edge runs one monitoring process per bitcoind node: it
// tails the daemon's debug.log, classifies each line through the listener
// chain, and forwards what it finds to the hub. Grounded on
// cmd/sprintd/main.go's process shape (zap init, signal-driven graceful
// shutdown, goroutine-per-service background tasks).
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bitcoinwatch/bmon/internal/config"
	"github.com/bitcoinwatch/bmon/internal/cursor"
	"github.com/bitcoinwatch/bmon/internal/fingerprint"
	"github.com/bitcoinwatch/bmon/internal/listener"
	"github.com/bitcoinwatch/bmon/internal/logfollower"
	"github.com/bitcoinwatch/bmon/internal/mempoolarchive"
	"github.com/bitcoinwatch/bmon/internal/metrics"
	"github.com/bitcoinwatch/bmon/internal/model"
	"github.com/bitcoinwatch/bmon/internal/objectstore"
	"github.com/bitcoinwatch/bmon/internal/peercache"
	"github.com/bitcoinwatch/bmon/internal/queue"
	"github.com/bitcoinwatch/bmon/internal/rpcclient"
	"github.com/bitcoinwatch/bmon/internal/rpcpoller"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func main() {
	cfg := config.Load()
	logger := initLogger()
	defer logger.Sync()

	if cfg.Hostname == "" {
		logger.Fatal("HOSTNAME must be set (or resolvable via os.Hostname)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e, err := newEdge(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("edge init failed", zap.Error(err))
	}

	e.Start(ctx)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	<-sigs

	logger.Info("shutting down edge", zap.String("host", cfg.Hostname))
	cancel()
	e.Close()
	logger.Info("edge shutdown complete")
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

// edge bundles every long-lived component one bmon-edge process owns.
type edge struct {
	cfg    config.Config
	logger *zap.Logger

	follower   *logfollower.Follower
	router     *listener.Router
	cursorMgr  *cursor.Manager
	peerCache  *peercache.Cache
	ingest     *ingestClient
	rpcClient  *rpcclient.Client
	archive    *mempoolarchive.Writer
	objStore   objectstore.Store
	eventsQ    *queue.Pool
	mempoolQ   *queue.Pool
	redisLocal *redis.Client

	cohort model.PolicyCohort
}

func newEdge(ctx context.Context, cfg config.Config, logger *zap.Logger) (*edge, error) {
	redisOpts, err := redis.ParseURL(cfg.RedisLocalURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_LOCAL_URL: %w", err)
	}
	redisLocal := redis.NewClient(redisOpts)

	hubURL := os.Getenv("BMON_HUB_URL")
	if hubURL == "" {
		hubURL = "http://127.0.0.1:8089"
	}
	ingest := newIngestClient(hubURL)

	cohort := resolveCohort(cfg.BitcoindVersionPath, logger)

	rpcClient := rpcclient.New(rpcclient.Config{
		Host:     cfg.RPCHost,
		Port:     cfg.RPCPort,
		User:     cfg.RPCUser,
		Password: cfg.RPCPassword,
		Timeout:  cfg.RPCTimeout,
		Retries:  cfg.RPCRetries,
	}, logger)

	poller := rpcpoller.New(
		map[string]*rpcclient.Client{cfg.Hostname: rpcClient},
		ingest,
		func(string) (int64, bool) { return 0, false }, // only ResolvePeers is used edge-side
		logger,
	)
	peerCache := peercache.New(poller, logger)

	objStore, err := buildObjectStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("build object store: %w", err)
	}

	archive, err := mempoolarchive.New(cfg.MempoolActivityCachePath, objStore, logger)
	if err != nil {
		return nil, fmt.Errorf("build mempool archive: %w", err)
	}

	cursorMgr := cursor.New(cfg.Hostname, redisLocal, ingest, logger)

	router := buildRouter(cfg, logger, peerCache, ingest, func() model.PolicyCohort { return cohort })

	return &edge{
		cfg:        cfg,
		logger:     logger,
		follower:   logfollower.New(cfg.BitcoindLogPath, logger),
		router:     router,
		cursorMgr:  cursorMgr,
		peerCache:  peerCache,
		ingest:     ingest,
		rpcClient:  rpcClient,
		archive:    archive,
		objStore:   objStore,
		eventsQ:    queue.New("events", cfg.EventQueueWorkers, 0, logger),
		mempoolQ:   queue.New("mempool", cfg.MempoolQueueWorkers, 0, logger),
		redisLocal: redisLocal,
		cohort:     cohort,
	}, nil
}

func resolveCohort(versionPath string, logger *zap.Logger) model.PolicyCohort {
	if versionPath == "" {
		return model.PostTaproot
	}
	raw, err := os.ReadFile(versionPath)
	if err != nil {
		logger.Warn("could not read bitcoind version file; defaulting cohort",
			zap.String("path", versionPath), zap.Error(err))
		return model.PostTaproot
	}
	return model.CohortForVersion(strings.TrimSpace(string(raw)))
}

func buildObjectStore(ctx context.Context, cfg config.Config) (objectstore.Store, error) {
	if cfg.ObjectStoreBackend != "s3" {
		return objectstore.NewLocalStore(cfg.ObjectStoreDir)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	prefix := fmt.Sprintf("mempool_events/source=bmon/dt=%s", time.Now().UTC().Format("2006-01-02"))
	return objectstore.NewS3Store(cfg.ObjectStoreBucket, prefix, client), nil
}

func buildRouter(cfg config.Config, logger *zap.Logger, peerCache *peercache.Cache, ingest *ingestClient, cohort func() model.PolicyCohort) *listener.Router {
	r := listener.NewRouter(cfg.Hostname, logger,
		listener.NewConnectBlockListener(),
		listener.NewHeaderToTipListener(logger),
		listener.NewReorgListener(logger),
		listener.NewBlockConnectedListener(),
		listener.NewBlockDisconnectedListener(),
		listener.NewBlockDownloadTimeoutListener(),
		listener.NewMempoolAcceptListener(0),
		listener.NewMempoolRejectListener(0, cohort),
		listener.NewPongListener(0),
	)

	r.OnPeerNum = func(peerNum int64) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := peerCache.Invalidate(ctx, cfg.Hostname); err != nil {
				logger.Warn("peer resync after pong failed", zap.Error(err))
			}
		}()
	}
	r.OnLineError = func(pe model.ProcessLineError) {
		metrics.ProcessLineErrorsTotal.WithLabelValues(pe.Host, pe.Listener).Inc()
		go func(pe model.ProcessLineError) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := ingest.PostProcessLineError(ctx, pe); err != nil {
				logger.Error("failed to forward process line error to hub", zap.Error(err))
			}
		}(pe)
	}
	return r
}

// Start launches every background loop; it returns immediately.
func (e *edge) Start(ctx context.Context) {
	if err := e.cursorMgr.Bootstrap(ctx); err != nil {
		e.logger.Warn("cursor bootstrap from store failed; starting from the beginning", zap.Error(err))
	}

	go e.runFollow(ctx)
	go e.cursorMgr.RunFlushLoop(ctx, time.Minute)
	go e.archive.RunRollLoop(ctx, e.cfg.MempoolRollInterval)
	e.eventsQ.Start(ctx)
	e.mempoolQ.Start(ctx)
	go e.runDepthGauge(ctx)
}

func (e *edge) runDepthGauge(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.EventQueueDepth.WithLabelValues(e.cfg.Hostname).Set(float64(e.eventsQ.Depth()))
			metrics.MempoolQueueDepth.WithLabelValues(e.cfg.Hostname).Set(float64(e.mempoolQ.Depth()))
			if fi, err := os.Stat(e.cfg.BitcoindLogPath); err == nil {
				metrics.DebugLogSize.WithLabelValues(e.cfg.Hostname).Set(float64(fi.Size()))
			}
		}
	}
}

func (e *edge) runFollow(ctx context.Context) {
	startFP, _, ok, err := e.cursorMgr.Get(ctx)
	if err != nil {
		e.logger.Warn("could not read cached cursor; starting from the beginning", zap.Error(err))
	}
	if !ok {
		startFP = fingerprint.Fingerprint{}
	}

	lines, errCh := e.follower.Follow(ctx, startFP)
	for {
		select {
		case <-ctx.Done():
			return
		case line, open := <-lines:
			if !open {
				if err := <-errCh; err != nil {
					e.logger.Error("logfollower stopped with error", zap.Error(err))
				}
				return
			}
			e.handleLine(ctx, line)
		}
	}
}

func (e *edge) handleLine(ctx context.Context, line logfollower.Line) {
	metrics.LastLogSeenAt.WithLabelValues(e.cfg.Hostname).Set(float64(line.SeenAt.Unix()))

	events := e.router.Process(line.Text)
	for _, ev := range events {
		ev := ev
		if ev.Kind == model.KindMempoolAccept {
			e.dispatchMempoolAccept(ctx, line, ev)
			continue
		}
		e.dispatchEvent(ctx, line, ev)
	}
}

// dispatchEvent forwards a low-volume event to the hub, advancing the
// cursor once the hub has accepted it (spec.md §4.3's ordering invariant).
// A hub-side validation rejection (ErrEventRejected) is the one case where
// the cursor advances anyway: the event is dropped for good reason and
// redelivering it would only dead-letter the same poison pill forever.
// Any other failure (hub unreachable, transient store error) leaves the
// cursor where it is so the queue's redelivery can retry it later.
func (e *edge) dispatchEvent(ctx context.Context, line logfollower.Line, ev model.Event) {
	fp, seenAt := line.Fingerprint, line.SeenAt
	err := e.eventsQ.Submit(ctx, func(ctx context.Context) error {
		err := e.ingest.PostEvent(ctx, ev)
		switch {
		case err == nil:
			return e.cursorMgr.Mark(ctx, fp, seenAt)
		case errors.Is(err, ErrEventRejected):
			e.logger.Warn("hub rejected event; dropping and advancing cursor",
				zap.String("host", ev.Host), zap.String("kind", string(ev.Kind)), zap.Error(err))
			return e.cursorMgr.Mark(ctx, fp, seenAt)
		default:
			return fmt.Errorf("forward %s: %w", ev.Kind, err)
		}
	})
	if err != nil {
		e.logger.Error("events queue submit failed", zap.Error(err))
	}
}

// dispatchMempoolAccept fans the same observation out to both queues: the
// mempool queue appends it to the local archive and marks the cursor
// immediately (the accepted lossy approximation for this high-volume
// path), while the events queue still forwards it to the hub so
// PropagationAggregator.MarkSeen runs centrally.
func (e *edge) dispatchMempoolAccept(ctx context.Context, line logfollower.Line, ev model.Event) {
	payload, ok := ev.Payload.(model.MempoolAccept)
	if !ok {
		e.logger.Error("mempool accept event carried unexpected payload type")
		return
	}

	fp, seenAt := line.Fingerprint, line.SeenAt
	if err := e.cursorMgr.Mark(ctx, fp, seenAt); err != nil {
		e.logger.Error("cursor mark at mempool enqueue failed", zap.Error(err))
	}

	if err := e.mempoolQ.Submit(ctx, func(ctx context.Context) error {
		return e.archive.Append(ev.Host, ev.Timestamp, payload)
	}); err != nil {
		e.logger.Error("mempool queue submit failed", zap.Error(err))
	}

	if err := e.eventsQ.Submit(ctx, func(ctx context.Context) error {
		return e.ingest.PostEvent(ctx, ev)
	}); err != nil {
		e.logger.Error("events queue submit failed for mempool accept forward", zap.Error(err))
	}
}

// Close drains both queues and releases the archive/redis handles.
func (e *edge) Close() {
	e.eventsQ.Close()
	e.mempoolQ.Close()
	if err := e.archive.Close(); err != nil {
		e.logger.Warn("mempool archive close failed", zap.Error(err))
	}
	if err := e.redisLocal.Close(); err != nil {
		e.logger.Warn("redis close failed", zap.Error(err))
	}
}
