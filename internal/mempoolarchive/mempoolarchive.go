// Package mempoolarchive appends every MempoolAccept event to a rolling
// Avro object-container file, the bulk archival path spec.md §6
// describes for the edge's high-volume mempool queue. Grounded on
// models.py's mempool_activity_avro_schema and the fastavro.writer/
// fastavro.reader round trip test_logparse.py exercises; hamba/avro/v2's
// ocf subpackage is the Go equivalent object-container-file writer.
package mempoolarchive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hamba/avro/v2"
	"github.com/hamba/avro/v2/ocf"
	"go.uber.org/zap"

	"github.com/bitcoinwatch/bmon/internal/metrics"
	"github.com/bitcoinwatch/bmon/internal/model"
)

// schemaJSON mirrors models.py's mempool_activity_avro_schema field for
// field, including its nullable peer_num/pool_size_* fields (absent on
// hosts too old to report them).
const schemaJSON = `{
	"type": "record",
	"name": "Mempool",
	"doc": "Bitcoind mempool activity",
	"fields": [
		{"name": "event_type", "type": {"type": "enum", "name": "event_type", "symbols": ["mempool_accept"]}},
		{"name": "host", "type": "string"},
		{"name": "timestamp", "type": {"type": "long", "logicalType": "timestamp-micros"}},
		{"name": "txhash", "type": "string"},
		{"name": "peer_num", "type": ["null", "int"]},
		{"name": "pool_size_txns", "type": ["null", "int"]},
		{"name": "pool_size_kb", "type": ["null", "int"]}
	]
}`

var schema = avro.MustParse(schemaJSON)

// record is the Go value hamba/avro encodes against schema; field names
// and union-nullable typing must match it exactly.
type record struct {
	EventType    string `avro:"event_type"`
	Host         string `avro:"host"`
	Timestamp    time.Time `avro:"timestamp"`
	TxHash       string `avro:"txhash"`
	PeerNum      *int32 `avro:"peer_num"`
	PoolSizeTxns *int32 `avro:"pool_size_txns"`
	PoolSizeKB   *int32 `avro:"pool_size_kb"`
}

func toRecord(host string, at time.Time, m model.MempoolAccept) record {
	return record{
		EventType:    "mempool_accept",
		Host:         host,
		Timestamp:    at.UTC(),
		TxHash:       m.TxHash,
		PeerNum:      int32Ptr(m.PeerNum),
		PoolSizeTxns: int32Ptr(m.PoolSizeTxns),
		PoolSizeKB:   int32Ptr(m.PoolSizeKB),
	}
}

func int32Ptr(v int64) *int32 {
	if v == 0 {
		return nil
	}
	n := int32(v)
	return &n
}

// Shipper uploads a rolled, closed archive file. Implemented by
// internal/objectstore.
type Shipper interface {
	Ship(path string) error
}

// Writer owns the single "current" archive file under dir. Append may be
// called from several goroutines at once (the mempool queue's workers);
// a sync.Mutex serializes appends and rolls. The mutex stands in for the
// spec's named cross-process TTL lock: this edge runs the roll+append
// path inside a single process, so an in-process mutex is the correct
// simplification (the original's lock exists to guard multiple worker
// processes sharing one host).
type Writer struct {
	dir     string
	shipper Shipper
	logger  *zap.Logger

	mu  sync.Mutex
	cur *ocf.Encoder
	f   *os.File
}

// New builds a Writer rooted at dir (MEMPOOL_ACTIVITY_CACHE_PATH),
// opening (or creating) the current archive file.
func New(dir string, shipper Shipper, logger *zap.Logger) (*Writer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mempoolarchive: mkdir %s: %w", dir, err)
	}
	w := &Writer{dir: dir, shipper: shipper, logger: logger}
	if err := w.openCurrent(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) currentPath() string {
	return filepath.Join(w.dir, "current.avro")
}

func (w *Writer) openCurrent() error {
	f, err := os.OpenFile(w.currentPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("mempoolarchive: open current file: %w", err)
	}
	enc, err := ocf.NewEncoderWithSchema(schema, f)
	if err != nil {
		f.Close()
		return fmt.Errorf("mempoolarchive: new ocf encoder: %w", err)
	}
	w.f = f
	w.cur = enc
	return nil
}

// Append encodes one MempoolAccept event into the current archive file.
func (w *Writer) Append(host string, at time.Time, m model.MempoolAccept) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.cur.Encode(toRecord(host, at, m)); err != nil {
		return fmt.Errorf("mempoolarchive: encode record: %w", err)
	}
	metrics.MempoolActivityCacheSize.WithLabelValues(host).Inc()
	return nil
}

// Roll closes the current file, renames it to a timestamped name, hands
// it to the Shipper, and opens a fresh current file. Call this from a
// single ticker-driven goroutine (the RunRollLoop below), never
// concurrently with itself.
func (w *Writer) Roll(at time.Time) error {
	w.mu.Lock()
	if err := w.cur.Flush(); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("mempoolarchive: flush before roll: %w", err)
	}
	if err := w.f.Close(); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("mempoolarchive: close current file: %w", err)
	}

	stamp := at.UTC().Format(time.RFC3339)
	toShip := filepath.Join(w.dir, fmt.Sprintf("to-ship.%s.avro", stamp))
	if err := os.Rename(w.currentPath(), toShip); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("mempoolarchive: rename rolled file: %w", err)
	}

	err := w.openCurrent()
	if err == nil {
		metrics.MempoolActivityCacheSize.Reset()
	}
	w.mu.Unlock()
	if err != nil {
		return err
	}

	if w.shipper == nil {
		return nil
	}
	if err := w.shipper.Ship(toShip); err != nil {
		w.logger.Error("mempool archive ship failed", zap.String("path", toShip), zap.Error(err))
		return err
	}

	shipped := filepath.Join(w.dir, fmt.Sprintf("shipped.%s.avro", stamp))
	return os.Rename(toShip, shipped)
}

// RunRollLoop rolls the archive on a fixed interval (default 120
// minutes, per spec.md's ship cadence) until ctx is cancelled.
func (w *Writer) RunRollLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 120 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			if err := w.Roll(t); err != nil {
				w.logger.Error("mempool archive roll failed", zap.Error(err))
			}
		}
	}
}

// Close flushes and closes the current file without rolling or
// shipping it; callers that want a final ship should call Roll first.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.cur.Flush(); err != nil {
		return err
	}
	return w.f.Close()
}
