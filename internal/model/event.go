// Package model holds the data types shared across the edge and hub:
// events, hosts, peers, cursors, and propagation records. Grounded on
// original_source/bmon/models.py and mempool.py.
package model

import "time"

// Kind discriminates the Event payload, serialized on the wire as the
// "_model" field per spec.md §6 ("Durable event queue").
type Kind string

const (
	KindConnectBlock          Kind = "ConnectBlock"
	KindConnectBlockDetails   Kind = "ConnectBlockDetails"
	KindBlockConnected        Kind = "BlockConnected"
	KindBlockDisconnected     Kind = "BlockDisconnected"
	KindReorg                 Kind = "Reorg"
	KindMempoolAccept         Kind = "MempoolAccept"
	KindMempoolReject         Kind = "MempoolReject"
	KindBlockDownloadTimeout  Kind = "BlockDownloadTimeout"
	KindHeaderToTip           Kind = "HeaderToTip"
	KindPongSeen              Kind = "PongSeen"
)

// Event is the tagged variant every listener produces. Host and Timestamp
// are carried by every kind; Payload holds the kind-specific fields.
type Event struct {
	Host      string    `json:"host"`
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"_model"`
	Payload   any       `json:"payload"`
}

// ConnectBlock is emitted once per UpdateTip line.
type ConnectBlock struct {
	BlockHash    string  `json:"blockhash"`
	Height       int64   `json:"height"`
	Log2Work     float64 `json:"log2_work"`
	TotalTxCount int64   `json:"total_tx_count"`
	Version      string  `json:"version,omitempty"`
	BlockDate    time.Time `json:"block_date"`
	CacheMiB     float64 `json:"cache_mib,omitempty"`
	CacheTxo     int64   `json:"cache_txo"`
	Warning      string  `json:"warning,omitempty"`
}

// ConnectBlockDetails accumulates the "- <label>: <float>ms" timing lines
// that follow an UpdateTip line, and is flushed as an event when the
// terminal "- Connect block:" line arrives. Field names mirror the ones
// original_source/bmon/logparse.py's ConnectBlockListener._detail_patts
// extracts, one field per named timing sub-pattern.
type ConnectBlockDetails struct {
	BlockHash string `json:"blockhash"`
	Height    int64  `json:"height"`

	LoadBlockFromDiskMs  float64 `json:"load_block_from_disk_time_ms"`
	SanityChecksMs       float64 `json:"sanity_checks_time_ms"`
	ForkChecksMs         float64 `json:"fork_checks_time_ms"`
	ConnectTxsMs         float64 `json:"connect_txs_time_ms"`
	VerifyMs             float64 `json:"verify_time_ms"`
	IndexWritingMs       float64 `json:"index_writing_time_ms"`
	ConnectTotalMs       float64 `json:"connect_total_time_ms"`
	FlushCoinsMs         float64 `json:"flush_coins_time_ms"`
	FlushChainstateMs    float64 `json:"flush_chainstate_time_ms"`
	ConnectPostprocessMs float64 `json:"connect_postprocess_time_ms"`
	ConnectBlockTotalMs  float64 `json:"connectblock_total_time_ms"`

	TxCount   int64 `json:"tx_count"`
	TxinCount int64 `json:"txin_count"`
}

// BlockConnectedDisconnected is the shared payload for BlockConnected and
// BlockDisconnected events, and the unit the Reorg reducer consumes.
type BlockConnectedDisconnected struct {
	BlockHash string `json:"blockhash"`
	Height    int64  `json:"height"`
}

// Reorg is emitted once a balanced disconnect/connect sequence completes.
type Reorg struct {
	FinishedAt      time.Time `json:"finished_at"`
	MinHeight       int64     `json:"min_height"`
	MaxHeight       int64     `json:"max_height"`
	OldBlockHashes  []string  `json:"old_blockhashes"`
	NewBlockHashes  []string  `json:"new_blockhashes"`
}

// MempoolAccept is the high-volume event routed around the relational
// Store and straight to the PropagationAggregator (spec.md §4.5).
type MempoolAccept struct {
	TxHash       string `json:"txhash"`
	PeerNum      int64  `json:"peer_num,omitempty"`
	PoolSizeTxns int64  `json:"pool_size_txns,omitempty"`
	PoolSizeKB   int64  `json:"pool_size_kb,omitempty"`
}

// MempoolReject carries the classified rejection reason.
type MempoolReject struct {
	TxHash     string         `json:"txhash"`
	WTxID      string         `json:"wtxid,omitempty"`
	PeerNum    int64          `json:"peer_num"`
	Reason     string         `json:"reason"`
	ReasonCode string         `json:"reason_code"`
	ReasonData map[string]any `json:"reason_data,omitempty"`
}

// BlockDownloadTimeout is emitted for "Timeout downloading block " lines.
type BlockDownloadTimeout struct {
	BlockHash string `json:"blockhash"`
	PeerNum   int64  `json:"peer_num"`
}

// HeaderToTip is emitted once the header/reconstruct/tip landmark triple
// completes for one block.
type HeaderToTip struct {
	BlockHash string `json:"blockhash"`
	Height    int64  `json:"height"`

	SawHeaderAt        time.Time `json:"saw_header_at"`
	ReconstructBlockAt time.Time `json:"reconstruct_block_at"`
	TipAt              time.Time `json:"tip_at"`

	HeaderToBlockSecs       float64 `json:"header_to_block_secs"`
	BlockToTipSecs          float64 `json:"block_to_tip_secs"`
	HeaderToTipSecs         float64 `json:"header_to_tip_secs"`
	BlockTimeMinusHeaderSecs float64 `json:"blocktime_minus_header_secs"`

	ReconstructionData map[string]any `json:"reconstruction_data,omitempty"`
}

// PongSeen never reaches the Store; it only triggers a peer re-sync.
type PongSeen struct {
	PeerNum int64 `json:"peer_num"`
}
