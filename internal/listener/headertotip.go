package listener

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bitcoinwatch/bmon/internal/model"
)

var headerPatterns = []namedPattern{
	pat(`hash=(?P<blockhash>` + reHash + `)`),
	pat(`height=(?P<height>\d+)`),
}

var reconstructPatterns = []namedPattern{
	pat(`block (?P<blockhash>` + reHash + `)`),
	pat(`(?P<num_prefilled>\d+) txn prefilled`),
	pat(`(?P<num_from_mempool>\d+) txn from mempool`),
	pat(`(?P<num_requested>\d+) txn requested`),
}

var tipPatterns = []namedPattern{
	pat(`best=(?P<blockhash>` + reHash + `) `),
	pat(`date='(?P<blocktime>\S+)'`),
}

// HeaderToTipListener measures the time between first seeing a block's
// header and adopting it as the chain tip, via a 3-landmark state machine:
// "Saw new header" starts a pending record, "Successfully reconstructed
// block" fills in the compact-block reconstruction time, and "UpdateTip: "
// completes it. Grounded on logparse.py's HeaderToTipListener, including
// its subtlety that a blockhash mismatch at landmarks 2/3 only logs and
// ignores the line — it does not clear the pending record. Only a new "Saw
// new header" line replaces it.
type HeaderToTipListener struct {
	pending *pendingHeaderToTip
	logger  *zap.Logger
}

type pendingHeaderToTip struct {
	blockHash string
	height    int64

	sawHeaderAt        time.Time
	reconstructBlockAt time.Time

	reconstructionData map[string]any
}

// NewHeaderToTipListener builds a HeaderToTipListener.
func NewHeaderToTipListener(logger *zap.Logger) *HeaderToTipListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HeaderToTipListener{logger: logger}
}

func (l *HeaderToTipListener) Name() string { return "HeaderToTipListener" }

func (l *HeaderToTipListener) Process(line string) (*model.Event, *int64, error) {
	if strings.Contains(line, "Saw new header") {
		m := regexMatch(headerPatterns, line)
		ts, err := lineTimestamp(line)
		if err != nil {
			return nil, nil, err
		}

		if l.pending != nil {
			l.logger.Error("interrupting header-to-tip measurement",
				zap.String("old_blockhash", l.pending.blockHash))
		}

		l.pending = &pendingHeaderToTip{
			blockHash:   m["blockhash"],
			height:      atoi64(m["height"]),
			sawHeaderAt: ts,
		}
	}

	if l.pending == nil {
		return nil, nil, nil
	}

	switch {
	case strings.Contains(line, "Successfully reconstructed block"):
		return l.onReconstruct(line)
	case strings.Contains(line, updateTipStart):
		return l.onTip(line)
	}
	return nil, nil, nil
}

func (l *HeaderToTipListener) onReconstruct(line string) (*model.Event, *int64, error) {
	m := regexMatch(reconstructPatterns, line)
	ts, err := lineTimestamp(line)
	if err != nil {
		return nil, nil, err
	}

	if m["blockhash"] != l.pending.blockHash {
		l.logger.Error("reconstruction blockhash mismatch",
			zap.String("pending", l.pending.blockHash),
			zap.String("got", m["blockhash"]))
		return nil, nil, nil
	}
	delete(m, "blockhash")

	l.pending.reconstructBlockAt = ts
	data := map[string]any{}
	for k, v := range m {
		data[k] = v
	}
	l.pending.reconstructionData = data

	return nil, nil, nil
}

func (l *HeaderToTipListener) onTip(line string) (*model.Event, *int64, error) {
	m := regexMatch(tipPatterns, line)
	ts, err := lineTimestamp(line)
	if err != nil {
		return nil, nil, err
	}

	if m["blockhash"] != l.pending.blockHash {
		l.logger.Error("tip blockhash mismatch",
			zap.String("pending", l.pending.blockHash),
			zap.String("got", m["blockhash"]))
		return nil, nil, nil
	}

	p := l.pending
	headerToTipSecs := ts.Sub(p.sawHeaderAt).Seconds()

	var blockToTipSecs float64
	if !p.reconstructBlockAt.IsZero() {
		blockToTipSecs = ts.Sub(p.reconstructBlockAt).Seconds()
	}

	var headerToBlockSecs float64
	if !p.reconstructBlockAt.IsZero() {
		headerToBlockSecs = p.reconstructBlockAt.Sub(p.sawHeaderAt).Seconds()
	}

	var blockTimeMinusHeaderSecs float64
	if blockTimeStr, ok := m["blocktime"]; ok {
		if blockTime, err := parseTimestamp(blockTimeStr); err == nil {
			blockTimeMinusHeaderSecs = blockTime.Sub(p.sawHeaderAt).Seconds()
		}
	}

	ev := model.Event{
		Timestamp: ts,
		Kind:      model.KindHeaderToTip,
		Payload: model.HeaderToTip{
			BlockHash:                p.blockHash,
			Height:                   p.height,
			SawHeaderAt:              p.sawHeaderAt,
			ReconstructBlockAt:       p.reconstructBlockAt,
			TipAt:                    ts,
			HeaderToBlockSecs:        headerToBlockSecs,
			BlockToTipSecs:           blockToTipSecs,
			HeaderToTipSecs:          headerToTipSecs,
			BlockTimeMinusHeaderSecs: blockTimeMinusHeaderSecs,
			ReconstructionData:       p.reconstructionData,
		},
	}

	l.pending = nil
	return &ev, nil, nil
}

