package listener

import (
	"strconv"
	"strings"

	"github.com/bitcoinwatch/bmon/internal/model"
)

// updateTipStart marks the log line ConnectBlockListener special-cases: it
// carries enough fields to emit a ConnectBlock event in one shot.
const updateTipStart = "UpdateTip: "

var updateTipPatterns = []namedPattern{
	pat(`new\s+best=(?P<blockhash>` + reHash + `)\s+`),
	pat(`\s+height=(?P<height>\d+)\s+`),
	pat(`\s+version=(?P<version>` + reHex + `)\s+`), // 0.13+
	pat(`\s+tx=(?P<total_tx_count>\d+)\s+`),
	pat(`\s+date='?(?P<date>[0-9-]+ [0-9:]+)'?\s+`), // early date format
	pat(`\s+date='(?P<date2>` + reNotQuote + `)'\s+`), // later date format
	pat(`\s+cache=(?P<cachesize_mib>` + reFloat + `)MiB\((?P<cachesize_txo>\d+)txo?\)`),
	pat(`\s+warning='(?P<warning>` + reNotQuote + `)'`),
	pat(`\s+cache=(?P<cachesize_txo_bare>\d+)\s*$`),
	pat(`\s+log2_work=(?P<log2_work>` + reFloat + `) `),
}

// detailPattern pairs one of ConnectBlockDetails' timing sub-patterns with
// the setter that applies a successful match onto the accumulator. Only the
// first pattern to match a line is applied, mirroring logparse.py's
// for-loop-with-break over _detail_patts.
type detailPattern struct {
	re    namedPattern
	apply func(acc *model.ConnectBlockDetails, m map[string]string) bool // returns true if this was the terminal flush line
}

var detailPatterns = []detailPattern{
	{pat(`- Load block from disk: (?P<v>` + reFloat + `)ms `), setFloat(func(a *model.ConnectBlockDetails) *float64 { return &a.LoadBlockFromDiskMs })},
	{pat(`- Sanity checks: (?P<v>` + reFloat + `)ms `), setFloat(func(a *model.ConnectBlockDetails) *float64 { return &a.SanityChecksMs })},
	{pat(`- Fork checks: (?P<v>` + reFloat + `)ms `), setFloat(func(a *model.ConnectBlockDetails) *float64 { return &a.ForkChecksMs })},
	{pat(`- Connect (?P<tx_count>\d+) transactions: (?P<v>` + reFloat + `)ms `), func(acc *model.ConnectBlockDetails, m map[string]string) bool {
		acc.TxCount = atoi64(m["tx_count"])
		acc.ConnectTxsMs = atof(m["v"])
		return false
	}},
	{pat(`- Verify (?P<txin_count>\d+) txins: (?P<v>` + reFloat + `)ms `), func(acc *model.ConnectBlockDetails, m map[string]string) bool {
		acc.TxinCount = atoi64(m["txin_count"])
		acc.VerifyMs = atof(m["v"])
		return false
	}},
	{pat(`- Index writing: (?P<v>` + reFloat + `)ms `), setFloat(func(a *model.ConnectBlockDetails) *float64 { return &a.IndexWritingMs })},
	{pat(`- Connect total: (?P<v>` + reFloat + `)ms `), setFloat(func(a *model.ConnectBlockDetails) *float64 { return &a.ConnectTotalMs })},
	{pat(`- Flush: (?P<v>` + reFloat + `)ms `), setFloat(func(a *model.ConnectBlockDetails) *float64 { return &a.FlushCoinsMs })},
	{pat(`- Writing chainstate: (?P<v>` + reFloat + `)ms `), setFloat(func(a *model.ConnectBlockDetails) *float64 { return &a.FlushChainstateMs })},
	{pat(`- Connect postprocess: (?P<v>` + reFloat + `)ms `), setFloat(func(a *model.ConnectBlockDetails) *float64 { return &a.ConnectPostprocessMs })},
	// Terminal: flushes the accumulator as an event.
	{pat(`- Connect block: (?P<v>` + reFloat + `)ms `), func(acc *model.ConnectBlockDetails, m map[string]string) bool {
		acc.ConnectBlockTotalMs = atof(m["v"])
		return true
	}},
}

func setFloat(field func(*model.ConnectBlockDetails) *float64) func(*model.ConnectBlockDetails, map[string]string) bool {
	return func(acc *model.ConnectBlockDetails, m map[string]string) bool {
		*field(acc) = atof(m["v"])
		return false
	}
}

func atof(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func atoi64(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

// ConnectBlockListener extracts two logical streams sharing one block
// identity (spec.md §4.2): a ConnectBlock per UpdateTip line, and a
// ConnectBlockDetails accumulator keyed by the most recent UpdateTip's
// blockhash/height, flushed when the terminal "- Connect block:" line
// arrives. Grounded on logparse.py's ConnectBlockListener.
type ConnectBlockListener struct {
	currentHeight    int64
	currentBlockhash string
	haveCurrent      bool

	acc model.ConnectBlockDetails
}

// NewConnectBlockListener returns a fresh, per-edge ConnectBlockListener.
func NewConnectBlockListener() *ConnectBlockListener {
	return &ConnectBlockListener{}
}

func (l *ConnectBlockListener) Name() string { return "ConnectBlockListener" }

func (l *ConnectBlockListener) Process(line string) (*model.Event, *int64, error) {
	if strings.Contains(line, updateTipStart) {
		return l.processUpdateTip(line)
	}
	return l.processDetailLine(line)
}

func (l *ConnectBlockListener) processUpdateTip(line string) (*model.Event, *int64, error) {
	m := regexMatch(updateTipPatterns, line)
	if date2, ok := m["date2"]; ok {
		m["date"] = date2
	}

	// 0.12 emits UpdateTip lines that just display the warning; skip
	// those, matching logparse.py's "height" not in matchgroups check.
	height, ok := m["height"]
	if !ok {
		return nil, nil, nil
	}

	ts, err := lineTimestamp(line)
	if err != nil {
		return nil, nil, err
	}

	newHeight := atoi64(height)
	newBlockhash := m["blockhash"]

	// A new UpdateTip means any partial ConnectBlockDetails accumulated for
	// the previous block's identity is stale and must be discarded: its
	// terminal "- Connect block:" line will never arrive now that tip has
	// moved on (spec.md's "Unflushed partial accumulators are discarded
	// when a new UpdateTip arrives").
	if l.haveCurrent && (l.currentHeight != newHeight || l.currentBlockhash != newBlockhash) {
		l.acc = model.ConnectBlockDetails{}
	}

	l.currentHeight = newHeight
	l.currentBlockhash = newBlockhash
	l.haveCurrent = true

	cb := model.ConnectBlock{
		BlockHash:    l.currentBlockhash,
		Height:       l.currentHeight,
		Log2Work:     atof(m["log2_work"]),
		TotalTxCount: atoi64(m["total_tx_count"]),
		Version:      m["version"],
		Warning:      m["warning"],
	}

	if mib, ok := m["cachesize_mib"]; ok {
		cb.CacheMiB = atof(mib)
		cb.CacheTxo = atoi64(m["cachesize_txo"])
	} else if bare, ok := m["cachesize_txo_bare"]; ok {
		cb.CacheTxo = atoi64(bare)
	}

	if dateStr, ok := m["date"]; ok {
		if d, err := parseTimestamp(strings.Trim(dateStr, "'")); err == nil {
			cb.BlockDate = d
		}
	}

	return &model.Event{Timestamp: ts, Kind: model.KindConnectBlock, Payload: cb}, nil, nil
}

func (l *ConnectBlockListener) processDetailLine(line string) (*model.Event, *int64, error) {
	for _, dp := range detailPatterns {
		m := dp.re.re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		named := map[string]string{}
		for i, name := range dp.re.re.SubexpNames() {
			if i == 0 || name == "" {
				continue
			}
			named[name] = m[i]
		}

		terminal := dp.apply(&l.acc, named)
		if !terminal {
			return nil, nil, nil
		}

		// processUpdateTip resets l.acc whenever tip moves to a new
		// identity, so by the time a terminal line flushes here the
		// accumulator only ever holds data for the current block.
		// l.haveCurrent just guards the case where no UpdateTip has
		// been seen at all yet.
		if !l.haveCurrent {
			l.acc = model.ConnectBlockDetails{}
			return nil, nil, nil
		}

		ts, err := lineTimestamp(line)
		if err != nil {
			return nil, nil, err
		}

		l.acc.BlockHash = l.currentBlockhash
		l.acc.Height = l.currentHeight
		completed := l.acc
		l.acc = model.ConnectBlockDetails{}

		return &model.Event{Timestamp: ts, Kind: model.KindConnectBlockDetails, Payload: completed}, nil, nil
	}
	return nil, nil, nil
}
