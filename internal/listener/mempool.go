package listener

import (
	"strings"
	"time"

	"github.com/bitcoinwatch/bmon/internal/model"
)

var acceptSubPatterns = []namedPattern{
	peerPattern,
	pat(`\s+accepted (?P<txhash>` + reHash + `)`),
	pat(`poolsz (?P<pool_size_txns>\d+) txn, (?P<pool_size_kb>\d+) kB`),
}

// MempoolAcceptListener extracts "AcceptToMemoryPool: ... accepted ..."
// lines. Grounded on logparse.py's MempoolAcceptListener. This is the
// highest-volume event on the edge, so spec.md §4.5 routes it straight to
// the PropagationAggregator rather than the relational Store.
type MempoolAcceptListener struct {
	// IgnoreOlderThan drops lines whose timestamp is older than now minus
	// this duration, matching the Python listener's optional backstop
	// against replaying a stale log from the beginning.
	IgnoreOlderThan time.Duration
	now             func() time.Time
}

// NewMempoolAcceptListener builds a MempoolAcceptListener. A zero
// ignoreOlderThan disables the staleness check.
func NewMempoolAcceptListener(ignoreOlderThan time.Duration) *MempoolAcceptListener {
	return &MempoolAcceptListener{IgnoreOlderThan: ignoreOlderThan, now: time.Now}
}

func (l *MempoolAcceptListener) Name() string { return "MempoolAcceptListener" }

func (l *MempoolAcceptListener) Process(line string) (*model.Event, *int64, error) {
	if !strings.Contains(line, " AcceptToMemoryPool:") || !strings.Contains(line, " accepted ") {
		return nil, nil, nil
	}

	ts, err := lineTimestamp(line)
	if err != nil {
		return nil, nil, err
	}
	if l.stale(ts) {
		return nil, nil, nil
	}

	m := regexMatch(acceptSubPatterns, line)

	ev := model.Event{
		Timestamp: ts,
		Kind:      model.KindMempoolAccept,
		Payload: model.MempoolAccept{
			TxHash:       m["txhash"],
			PeerNum:      atoi64(m["peer_num"]),
			PoolSizeTxns: atoi64(m["pool_size_txns"]),
			PoolSizeKB:   atoi64(m["pool_size_kb"]),
		},
	}
	return &ev, nil, nil
}

func (l *MempoolAcceptListener) stale(ts time.Time) bool {
	if l.IgnoreOlderThan <= 0 {
		return false
	}
	now := time.Now
	if l.now != nil {
		now = l.now
	}
	return now().Sub(ts) > l.IgnoreOlderThan
}

var rejectSubPatterns = []namedPattern{
	peerPattern,
	pat(`\s+(?P<txhash>` + reHash + `)(\s+\(wtxid=(?P<wtxid>` + reHash + `)\))?\s+from peer`),
	pat(`new feerate\s+(?P<insufficient_feerate>` + reFloat + `)\s+BTC/kvB`),
	pat(`old feerate\s+(?P<old_feerate>` + reFloat + `)\s+BTC/kvB`),
	pat(`not enough additional fees\D+(?P<insufficient_fee>` + reFloat + `)\D+(?P<old_fee>` + reFloat + `)`),
}

// MempoolRejectListener extracts "was not accepted: <reason>" lines and
// classifies the reason into a stable reason_code, matching
// models.MempoolReject.get_reason_reject_code. Grounded on logparse.py's
// MempoolRejectListener.
type MempoolRejectListener struct {
	IgnoreOlderThan time.Duration

	// Cohort reports the host's current policy cohort so pre-taproot
	// standardness-rejection noise can be dropped, matching
	// is_pre_taproot() in the Python original.
	Cohort func() model.PolicyCohort
}

// NewMempoolRejectListener builds a MempoolRejectListener. cohort may be
// nil, in which case no pre-taproot suppression is applied.
func NewMempoolRejectListener(ignoreOlderThan time.Duration, cohort func() model.PolicyCohort) *MempoolRejectListener {
	return &MempoolRejectListener{IgnoreOlderThan: ignoreOlderThan, Cohort: cohort}
}

func (l *MempoolRejectListener) Name() string { return "MempoolRejectListener" }

func (l *MempoolRejectListener) Process(line string) (*model.Event, *int64, error) {
	if !strings.Contains(line, " was not accepted:") || !strings.Contains(line, " from peer=") {
		return nil, nil, nil
	}

	ts, err := lineTimestamp(line)
	if err != nil {
		return nil, nil, err
	}
	if l.IgnoreOlderThan > 0 && time.Since(ts) > l.IgnoreOlderThan {
		return nil, nil, nil
	}

	m := regexMatch(rejectSubPatterns, line)

	parts := strings.SplitN(line, "was not accepted:", 2)
	reason := strings.TrimSpace(parts[len(parts)-1])
	if reason == "" {
		return nil, nil, nil
	}
	reasonCode := mempoolRejectCode(reason)

	if l.Cohort != nil && l.Cohort() == model.PreTaproot {
		switch reasonCode {
		case "scriptpubkey", "non-mandatory-script-verify-flag":
			return nil, nil, nil
		}
	}

	reasonData := map[string]any{}
	if v, ok := m["insufficient_feerate"]; ok {
		reasonData["insufficient_feerate_btc_kvB"] = v
		reasonData["old_feerate_btc_kvB"] = m["old_feerate"]
	}
	if v, ok := m["insufficient_fee"]; ok {
		reasonData["insufficient_fee_btc"] = v
		reasonData["old_fee_btc"] = m["old_fee"]
	}

	ev := model.Event{
		Timestamp: ts,
		Kind:      model.KindMempoolReject,
		Payload: model.MempoolReject{
			TxHash:     m["txhash"],
			WTxID:      m["wtxid"],
			PeerNum:    atoi64(m["peer_num"]),
			Reason:     reason,
			ReasonCode: reasonCode,
			ReasonData: reasonData,
		},
	}
	return &ev, nil, nil
}

// mempoolRejectCode derives a stable rejection code from bitcoind's
// free-form reason string, matching
// models.MempoolReject.get_reason_reject_code exactly.
func mempoolRejectCode(reason string) string {
	fields := strings.Fields(reason)
	code := ""
	if len(fields) > 0 {
		code = strings.TrimSuffix(fields[0], ",")
	}

	if strings.HasPrefix(reason, "insufficient fee") {
		switch {
		case strings.Contains(reason, " new feerate "):
			return "insufficient-feerate"
		case strings.Contains(reason, "not enough additional fees"):
			return "insufficient-fee"
		}
	}

	return code
}
