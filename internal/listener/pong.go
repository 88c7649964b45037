package listener

import (
	"strings"
	"time"

	"github.com/bitcoinwatch/bmon/internal/model"
)

// PongListener watches for "received: pong" lines as a cheap trigger to
// refresh cached peer information (spec.md §4.3's PeerCache re-sync).
// Unlike every other listener it does not return an Event: it reports the
// peer number through Process's second return value, which Router routes
// to OnPeerNum instead of the event stream. Grounded on logparse.py's
// PongListener.
type PongListener struct {
	IgnoreOlderThan time.Duration
}

// NewPongListener builds a PongListener. A zero ignoreOlderThan disables
// the staleness check.
func NewPongListener(ignoreOlderThan time.Duration) *PongListener {
	return &PongListener{IgnoreOlderThan: ignoreOlderThan}
}

func (l *PongListener) Name() string { return "PongListener" }

func (l *PongListener) Process(line string) (*model.Event, *int64, error) {
	if !strings.Contains(line, " received: pong ") {
		return nil, nil, nil
	}

	ts, err := lineTimestamp(line)
	if err != nil {
		return nil, nil, err
	}
	if l.IgnoreOlderThan > 0 && time.Since(ts) > l.IgnoreOlderThan {
		return nil, nil, nil
	}

	m := peerPattern.re.FindStringSubmatch(line)
	if m == nil {
		return nil, nil, nil
	}
	peerNum := atoi64(m[1])
	return nil, &peerNum, nil
}
