package listener

import (
	"strings"

	"github.com/bitcoinwatch/bmon/internal/model"
)

var blockTimeoutPatterns = []namedPattern{
	pat(`block (?P<blockhash>` + reHash + `)`),
	peerPattern,
}

// BlockDownloadTimeoutListener extracts "Timeout downloading block ...
// from peer=N, disconnecting" lines. Grounded on logparse.py's
// BlockDownloadTimeoutListener.
type BlockDownloadTimeoutListener struct{}

// NewBlockDownloadTimeoutListener builds a BlockDownloadTimeoutListener.
func NewBlockDownloadTimeoutListener() *BlockDownloadTimeoutListener {
	return &BlockDownloadTimeoutListener{}
}

func (l *BlockDownloadTimeoutListener) Name() string { return "BlockDownloadTimeoutListener" }

func (l *BlockDownloadTimeoutListener) Process(line string) (*model.Event, *int64, error) {
	if !strings.Contains(line, "Timeout downloading block ") {
		return nil, nil, nil
	}

	ts, err := lineTimestamp(line)
	if err != nil {
		return nil, nil, err
	}
	m := regexMatch(blockTimeoutPatterns, line)

	ev := model.Event{
		Timestamp: ts,
		Kind:      model.KindBlockDownloadTimeout,
		Payload: model.BlockDownloadTimeout{
			BlockHash: m["blockhash"],
			PeerNum:   atoi64(m["peer_num"]),
		},
	}
	return &ev, nil, nil
}
