package listener

import (
	"strings"

	"github.com/bitcoinwatch/bmon/internal/model"
)

var blockEventPatterns = []namedPattern{
	pat(`\s+height=(?P<height>\d+)`),
	pat(`\s+hash=(?P<blockhash>` + reHash + `)`),
}

// blockEventListener extracts validationinterface.cpp's "BlockConnected"/
// "BlockDisconnected" callback lines, skipping the duplicate "Enqueuing
// BlockConnected"/"Enqueuing BlockDisconnected" announcements. Grounded on
// logparse.py's _BlockEventListener.
type blockEventListener struct {
	eventType string
	kind      model.Kind
}

// NewBlockConnectedListener extracts "BlockConnected" lines.
func NewBlockConnectedListener() Listener {
	return &blockEventListener{eventType: "BlockConnected", kind: model.KindBlockConnected}
}

// NewBlockDisconnectedListener extracts "BlockDisconnected" lines.
func NewBlockDisconnectedListener() Listener {
	return &blockEventListener{eventType: "BlockDisconnected", kind: model.KindBlockDisconnected}
}

func (l *blockEventListener) Name() string { return l.eventType + "Listener" }

func (l *blockEventListener) Process(line string) (*model.Event, *int64, error) {
	ev, err := l.extract(line)
	if err != nil || ev == nil {
		return nil, nil, err
	}
	return ev, nil, nil
}

// extract is shared with ReorgListener, which needs the typed payload (not
// just a model.Event) to track height ordering.
func (l *blockEventListener) extract(line string) (*model.Event, error) {
	if !strings.Contains(line, " "+l.eventType+": ") || strings.Contains(line, " Enqueuing ") {
		return nil, nil
	}

	ts, err := lineTimestamp(line)
	if err != nil {
		return nil, err
	}
	m := regexMatch(blockEventPatterns, line)

	return &model.Event{
		Timestamp: ts,
		Kind:      l.kind,
		Payload: model.BlockConnectedDisconnected{
			BlockHash: m["blockhash"],
			Height:    atoi64(m["height"]),
		},
	}, nil
}
