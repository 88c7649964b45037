package listener

import (
	"time"

	"go.uber.org/zap"

	"github.com/bitcoinwatch/bmon/internal/model"
)

// ReorgListener watches the BlockDisconnected/BlockConnected stream for a
// height-balanced disconnect/reconnect sequence and emits one Reorg event
// once it completes. Grounded on logparse.py's ReorgListener; state
// machine:
//
//   - Each BlockDisconnected is prepended to disconnects. Disconnects
//     arrive from the tip downwards, so disconnects stays ordered low to
//     high by height: the most recently disconnected block first, the
//     first-disconnected (highest) block last.
//   - A BlockConnected with no outstanding disconnects is an ordinary
//     connection and is ignored.
//   - A BlockConnected at or below the deepest disconnect height
//     (disconnects' max height) is a replacement block; once replacements
//     reaches the same height as the deepest disconnect, the reorg is
//     complete and both lists reset.
type ReorgListener struct {
	disconnects []model.BlockConnectedDisconnected
	replacements []model.BlockConnectedDisconnected
	lastReplaceAt time.Time

	disc Listener
	conn Listener

	logger *zap.Logger
}

// NewReorgListener builds a ReorgListener.
func NewReorgListener(logger *zap.Logger) *ReorgListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReorgListener{
		disc:   NewBlockDisconnectedListener(),
		conn:   NewBlockConnectedListener(),
		logger: logger,
	}
}

func (l *ReorgListener) Name() string { return "ReorgListener" }

// maxHeight is the height of the first disconnect seen in this reorg (the
// chain tip at the moment we started unwinding). Because each new
// disconnect is inserted at the front of disconnects, that first-seen,
// highest block ends up at the back of the slice.
func (l *ReorgListener) maxHeight() (int64, bool) {
	if len(l.disconnects) == 0 {
		return 0, false
	}
	return l.disconnects[len(l.disconnects)-1].Height, true
}

func (l *ReorgListener) Process(line string) (*model.Event, *int64, error) {
	disEv, _, err := l.disc.Process(line)
	if err != nil {
		return nil, nil, err
	}
	if disEv != nil {
		return l.onDisconnect(disEv)
	}

	connEv, _, err := l.conn.Process(line)
	if err != nil {
		return nil, nil, err
	}
	if connEv == nil {
		return nil, nil, nil
	}
	return l.onConnect(connEv)
}

func (l *ReorgListener) onDisconnect(ev *model.Event) (*model.Event, *int64, error) {
	payload := ev.Payload.(model.BlockConnectedDisconnected)
	l.disconnects = append([]model.BlockConnectedDisconnected{payload}, l.disconnects...)
	if len(l.disconnects) == 1 {
		l.logger.Info("started to detect a reorg",
			zap.Int64("height", payload.Height),
			zap.String("blockhash", payload.BlockHash))
	}
	return nil, nil, nil
}

func (l *ReorgListener) onConnect(ev *model.Event) (*model.Event, *int64, error) {
	payload := ev.Payload.(model.BlockConnectedDisconnected)

	// No outstanding disconnects: this is just a regular connection.
	maxH, ok := l.maxHeight()
	if !ok {
		return nil, nil, nil
	}

	if payload.Height > maxH {
		return nil, nil, nil
	}

	l.replacements = append(l.replacements, payload)
	l.lastReplaceAt = ev.Timestamp
	if payload.Height < maxH {
		// Reorg not yet complete; still connecting substitute blocks.
		return nil, nil, nil
	}

	if len(l.replacements) != len(l.disconnects) || !sameHeights(l.disconnects, l.replacements) {
		l.logger.Error("reorg detection looks broken",
			zap.Any("disconnects", l.disconnects),
			zap.Any("replacements", l.replacements))
	}

	old := make([]string, len(l.disconnects))
	for i, d := range l.disconnects {
		old[i] = d.BlockHash
	}
	nw := make([]string, len(l.replacements))
	for i, r := range l.replacements {
		nw[i] = r.BlockHash
	}

	reorg := model.Event{
		Timestamp: l.lastReplaceAt,
		Kind:      model.KindReorg,
		Payload: model.Reorg{
			FinishedAt:     l.lastReplaceAt,
			MinHeight:      l.disconnects[0].Height,
			MaxHeight:      maxH,
			OldBlockHashes: old,
			NewBlockHashes: nw,
		},
	}

	l.logger.Info("reorg finished",
		zap.Int64("min_height", l.disconnects[0].Height),
		zap.Int64("max_height", maxH))

	l.disconnects = nil
	l.replacements = nil

	return &reorg, nil, nil
}

func sameHeights(a, b []model.BlockConnectedDisconnected) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Height != b[i].Height {
			return false
		}
	}
	return true
}
