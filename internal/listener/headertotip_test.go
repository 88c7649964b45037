package listener

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bitcoinwatch/bmon/internal/model"
)

func TestHeaderToTipListenerCompletesOnTip(t *testing.T) {
	l := NewHeaderToTipListener(zap.NewNop())

	header := "2022-10-23T13:21:00.000000Z Saw new header hash=cafe1234 height=500"
	ev, _, err := l.Process(header)
	require.NoError(t, err)
	require.Nil(t, ev)

	reconstruct := "2022-10-23T13:21:01.500000Z Successfully reconstructed block cafe1234 with 1 txn prefilled, 10 txn from mempool (incl at least 0 from extra pool) and 2 txn requested"
	ev, _, err = l.Process(reconstruct)
	require.NoError(t, err)
	require.Nil(t, ev)

	tip := "2022-10-23T13:21:03.000000Z UpdateTip: new best=cafe1234 height=500 version=0x20000000 log2_work=1.0 tx=5 date='2022-10-23T13:21:02Z' progress=1.000000 cache=1.0MiB(10txo)"
	ev, _, err = l.Process(tip)
	require.NoError(t, err)
	require.NotNil(t, ev)

	h2t := ev.Payload.(model.HeaderToTip)
	require.Equal(t, "cafe1234", h2t.BlockHash)
	require.InDelta(t, 3.0, h2t.HeaderToTipSecs, 0.001)
	require.InDelta(t, 1.5, h2t.HeaderToBlockSecs, 0.001)
	require.InDelta(t, 1.5, h2t.BlockToTipSecs, 0.001)
}

func TestHeaderToTipListenerKeepsPendingOnReconstructMismatch(t *testing.T) {
	l := NewHeaderToTipListener(zap.NewNop())

	header := "2022-10-23T13:21:00.000000Z Saw new header hash=cafe1234 height=500"
	_, _, err := l.Process(header)
	require.NoError(t, err)

	wrongReconstruct := "2022-10-23T13:21:01.000000Z Successfully reconstructed block deadbeef with 1 txn prefilled, 10 txn from mempool (incl at least 0 from extra pool) and 2 txn requested"
	ev, _, err := l.Process(wrongReconstruct)
	require.NoError(t, err)
	require.Nil(t, ev)
	require.NotNil(t, l.pending, "a blockhash mismatch must not clear the pending record")

	tip := "2022-10-23T13:21:03.000000Z UpdateTip: new best=cafe1234 height=500 version=0x20000000 log2_work=1.0 tx=5 date='2022-10-23T13:21:02Z' progress=1.000000 cache=1.0MiB(10txo)"
	ev, _, err = l.Process(tip)
	require.NoError(t, err)
	require.NotNil(t, ev, "the pending record survives the mismatch and still completes on tip")
}

func TestHeaderToTipListenerNewHeaderReplacesPending(t *testing.T) {
	l := NewHeaderToTipListener(zap.NewNop())

	_, _, err := l.Process("2022-10-23T13:21:00.000000Z Saw new header hash=aaaa height=500")
	require.NoError(t, err)

	_, _, err = l.Process("2022-10-23T13:21:01.000000Z Saw new header hash=bbbb height=501")
	require.NoError(t, err)
	require.Equal(t, "bbbb", l.pending.blockHash)
}
