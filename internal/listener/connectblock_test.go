package listener

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bitcoinwatch/bmon/internal/model"
)

func TestConnectBlockListenerEmitsConnectBlock(t *testing.T) {
	l := NewConnectBlockListener()
	line := "2022-10-23T13:21:28.681866Z UpdateTip: new best=00000000000000000005234c5b8e1a16e9e0e5e6e3b6e6e6e6e6e6e6e6e6e6e height=761234 version=0x20000000 log2_work=93.123456 tx=761234567 date='2022-10-23T13:21:20Z' progress=1.000000 cache=450.1MiB(1234567txo)"

	ev, peerNum, err := l.Process(line)
	require.NoError(t, err)
	require.Nil(t, peerNum)
	require.NotNil(t, ev)

	cb := ev.Payload.(model.ConnectBlock)
	require.Equal(t, int64(761234), cb.Height)
	require.Equal(t, "00000000000000000005234c5b8e1a16e9e0e5e6e3b6e6e6e6e6e6e6e6e6e6e", cb.BlockHash)
	require.Equal(t, int64(1234567), cb.CacheTxo)
}

func TestConnectBlockListenerAccumulatesDetailsAndFlushesOnTerminalLine(t *testing.T) {
	l := NewConnectBlockListener()

	tip := "2022-10-23T13:21:28.000000Z UpdateTip: new best=aaaa height=100 version=0x20000000 log2_work=1.0 tx=5 date='2022-10-23T13:21:20Z' progress=1.000000 cache=1.0MiB(10txo)"
	ev, _, err := l.Process(tip)
	require.NoError(t, err)
	require.NotNil(t, ev)

	detailLines := []string{
		"2022-10-23T13:21:28.100000Z   - Load block from disk: 1.234ms [0.00s]",
		"2022-10-23T13:21:28.200000Z   - Sanity checks: 0.456ms [0.00s]",
		"2022-10-23T13:21:28.300000Z   - Connect 5 transactions: 2.345ms [0.00s]",
		"2022-10-23T13:21:28.400000Z   - Verify 12 txins: 3.456ms [0.00s]",
		"2022-10-23T13:21:28.500000Z   - Connect total: 5.801ms [0.00s]",
	}
	for _, dl := range detailLines {
		ev, _, err := l.Process(dl)
		require.NoError(t, err)
		require.Nil(t, ev, "non-terminal detail line must not flush: %s", dl)
	}

	terminal := "2022-10-23T13:21:28.600000Z   - Connect block: 6.257ms [0.00s]"
	ev, _, err = l.Process(terminal)
	require.NoError(t, err)
	require.NotNil(t, ev)

	details := ev.Payload.(model.ConnectBlockDetails)
	require.Equal(t, "aaaa", details.BlockHash)
	require.Equal(t, int64(100), details.Height)
	require.Equal(t, 1.234, details.LoadBlockFromDiskMs)
	require.Equal(t, int64(5), details.TxCount)
	require.Equal(t, int64(12), details.TxinCount)
	require.Equal(t, 6.257, details.ConnectBlockTotalMs)
}

// TestConnectBlockListenerDiscardsStaleAccumulatorOnNewUpdateTip covers the
// case where tip moves to a new block before the previous block's terminal
// "- Connect block:" line ever arrives: the partial data gathered under the
// old identity must not resurface stamped with the new one.
func TestConnectBlockListenerDiscardsStaleAccumulatorOnNewUpdateTip(t *testing.T) {
	l := NewConnectBlockListener()

	tipA := "2022-10-23T13:21:28.000000Z UpdateTip: new best=aaaa height=100 version=0x20000000 log2_work=1.0 tx=5 date='2022-10-23T13:21:20Z' progress=1.000000 cache=1.0MiB(10txo)"
	ev, _, err := l.Process(tipA)
	require.NoError(t, err)
	require.NotNil(t, ev)

	partialForA := "2022-10-23T13:21:28.100000Z   - Load block from disk: 1.234ms [0.00s]"
	ev, _, err = l.Process(partialForA)
	require.NoError(t, err)
	require.Nil(t, ev)

	// Tip advances to a new block before A's terminal line ever arrives.
	tipB := "2022-10-23T13:21:29.000000Z UpdateTip: new best=bbbb height=101 version=0x20000000 log2_work=2.0 tx=6 date='2022-10-23T13:21:21Z' progress=1.000000 cache=1.0MiB(11txo)"
	ev, _, err = l.Process(tipB)
	require.NoError(t, err)
	require.NotNil(t, ev)

	detailsForB := []string{
		"2022-10-23T13:21:29.100000Z   - Sanity checks: 9.999ms [0.00s]",
	}
	for _, dl := range detailsForB {
		ev, _, err := l.Process(dl)
		require.NoError(t, err)
		require.Nil(t, ev)
	}

	terminal := "2022-10-23T13:21:29.200000Z   - Connect block: 11.111ms [0.00s]"
	ev, _, err = l.Process(terminal)
	require.NoError(t, err)
	require.NotNil(t, ev)

	details := ev.Payload.(model.ConnectBlockDetails)
	require.Equal(t, "bbbb", details.BlockHash)
	require.Equal(t, int64(101), details.Height)
	require.Equal(t, 9.999, details.SanityChecksMs)
	require.Equal(t, 11.111, details.ConnectBlockTotalMs)
	require.Zero(t, details.LoadBlockFromDiskMs, "stale field from block A must not leak into B's flush")
}
