package listener

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bitcoinwatch/bmon/internal/model"
)

func disconnectLine(ts string, height int, hash string) string {
	return ts + " [msghand] [validationinterface.cpp:239] [BlockDisconnected] [validation] BlockDisconnected: block hash=" + hash + " block height=" + itoa(height)
}

func connectLine(ts string, height int, hash string) string {
	return ts + " [msghand] [validationinterface.cpp:239] [BlockConnected] [validation] BlockConnected: block hash=" + hash + " block height=" + itoa(height)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		digits = append([]byte{'-'}, digits...)
	}
	return string(digits)
}

func TestReorgListenerIgnoresOrdinaryConnect(t *testing.T) {
	l := NewReorgListener(zap.NewNop())
	ev, _, err := l.Process(connectLine("2022-10-23T13:21:28.000000Z", 100, "bbbb"))
	require.NoError(t, err)
	require.Nil(t, ev)
}

func TestReorgListenerDetectsOneBlockReorg(t *testing.T) {
	l := NewReorgListener(zap.NewNop())

	ev, _, err := l.Process(disconnectLine("2022-10-23T13:21:28.000000Z", 100, "aaa1"))
	require.NoError(t, err)
	require.Nil(t, ev)

	ev, _, err = l.Process(connectLine("2022-10-23T13:21:29.000000Z", 100, "bbb1"))
	require.NoError(t, err)
	require.NotNil(t, ev)

	reorg := ev.Payload.(model.Reorg)
	require.Equal(t, int64(100), reorg.MinHeight)
	require.Equal(t, int64(100), reorg.MaxHeight)
	require.Equal(t, []string{"aaa1"}, reorg.OldBlockHashes)
	require.Equal(t, []string{"bbb1"}, reorg.NewBlockHashes)
}

func TestReorgListenerDetectsMultiBlockReorg(t *testing.T) {
	l := NewReorgListener(zap.NewNop())

	_, _, err := l.Process(disconnectLine("2022-10-23T13:21:28.000000Z", 101, "aaa2"))
	require.NoError(t, err)
	_, _, err = l.Process(disconnectLine("2022-10-23T13:21:28.500000Z", 100, "aaa1"))
	require.NoError(t, err)

	ev, _, err := l.Process(connectLine("2022-10-23T13:21:29.000000Z", 100, "bbb1"))
	require.NoError(t, err)
	require.Nil(t, ev, "reorg not complete until the deepest disconnect height is replaced")

	ev, _, err = l.Process(connectLine("2022-10-23T13:21:29.500000Z", 101, "bbb2"))
	require.NoError(t, err)
	require.NotNil(t, ev)

	reorg := ev.Payload.(model.Reorg)
	require.Equal(t, int64(100), reorg.MinHeight)
	require.Equal(t, int64(101), reorg.MaxHeight)
	require.Equal(t, []string{"aaa1", "aaa2"}, reorg.OldBlockHashes)
	require.Equal(t, []string{"bbb1", "bbb2"}, reorg.NewBlockHashes)
}
