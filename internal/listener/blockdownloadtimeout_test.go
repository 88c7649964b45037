package listener

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bitcoinwatch/bmon/internal/model"
)

func TestBlockDownloadTimeoutListener(t *testing.T) {
	l := NewBlockDownloadTimeoutListener()
	line := "2022-10-23T13:21:28.681866Z Timeout downloading block 000000000000000000086779ecf494b0595a9b779f501c7e25fb2be0b69907a2 from peer=24, disconnecting"

	ev, _, err := l.Process(line)
	require.NoError(t, err)
	require.NotNil(t, ev)

	payload := ev.Payload.(model.BlockDownloadTimeout)
	require.Equal(t, "000000000000000000086779ecf494b0595a9b779f501c7e25fb2be0b69907a2", payload.BlockHash)
	require.Equal(t, int64(24), payload.PeerNum)
}

func TestBlockDownloadTimeoutListenerIgnoresOtherLines(t *testing.T) {
	l := NewBlockDownloadTimeoutListener()
	ev, _, err := l.Process("2022-10-23T13:21:28.681866Z received: pong (8 bytes) peer=3")
	require.NoError(t, err)
	require.Nil(t, ev)
}
