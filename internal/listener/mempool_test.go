package listener

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bitcoinwatch/bmon/internal/model"
)

func TestMempoolAcceptListener(t *testing.T) {
	l := NewMempoolAcceptListener(0)
	line := "2022-10-23T13:21:28.681866Z [msghand] AcceptToMemoryPool: peer=6 accepted 4b93cc953162c4d953918e60fe1b9f48aae82e049ace3c912479e0ff5c7218c3 (poolsz 312 txn, 820 kB)"

	ev, peerNum, err := l.Process(line)
	require.NoError(t, err)
	require.Nil(t, peerNum)
	require.NotNil(t, ev)

	payload := ev.Payload.(model.MempoolAccept)
	require.Equal(t, "4b93cc953162c4d953918e60fe1b9f48aae82e049ace3c912479e0ff5c7218c3", payload.TxHash)
	require.Equal(t, int64(6), payload.PeerNum)
	require.Equal(t, int64(312), payload.PoolSizeTxns)
	require.Equal(t, int64(820), payload.PoolSizeKB)
}

func TestMempoolAcceptListenerIgnoresUnrelatedLines(t *testing.T) {
	l := NewMempoolAcceptListener(0)
	ev, peerNum, err := l.Process("2022-10-23T13:21:28.681866Z [msghand] received: pong (8 bytes) peer=3")
	require.NoError(t, err)
	require.Nil(t, ev)
	require.Nil(t, peerNum)
}

func TestMempoolRejectListenerClassifiesFeerate(t *testing.T) {
	l := NewMempoolRejectListener(0, nil)
	line := "2022-10-23T13:21:28.681866Z [msghand] 91224dbc928799dfd9ca21c1364e1d9ce3168c604f743ff34a3a4e4bde8c23af from peer=3 was not accepted: insufficient fee, rejecting replacement 91224dbc928799dfd9ca21c1364e1d9ce3168c604f743ff34a3a4e4bde8c23af; new feerate 0.00005965 BTC/kvB <= old feerate 0.00008334 BTC/kvB"

	ev, _, err := l.Process(line)
	require.NoError(t, err)
	require.NotNil(t, ev)

	payload := ev.Payload.(model.MempoolReject)
	require.Equal(t, "insufficient-feerate", payload.ReasonCode)
	require.Equal(t, "0.00005965", payload.ReasonData["insufficient_feerate_btc_kvB"])
	require.Equal(t, int64(3), payload.PeerNum)
}

func TestMempoolRejectListenerClassifiesPlainReason(t *testing.T) {
	l := NewMempoolRejectListener(0, nil)
	line := "2022-10-23T13:21:28.681866Z [msghand] 4b93cc953162c4d953918e60fe1b9f48aae82e049ace3c912479e0ff5c7218c3 from peer=6 was not accepted: txn-mempool-conflict"

	ev, _, err := l.Process(line)
	require.NoError(t, err)
	require.NotNil(t, ev)

	payload := ev.Payload.(model.MempoolReject)
	require.Equal(t, "txn-mempool-conflict", payload.ReasonCode)
}

func TestMempoolRejectListenerSuppressesPreTaprootScriptpubkeyNoise(t *testing.T) {
	l := NewMempoolRejectListener(0, func() model.PolicyCohort { return model.PreTaproot })
	line := "2022-10-23T13:21:28.681866Z [msghand] 4b93cc953162c4d953918e60fe1b9f48aae82e049ace3c912479e0ff5c7218c3 from peer=6 was not accepted: scriptpubkey"

	ev, _, err := l.Process(line)
	require.NoError(t, err)
	require.Nil(t, ev)
}

func TestMempoolRejectListenerKeepsScriptpubkeyPostTaproot(t *testing.T) {
	l := NewMempoolRejectListener(0, func() model.PolicyCohort { return model.PostTaproot })
	line := "2022-10-23T13:21:28.681866Z [msghand] 4b93cc953162c4d953918e60fe1b9f48aae82e049ace3c912479e0ff5c7218c3 from peer=6 was not accepted: scriptpubkey"

	ev, _, err := l.Process(line)
	require.NoError(t, err)
	require.NotNil(t, ev)
}
