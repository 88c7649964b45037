package listener

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bitcoinwatch/bmon/internal/model"
)

// panickyListener always panics, used to verify the router isolates one
// listener's failure from the rest of the chain.
type panickyListener struct{}

func (panickyListener) Name() string { return "panickyListener" }
func (panickyListener) Process(line string) (*model.Event, *int64, error) {
	panic("boom")
}

func TestRouterIsolatesPanickingListener(t *testing.T) {
	var recorded []model.ProcessLineError

	r := NewRouter("host-1", zap.NewNop(),
		panickyListener{},
		NewMempoolAcceptListener(0),
	)
	r.OnLineError = func(e model.ProcessLineError) {
		recorded = append(recorded, e)
	}

	line := "2022-10-23T13:21:28.681866Z [msghand] AcceptToMemoryPool: peer=6 accepted 4b93cc953162c4d953918e60fe1b9f48aae82e049ace3c912479e0ff5c7218c3 (poolsz 312 txn, 820 kB)"
	events := r.Process(line)

	require.Len(t, recorded, 1)
	require.Equal(t, "panickyListener", recorded[0].Listener)
	require.Len(t, events, 1, "the surviving listener still produces its event")
	require.Equal(t, model.KindMempoolAccept, events[0].Kind)
}

func TestRouterDispatchesPeerNumCallbackSeparatelyFromEvents(t *testing.T) {
	var peerNums []int64

	r := NewRouter("host-1", zap.NewNop(), NewPongListener(0))
	r.OnPeerNum = func(peerNum int64) {
		peerNums = append(peerNums, peerNum)
	}

	events := r.Process("2022-10-23T13:21:28.681866Z received: pong (8 bytes) peer=7")
	require.Empty(t, events)
	require.Equal(t, []int64{7}, peerNums)
}

func TestRouterRunsEveryListenerOnEveryLine(t *testing.T) {
	r := NewRouter("host-1", zap.NewNop(),
		NewConnectBlockListener(),
		NewHeaderToTipListener(zap.NewNop()),
	)

	line := "2022-10-23T13:21:28.681866Z UpdateTip: new best=cafe1234 height=500 version=0x20000000 log2_work=1.0 tx=5 date='2022-10-23T13:21:02Z' progress=1.000000 cache=1.0MiB(10txo)"
	events := r.Process(line)

	// ConnectBlockListener fires on the UpdateTip line; HeaderToTipListener
	// has no pending record yet so it stays silent, matching property #2:
	// listener independence (one listener's output never depends on
	// whether another is also wired into the chain).
	require.Len(t, events, 1)
	require.Equal(t, model.KindConnectBlock, events[0].Kind)
}
