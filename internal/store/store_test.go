package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bitcoinwatch/bmon/internal/model"
)

func TestIsDuplicateMatchesUniqueViolationCode(t *testing.T) {
	require.True(t, isDuplicate(&pgconn.PgError{Code: "23505"}))
	require.False(t, isDuplicate(&pgconn.PgError{Code: "23503"}))
	require.False(t, isDuplicate(errors.New("boom")))
	require.False(t, isDuplicate(nil))
}

type fakePropagator struct {
	markSeenStatus *model.CompletionStatus
	markSeenErr    error
	markSeenCalls  []string

	finalizeCalls []string
	finalizeErr   error
}

func (f *fakePropagator) MarkSeen(ctx context.Context, host, txid string, seenAt time.Time) (*model.CompletionStatus, error) {
	f.markSeenCalls = append(f.markSeenCalls, host+"|"+txid)
	return f.markSeenStatus, f.markSeenErr
}

func (f *fakePropagator) ProcessCompletedPropagation(ctx context.Context, txid string) (*model.PropagationRecord, error) {
	f.finalizeCalls = append(f.finalizeCalls, txid)
	if f.finalizeErr != nil {
		return nil, f.finalizeErr
	}
	return &model.PropagationRecord{TxID: txid}, nil
}

func newMempoolAcceptEvent(host, txid string) model.Event {
	return model.Event{
		Host:      host,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Kind:      model.KindMempoolAccept,
		Payload:   model.MempoolAccept{TxHash: txid},
	}
}

func TestDispatchMempoolAcceptRoutesToPropagatorNotPostgres(t *testing.T) {
	complete := model.CompleteCohort
	fp := &fakePropagator{markSeenStatus: &complete}
	s := &PostgresStore{propagator: fp, logger: zap.NewNop(), hostIDs: map[string]int64{}}

	err := s.Dispatch(context.Background(), "host-a", newMempoolAcceptEvent("host-a", "tx1"))
	require.NoError(t, err)
	require.Equal(t, []string{"host-a|tx1"}, fp.markSeenCalls)
	require.Empty(t, fp.finalizeCalls, "CompleteCohort must not trigger finalize")
}

func TestDispatchMempoolAcceptFinalizesOnCompleteAll(t *testing.T) {
	complete := model.CompleteAll
	fp := &fakePropagator{markSeenStatus: &complete}
	s := &PostgresStore{propagator: fp, logger: zap.NewNop(), hostIDs: map[string]int64{}}

	err := s.Dispatch(context.Background(), "host-a", newMempoolAcceptEvent("host-a", "tx1"))
	require.NoError(t, err)
	require.Equal(t, []string{"tx1"}, fp.finalizeCalls)
}

func TestDispatchMempoolAcceptWithoutPropagatorErrors(t *testing.T) {
	s := &PostgresStore{logger: zap.NewNop(), hostIDs: map[string]int64{}}
	err := s.Dispatch(context.Background(), "host-a", newMempoolAcceptEvent("host-a", "tx1"))
	require.Error(t, err)
}

func TestDispatchMempoolAcceptSurfacesMarkSeenError(t *testing.T) {
	fp := &fakePropagator{markSeenErr: errors.New("redis down")}
	s := &PostgresStore{propagator: fp, logger: zap.NewNop(), hostIDs: map[string]int64{}}

	err := s.Dispatch(context.Background(), "host-a", newMempoolAcceptEvent("host-a", "tx1"))
	require.Error(t, err)
	require.Empty(t, fp.finalizeCalls)
}

func TestDispatchMempoolAcceptFinalizeErrorDoesNotFailDispatch(t *testing.T) {
	complete := model.CompleteAll
	fp := &fakePropagator{markSeenStatus: &complete, finalizeErr: errors.New("lock timeout")}
	s := &PostgresStore{propagator: fp, logger: zap.NewNop(), hostIDs: map[string]int64{}}

	err := s.Dispatch(context.Background(), "host-a", newMempoolAcceptEvent("host-a", "tx1"))
	require.NoError(t, err, "a finalize failure is logged, not surfaced to the caller that enqueued the accept")
}

func TestHostIDLookupReflectsCache(t *testing.T) {
	s := &PostgresStore{logger: zap.NewNop(), hostIDs: map[string]int64{"edge-1": 42}}

	id, ok := s.HostIDLookup("edge-1")
	require.True(t, ok)
	require.Equal(t, int64(42), id)

	_, ok = s.HostIDLookup("edge-unknown")
	require.False(t, ok)
}
