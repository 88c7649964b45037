package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bitcoinwatch/bmon/internal/bmonerr"
	"github.com/bitcoinwatch/bmon/internal/model"
)

func validConnectBlockEvent() model.Event {
	return model.Event{
		Host:      "host-a",
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Kind:      model.KindConnectBlock,
		Payload:   model.ConnectBlock{BlockHash: "aaaa", Height: 100},
	}
}

func TestValidateEventRejectsMissingHost(t *testing.T) {
	ev := validConnectBlockEvent()
	ev.Host = ""
	require.Error(t, validateEvent(ev))
}

func TestValidateEventRejectsZeroTimestamp(t *testing.T) {
	ev := validConnectBlockEvent()
	ev.Timestamp = time.Time{}
	require.Error(t, validateEvent(ev))
}

func TestValidateEventRejectsMissingBlockHash(t *testing.T) {
	ev := validConnectBlockEvent()
	ev.Payload = model.ConnectBlock{Height: 100}
	require.Error(t, validateEvent(ev))
}

func TestValidateEventAcceptsWireDecodedPayload(t *testing.T) {
	ev := validConnectBlockEvent()

	// Simulate what the hub's /events handler actually sees: Payload
	// decoded from JSON into a map, not the original concrete struct.
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	var wired model.Event
	require.NoError(t, json.Unmarshal(raw, &wired))

	require.NoError(t, validateEvent(wired))
}

func TestValidateEventIgnoresKindsWithNoRequiredFields(t *testing.T) {
	ev := model.Event{
		Host:      "host-a",
		Timestamp: time.Now(),
		Kind:      model.KindReorg,
		Payload:   model.Reorg{},
	}
	require.NoError(t, validateEvent(ev))
}

func TestDispatchRejectsInvalidEventAsValidationKind(t *testing.T) {
	s := &PostgresStore{logger: zap.NewNop(), hostIDs: map[string]int64{}}

	ev := validConnectBlockEvent()
	ev.Payload = model.ConnectBlock{} // missing blockhash

	err := s.Dispatch(context.Background(), "host-a", ev)
	require.Error(t, err)
	require.True(t, bmonerr.Is(err, bmonerr.KindValidation))
}
