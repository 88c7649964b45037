package store

import (
	"encoding/json"
	"fmt"

	"github.com/bitcoinwatch/bmon/internal/model"
)

// requiredPayloadFields lists, per event Kind, the string payload fields
// that must be present and non-empty for the event to be dispatchable.
// Kinds absent from this map carry no payload-level requirement beyond
// Host/Timestamp.
var requiredPayloadFields = map[model.Kind][]string{
	model.KindConnectBlock:         {"blockhash"},
	model.KindConnectBlockDetails:  {"blockhash"},
	model.KindBlockConnected:       {"blockhash"},
	model.KindBlockDisconnected:    {"blockhash"},
	model.KindBlockDownloadTimeout: {"blockhash"},
	model.KindHeaderToTip:          {"blockhash"},
	model.KindMempoolAccept:        {"txhash"},
	model.KindMempoolReject:        {"txhash"},
}

// validateEvent checks the fields every dispatchable event must carry
// before it ever reaches insertEvent/dispatchMempoolAccept: a field out of
// range or missing here is exactly the bmonerr.KindValidation case
// (dropped + logged, cursor still advances on the edge that sent it).
func validateEvent(ev model.Event) error {
	if ev.Host == "" {
		return fmt.Errorf("event missing host")
	}
	if ev.Timestamp.IsZero() {
		return fmt.Errorf("%s event missing timestamp", ev.Kind)
	}

	fields, ok := requiredPayloadFields[ev.Kind]
	if !ok {
		return nil
	}
	if ev.Payload == nil {
		return fmt.Errorf("%s event missing payload", ev.Kind)
	}

	m, err := decodeToMap(ev.Payload)
	if err != nil {
		return fmt.Errorf("%s payload: %w", ev.Kind, err)
	}
	for _, f := range fields {
		v, ok := m[f].(string)
		if !ok || v == "" {
			return fmt.Errorf("%s payload missing required field %q", ev.Kind, f)
		}
	}
	return nil
}

// decodeToMap normalizes payload into a map[string]interface{} regardless
// of whether it arrived as a concrete model struct (direct in-process
// calls, this package's own tests) or as the map json.Unmarshal produces
// once an Event has crossed the wire into an `any` field (every Event the
// hub's /events handler decodes). Mirrors decodeMempoolAccept's approach
// but stops at the map rather than a specific struct, since validateEvent
// only needs to spot-check a handful of fields across many Kinds.
func decodeToMap(payload any) (map[string]any, error) {
	if m, ok := payload.(map[string]any); ok {
		return m, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("re-marshal payload of type %T: %w", payload, err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode payload of type %T: %w", payload, err)
	}
	return m, nil
}
