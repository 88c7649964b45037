package model

import "time"

// CompletionStatus classifies how a PropagationRecord reached finalization.
type CompletionStatus string

const (
	// CompleteAll means every monitored host observed the transaction.
	CompleteAll CompletionStatus = "complete_all"
	// CompleteCohort means the finalizing host's policy cohort is fully
	// satisfied, though the whole fleet may not be.
	CompleteCohort CompletionStatus = "complete_cohort"
	// Incomplete means finalization happened via the aged-reaper path
	// without the fleet (or a cohort) ever completing.
	Incomplete CompletionStatus = "incomplete"
)

// PropagationRecord is the per-transaction propagation summary the
// PropagationAggregator produces, per spec.md §3/§4.4.
type PropagationRecord struct {
	TxID string `json:"txid"`

	HostToTimestamp map[string]time.Time `json:"host_to_timestamp"`
	CohortsComplete []PolicyCohort       `json:"cohorts_complete"`
	AllComplete     bool                 `json:"all_complete"`

	ObservationWindowSecs float64 `json:"observation_window_secs"`

	Earliest time.Time     `json:"earliest"`
	Latest   time.Time     `json:"latest"`
	Spread   time.Duration `json:"spread"`
}

// Recompute derives Earliest/Latest/Spread from HostToTimestamp. Callers
// must invoke this after mutating HostToTimestamp; it is not automatic so
// that callers can build the map incrementally without repeated scans.
func (r *PropagationRecord) Recompute() {
	if len(r.HostToTimestamp) == 0 {
		r.Earliest = time.Time{}
		r.Latest = time.Time{}
		r.Spread = 0
		return
	}
	first := true
	for _, ts := range r.HostToTimestamp {
		if first {
			r.Earliest, r.Latest = ts, ts
			first = false
			continue
		}
		if ts.Before(r.Earliest) {
			r.Earliest = ts
		}
		if ts.After(r.Latest) {
			r.Latest = ts
		}
	}
	r.Spread = r.Latest.Sub(r.Earliest)
}

// LogProgress is the durable per-host cursor: one row per host, upserted.
type LogProgress struct {
	Host        string    `json:"host"`
	LogHash     string    `json:"loghash"`
	Timestamp   time.Time `json:"timestamp"`
}

// ProcessLineError records a listener failure, persisted out-of-band per
// spec.md §7 ("Parse failures").
type ProcessLineError struct {
	Host     string    `json:"host"`
	Listener string    `json:"listener"`
	Line     string    `json:"line"`
	Err      string    `json:"error"`
	At       time.Time `json:"at"`
}
