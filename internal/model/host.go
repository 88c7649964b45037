package model

import "strconv"

// Host is the stable identity of a monitored node's software+hardware
// revision. Any change to these fields creates a new Host row; the
// identity is the version-of-software, not the machine. Grounded on
// original_source/bmon/models.py's Host model and its full-tuple
// UniqueConstraint.
type Host struct {
	ID int64 `json:"id,omitempty"`

	Name string `json:"name"`

	CPUModel        string `json:"cpu_model"`
	MemoryBytes     int64  `json:"memory_bytes"`
	ProcessorCount  int    `json:"processor_count"`

	BitcoinVersion string `json:"bitcoin_version"`
	GitRef         string `json:"git_ref"`
	GitSHA         string `json:"git_sha"`
	DBCache        int64  `json:"dbcache"`
	Prune          int64  `json:"prune"`
	Listen         bool   `json:"listen"`
	CommandLineFlags string `json:"command_line_flags"`
}

// UniqueKey returns the tuple Host's uniqueness is enforced over: at most
// one row may exist per distinct combination of these fields.
func (h Host) UniqueKey() [11]string {
	return [11]string{
		h.Name,
		h.CPUModel,
		formatInt(h.MemoryBytes),
		formatInt(int64(h.ProcessorCount)),
		h.BitcoinVersion,
		h.GitRef,
		h.GitSHA,
		formatInt(h.DBCache),
		formatInt(h.Prune),
		formatBool(h.Listen),
		h.CommandLineFlags,
	}
}

// Peer is a daemon's view of one remote peer. Identity key = host + the
// fields listed in PEER_UNIQUE_TOGETHER_FIELDS in models.py; a change to
// any of them creates a new Peer row, since the underlying peer_num can
// be reassigned by the daemon after reconnection.
type Peer struct {
	ID     int64 `json:"id,omitempty"`
	HostID int64 `json:"host_id"`

	Num            int64  `json:"num"`
	Addr           string `json:"addr"`
	ConnectionType string `json:"connection_type"`
	Inbound        bool   `json:"inbound"`
	Network        string `json:"network"`
	Services       string `json:"services"`
	SubVer         string `json:"subver"`
	Version        int64  `json:"version"`
	RelayTxes      bool   `json:"relaytxes"`
	BIP152HBTo     bool   `json:"bip152_hb_to"`
	BIP152HBFrom   bool   `json:"bip152_hb_from"`
}

// UniqueKey returns the tuple Peer uniqueness is enforced over.
func (p Peer) UniqueKey() [11]string {
	return [11]string{
		formatInt(p.HostID),
		formatInt(p.Num),
		p.Addr,
		p.ConnectionType,
		formatBool(p.Inbound),
		p.Network,
		p.Services,
		p.SubVer,
		formatInt(p.Version),
		formatBool(p.RelayTxes),
		formatBool(p.BIP152HBTo) + formatBool(p.BIP152HBFrom),
	}
}

// PeerStats is a periodic per-host aggregate collected by the RPC poller.
type PeerStats struct {
	HostID int64 `json:"host_id"`

	PeerCount int64   `json:"peer_count"`
	MinPingMs float64 `json:"min_ping_ms"`
	MeanPingMs float64 `json:"mean_ping_ms"`
	MaxPingMs float64 `json:"max_ping_ms"`

	BytesSentTotal     int64            `json:"bytes_sent_total"`
	BytesReceivedTotal int64            `json:"bytes_received_total"`
	BytesSentByMessage map[string]int64 `json:"bytes_sent_by_message,omitempty"`
	BytesReceivedByMessage map[string]int64 `json:"bytes_received_by_message,omitempty"`
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}

func formatBool(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
