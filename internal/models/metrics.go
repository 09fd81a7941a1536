// Package models defines the inventory and usage structures shared by the
// panel client, the snapshot collector and the Prometheus exporter.
package models

import "time"

// VMType is the virtualization technology reported for a VM.
type VMType string

const (
	VMTypeKVM    VMType = "kvm"
	VMTypeOpenVZ VMType = "openvz"
)

// PowerState is the VM power state derived from the stats payload.
type PowerState int

const (
	StateOffline PowerState = iota
	StateOnline
)

func (s PowerState) String() string {
	if s == StateOnline {
		return "online"
	}
	return "offline"
}

// VMSummary is one row of the panel's VM inventory table.
type VMSummary struct {
	ID        string `json:"id"`
	Hostname  string `json:"hostname"`
	Type      VMType `json:"type"`
	IPAddress string `json:"ip_address"`
	OS        string `json:"os"`

	// Plan sizes as rendered in the inventory table, e.g. "2 GB".
	PlanMemory string `json:"plan_memory,omitempty"`
	PlanDisk   string `json:"plan_disk,omitempty"`
}

// UsageTriple is a total/used/percent measurement for one resource.
type UsageTriple struct {
	TotalBytes float64 `json:"total_bytes"`
	UsedBytes  float64 `json:"used_bytes"`
	Percent    float64 `json:"percent"`
}

// VMStats holds the parsed usage of one VM. Memory and VSwap are nil when
// the panel does not report them (OpenVZ-only fields, stopped KVM guests).
type VMStats struct {
	State     PowerState   `json:"state"`
	Bandwidth UsageTriple  `json:"bandwidth"`
	Disk      UsageTriple  `json:"disk"`
	Memory    *UsageTriple `json:"memory,omitempty"`
	VSwap     *UsageTriple `json:"vswap,omitempty"`
	Available bool         `json:"available"`
}

// UnavailableStats is the entry recorded for a VM whose stats fetch failed.
func UnavailableStats() VMStats {
	return VMStats{State: StateOffline}
}

// VMEntry pairs an inventory row with its stats for one scrape.
type VMEntry struct {
	Summary VMSummary `json:"summary"`
	Stats   VMStats   `json:"stats"`
}

// Snapshot is one complete scrape. It is rebuilt on every poll.
type Snapshot struct {
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
	Entries   []VMEntry     `json:"entries"`
}

// Available returns the number of entries whose stats were collected.
func (s Snapshot) Available() int {
	n := 0
	for _, e := range s.Entries {
		if e.Stats.Available {
			n++
		}
	}
	return n
}
