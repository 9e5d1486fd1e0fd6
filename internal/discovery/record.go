package discovery

import "time"

// Record is one device presence harvested from a UDP broadcast.
type Record struct {
	// ID is the device (gateway) identifier from the broadcast's gwId field.
	ID string

	// IP is the device's IPv4 address as reported by the broadcast.
	IP string

	// ProductKey is an opaque product tag, unused by the protocol itself.
	ProductKey string

	// Version is the protocol version the device advertises ("3.1".."3.5").
	Version string

	// DPS is the data point snapshot some firmwares attach to broadcasts.
	DPS map[string]any

	// DiscoveredAt is when the broadcast was received.
	DiscoveredAt time.Time
}

// RefreshDPs returns the DP index set to use for DP_REFRESH commands,
// tuned from the broadcast snapshot: devices that report index 19 are power
// monitors refreshed via {18,19,20}, the rest via {4,5,6}. Returns nil when
// the broadcast carried no snapshot, leaving the caller's default in place.
func (r *Record) RefreshDPs() []int {
	if r.DPS == nil {
		return nil
	}
	if _, ok := r.DPS["19"]; ok {
		return []int{18, 19, 20}
	}
	return []int{4, 5, 6}
}

// broadcast is the JSON body of a presence frame.
type broadcast struct {
	IP         string         `json:"ip"`
	GwID       string         `json:"gwId"`
	Active     int            `json:"active"`
	Ability    int            `json:"ablilty"`
	Encrypt    bool           `json:"encrypt"`
	ProductKey string         `json:"productKey"`
	Version    string         `json:"version"`
	DPS        map[string]any `json:"dps"`
}

func (b *broadcast) record() *Record {
	return &Record{
		ID:           b.GwID,
		IP:           b.IP,
		ProductKey:   b.ProductKey,
		Version:      b.Version,
		DPS:          b.DPS,
		DiscoveredAt: time.Now(),
	}
}
