package tuyalan

import (
	"time"

	"github.com/quendro/tuyalan/internal/cipher"
)

// Defaults for Options fields left at their zero value.
const (
	DefaultPort              = 6668
	DefaultVersion           = "3.1"
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultConnectTimeout    = 5 * time.Second
	DefaultFindTimeout       = 10 * time.Second

	// DefaultResponseTimeout is in whole seconds; the set/get reply deadline
	// is this value times 2500 ms, a historical scaling the device fleet has
	// been run against and which is kept as-is.
	DefaultResponseTimeout = 2

	// pongTimeout bounds how long an unanswered heartbeat may stay
	// outstanding after the next tick before the session is torn down.
	pongTimeout = 2 * time.Second
)

// defaultRefreshDPs is the DP index set used for DP_REFRESH until a
// discovery broadcast tunes it to the device type.
var defaultRefreshDPs = []int{4, 5, 6, 18, 19, 20}

// Options configures a Device. ID or IP is required, Key always is.
type Options struct {
	// ID is the device identifier, commonly 20 hex characters. Required
	// unless IP is given (discovery then resolves the ID).
	ID string

	// GwID is the gateway identifier embedded in payloads. Defaults to ID;
	// distinct only for sub-devices behind a gateway.
	GwID string

	// CID is the sub-device identifier, set when ID names a gateway.
	CID string

	// IP is the device IPv4 address. Resolved by Find when empty.
	IP string

	// Port is the device TCP port.
	Port int

	// Key is the 16-byte local key shared with the device. Required.
	Key string

	// Version selects the protocol variant: "3.1" (default) through "3.5".
	Version string

	// ProductKey is the opaque product tag reported by discovery.
	ProductKey string

	// IssueGetOnConnect fires one Get right after connecting. Defaults to
	// true; nil means default.
	IssueGetOnConnect *bool

	// IssueRefreshOnConnect fires one Refresh right after connecting.
	IssueRefreshOnConnect bool

	// IssueRefreshOnPing fires a Refresh and Get after each heartbeat
	// answer, for devices that only report under prodding.
	IssueRefreshOnPing bool

	// NullPayloadOnJSONError replaces the device's "json obj data unvalid"
	// reply with an all-null DP map before emitting it.
	NullPayloadOnJSONError bool

	// HeartbeatInterval is the keepalive period. Zero means the default;
	// negative disables heartbeats.
	HeartbeatInterval time.Duration

	// ResponseTimeout is the reply deadline scale in seconds; the effective
	// deadline is ResponseTimeout × 2500 ms.
	ResponseTimeout int

	// ConnectTimeout bounds the TCP connect and handshake.
	ConnectTimeout time.Duration

	// FindTimeout bounds discovery.
	FindTimeout time.Duration

	// DiscoveryPorts overrides the UDP ports discovery binds. Meant for
	// tests; leave empty for the standard 6666/6667 pair.
	DiscoveryPorts []int
}

// normalized returns a copy with defaults applied.
func (o Options) normalized() Options {
	if o.GwID == "" {
		o.GwID = o.ID
	}
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.Version == "" {
		o.Version = DefaultVersion
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = DefaultResponseTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.FindTimeout <= 0 {
		o.FindTimeout = DefaultFindTimeout
	}
	return o
}

func (o Options) validate() error {
	if o.ID == "" && o.IP == "" {
		return NewConfigError("either ID or IP is required")
	}
	if len(o.Key) != cipher.KeyLength {
		return NewConfigError("local key must be exactly 16 bytes")
	}
	if _, err := cipher.ParseVersion(o.Version); err != nil {
		return NewConfigError(err.Error())
	}
	return nil
}

func (o Options) issueGetOnConnect() bool {
	return o.IssueGetOnConnect == nil || *o.IssueGetOnConnect
}

// responseDeadline is the set/get reply deadline.
func (o Options) responseDeadline() time.Duration {
	return time.Duration(o.ResponseTimeout) * 2500 * time.Millisecond
}

// GetOptions selects what Get returns.
type GetOptions struct {
	// Schema returns the full DP map instead of a single value.
	Schema bool

	// DPS selects one DP index; zero means DP 1.
	DPS int

	// CID overrides the device-level sub-device identifier.
	CID string
}

// SetOptions describes a Set call.
type SetOptions struct {
	// DPS is the DP index to write when Multiple is false. Zero means DP 1.
	DPS int

	// Set is the value to write.
	Set any

	// Multiple writes Data as-is instead of a single index.
	Multiple bool

	// Data is the DP map for Multiple sets.
	Data map[string]any

	// CID overrides the device-level sub-device identifier.
	CID string

	// ShouldWaitForResponse, when nil or true, blocks until the device
	// confirms with a status report.
	ShouldWaitForResponse *bool

	// isSetCallToGetData marks the quirky-firmware fallback where a null
	// set elicits the status a query could not.
	isSetCallToGetData bool
}

func (o SetOptions) wait() bool {
	return o.ShouldWaitForResponse == nil || *o.ShouldWaitForResponse
}

// RefreshOptions describes a Refresh call.
type RefreshOptions struct {
	// DPIndexes overrides the auto-tuned refresh index set.
	DPIndexes []int

	// CID overrides the device-level sub-device identifier.
	CID string
}
