package protocol

import "fmt"

// Command is a protocol command code.
//
// Reference: tuya-iotos-embeded-sdk lan_protocol.h
type Command uint32

const (
	Udp                Command = 0x00
	ApConfig           Command = 0x01
	Active             Command = 0x02
	SessKeyNegStart    Command = 0x03 // negotiate session key
	SessKeyNegResponse Command = 0x04 // negotiate session key response
	SessKeyNegFinish   Command = 0x05 // finalize session key negotiation
	Unbind             Command = 0x06
	Control            Command = 0x07
	Status             Command = 0x08
	HeartBeat          Command = 0x09
	DpQuery            Command = 0x0a
	QueryWifi          Command = 0x0b
	TokenBind          Command = 0x0c
	ControlNew         Command = 0x0d
	EnableWifi         Command = 0x0e
	WifiInfo           Command = 0x0f
	DpQueryNew         Command = 0x10
	SceneExecute       Command = 0x11
	DpRefresh          Command = 0x12 // request refresh of silent DPs
	UdpNew             Command = 0x13
	ApConfigNew        Command = 0x14
	BroadcastLPV34     Command = 0x23
	ReqDevinfo         Command = 0x25 // port 7000 broadcast asking v3.5 devices to announce
	LanExtStream       Command = 0x40
)

var commandNames = map[Command]string{
	Udp:                "UDP",
	ApConfig:           "AP_CONFIG",
	Active:             "ACTIVE",
	SessKeyNegStart:    "SESS_KEY_NEG_START",
	SessKeyNegResponse: "SESS_KEY_NEG_RES",
	SessKeyNegFinish:   "SESS_KEY_NEG_FINISH",
	Unbind:             "UNBIND",
	Control:            "CONTROL",
	Status:             "STATUS",
	HeartBeat:          "HEART_BEAT",
	DpQuery:            "DP_QUERY",
	QueryWifi:          "QUERY_WIFI",
	TokenBind:          "TOKEN_BIND",
	ControlNew:         "CONTROL_NEW",
	EnableWifi:         "ENABLE_WIFI",
	WifiInfo:           "WIFI_INFO",
	DpQueryNew:         "DP_QUERY_NEW",
	SceneExecute:       "SCENE_EXECUTE",
	DpRefresh:          "DP_REFRESH",
	UdpNew:             "UDP_NEW",
	ApConfigNew:        "AP_CONFIG_NEW",
	BroadcastLPV34:     "BOARDCAST_LPV34",
	ReqDevinfo:         "REQ_DEVINFO",
	LanExtStream:       "LAN_EXT_STREAM",
}

// Known reports whether c is in the command table. Encode refuses commands
// that are not.
func (c Command) Known() bool {
	_, ok := commandNames[c]
	return ok
}

// String returns the command mnemonic, or a hex form for unknown codes.
func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Command(0x%02x)", uint32(c))
}

// FromDiscovery reports whether the command only ever arrives as a UDP
// presence broadcast. Broadcast frames carry no return code slot that
// matters and skip the HMAC integrity check.
func (c Command) FromDiscovery() bool {
	return c == Udp || c == UdpNew || c == BroadcastLPV34
}

// noVersionHeader34 lists the commands whose payloads are sent without the
// 15-byte plaintext version header on v3.4 and v3.5.
func noVersionHeader34(c Command) bool {
	switch c {
	case DpQuery, HeartBeat, DpQueryNew, SessKeyNegStart, SessKeyNegResponse, SessKeyNegFinish, DpRefresh, LanExtStream:
		return true
	}
	return false
}

// noVersionHeader33 lists the commands sent without the version header on
// v3.2 and v3.3.
func noVersionHeader33(c Command) bool {
	return c == DpQuery || c == DpRefresh
}
