package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"hash/crc32"
	"reflect"
	"testing"

	"github.com/quendro/tuyalan/internal/cipher"
)

const testKey = "4226aa407d5c1e2b"

func testCodec(t *testing.T, v cipher.Version) *Codec {
	t.Helper()
	c, err := cipher.New([]byte(testKey), v)
	if err != nil {
		t.Fatalf("cipher.New() error = %v", err)
	}
	return NewCodec(c)
}

func jsonEqual(t *testing.T, got any, wantJSON string) {
	t.Helper()
	var want any
	if err := json.Unmarshal([]byte(wantJSON), &want); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("payload = %#v, want %#v", got, want)
	}
}

func TestCommand(t *testing.T) {
	if !DpQuery.Known() {
		t.Error("DP_QUERY should be a known command")
	}
	if Command(0x63).Known() {
		t.Error("0x63 should not be a known command")
	}
	if got := HeartBeat.String(); got != "HEART_BEAT" {
		t.Errorf("HeartBeat.String() = %q", got)
	}
	if got := Command(0x63).String(); got != "Command(0x63)" {
		t.Errorf("unknown command String() = %q", got)
	}
	for _, c := range []Command{Udp, UdpNew, BroadcastLPV34} {
		if !c.FromDiscovery() {
			t.Errorf("%v should be a discovery command", c)
		}
	}
	if Control.FromDiscovery() {
		t.Error("CONTROL is not a discovery command")
	}
}

// The v3.1 round trip on the reference query payload.
func TestRoundTrip_V31Query(t *testing.T) {
	cd := testCodec(t, cipher.V31)
	payload := `{"devId":"002004265ccf7fb1b659","dps":{"1":true,"2":0}}`

	buf, err := cd.Encode(DpQuery, []byte(payload), 1, false)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	frames, err := cd.Parse(buf)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	f := frames[0]
	if f.Cmd != DpQuery {
		t.Errorf("cmd = %v (%d), want DP_QUERY (10)", f.Cmd, uint32(f.Cmd))
	}
	if f.Seq != 1 {
		t.Errorf("seq = %d, want 1", f.Seq)
	}
	jsonEqual(t, f.Payload, payload)
}

func TestRoundTrip_AllVersions(t *testing.T) {
	payload := `{"devId":"002004265ccf7fb1b659","uid":"002004265ccf7fb1b659","dps":{"1":true,"2":0}}`

	tests := []struct {
		name    string
		version cipher.Version
		cmd     Command
		encrypt bool
	}{
		{"v3.1 encrypted control", cipher.V31, Control, true},
		{"v3.1 plain query", cipher.V31, DpQuery, false},
		{"v3.2 control", cipher.V32, Control, true},
		{"v3.2 query", cipher.V32, DpQuery, true},
		{"v3.3 control", cipher.V33, Control, true},
		{"v3.3 query", cipher.V33, DpQuery, true},
		{"v3.3 refresh", cipher.V33, DpRefresh, true},
		{"v3.4 control", cipher.V34, ControlNew, true},
		{"v3.4 query", cipher.V34, DpQueryNew, true},
		{"v3.5 control", cipher.V35, ControlNew, true},
		{"v3.5 query", cipher.V35, DpQueryNew, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cd := testCodec(t, tt.version)
			buf, err := cd.Encode(tt.cmd, []byte(payload), 7, tt.encrypt)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			frames, err := cd.Parse(buf)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if len(frames) != 1 {
				t.Fatalf("got %d frames, want 1", len(frames))
			}
			f := frames[0]
			if f.Cmd != tt.cmd {
				t.Errorf("cmd = %v, want %v", f.Cmd, tt.cmd)
			}
			if f.Seq != 7 {
				t.Errorf("seq = %d, want 7", f.Seq)
			}
			if f.Version != tt.version {
				t.Errorf("version = %v, want %v", f.Version, tt.version)
			}
			jsonEqual(t, f.Payload, payload)
		})
	}
}

func TestRoundTrip_EmptyHeartbeat(t *testing.T) {
	for _, v := range []cipher.Version{cipher.V31, cipher.V33, cipher.V34, cipher.V35} {
		t.Run(v.String(), func(t *testing.T) {
			cd := testCodec(t, v)
			buf, err := cd.Encode(HeartBeat, nil, 3, false)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			frames, err := cd.Parse(buf)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if len(frames) != 1 {
				t.Fatalf("got %d frames, want 1", len(frames))
			}
			if frames[0].Cmd != HeartBeat {
				t.Errorf("cmd = %v, want HEART_BEAT", frames[0].Cmd)
			}
			if !frames[0].Empty() && v == cipher.V31 {
				t.Error("v3.1 heartbeat should round trip with no payload")
			}
		})
	}
}

// A buffer holding two whole frames parses into both, in order.
func TestParse_MultiFrameBuffer(t *testing.T) {
	cd := testCodec(t, cipher.V33)
	payload := `{"dps":{"1":true}}`

	one, err := cd.Encode(DpQuery, []byte(payload), 1, true)
	if err != nil {
		t.Fatal(err)
	}
	two, err := cd.Encode(DpQuery, []byte(payload), 2, true)
	if err != nil {
		t.Fatal(err)
	}

	frames, err := cd.Parse(append(append([]byte{}, one...), two...))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0].Seq != 1 || frames[1].Seq != 2 {
		t.Errorf("sequence order = %d,%d, want 1,2", frames[0].Seq, frames[1].Seq)
	}
	jsonEqual(t, frames[0].Payload, payload)
	jsonEqual(t, frames[1].Payload, payload)
}

func TestParse_CRCCorruption(t *testing.T) {
	cd := testCodec(t, cipher.V31)
	buf, err := cd.Encode(DpQuery, []byte(`{"dps":{}}`), 1, false)
	if err != nil {
		t.Fatal(err)
	}
	binary.BigEndian.PutUint32(buf[len(buf)-8:len(buf)-4], 0xDEADBEEF)

	_, err = cd.Parse(buf)
	if !errors.Is(err, ErrCRCMismatch) {
		t.Errorf("Parse() error = %v, want ErrCRCMismatch", err)
	}
}

func TestParse_HMACCorruption(t *testing.T) {
	cd := testCodec(t, cipher.V34)
	buf, err := cd.Encode(ControlNew, []byte(`{"dps":{"1":true}}`), 1, true)
	if err != nil {
		t.Fatal(err)
	}
	buf[len(buf)-20] ^= 0xff // inside the 32-byte HMAC trailer

	_, err = cd.Parse(buf)
	if !errors.Is(err, ErrHMACMismatch) {
		t.Errorf("Parse() error = %v, want ErrHMACMismatch", err)
	}
}

func TestParse_GCMTagCorruption(t *testing.T) {
	cd := testCodec(t, cipher.V35)
	buf, err := cd.Encode(ControlNew, []byte(`{"dps":{"1":true}}`), 1, true)
	if err != nil {
		t.Fatal(err)
	}
	buf[len(buf)-6] ^= 0xff // inside the GCM tag, just before the suffix

	_, err = cd.Parse(buf)
	if !errors.Is(err, cipher.ErrDecrypt) {
		t.Errorf("Parse() error = %v, want cipher.ErrDecrypt", err)
	}
}

func TestParse_PrefixMismatch(t *testing.T) {
	cd := testCodec(t, cipher.V33)
	buf, err := cd.Encode(DpQuery, []byte(`{}`), 1, true)
	if err != nil {
		t.Fatal(err)
	}
	buf[0] = 0xde

	_, err = cd.Parse(buf)
	if !errors.Is(err, ErrPrefixMismatch) {
		t.Errorf("Parse() error = %v, want ErrPrefixMismatch", err)
	}
}

func TestParse_SuffixMismatch(t *testing.T) {
	cd := testCodec(t, cipher.V33)
	buf, err := cd.Encode(DpQuery, []byte(`{}`), 1, true)
	if err != nil {
		t.Fatal(err)
	}
	buf[len(buf)-1] = 0x00

	_, err = cd.Parse(buf)
	if !errors.Is(err, ErrSuffixMismatch) {
		t.Errorf("Parse() error = %v, want ErrSuffixMismatch", err)
	}
}

func TestParse_Truncated(t *testing.T) {
	cd := testCodec(t, cipher.V33)
	full, err := cd.Encode(DpQuery, []byte(`{"dps":{"1":true,"2":0}}`), 1, true)
	if err != nil {
		t.Fatal(err)
	}

	cuts := []int{len(full) - 5, len(full) - 17, 25, 20, 10, 1}
	for _, n := range cuts {
		if n >= len(full) {
			continue
		}
		if _, err := cd.Parse(full[:n]); !errors.Is(err, ErrTruncatedPayload) {
			t.Errorf("Parse(%d of %d bytes) error = %v, want ErrTruncatedPayload", n, len(full), err)
		}
	}
}

func TestEncode_UnknownCommand(t *testing.T) {
	cd := testCodec(t, cipher.V33)
	if _, err := cd.Encode(Command(0x63), []byte(`{}`), 1, true); !errors.Is(err, ErrInvalidCommand) {
		t.Errorf("Encode() error = %v, want ErrInvalidCommand", err)
	}
}

// Device frames carry a 32-bit return code before the payload; client
// frames do not. Build a device-style frame by hand and check both sides.
func TestParse_ReturnCode(t *testing.T) {
	cd := testCodec(t, cipher.V33)

	c, err := cipher.New([]byte(testKey), cipher.V33)
	if err != nil {
		t.Fatal(err)
	}
	ct, err := c.Encrypt([]byte(`{"dps":{"1":true}}`))
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	inner := len(ct) + 4 + 8 // return code + payload + trailer
	hdr := make([]byte, 16)
	binary.BigEndian.PutUint32(hdr[0:4], Prefix55AA)
	binary.BigEndian.PutUint32(hdr[4:8], 9)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(Status))
	binary.BigEndian.PutUint32(hdr[12:16], uint32(inner))
	buf.Write(hdr)
	buf.Write([]byte{0, 0, 0, 0}) // return code 0
	buf.Write(ct)
	sum := crc32.ChecksumIEEE(buf.Bytes())
	binary.Write(&buf, binary.BigEndian, sum)
	binary.Write(&buf, binary.BigEndian, Suffix55AA)

	frames, err := cd.Parse(buf.Bytes())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	f := frames[0]
	if !f.HasReturnCode || f.ReturnCode != 0 {
		t.Errorf("return code = (%v, %d), want (true, 0)", f.HasReturnCode, f.ReturnCode)
	}
	jsonEqual(t, f.Payload, `{"dps":{"1":true}}`)
}

// Broadcast frames skip the HMAC check even when the codec is seated on
// v3.4, because they are signed with a key the client does not share.
func TestParse_DiscoverySkipsHMAC(t *testing.T) {
	udpCipher, err := cipher.New([]byte("0123456789abcdef"), cipher.V33)
	if err != nil {
		t.Fatal(err)
	}
	udpCodec := NewCodec(udpCipher)
	buf, err := udpCodec.Encode(Udp, []byte(`{"gwId":"x","ip":"1.2.3.4"}`), 0, true)
	if err != nil {
		t.Fatal(err)
	}

	// Same bytes parsed by a v3.4 codec with a different key: the CRC
	// trailer still verifies, no HMAC is demanded, and the payload
	// surfaces as raw bytes since the key differs.
	cd := testCodec(t, cipher.V34)
	frames, err := cd.Parse(buf)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].Cmd != Udp {
		t.Errorf("cmd = %v, want UDP", frames[0].Cmd)
	}
}

func TestParse_UndecryptablePayloadSurfacesRaw(t *testing.T) {
	sender := testCodec(t, cipher.V33)
	buf, err := sender.Encode(Status, []byte(`{"dps":{"1":true}}`), 1, true)
	if err != nil {
		t.Fatal(err)
	}

	wrongKey, err := cipher.New([]byte("ffffffffffffffff"), cipher.V33)
	if err != nil {
		t.Fatal(err)
	}
	frames, err := NewCodec(wrongKey).Parse(buf)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].Payload == nil {
		t.Error("raw payload should surface when decryption fails")
	}
}

func TestDecodePayload_EnvelopeUnwrap(t *testing.T) {
	in := []byte(`{"protocol":4,"t":1670000000,"data":{"dps":{"1":false}}}`)

	got := decodePayload(in, cipher.V34)
	m, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("payload type = %T, want map", got)
	}
	if _, ok := m["dps"]; !ok {
		t.Error("envelope data should be flattened into the payload")
	}
	if m["t"] != float64(1670000000) {
		t.Errorf("t = %v, want 1670000000", m["t"])
	}

	// Versions before 3.4 pass the envelope through untouched
	got = decodePayload(in, cipher.V33)
	m = got.(map[string]any)
	if _, ok := m["data"]; !ok {
		t.Error("v3.3 payloads must not be unwrapped")
	}
}

func TestDecodePayload_TextPreserved(t *testing.T) {
	got := decodePayload([]byte("json obj data unvalid"), cipher.V33)
	if got != "json obj data unvalid" {
		t.Errorf("payload = %#v, want the literal text preserved", got)
	}
}

func TestFrameLen(t *testing.T) {
	cd := testCodec(t, cipher.V33)
	buf, err := cd.Encode(DpQuery, []byte(`{"dps":{}}`), 1, true)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		in      []byte
		want    int
		wantErr bool
	}{
		{"whole frame", buf, len(buf), false},
		{"frame plus tail", append(append([]byte{}, buf...), 0x01), len(buf), false},
		{"header only", buf[:16], len(buf), false},
		{"incomplete header", buf[:10], 0, false},
		{"empty", nil, 0, false},
		{"bad prefix", []byte{0xde, 0xad, 0xbe, 0xef, 0, 0, 0, 0}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FrameLen(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("FrameLen() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("FrameLen() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestFrameLen_V35(t *testing.T) {
	cd := testCodec(t, cipher.V35)
	buf, err := cd.Encode(DpQueryNew, []byte(`{"dps":{}}`), 1, true)
	if err != nil {
		t.Fatal(err)
	}
	got, err := FrameLen(buf)
	if err != nil {
		t.Fatalf("FrameLen() error = %v", err)
	}
	if got != len(buf) {
		t.Errorf("FrameLen() = %d, want %d", got, len(buf))
	}
}
