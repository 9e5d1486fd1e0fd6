package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"

	"go.uber.org/zap"

	"github.com/quendro/tuyalan/internal/cipher"
	"github.com/quendro/tuyalan/internal/logging"
)

// Framing magic. Versions up to 3.4 use the 55AA pair, v3.5 uses 6699.
const (
	Prefix55AA uint32 = 0x000055aa
	Suffix55AA uint32 = 0x0000aa55
	Prefix6699 uint32 = 0x00006699
	Suffix6699 uint32 = 0x00009966
)

const (
	headerLen55AA = 16 // prefix + seq + cmd + length
	headerLen6699 = 18 // prefix + 2 reserved + seq + cmd + length
	crcTrailerLen = 8  // crc32 + suffix
	macTrailerLen = 36 // hmac-sha256 + suffix
	minFrameLen   = 24
)

// Frame parse and build errors. Parse errors are local to one frame: the
// stream may resync on the next whole frame, so the session drops the chunk
// without tearing the socket down.
var (
	ErrPrefixMismatch   = errors.New("prefix mismatch")
	ErrSuffixMismatch   = errors.New("suffix mismatch")
	ErrTruncatedPayload = errors.New("truncated payload")
	ErrCRCMismatch      = errors.New("crc mismatch")
	ErrHMACMismatch     = errors.New("hmac mismatch")
	ErrInvalidCommand   = errors.New("invalid command")
)

// Frame is one parsed protocol unit.
type Frame struct {
	Seq     uint32
	Cmd     Command
	Version cipher.Version

	// ReturnCode is the device status word preceding the payload on inbound
	// frames. HasReturnCode distinguishes an absent code from a zero one.
	ReturnCode    uint32
	HasReturnCode bool

	// Bytes is the decrypted payload verbatim. Handshake frames carry raw
	// nonce material here that never parses as JSON.
	Bytes []byte

	// Payload is the interpreted payload: a JSON value when the plaintext
	// parses, the plaintext as a string otherwise, nil when empty.
	Payload any
}

// Map returns the payload as a JSON object if it decoded as one.
func (f *Frame) Map() (map[string]any, bool) {
	m, ok := f.Payload.(map[string]any)
	return m, ok
}

// Text returns the payload as plain text if it did not decode as JSON.
func (f *Frame) Text() (string, bool) {
	s, ok := f.Payload.(string)
	return s, ok
}

// Empty reports whether the frame carried no payload bytes.
func (f *Frame) Empty() bool { return len(f.Bytes) == 0 }

// String renders a compact debug form.
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{seq=%d, cmd=%s, ver=%s, payload=%d bytes}",
		f.Seq, f.Cmd, f.Version, len(f.Bytes))
}

// Codec encodes and parses frames for one device. It holds no state beyond
// the cipher it shares with the session; the protocol version is read from
// the cipher so a discovery-driven version change re-seats both at once.
type Codec struct {
	cipher *cipher.Cipher
	log    *zap.Logger
}

// NewCodec returns a codec bound to the device cipher.
func NewCodec(c *cipher.Cipher) *Codec {
	return &Codec{cipher: c, log: logging.GetLogger()}
}

// Version returns the protocol version the codec currently frames for.
func (cd *Codec) Version() cipher.Version { return cd.cipher.Version() }

// Encode builds the on-wire bytes for one outbound frame. The payload is
// raw bytes; JSON serialization is the caller's concern. The encrypt flag
// only matters on v3.1, where query commands historically went out in the
// clear; every later version encrypts unconditionally.
func (cd *Codec) Encode(cmd Command, payload []byte, seq uint32, encrypt bool) ([]byte, error) {
	if !cmd.Known() {
		return nil, fmt.Errorf("%w: 0x%02x", ErrInvalidCommand, uint32(cmd))
	}

	switch v := cd.Version(); v {
	case cipher.V31:
		return cd.encode31(cmd, payload, seq, encrypt)
	case cipher.V32, cipher.V33:
		return cd.encode33(v, cmd, payload, seq)
	case cipher.V34:
		return cd.encode34(cmd, payload, seq)
	case cipher.V35:
		return cd.encode35(cmd, payload, seq)
	default:
		return nil, fmt.Errorf("unsupported protocol version %v", v)
	}
}

func (cd *Codec) encode31(cmd Command, payload []byte, seq uint32, encrypt bool) ([]byte, error) {
	if encrypt {
		ct, err := cd.cipher.Encrypt(payload)
		if err != nil {
			return nil, err
		}
		sig := cipher.MD5Sig("data=" + string(ct) + "||lpv=3.1||" + string(cd.cipher.LocalKey()))
		pre := make([]byte, 0, 3+len(sig)+len(ct))
		pre = append(pre, "3.1"...)
		pre = append(pre, sig...)
		pre = append(pre, ct...)
		payload = pre
	}
	return cd.frame55AA(cmd, payload, seq, crcTrailerLen)
}

func (cd *Codec) encode33(v cipher.Version, cmd Command, payload []byte, seq uint32) ([]byte, error) {
	ct, err := cd.cipher.Encrypt(payload)
	if err != nil {
		return nil, err
	}
	if !noVersionHeader33(cmd) {
		ct = append(v.Header(), ct...)
	}
	return cd.frame55AA(cmd, ct, seq, crcTrailerLen)
}

func (cd *Codec) encode34(cmd Command, payload []byte, seq uint32) ([]byte, error) {
	if !noVersionHeader34(cmd) {
		payload = append(cipher.V34.Header(), payload...)
	}
	ct, err := cd.cipher.Encrypt(cipher.Pad34(payload))
	if err != nil {
		return nil, err
	}
	return cd.frame55AA(cmd, ct, seq, macTrailerLen)
}

// frame55AA wraps a finished payload in the 55AA framing with either a
// CRC-32 or an HMAC-SHA256 trailer.
func (cd *Codec) frame55AA(cmd Command, payload []byte, seq uint32, trailer int) ([]byte, error) {
	buf := make([]byte, headerLen55AA+len(payload)+trailer)
	binary.BigEndian.PutUint32(buf[0:4], Prefix55AA)
	binary.BigEndian.PutUint32(buf[4:8], seq)
	binary.BigEndian.PutUint32(buf[8:12], uint32(cmd))
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(payload)+trailer))
	copy(buf[headerLen55AA:], payload)

	signed := buf[:headerLen55AA+len(payload)]
	switch trailer {
	case crcTrailerLen:
		binary.BigEndian.PutUint32(buf[len(buf)-8:], crc32.ChecksumIEEE(signed))
	case macTrailerLen:
		copy(buf[len(buf)-36:len(buf)-4], cd.cipher.HMAC(signed))
	}
	binary.BigEndian.PutUint32(buf[len(buf)-4:], Suffix55AA)

	cd.log.Debug("encoded frame",
		zap.Stringer("cmd", cmd),
		zap.Uint32("seq", seq),
		zap.Int("len", len(buf)),
	)
	return buf, nil
}

func (cd *Codec) encode35(cmd Command, payload []byte, seq uint32) ([]byte, error) {
	if !noVersionHeader34(cmd) {
		payload = append(cipher.V35.Header(), payload...)
	}

	header := make([]byte, headerLen6699)
	binary.BigEndian.PutUint32(header[0:4], Prefix6699)
	binary.BigEndian.PutUint32(header[6:10], seq)
	binary.BigEndian.PutUint32(header[10:14], uint32(cmd))
	binary.BigEndian.PutUint32(header[14:18], uint32(len(payload)+28))

	nonce := cipher.GCMNonce()
	sealed, err := cd.cipher.SealGCM(payload, nonce, header[4:18])
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, headerLen6699+len(nonce)+len(sealed)+4)
	buf = append(buf, header...)
	buf = append(buf, nonce...)
	buf = append(buf, sealed...)
	buf = binary.BigEndian.AppendUint32(buf, Suffix6699)

	cd.log.Debug("encoded frame",
		zap.Stringer("cmd", cmd),
		zap.Uint32("seq", seq),
		zap.Int("len", len(buf)),
	)
	return buf, nil
}

// MaxFrameLen bounds a single frame's declared length. Devices keep frames
// inside one TCP segment in practice; anything larger is stream corruption.
const MaxFrameLen = 0xffff

// FrameLen inspects the start of buf and reports the total byte length of
// the first frame, or 0 when the header itself is still incomplete. A read
// loop uses this to decide between waiting for more bytes and parsing.
func FrameLen(buf []byte) (int, error) {
	if len(buf) < 4 {
		return 0, nil
	}
	switch prefix := binary.BigEndian.Uint32(buf[0:4]); prefix {
	case Prefix55AA:
		if len(buf) < headerLen55AA {
			return 0, nil
		}
		length := int(binary.BigEndian.Uint32(buf[12:16]))
		if length > MaxFrameLen {
			return 0, fmt.Errorf("%w: declared %d exceeds frame limit", ErrTruncatedPayload, length)
		}
		return headerLen55AA + length, nil
	case Prefix6699:
		if len(buf) < headerLen6699 {
			return 0, nil
		}
		length := int(binary.BigEndian.Uint32(buf[14:18]))
		if length > MaxFrameLen {
			return 0, fmt.Errorf("%w: declared %d exceeds frame limit", ErrTruncatedPayload, length)
		}
		return headerLen6699 + length + 4, nil
	default:
		return 0, fmt.Errorf("%w: 0x%08x", ErrPrefixMismatch, prefix)
	}
}

// Parse decodes every whole frame in buf, in order. Devices coalesce
// frames into one TCP segment, so a read may hold several. On error the
// frames parsed so far are returned alongside it.
func (cd *Codec) Parse(buf []byte) ([]*Frame, error) {
	var frames []*Frame
	for len(buf) > 0 {
		f, rest, err := cd.parseOne(buf)
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
		buf = rest
	}
	return frames, nil
}

func (cd *Codec) parseOne(buf []byte) (*Frame, []byte, error) {
	if len(buf) < minFrameLen {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrTruncatedPayload, len(buf))
	}

	switch prefix := binary.BigEndian.Uint32(buf[0:4]); prefix {
	case Prefix55AA:
		return cd.parse55AA(buf)
	case Prefix6699:
		return cd.parse6699(buf)
	default:
		return nil, nil, fmt.Errorf("%w: 0x%08x", ErrPrefixMismatch, prefix)
	}
}

func (cd *Codec) parse55AA(buf []byte) (*Frame, []byte, error) {
	seq := binary.BigEndian.Uint32(buf[4:8])
	cmd := Command(binary.BigEndian.Uint32(buf[8:12]))
	length := int(binary.BigEndian.Uint32(buf[12:16]))

	if length > len(buf)-8 {
		return nil, nil, fmt.Errorf("%w: declared %d, have %d", ErrTruncatedPayload, length, len(buf))
	}
	frameEnd := headerLen55AA + length
	if frameEnd > len(buf) || length < crcTrailerLen {
		return nil, nil, fmt.Errorf("%w: declared %d, have %d", ErrTruncatedPayload, length, len(buf))
	}
	if suffix := binary.BigEndian.Uint32(buf[frameEnd-4 : frameEnd]); suffix != Suffix55AA {
		return nil, nil, fmt.Errorf("%w: 0x%08x", ErrSuffixMismatch, suffix)
	}

	version := cd.Version()
	trailer := crcTrailerLen
	if (version == cipher.V34 && !cmd.FromDiscovery()) || cmd == BroadcastLPV34 {
		trailer = macTrailerLen
	}
	if length < trailer {
		return nil, nil, fmt.Errorf("%w: declared %d, trailer %d", ErrTruncatedPayload, length, trailer)
	}

	signed := buf[:frameEnd-trailer]
	switch trailer {
	case crcTrailerLen:
		want := binary.BigEndian.Uint32(buf[frameEnd-8 : frameEnd-4])
		if got := crc32.ChecksumIEEE(signed); got != want {
			return nil, nil, fmt.Errorf("%w: got 0x%08x, want 0x%08x", ErrCRCMismatch, got, want)
		}
	case macTrailerLen:
		if !cmd.FromDiscovery() {
			want := buf[frameEnd-36 : frameEnd-4]
			if !bytes.Equal(cd.cipher.HMAC(signed), want) {
				return nil, nil, ErrHMACMismatch
			}
		}
	}

	f := &Frame{Seq: seq, Cmd: cmd, Version: version}
	interior := buf[headerLen55AA : frameEnd-trailer]
	if len(interior) >= 4 {
		rc := binary.BigEndian.Uint32(interior[0:4])
		if rc&0xFFFFFF00 == 0 {
			f.ReturnCode = rc
			f.HasReturnCode = true
			interior = interior[4:]
		}
	}

	pt := interior
	if len(interior) > 0 {
		if dec, err := cd.cipher.Decrypt(interior); err == nil {
			pt = dec
		} else {
			cd.log.Debug("payload not decryptable, surfacing raw",
				zap.Stringer("cmd", cmd), zap.Error(err))
		}
	}
	f.Bytes = pt
	f.Payload = decodePayload(pt, version)

	return f, buf[frameEnd:], nil
}

func (cd *Codec) parse6699(buf []byte) (*Frame, []byte, error) {
	seq := binary.BigEndian.Uint32(buf[6:10])
	cmd := Command(binary.BigEndian.Uint32(buf[10:14]))
	length := int(binary.BigEndian.Uint32(buf[14:18]))

	// length counts nonce + ciphertext + tag; the suffix follows them.
	frameEnd := headerLen6699 + length + 4
	if length > len(buf)-8 || frameEnd > len(buf) || length < 28 {
		return nil, nil, fmt.Errorf("%w: declared %d, have %d", ErrTruncatedPayload, length, len(buf))
	}
	if suffix := binary.BigEndian.Uint32(buf[frameEnd-4 : frameEnd]); suffix != Suffix6699 {
		return nil, nil, fmt.Errorf("%w: 0x%08x", ErrSuffixMismatch, suffix)
	}

	// The cipher wants the AAD header, nonce, ciphertext and tag as one
	// slice; integrity is the GCM open itself.
	pt, err := cd.cipher.Decrypt(buf[4 : frameEnd-4])
	if err != nil {
		return nil, nil, err
	}

	f := &Frame{Seq: seq, Cmd: cmd, Version: cipher.V35, Bytes: pt}
	f.Payload = decodePayload(pt, cipher.V35)
	return f, buf[frameEnd:], nil
}

// decodePayload interprets decrypted payload bytes: a JSON value when the
// plaintext parses, the text otherwise. For v3.4/v3.5 the devices wrap
// responses in a {protocol, t, data} envelope which is flattened here.
func decodePayload(pt []byte, v cipher.Version) any {
	if len(pt) == 0 {
		return nil
	}
	var val any
	if err := json.Unmarshal(pt, &val); err != nil {
		return string(pt)
	}
	if v == cipher.V34 || v == cipher.V35 {
		if m, ok := val.(map[string]any); ok {
			if data, ok := m["data"].(map[string]any); ok {
				if t, ok := m["t"]; ok {
					data["t"] = t
				}
				return data
			}
		}
	}
	return val
}
