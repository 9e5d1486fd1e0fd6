// Package cipher implements the per-version payload cryptography of the
// Tuya LAN protocol: AES-128-ECB with PKCS#7 for the legacy versions,
// unpadded ECB for v3.4, AES-128-GCM for v3.5, plus the MD5 request
// signature and the HMAC-SHA256 used by framing and session negotiation.
package cipher

import (
	"bytes"
	"crypto/aes"
	gocipher "crypto/cipher"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// BlockSize is the AES block size; local keys and session keys are exactly
// one block long.
const BlockSize = 16

// KeyLength is the required length of a device local key.
const KeyLength = 16

var (
	// ErrDecrypt is wrapped by every decryption failure: bad key, truncated
	// input, invalid padding, or GCM tag mismatch.
	ErrDecrypt = errors.New("decrypt failed")

	// ErrKeyLength is returned when a key is not exactly 16 bytes.
	ErrKeyLength = errors.New("key must be exactly 16 bytes")
)

// Version identifies a wire protocol variant. It selects the framing magic,
// the payload layout and the cipher algorithm.
type Version int

const (
	V31 Version = iota + 1
	V32
	V33
	V34
	V35
)

// ParseVersion maps a dotted version string to its Version tag.
func ParseVersion(s string) (Version, error) {
	switch s {
	case "", "3.1":
		return V31, nil
	case "3.2":
		return V32, nil
	case "3.3":
		return V33, nil
	case "3.4":
		return V34, nil
	case "3.5":
		return V35, nil
	}
	return 0, fmt.Errorf("unsupported protocol version %q", s)
}

// String returns the dotted form, e.g. "3.3".
func (v Version) String() string {
	switch v {
	case V31:
		return "3.1"
	case V32:
		return "3.2"
	case V33:
		return "3.3"
	case V34:
		return "3.4"
	case V35:
		return "3.5"
	}
	return fmt.Sprintf("Version(%d)", int(v))
}

// RequiresHandshake reports whether the version negotiates a session key
// after the TCP connect.
func (v Version) RequiresHandshake() bool {
	return v == V34 || v == V35
}

// Header returns the 15-byte plaintext version header: the ASCII version
// followed by 12 zero bytes. It prefixes non-query command payloads for
// v3.2 and later.
func (v Version) Header() []byte {
	h := make([]byte, 15)
	copy(h, v.String())
	return h
}

// Cipher encrypts and decrypts payloads for a single device. The active key
// is the negotiated session key when one is installed, the device local key
// otherwise. A Cipher is safe for concurrent use.
type Cipher struct {
	version  Version
	localKey []byte

	mu         sync.RWMutex
	sessionKey []byte
}

// New returns a Cipher bound to a local key and protocol version.
// The key must be exactly 16 bytes.
func New(localKey []byte, v Version) (*Cipher, error) {
	if len(localKey) != KeyLength {
		return nil, fmt.Errorf("%w (got %d)", ErrKeyLength, len(localKey))
	}
	key := make([]byte, KeyLength)
	copy(key, localKey)
	return &Cipher{version: v, localKey: key}, nil
}

// Version returns the protocol version the cipher is currently seated on.
func (c *Cipher) Version() Version { return c.currentVersion() }

// SetVersion re-seats the cipher on a different protocol version. Discovery
// uses this when a broadcast reports a version that differs from the one the
// caller configured.
func (c *Cipher) SetVersion(v Version) {
	c.mu.Lock()
	c.version = v
	c.mu.Unlock()
}

// SetSessionKey installs the negotiated session key. It must be the same
// length as the local key.
func (c *Cipher) SetSessionKey(key []byte) error {
	if len(key) != KeyLength {
		return fmt.Errorf("%w (got %d)", ErrKeyLength, len(key))
	}
	k := make([]byte, KeyLength)
	copy(k, key)
	c.mu.Lock()
	c.sessionKey = k
	c.mu.Unlock()
	return nil
}

// ClearSessionKey drops the session key; subsequent traffic falls back to
// the local key.
func (c *Cipher) ClearSessionKey() {
	c.mu.Lock()
	c.sessionKey = nil
	c.mu.Unlock()
}

// Key returns the active key: the session key if negotiated, the local key
// otherwise.
func (c *Cipher) Key() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.sessionKey) == KeyLength {
		return c.sessionKey
	}
	return c.localKey
}

// LocalKey returns the device local key regardless of session state. The
// handshake HMAC exchange always runs under the local key.
func (c *Cipher) LocalKey() []byte { return c.localKey }

// Encrypt encrypts plaintext according to the cipher's version:
//
//	v3.1        AES-128-ECB, PKCS#7, Base64 text output
//	v3.2, v3.3  AES-128-ECB, PKCS#7, raw bytes
//	v3.4        AES-128-ECB, no padding (caller pads to the block size)
//	v3.5        AES-128-GCM, derived 12-byte nonce, output nonce||ct||tag
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	key := c.Key()
	switch v := c.currentVersion(); v {
	case V31:
		raw, err := ecbEncrypt(key, pkcs7Pad(plaintext))
		if err != nil {
			return nil, err
		}
		out := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
		base64.StdEncoding.Encode(out, raw)
		return out, nil
	case V32, V33:
		return ecbEncrypt(key, pkcs7Pad(plaintext))
	case V34:
		if len(plaintext)%BlockSize != 0 {
			return nil, fmt.Errorf("v3.4 plaintext must be block aligned (got %d bytes)", len(plaintext))
		}
		return ecbEncrypt(key, plaintext)
	case V35:
		nonce := GCMNonce()
		sealed, err := c.SealGCM(plaintext, nonce, nil)
		if err != nil {
			return nil, err
		}
		return append(nonce, sealed...), nil
	default:
		return nil, fmt.Errorf("unsupported protocol version %v", v)
	}
}

// Decrypt reverses Encrypt, stripping any version prefix the device embeds.
// For v3.5 the input is the slice the frame parser hands over: a 14-byte
// header (used as AAD), a 12-byte nonce, the ciphertext and the 16-byte tag.
func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	key := c.Key()
	switch v := c.currentVersion(); v {
	case V31:
		return c.decrypt31(key, ciphertext)
	case V32, V33:
		prefix := []byte(v.String())
		if len(ciphertext) >= 15 && bytes.HasPrefix(ciphertext, prefix) {
			ciphertext = ciphertext[15:]
		}
		raw, err := ecbDecrypt(key, ciphertext)
		if err != nil {
			return nil, err
		}
		return pkcs7Unpad(raw)
	case V34:
		raw, err := ecbDecrypt(key, ciphertext)
		if err != nil {
			return nil, err
		}
		pt, err := pkcs7Unpad(raw)
		if err != nil {
			return nil, err
		}
		if len(pt) >= 15 && bytes.HasPrefix(pt, []byte("3.4")) {
			pt = pt[15:]
		}
		return pt, nil
	case V35:
		return c.decrypt35(ciphertext)
	default:
		return nil, fmt.Errorf("unsupported protocol version %v", v)
	}
}

func (c *Cipher) currentVersion() Version {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// decrypt31 handles the v3.1 response shape: the ASCII version, a 16-char
// MD5 signature and a Base64 ciphertext.
func (c *Cipher) decrypt31(key, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) >= 19 && bytes.HasPrefix(ciphertext, []byte("3.1")) {
		ciphertext = ciphertext[19:]
	}
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(ciphertext)))
	n, err := base64.StdEncoding.Decode(raw, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrDecrypt, err)
	}
	pt, err := ecbDecrypt(key, raw[:n])
	if err != nil {
		return nil, err
	}
	return pkcs7Unpad(pt)
}

// decrypt35 opens a v3.5 AEAD payload and strips the return code and the
// optional plaintext version header from the recovered plaintext.
func (c *Cipher) decrypt35(in []byte) ([]byte, error) {
	const headerLen, nonceLen, tagLen = 14, 12, 16
	if len(in) < headerLen+nonceLen+tagLen {
		return nil, fmt.Errorf("%w: v3.5 input too short (%d bytes)", ErrDecrypt, len(in))
	}
	aad := in[:headerLen]
	nonce := in[headerLen : headerLen+nonceLen]
	body := in[headerLen+nonceLen:]
	pt, err := c.OpenGCM(body, nonce, aad)
	if err != nil {
		return nil, err
	}
	pt = StripReturnCode(pt)
	if len(pt) >= 15 && bytes.HasPrefix(pt, []byte("3.5")) {
		pt = pt[15:]
	}
	return pt, nil
}

// SealGCM encrypts plaintext with AES-128-GCM under the active key and
// returns ciphertext||tag.
func (c *Cipher) SealGCM(plaintext, nonce, aad []byte) ([]byte, error) {
	aead, err := newGCM(c.Key())
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// OpenGCM decrypts ciphertext||tag produced by SealGCM.
func (c *Cipher) OpenGCM(sealed, nonce, aad []byte) ([]byte, error) {
	aead, err := newGCM(c.Key())
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return pt, nil
}

// MD5Sig computes the v3.1 request signature: the middle sixteen hex digits
// of the MD5 of s.
func MD5Sig(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])[8:24]
}

// HMAC computes HMAC-SHA256 over buf with the active key. Used for v3.4
// frame integrity and the session key handshake.
func (c *Cipher) HMAC(buf []byte) []byte {
	mac := hmac.New(sha256.New, c.Key())
	mac.Write(buf)
	return mac.Sum(nil)
}

// HMACLocal is HMAC but always under the local key, for handshake messages
// exchanged before the session key exists on both sides.
func (c *Cipher) HMACLocal(buf []byte) []byte {
	mac := hmac.New(sha256.New, c.localKey)
	mac.Write(buf)
	return mac.Sum(nil)
}

// Random returns n cryptographically secure random bytes.
func Random(n int) []byte {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	return buf
}

// GCMNonce derives the v3.5 nonce: the decimal text of the current
// millisecond timestamp times ten, truncated to twelve bytes.
func GCMNonce() []byte {
	s := strconv.FormatInt(time.Now().UnixMilli()*10, 10)
	for len(s) < 12 {
		s += "0"
	}
	return []byte(s[:12])
}

// StripReturnCode removes the 4-byte device return code from the front of a
// plaintext when present. A return code has its top 24 bits zero, which no
// JSON or version-prefixed payload starts with.
func StripReturnCode(pt []byte) []byte {
	if len(pt) >= 4 && pt[0] == 0 && pt[1] == 0 && pt[2] == 0 {
		return pt[4:]
	}
	return pt
}

func newGCM(key []byte) (gocipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	aead, err := gocipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return aead, nil
}

func ecbEncrypt(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(data)%BlockSize != 0 {
		return nil, fmt.Errorf("ecb: input not block aligned (%d bytes)", len(data))
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += BlockSize {
		block.Encrypt(out[i:i+BlockSize], data[i:i+BlockSize])
	}
	return out, nil
}

func ecbDecrypt(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(data) == 0 || len(data)%BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext not block aligned (%d bytes)", ErrDecrypt, len(data))
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += BlockSize {
		block.Decrypt(out[i:i+BlockSize], data[i:i+BlockSize])
	}
	return out, nil
}

// pkcs7Pad fills data to the next block boundary, emitting a full pad block
// when the input is already aligned.
func pkcs7Pad(data []byte) []byte {
	pad := BlockSize - len(data)%BlockSize
	out := make([]byte, len(data)+pad)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(pad)
	}
	return out
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	pad := int(data[len(data)-1])
	if pad < 1 || pad > BlockSize || pad > len(data) {
		return nil, fmt.Errorf("%w: invalid padding %d", ErrDecrypt, pad)
	}
	return data[:len(data)-pad], nil
}

// Pad34 applies the v3.4 outbound padding: the pad length is repeated as the
// fill byte, and a full block is added when the input is already aligned.
func Pad34(data []byte) []byte {
	return pkcs7Pad(data)
}
