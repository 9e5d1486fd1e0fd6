// Package protocol implements the Tuya LAN wire protocol framing.
//
// This package handles construction and parsing of the binary frames the
// devices speak over TCP port 6668 and broadcast over UDP. Five protocol
// variants exist in the field, selected by the device's firmware
// generation, and the framing differs between them.
//
// # Frame layout (v3.1 - v3.4)
//
// All integers are big-endian:
//
//	[0:4]    0x000055AA   prefix magic
//	[4:8]    sequence     32-bit sequence number
//	[8:12]   command      32-bit command code
//	[12:16]  length       payload + trailer byte count
//	[16:N]   payload      (device frames prepend a 32-bit return code)
//	trailer               CRC-32 (v3.1-v3.3) or HMAC-SHA256 (v3.4)
//	         0x0000AA55   suffix magic
//
// A device frame carries a 32-bit return code before the payload,
// recognizable by its top 24 bits being zero; client frames omit it.
//
// # Frame layout (v3.5)
//
//	[0:4]    0x00006699   prefix magic
//	[4:6]    reserved     two zero bytes
//	[6:10]   sequence
//	[10:14]  command
//	[14:18]  length       nonce + ciphertext + tag byte count
//	[18:30]  nonce        12-byte AES-GCM nonce
//	[30:N]   ciphertext   followed by the 16-byte GCM tag
//	         0x00009966   suffix magic
//
// The header bytes at offsets 4..18 are authenticated as GCM additional
// data, so v3.5 has no separate integrity trailer.
//
// # Payload encryption
//
// Payload crypto is delegated to the cipher package: ECB with a Base64 text
// wrapping on v3.1, raw ECB on v3.2/v3.3, unpadded ECB on v3.4 and GCM on
// v3.5. Non-query commands prepend a 15-byte plaintext header (the ASCII
// version plus 12 zero bytes) from v3.2 onward; on v3.2/v3.3 it sits
// outside the ciphertext, on v3.4/v3.5 inside.
//
// # Multi-frame buffers
//
// Devices coalesce several frames into one TCP segment. Parse walks the
// buffer and returns every whole frame in order; FrameLen lets a read loop
// decide whether the head of its accumulation buffer is complete.
//
// # Error handling
//
// Parse failures are sentinel errors (ErrPrefixMismatch, ErrCRCMismatch,
// ...) wrapped with context. They are local to one frame: the caller drops
// the chunk and the stream may resync on the next read.
//
// # Thread safety
//
// A Codec holds no mutable state of its own; concurrent Encode and Parse
// calls are safe.
package protocol
