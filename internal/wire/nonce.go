package wire

import "encoding/binary"

// Direction distinguishes host→client and client→host datagrams so the
// same (streamID, frameNumber, fragmentIndex) tuple used on both legs of a
// session never collides in nonce space.
type Direction uint8

const (
	DirectionHostToClient Direction = 0
	DirectionClientToHost Direction = 1
)

// NonceSize is the ChaCha20-Poly1305 nonce length.
const NonceSize = 12

// BuildNonce derives the 96-bit AEAD nonce for a fragment. It is injective
// over (streamID, frameNumber, fragmentIndex, direction) as required by
// spec.md §4.1, for the lifetime of a single media key: frameNumber is a
// monotone 32-bit per-stream counter and fragmentIndex is bounded by
// fragmentCount (a uint16), so the 11 bytes they occupy here never repeat
// within one session. A session that transmits 2^32 frames on one stream
// would wrap and must rotate its media key first; this module does not
// stream anywhere near that volume before a handshake-driven rekey would
// naturally occur.
func BuildNonce(streamID, frameNumber uint32, fragmentIndex uint16, dir Direction) [NonceSize]byte {
	var n [NonceSize]byte
	n[0] = byte(dir)
	binary.LittleEndian.PutUint32(n[1:5], streamID)
	binary.LittleEndian.PutUint32(n[5:9], frameNumber)
	binary.LittleEndian.PutUint16(n[9:11], fragmentIndex)
	// n[11] left zero as padding.
	return n
}
