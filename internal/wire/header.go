// Package wire implements the fixed, little-endian, byte-exact datagram
// header for airlink's frame transport pipeline (spec.md §6), and the
// PacketCodec that layers CRC integrity and AEAD confidentiality on top of
// it (spec.md §4.1).
package wire

import (
	"encoding/binary"
	"fmt"
)

// Magic is the 4-byte marker every datagram starts with.
var Magic = [4]byte{'M', 'I', 'R', 'G'}

// Flag bits, per spec.md §6.
const (
	FlagKeyframe uint16 = 1 << iota
	FlagEndOfFrame
	FlagEncryptedPayload
	FlagDiscontinuity
)

// HeaderSize is the fixed on-wire size of Header, in bytes.
const HeaderSize = 4 + 2 + 4 + 4 + 8 + 4 + 2 + 2 + 4 + 4 + 4 + 16 + 2 + 2

// checksumOffset is the byte offset of the checksum field within the
// encoded header, used to build the AEAD's AAD (header bytes excluding the
// checksum field).
const checksumOffset = 4 + 2 + 4 + 4 + 8 + 4 + 2 + 2 + 4 + 4

// ContentRect is the visible subregion of the encoded picture, in source
// pixels.
type ContentRect struct {
	X, Y, W, H int32
}

// Header is the fixed fragment header described in spec.md §6. Field order
// matches the wire layout except for Flags, which Encode writes directly
// after the magic.
type Header struct {
	StreamID        uint32
	SequenceNumber  uint32
	Timestamp       uint64 // nanoseconds
	FrameNumber     uint32
	FragmentIndex   uint16
	FragmentCount   uint16
	PayloadLength   uint32
	FrameByteCount  uint32
	Checksum        uint32
	ContentRect     ContentRect
	DimensionToken  uint16
	Epoch           uint16
	Flags           uint16
}

// IsKeyframe reports whether the keyframe flag is set.
func (h *Header) IsKeyframe() bool { return h.Flags&FlagKeyframe != 0 }

// IsEndOfFrame reports whether this fragment is the last in its frame.
func (h *Header) IsEndOfFrame() bool { return h.Flags&FlagEndOfFrame != 0 }

// IsEncrypted reports whether the payload is AEAD-encrypted.
func (h *Header) IsEncrypted() bool { return h.Flags&FlagEncryptedPayload != 0 }

// IsDiscontinuity reports whether this fragment starts a fresh sequence
// after a reset.
func (h *Header) IsDiscontinuity() bool { return h.Flags&FlagDiscontinuity != 0 }

// Encode writes the fixed-size header to a HeaderSize-byte buffer,
// allocating one if buf is nil or too short.
func (h *Header) Encode(buf []byte) []byte {
	if cap(buf) < HeaderSize {
		buf = make([]byte, HeaderSize)
	}
	buf = buf[:HeaderSize]

	off := 0
	copy(buf[off:], Magic[:])
	off += 4
	binary.LittleEndian.PutUint16(buf[off:], h.Flags)
	off += 2
	binary.LittleEndian.PutUint32(buf[off:], h.StreamID)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], h.SequenceNumber)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], h.Timestamp)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], h.FrameNumber)
	off += 4
	binary.LittleEndian.PutUint16(buf[off:], h.FragmentIndex)
	off += 2
	binary.LittleEndian.PutUint16(buf[off:], h.FragmentCount)
	off += 2
	binary.LittleEndian.PutUint32(buf[off:], h.PayloadLength)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], h.FrameByteCount)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], h.Checksum)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(h.ContentRect.X))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(h.ContentRect.Y))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(h.ContentRect.W))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(h.ContentRect.H))
	off += 4
	binary.LittleEndian.PutUint16(buf[off:], h.DimensionToken)
	off += 2
	binary.LittleEndian.PutUint16(buf[off:], h.Epoch)
	off += 2

	return buf
}

// Decode parses a Header from the first HeaderSize bytes of buf. It returns
// ErrShortHeader if buf is too small, or ErrBadMagic if the magic does not
// match.
func Decode(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderSize {
		return h, ErrShortHeader
	}
	if buf[0] != Magic[0] || buf[1] != Magic[1] || buf[2] != Magic[2] || buf[3] != Magic[3] {
		return h, ErrBadMagic
	}
	off := 4
	h.Flags = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	h.StreamID = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.SequenceNumber = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.Timestamp = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	h.FrameNumber = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.FragmentIndex = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	h.FragmentCount = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	h.PayloadLength = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.FrameByteCount = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.Checksum = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.ContentRect.X = int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	h.ContentRect.Y = int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	h.ContentRect.W = int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	h.ContentRect.H = int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	h.DimensionToken = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	h.Epoch = binary.LittleEndian.Uint16(buf[off:])
	off += 2

	if h.FragmentIndex >= h.FragmentCount && h.FragmentCount != 0 {
		return h, fmt.Errorf("wire: fragmentIndex %d >= fragmentCount %d", h.FragmentIndex, h.FragmentCount)
	}
	return h, nil
}

// AAD builds the additional authenticated data for AEAD operations: the
// encoded header with the checksum field excluded (spec.md §4.1).
func (h *Header) AAD(encodedHeader []byte) []byte {
	aad := make([]byte, 0, HeaderSize-4)
	aad = append(aad, encodedHeader[:checksumOffset]...)
	aad = append(aad, encodedHeader[checksumOffset+4:]...)
	return aad
}
