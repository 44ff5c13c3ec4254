package wire

import (
	"hash/crc32"

	"golang.org/x/crypto/chacha20poly1305"

	rerrors "github.com/corvid-labs/airlink/internal/errors"
)

// Key is a derived per-session packet key (spec.md §4.1's
// makePacketKey). It is the raw key material handed to the fixed AEAD
// algorithm (ChaCha20-Poly1305, see SPEC_FULL.md §4.13); KeySize matches
// chacha20poly1305.KeySize (32 bytes).
type Key [chacha20poly1305.KeySize]byte

// Codec serializes and deserializes fragment datagrams: header encode,
// optional AEAD encryption, and CRC-32 integrity for the unencrypted path.
// A zero-value Codec is ready to use.
type Codec struct{}

// Serialize produces the full datagram for header+plaintext payload. When
// key is non-nil, the encryptedPayload flag is set, the payload is replaced
// with AEAD ciphertext+tag using the nonce derived from (streamID,
// frameNumber, fragmentIndex, direction), and checksum is set to 0. When
// key is nil, payload is sent in the clear and checksum is the CRC-32 of
// the plaintext payload.
func (Codec) Serialize(h Header, payload []byte, key *Key, dir Direction) ([]byte, error) {
	out := h
	if key != nil {
		out.Flags |= FlagEncryptedPayload
		out.Checksum = 0

		aead, err := chacha20poly1305.New(key[:])
		if err != nil {
			return nil, rerrors.NewCodecError("serialize.aead-init", err)
		}
		nonce := BuildNonce(out.StreamID, out.FrameNumber, out.FragmentIndex, dir)

		out.PayloadLength = uint32(len(payload) + aead.Overhead())
		headerBuf := out.Encode(nil)
		aad := out.AAD(headerBuf)
		cipherPayload := aead.Seal(nil, nonce[:], payload, aad)

		out.PayloadLength = uint32(len(cipherPayload))
		headerBuf = out.Encode(headerBuf)

		datagram := make([]byte, 0, len(headerBuf)+len(cipherPayload))
		datagram = append(datagram, headerBuf...)
		datagram = append(datagram, cipherPayload...)
		return datagram, nil
	}

	out.Flags &^= FlagEncryptedPayload
	out.PayloadLength = uint32(len(payload))
	out.Checksum = crc32.ChecksumIEEE(payload)

	headerBuf := out.Encode(nil)
	datagram := make([]byte, 0, len(headerBuf)+len(payload))
	datagram = append(datagram, headerBuf...)
	datagram = append(datagram, payload...)
	return datagram, nil
}

// Deserialize parses a datagram, verifying the magic, the fixed header
// size, and integrity/confidentiality per spec.md §4.1:
//   - encryptedPayload set: AEAD decrypt-and-verify; the checksum field is
//     ignored when zero, otherwise it must also match the plaintext CRC
//     (compatibility with non-encrypting senders that still want CRC-only
//     transport visible through an inspecting proxy).
//   - encryptedPayload unset: CRC must match, unconditionally.
func (Codec) Deserialize(datagram []byte, key *Key, dir Direction) (Header, []byte, error) {
	h, err := Decode(datagram)
	if err != nil {
		switch err {
		case ErrShortHeader:
			return Header{}, nil, rerrors.NewCodecError("deserialize.header", ErrShortHeader)
		case ErrBadMagic:
			return Header{}, nil, rerrors.NewCodecError("deserialize.header", ErrBadMagic)
		default:
			return Header{}, nil, rerrors.NewCodecError("deserialize.header", err)
		}
	}

	body := datagram[HeaderSize:]
	if uint32(len(body)) != h.PayloadLength {
		return Header{}, nil, rerrors.NewCodecError("deserialize.length", ErrPayloadLengthMismatch)
	}

	if h.Flags&FlagEncryptedPayload != 0 {
		if key == nil {
			return Header{}, nil, rerrors.NewCodecError("deserialize.aead", ErrAeadMismatch)
		}
		aead, err := chacha20poly1305.New(key[:])
		if err != nil {
			return Header{}, nil, rerrors.NewCodecError("deserialize.aead-init", err)
		}
		nonce := BuildNonce(h.StreamID, h.FrameNumber, h.FragmentIndex, dir)
		headerBuf := h.Encode(nil)
		aad := h.AAD(headerBuf)
		plaintext, err := aead.Open(nil, nonce[:], body, aad)
		if err != nil {
			return Header{}, nil, rerrors.NewCodecError("deserialize.aead", ErrAeadMismatch)
		}
		if h.Checksum != 0 && h.Checksum != crc32.ChecksumIEEE(plaintext) {
			return Header{}, nil, rerrors.NewCodecError("deserialize.crc", ErrCrcMismatch)
		}
		return h, plaintext, nil
	}

	if h.Checksum != crc32.ChecksumIEEE(body) {
		return Header{}, nil, rerrors.NewCodecError("deserialize.crc", ErrCrcMismatch)
	}
	return h, body, nil
}
