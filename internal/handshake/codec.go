package handshake

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
)

// This file hand-rolls the wire encoding for Hello/HelloResponse, the two
// control-plane envelope payloads carrying the handshake (spec.md §4.11),
// in the same manual, length-prefixed style internal/wire/header.go uses
// for the fragment header: fixed fields written in field order, variable-
// length fields (strings, byte slices, feature lists) preceded by a
// uint16 byte/entry count.

const maxVarFieldLen = 1 << 16 // uint16 length prefix ceiling

func putU16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func putU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func putI64(buf []byte, v int64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	return append(buf, tmp[:]...)
}

func putBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func putBytes(buf []byte, b []byte) ([]byte, error) {
	if len(b) >= maxVarFieldLen {
		return nil, fmt.Errorf("handshake: field of %d bytes exceeds wire limit", len(b))
	}
	buf = putU16(buf, uint16(len(b)))
	return append(buf, b...), nil
}

func putString(buf []byte, s string) ([]byte, error) {
	return putBytes(buf, []byte(s))
}

func putStrings(buf []byte, ss []string) ([]byte, error) {
	if len(ss) >= maxVarFieldLen {
		return nil, fmt.Errorf("handshake: %d strings exceeds wire limit", len(ss))
	}
	buf = putU16(buf, uint16(len(ss)))
	var err error
	for _, s := range ss {
		buf, err = putString(buf, s)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// decodeCursor walks a byte slice left to right, the same bounds-checked
// read style internal/wire/header.go uses via explicit offsets.
type decodeCursor struct {
	buf []byte
	off int
}

func (c *decodeCursor) need(n int) error {
	if c.off+n > len(c.buf) {
		return fmt.Errorf("handshake: short buffer reading %d bytes at offset %d", n, c.off)
	}
	return nil
}

func (c *decodeCursor) fixed(n int) ([]byte, error) {
	if err := c.need(n); err != nil {
		return nil, err
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b, nil
}

func (c *decodeCursor) u16() (uint16, error) {
	b, err := c.fixed(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (c *decodeCursor) u32() (uint32, error) {
	b, err := c.fixed(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c *decodeCursor) i64() (int64, error) {
	b, err := c.fixed(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

func (c *decodeCursor) boolean() (bool, error) {
	b, err := c.fixed(1)
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

func (c *decodeCursor) varBytes() ([]byte, error) {
	n, err := c.u16()
	if err != nil {
		return nil, err
	}
	b, err := c.fixed(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (c *decodeCursor) varString() (string, error) {
	b, err := c.varBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (c *decodeCursor) strings() ([]string, error) {
	n, err := c.u16()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := uint16(0); i < n; i++ {
		s, err := c.varString()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func putIdentityEnvelope(buf []byte, id IdentityEnvelope) ([]byte, error) {
	buf = append(buf, id.KeyID[:]...)
	var err error
	buf, err = putBytes(buf, id.PublicKey)
	if err != nil {
		return nil, err
	}
	buf = putI64(buf, id.TsMs)
	buf = append(buf, id.Nonce[:]...)
	buf, err = putBytes(buf, id.Signature)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *decodeCursor) identityEnvelope() (IdentityEnvelope, error) {
	var id IdentityEnvelope
	keyID, err := c.fixed(32)
	if err != nil {
		return id, err
	}
	copy(id.KeyID[:], keyID)
	pub, err := c.varBytes()
	if err != nil {
		return id, err
	}
	id.PublicKey = ed25519.PublicKey(pub)
	id.TsMs, err = c.i64()
	if err != nil {
		return id, err
	}
	nonce, err := c.fixed(16)
	if err != nil {
		return id, err
	}
	copy(id.Nonce[:], nonce)
	id.Signature, err = c.varBytes()
	if err != nil {
		return id, err
	}
	return id, nil
}

// Encode serializes a Hello to its wire form.
func (h Hello) Encode() ([]byte, error) {
	buf := make([]byte, 0, 256)
	buf = append(buf, h.ClientDeviceInfo.DeviceID[:]...)
	var err error
	buf, err = putString(buf, h.ClientDeviceInfo.DeviceName)
	if err != nil {
		return nil, err
	}
	buf = putU32(buf, h.ProtocolVersion)
	buf, err = putStrings(buf, h.FeatureSet)
	if err != nil {
		return nil, err
	}
	buf, err = putIdentityEnvelope(buf, h.Identity)
	if err != nil {
		return nil, err
	}
	buf = putBool(buf, h.RequestHostUpdateOnProtocolMismatch)
	buf, err = putBytes(buf, h.EphemeralPublicKey)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// DecodeHello parses a Hello from its wire form.
func DecodeHello(data []byte) (Hello, error) {
	var h Hello
	c := &decodeCursor{buf: data}

	deviceID, err := c.fixed(16)
	if err != nil {
		return h, err
	}
	copy(h.ClientDeviceInfo.DeviceID[:], deviceID)
	if h.ClientDeviceInfo.DeviceName, err = c.varString(); err != nil {
		return h, err
	}
	if h.ProtocolVersion, err = c.u32(); err != nil {
		return h, err
	}
	if h.FeatureSet, err = c.strings(); err != nil {
		return h, err
	}
	if h.Identity, err = c.identityEnvelope(); err != nil {
		return h, err
	}
	if h.RequestHostUpdateOnProtocolMismatch, err = c.boolean(); err != nil {
		return h, err
	}
	if h.EphemeralPublicKey, err = c.varBytes(); err != nil {
		return h, err
	}
	return h, nil
}

// Encode serializes a HelloResponse to its wire form.
func (r HelloResponse) Encode() ([]byte, error) {
	buf := make([]byte, 0, 384)
	buf = putBool(buf, r.Accepted)
	var err error
	buf, err = putString(buf, r.HostInfo.HostName)
	if err != nil {
		return nil, err
	}
	buf = putU16(buf, r.DataPort)
	buf = putU32(buf, r.Negotiation.ProtocolVersion)
	buf, err = putStrings(buf, r.Negotiation.SupportedFeatures)
	if err != nil {
		return nil, err
	}
	buf, err = putStrings(buf, r.Negotiation.SelectedFeatures)
	if err != nil {
		return nil, err
	}
	buf = append(buf, r.RequestNonce[:]...)
	buf = putBool(buf, r.MediaEncryptionEnabled)
	buf = append(buf, r.UDPRegistrationToken[:]...)
	buf, err = putIdentityEnvelope(buf, r.Identity)
	if err != nil {
		return nil, err
	}
	buf, err = putString(buf, string(r.RejectionReason))
	if err != nil {
		return nil, err
	}
	if r.ProtocolMismatch == nil {
		buf = putBool(buf, false)
	} else {
		buf = putBool(buf, true)
		buf = putU32(buf, r.ProtocolMismatch.HostVersion)
		buf = putU32(buf, r.ProtocolMismatch.ClientVersion)
		buf = putBool(buf, r.ProtocolMismatch.UpdateTriggerAccepted)
		buf, err = putString(buf, r.ProtocolMismatch.UpdateTriggerMessage)
		if err != nil {
			return nil, err
		}
	}
	buf, err = putBytes(buf, r.EphemeralPublicKey)
	if err != nil {
		return nil, err
	}
	buf = append(buf, r.MediaKey[:]...)
	return buf, nil
}

// DecodeHelloResponse parses a HelloResponse from its wire form.
func DecodeHelloResponse(data []byte) (HelloResponse, error) {
	var r HelloResponse
	c := &decodeCursor{buf: data}
	var err error

	if r.Accepted, err = c.boolean(); err != nil {
		return r, err
	}
	if r.HostInfo.HostName, err = c.varString(); err != nil {
		return r, err
	}
	if r.DataPort, err = c.u16(); err != nil {
		return r, err
	}
	if r.Negotiation.ProtocolVersion, err = c.u32(); err != nil {
		return r, err
	}
	if r.Negotiation.SupportedFeatures, err = c.strings(); err != nil {
		return r, err
	}
	if r.Negotiation.SelectedFeatures, err = c.strings(); err != nil {
		return r, err
	}
	requestNonce, err := c.fixed(16)
	if err != nil {
		return r, err
	}
	copy(r.RequestNonce[:], requestNonce)
	if r.MediaEncryptionEnabled, err = c.boolean(); err != nil {
		return r, err
	}
	regToken, err := c.fixed(32)
	if err != nil {
		return r, err
	}
	copy(r.UDPRegistrationToken[:], regToken)
	if r.Identity, err = c.identityEnvelope(); err != nil {
		return r, err
	}
	rejectionReason, err := c.varString()
	if err != nil {
		return r, err
	}
	r.RejectionReason = RejectionReason(rejectionReason)
	hasMismatch, err := c.boolean()
	if err != nil {
		return r, err
	}
	if hasMismatch {
		r.ProtocolMismatch = &ProtocolMismatch{}
		if r.ProtocolMismatch.HostVersion, err = c.u32(); err != nil {
			return r, err
		}
		if r.ProtocolMismatch.ClientVersion, err = c.u32(); err != nil {
			return r, err
		}
		if r.ProtocolMismatch.UpdateTriggerAccepted, err = c.boolean(); err != nil {
			return r, err
		}
		if r.ProtocolMismatch.UpdateTriggerMessage, err = c.varString(); err != nil {
			return r, err
		}
	}
	if r.EphemeralPublicKey, err = c.varBytes(); err != nil {
		return r, err
	}
	mediaKey, err := c.fixed(32)
	if err != nil {
		return r, err
	}
	copy(r.MediaKey[:], mediaKey)
	return r, nil
}
