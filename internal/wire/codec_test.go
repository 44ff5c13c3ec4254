package wire

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func sampleHeader() Header {
	return Header{
		StreamID:       7,
		SequenceNumber: 1001,
		Timestamp:      123456789,
		FrameNumber:    42,
		FragmentIndex:  1,
		FragmentCount:  3,
		FrameByteCount: 9000,
		ContentRect:    ContentRect{X: 0, Y: 0, W: 1920, H: 1080},
		DimensionToken: 1,
		Epoch:          1,
		Flags:          FlagKeyframe,
	}
}

// TestRoundTripPlaintext covers property 1 from spec.md §8: for all valid
// (header, payload, nil key), Deserialize(Serialize(...)) reproduces header
// and payload.
func TestRoundTripPlaintext(t *testing.T) {
	var codec Codec
	h := sampleHeader()
	payload := []byte("a encoded video fragment payload")

	datagram, err := codec.Serialize(h, payload, nil, DirectionHostToClient)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	gotHeader, gotPayload, err := codec.Deserialize(datagram, nil, DirectionHostToClient)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if gotHeader.StreamID != h.StreamID || gotHeader.FrameNumber != h.FrameNumber || gotHeader.FragmentIndex != h.FragmentIndex {
		t.Fatalf("header mismatch: %+v", gotHeader)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Fatalf("payload mismatch: got %q want %q", gotPayload, payload)
	}
	if gotHeader.IsEncrypted() {
		t.Fatalf("expected plaintext path to not set encryptedPayload")
	}
}

// TestRoundTripEncrypted covers property 1 with a key present.
func TestRoundTripEncrypted(t *testing.T) {
	var codec Codec
	var key Key
	if _, err := rand.Read(key[:]); err != nil {
		t.Fatalf("rand key: %v", err)
	}
	h := sampleHeader()
	payload := []byte("secret frame bytes")

	datagram, err := codec.Serialize(h, payload, &key, DirectionHostToClient)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	gotHeader, gotPayload, err := codec.Deserialize(datagram, &key, DirectionHostToClient)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if !gotHeader.IsEncrypted() {
		t.Fatalf("expected encryptedPayload flag set")
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Fatalf("payload mismatch: got %q want %q", gotPayload, payload)
	}
}

// TestEncryptedZeroChecksumAcceptance covers property 2: encrypted with
// checksum 0 accepted iff AEAD verifies.
func TestEncryptedZeroChecksumAcceptance(t *testing.T) {
	var codec Codec
	var key Key
	if _, err := rand.Read(key[:]); err != nil {
		t.Fatalf("rand key: %v", err)
	}
	h := sampleHeader()
	datagram, err := codec.Serialize(h, []byte("payload"), &key, DirectionHostToClient)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if _, _, err := codec.Deserialize(datagram, &key, DirectionHostToClient); err != nil {
		t.Fatalf("expected zero-checksum encrypted datagram to verify: %v", err)
	}

	var wrongKey Key
	if _, err := rand.Read(wrongKey[:]); err != nil {
		t.Fatalf("rand wrong key: %v", err)
	}
	if _, _, err := codec.Deserialize(datagram, &wrongKey, DirectionHostToClient); err == nil {
		t.Fatalf("expected AEAD mismatch with wrong key")
	}
}

func TestDeserializeRejectsBadMagic(t *testing.T) {
	var codec Codec
	h := sampleHeader()
	datagram, _ := codec.Serialize(h, []byte("x"), nil, DirectionHostToClient)
	datagram[0] = 'X'
	if _, _, err := codec.Deserialize(datagram, nil, DirectionHostToClient); err == nil {
		t.Fatalf("expected bad magic error")
	}
}

func TestDeserializeRejectsCrcMismatch(t *testing.T) {
	var codec Codec
	h := sampleHeader()
	datagram, _ := codec.Serialize(h, []byte("x"), nil, DirectionHostToClient)
	datagram[len(datagram)-1] ^= 0xFF // corrupt payload
	if _, _, err := codec.Deserialize(datagram, nil, DirectionHostToClient); err == nil {
		t.Fatalf("expected crc mismatch error")
	}
}

func TestDeserializeRejectsShortHeader(t *testing.T) {
	var codec Codec
	if _, _, err := codec.Deserialize(make([]byte, 8), nil, DirectionHostToClient); err == nil {
		t.Fatalf("expected short header error")
	}
}

func TestNonceInjectivity(t *testing.T) {
	n1 := BuildNonce(1, 1, 0, DirectionHostToClient)
	n2 := BuildNonce(1, 1, 1, DirectionHostToClient)
	n3 := BuildNonce(1, 1, 0, DirectionClientToHost)
	n4 := BuildNonce(2, 1, 0, DirectionHostToClient)
	if n1 == n2 || n1 == n3 || n1 == n4 {
		t.Fatalf("expected distinct nonces for distinct tuples")
	}
}
