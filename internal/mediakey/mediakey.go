// Package mediakey derives the per-session media encryption key from an
// ECDH exchange plus a salted KDF, per spec.md §4.10 step 8. It draws on
// golang.org/x/crypto the same way the pack's http2 example repo does for
// its transport security primitives, applied here to session key
// agreement instead of TLS record protection.
package mediakey

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the derived media key length in bytes (spec.md §4.1/§6).
const KeySize = 32

// KeyPair is an X25519 key agreement keypair.
type KeyPair struct {
	Private *ecdh.PrivateKey
	Public  []byte
}

// GenerateKeyPair creates a fresh X25519 keypair for one handshake.
func GenerateKeyPair() (KeyPair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("mediakey: generate keypair: %w", err)
	}
	return KeyPair{Private: priv, Public: priv.PublicKey().Bytes()}, nil
}

// Derive computes the session media key from a local private key, the
// peer's public key, both handshake nonces, and the UDP registration
// token, per spec.md §4.10: ECDH(hostPriv, clientPub) + salted HKDF with
// both nonces and the registration token as context info.
func Derive(localPriv *ecdh.PrivateKey, peerPublic []byte, hostNonce, clientNonce, registrationToken []byte) ([KeySize]byte, error) {
	var out [KeySize]byte

	peerKey, err := ecdh.X25519().NewPublicKey(peerPublic)
	if err != nil {
		return out, fmt.Errorf("mediakey: invalid peer public key: %w", err)
	}
	shared, err := localPriv.ECDH(peerKey)
	if err != nil {
		return out, fmt.Errorf("mediakey: ecdh: %w", err)
	}

	salt := append(append([]byte{}, hostNonce...), clientNonce...)
	info := append([]byte("airlink-media-key-v1|"), registrationToken...)

	kdf := hkdf.New(sha256.New, shared, salt, info)
	if _, err := io.ReadFull(kdf, out[:]); err != nil {
		return out, fmt.Errorf("mediakey: hkdf expand: %w", err)
	}
	return out, nil
}
