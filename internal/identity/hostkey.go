package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SigningKey is the host's long-term Ed25519 identity keypair. The
// handshake's keyID = H(pubKey) fingerprint only means anything to a
// client across reconnects if the key backing it is stable, so it is
// persisted the same way the device UUID is: a JSON file written once
// and reused.
type SigningKey struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

type signingKeyFile struct {
	Public  string `json:"publicKey"`
	Private string `json:"privateKey"`
}

// LoadOrCreateSigningKey reads the host's Ed25519 identity key from
// path, generating and persisting a fresh one if the file does not yet
// exist.
func LoadOrCreateSigningKey(path string) (SigningKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var f signingKeyFile
		if err := json.Unmarshal(data, &f); err != nil {
			return SigningKey{}, fmt.Errorf("identity: parse %s: %w", path, err)
		}
		pub, err := base64.StdEncoding.DecodeString(f.Public)
		if err != nil {
			return SigningKey{}, fmt.Errorf("identity: decode public key in %s: %w", path, err)
		}
		priv, err := base64.StdEncoding.DecodeString(f.Private)
		if err != nil {
			return SigningKey{}, fmt.Errorf("identity: decode private key in %s: %w", path, err)
		}
		if len(pub) != ed25519.PublicKeySize || len(priv) != ed25519.PrivateKeySize {
			return SigningKey{}, fmt.Errorf("identity: malformed key sizes in %s", path)
		}
		return SigningKey{Public: ed25519.PublicKey(pub), Private: ed25519.PrivateKey(priv)}, nil
	}
	if !os.IsNotExist(err) {
		return SigningKey{}, fmt.Errorf("identity: read %s: %w", path, err)
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return SigningKey{}, fmt.Errorf("identity: generate signing key: %w", err)
	}
	key := SigningKey{Public: pub, Private: priv}
	if err := saveSigningKey(path, key); err != nil {
		return SigningKey{}, err
	}
	return key, nil
}

func saveSigningKey(path string, key SigningKey) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("identity: create dir %s: %w", dir, err)
		}
	}
	data, err := json.Marshal(signingKeyFile{
		Public:  base64.StdEncoding.EncodeToString(key.Public),
		Private: base64.StdEncoding.EncodeToString(key.Private),
	})
	if err != nil {
		return fmt.Errorf("identity: marshal signing key: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("identity: write %s: %w", path, err)
	}
	return nil
}
