// Package handshake implements the signed hello/response exchange that
// establishes a session (spec.md §4.10). It follows the teacher's
// explicit, ordered-step FSM shape (internal/rtmp/handshake/server.go's
// ServerHandshake: read, validate in sequence, respond, complete),
// generalized from a fixed five-step byte handshake to an eight-step
// signed negotiation with replay protection and key derivation.
package handshake

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	rerrors "github.com/corvid-labs/airlink/internal/errors"
	"github.com/corvid-labs/airlink/internal/mediakey"
)

// ReplayWindow bounds how far a Hello's timestamp may drift from the
// host's clock before it is rejected.
const ReplayWindow = 30 * time.Second

// RejectionReason enumerates the HelloResponse.rejectionReason values.
type RejectionReason string

const (
	RejectionNone                   RejectionReason = ""
	RejectionKeyFingerprintMismatch RejectionReason = "keyFingerprintMismatch"
	RejectionReplay                 RejectionReason = "replay"
	RejectionBadSignature           RejectionReason = "badSignature"
	RejectionProtocolVersionMismatch RejectionReason = "protocolVersionMismatch"
	RejectionProtocolFeaturesMismatch RejectionReason = "protocolFeaturesMismatch"
	RejectionHostBusy               RejectionReason = "hostBusy"
	RejectionUntrusted              RejectionReason = "untrusted"
)

// IdentityEnvelope authenticates a Hello/HelloResponse payload.
type IdentityEnvelope struct {
	KeyID     [32]byte
	PublicKey ed25519.PublicKey
	TsMs      int64
	Nonce     [16]byte
	Signature []byte
}

// ClientDeviceInfo describes the connecting client (spec.md §4.10).
type ClientDeviceInfo struct {
	DeviceID   [16]byte
	DeviceName string
}

// Hello is the client's opening message.
type Hello struct {
	ClientDeviceInfo               ClientDeviceInfo
	ProtocolVersion                uint32
	FeatureSet                     []string
	Identity                      IdentityEnvelope
	RequestHostUpdateOnProtocolMismatch bool
	EphemeralPublicKey             []byte // X25519 public key for media key ECDH
}

// ProtocolMismatch reports version disagreement to the client.
type ProtocolMismatch struct {
	HostVersion          uint32
	ClientVersion         uint32
	UpdateTriggerAccepted bool
	UpdateTriggerMessage  string
}

// Negotiation reports the feature/version agreement reached.
type Negotiation struct {
	ProtocolVersion   uint32
	SupportedFeatures []string
	SelectedFeatures  []string
}

// HostInfo describes the host for display/identification on the client.
type HostInfo struct {
	HostName string
}

// HelloResponse is the host's reply.
type HelloResponse struct {
	Accepted               bool
	HostInfo               HostInfo
	DataPort               uint16
	Negotiation            Negotiation
	RequestNonce           [16]byte
	MediaEncryptionEnabled bool
	UDPRegistrationToken   [32]byte
	Identity               IdentityEnvelope
	RejectionReason        RejectionReason
	ProtocolMismatch       *ProtocolMismatch
	EphemeralPublicKey     []byte // host's X25519 public key for media key ECDH
	MediaKey               [mediakey.KeySize]byte
}

// RequiredFeatures is the feature set every client must present.
var RequiredFeatures = []string{"h264", "input"}

// TrustDecider is the external collaborator (spec.md §1 scope boundary)
// that decides whether a validated Hello should be trusted.
type TrustDecider interface {
	IsTrusted(keyID [32]byte) bool
}

// ReplayProtector tracks recently seen Hello nonces to reject replayed
// Hello messages. The timestamp window is checked separately by Accept.
type ReplayProtector struct {
	mu   sync.Mutex
	seen map[[16]byte]time.Time
}

// NewReplayProtector creates an empty protector.
func NewReplayProtector() *ReplayProtector {
	return &ReplayProtector{seen: make(map[[16]byte]time.Time)}
}

// CheckAndRecord reports whether nonce has not been seen recently,
// recording it if so. Entries older than 2x ReplayWindow are pruned opportunistically.
func (p *ReplayProtector) CheckAndRecord(nonce [16]byte, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seen[nonce]; ok {
		return false
	}
	for n, t := range p.seen {
		if now.Sub(t) > 2*ReplayWindow {
			delete(p.seen, n)
		}
	}
	p.seen[nonce] = now
	return true
}

// Host performs the host side of the handshake.
type Host struct {
	PrivateKey       ed25519.PrivateKey
	ProtocolVersion  uint32
	Trust            TrustDecider
	Replay           *ReplayProtector
	CapacityAvailable func() bool

	mediaKeys mediakey.KeyPair

	// Now is the clock used for replay-window and timestamp checks.
	Now func() time.Time
}

// NewHost creates a Host ready to validate Hellos.
func NewHost(priv ed25519.PrivateKey, protocolVersion uint32, trust TrustDecider, capacity func() bool) (*Host, error) {
	kp, err := mediakey.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("handshake: generate host ephemeral keypair: %w", err)
	}
	return &Host{
		PrivateKey:        priv,
		ProtocolVersion:   protocolVersion,
		Trust:             trust,
		Replay:            NewReplayProtector(),
		CapacityAvailable: capacity,
		mediaKeys:         kp,
		Now:               time.Now,
	}, nil
}

// canonicalPayload builds the bytes the signature is computed over: keyID,
// pub, tsMs (8 bytes, little-endian), nonce and extra, concatenated in that
// order with no length prefixes.
func canonicalPayload(keyID [32]byte, pub ed25519.PublicKey, tsMs int64, nonce [16]byte, extra []byte) []byte {
	var buf bytes.Buffer
	buf.Write(keyID[:])
	buf.Write(pub)
	var tsBytes [8]byte
	for i := 0; i < 8; i++ {
		tsBytes[i] = byte(tsMs >> (8 * i))
	}
	buf.Write(tsBytes[:])
	buf.Write(nonce[:])
	buf.Write(extra)
	return buf.Bytes()
}

func fingerprint(pub ed25519.PublicKey) [32]byte {
	return sha256.Sum256(pub)
}

// Accept runs the eight-step host-side validation sequence from
// spec.md §4.10 and returns the response to send. A non-nil error
// indicates a local failure (not a rejection, which is carried in the
// response itself).
func (h *Host) Accept(hello Hello, registrationToken [32]byte) (HelloResponse, error) {
	now := h.now()
	resp := HelloResponse{
		RequestNonce: hello.Identity.Nonce,
		Negotiation: Negotiation{
			ProtocolVersion:   h.ProtocolVersion,
			SupportedFeatures: RequiredFeatures,
		},
	}

	// Step 1: keyID == H(pubKey).
	if fingerprint(hello.Identity.PublicKey) != hello.Identity.KeyID {
		resp.RejectionReason = RejectionKeyFingerprintMismatch
		return h.sign(resp), nil
	}

	// Step 2: replay protection.
	if absDuration(now.Sub(time.UnixMilli(hello.Identity.TsMs))) > ReplayWindow {
		resp.RejectionReason = RejectionReplay
		return h.sign(resp), nil
	}
	if !h.Replay.CheckAndRecord(hello.Identity.Nonce, now) {
		resp.RejectionReason = RejectionReplay
		return h.sign(resp), nil
	}

	// Step 3: signature verification over the canonical payload.
	payload := canonicalPayload(hello.Identity.KeyID, hello.Identity.PublicKey, hello.Identity.TsMs, hello.Identity.Nonce, hello.EphemeralPublicKey)
	if !ed25519.Verify(hello.Identity.PublicKey, payload, hello.Identity.Signature) {
		resp.RejectionReason = RejectionBadSignature
		return h.sign(resp), nil
	}

	// Step 4: protocol version match.
	if hello.ProtocolVersion != h.ProtocolVersion {
		resp.RejectionReason = RejectionProtocolVersionMismatch
		resp.ProtocolMismatch = &ProtocolMismatch{
			HostVersion:   h.ProtocolVersion,
			ClientVersion: hello.ProtocolVersion,
		}
		if hello.RequestHostUpdateOnProtocolMismatch {
			resp.ProtocolMismatch.UpdateTriggerAccepted = false
			resp.ProtocolMismatch.UpdateTriggerMessage = "no update available"
		}
		return h.sign(resp), nil
	}

	// Step 5: required feature set present.
	if !hasAllFeatures(hello.FeatureSet, RequiredFeatures) {
		resp.RejectionReason = RejectionProtocolFeaturesMismatch
		return h.sign(resp), nil
	}
	resp.Negotiation.SelectedFeatures = RequiredFeatures

	// Step 6: capacity.
	if h.CapacityAvailable != nil && !h.CapacityAvailable() {
		resp.RejectionReason = RejectionHostBusy
		return h.sign(resp), nil
	}

	// Step 7: trust decision (external collaborator).
	if h.Trust != nil && !h.Trust.IsTrusted(hello.Identity.KeyID) {
		resp.RejectionReason = RejectionUntrusted
		return h.sign(resp), nil
	}

	// Step 8: accept, derive the session media key.
	key, err := mediakey.Derive(h.mediaKeys.Private, hello.EphemeralPublicKey, hello.Identity.Nonce[:], resp.RequestNonce[:], registrationToken[:])
	if err != nil {
		return HelloResponse{}, fmt.Errorf("handshake: derive media key: %w", rerrors.NewHandshakeError("derive-media-key", err))
	}
	resp.Accepted = true
	resp.MediaEncryptionEnabled = true
	resp.UDPRegistrationToken = registrationToken
	resp.EphemeralPublicKey = h.mediaKeys.Public
	resp.MediaKey = key
	return h.sign(resp), nil
}

func (h *Host) sign(resp HelloResponse) HelloResponse {
	keyID := fingerprint(h.PrivateKey.Public().(ed25519.PublicKey))
	var nonce [16]byte // the response reuses the request nonce as its own identity nonce field
	copy(nonce[:], resp.RequestNonce[:])
	ts := h.now().UnixMilli()
	payload := canonicalPayload(keyID, h.PrivateKey.Public().(ed25519.PublicKey), ts, nonce, resp.EphemeralPublicKey)
	sig := ed25519.Sign(h.PrivateKey, payload)
	resp.Identity = IdentityEnvelope{
		KeyID:     keyID,
		PublicKey: h.PrivateKey.Public().(ed25519.PublicKey),
		TsMs:      ts,
		Nonce:     nonce,
		Signature: sig,
	}
	return resp
}

func (h *Host) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func hasAllFeatures(have, required []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, f := range have {
		set[f] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// VerifyResult reports what the client should do with a validated
// HelloResponse beyond accept/reject, surfacing the host's update-prompt
// fields so the caller can present them (spec.md §4.10).
type VerifyResult struct {
	UpdateTriggerAccepted bool
	UpdateTriggerMessage  string
}

// VerifyResponse runs the client-side verification of a HelloResponse:
// host signature validity, requestNonce echo, and that the negotiated
// protocol version and feature set the host settled on are ones this
// client actually supports. clientFeatures is the feature set the client
// offered in its Hello.
func VerifyResponse(resp HelloResponse, clientNonce [16]byte, clientProtocolVersion uint32, clientFeatures []string) (VerifyResult, error) {
	var result VerifyResult
	if resp.ProtocolMismatch != nil {
		result.UpdateTriggerAccepted = resp.ProtocolMismatch.UpdateTriggerAccepted
		result.UpdateTriggerMessage = resp.ProtocolMismatch.UpdateTriggerMessage
	}

	payload := canonicalPayload(resp.Identity.KeyID, resp.Identity.PublicKey, resp.Identity.TsMs, resp.Identity.Nonce, resp.EphemeralPublicKey)
	if !ed25519.Verify(resp.Identity.PublicKey, payload, resp.Identity.Signature) {
		return result, rerrors.NewHandshakeError("verify-response-signature", fmt.Errorf("signature invalid"))
	}
	if subtle.ConstantTimeCompare(resp.RequestNonce[:], clientNonce[:]) != 1 {
		return result, rerrors.NewHandshakeError("verify-response-nonce", fmt.Errorf("requestNonce does not echo client nonce"))
	}
	if !resp.Accepted {
		return result, rerrors.NewHandshakeError("verify-response-rejected", fmt.Errorf("host rejected hello: %s", resp.RejectionReason))
	}
	if resp.Negotiation.ProtocolVersion != clientProtocolVersion {
		return result, rerrors.NewHandshakeError("verify-response-protocol", fmt.Errorf("negotiated protocol version %d is not the client's %d", resp.Negotiation.ProtocolVersion, clientProtocolVersion))
	}
	if !hasAllFeatures(clientFeatures, resp.Negotiation.SelectedFeatures) {
		return result, rerrors.NewHandshakeError("verify-response-features", fmt.Errorf("negotiated features %v are not all supported by the client", resp.Negotiation.SelectedFeatures))
	}
	return result, nil
}
