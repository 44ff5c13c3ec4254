package hostserver

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"net"
	"testing"
	"time"

	"github.com/corvid-labs/airlink/internal/controlplane"
	"github.com/corvid-labs/airlink/internal/handshake"
	"github.com/corvid-labs/airlink/internal/mediakey"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(Config{
		ControlAddr: "127.0.0.1:0",
		DataAddr:    "127.0.0.1:0",
		Trust:       AllowAllTrust{},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func TestServerStartStopIsIdempotent(t *testing.T) {
	s := newTestServer(t)
	if s.Addr() == nil {
		t.Fatalf("expected non-nil control addr")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second stop should be a no-op: %v", err)
	}
}

func signedHello(t *testing.T, pub ed25519.PublicKey, priv ed25519.PrivateKey, protocolVersion uint32) handshake.Hello {
	t.Helper()
	kp, err := mediakey.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate ephemeral: %v", err)
	}
	keyID := sha256.Sum256(pub)
	var nonce [16]byte
	copy(nonce[:], bytes.Repeat([]byte{7}, 16))

	hello := handshake.Hello{
		ClientDeviceInfo:    handshake.ClientDeviceInfo{DeviceName: "test-client"},
		ProtocolVersion:     protocolVersion,
		FeatureSet:          handshake.RequiredFeatures,
		EphemeralPublicKey:  kp.Public,
		Identity: handshake.IdentityEnvelope{
			KeyID:     keyID,
			PublicKey: pub,
			TsMs:      time.Now().UnixMilli(),
			Nonce:     nonce,
		},
	}
	return hello
}

func TestServerRejectsHelloWithBadSignature(t *testing.T) {
	s := newTestServer(t)

	conn, err := net.DialTimeout("tcp", s.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	hello := signedHello(t, pub, nil, s.host.ProtocolVersion)
	hello.Identity.Signature = []byte("not a real signature")

	encodedHello, err := hello.Encode()
	if err != nil {
		t.Fatalf("encode hello: %v", err)
	}
	if err := controlplane.WriteEnvelope(conn, controlplane.TypeHello, encodedHello); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	env, err := controlplane.ReadEnvelope(conn)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if env.Type != controlplane.TypeHelloResponse {
		t.Fatalf("expected hello response envelope, got type %d", env.Type)
	}
	resp, err := handshake.DecodeHelloResponse(env.Payload)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Accepted {
		t.Fatalf("expected rejection for a bad signature")
	}
	if resp.RejectionReason != handshake.RejectionBadSignature {
		t.Fatalf("expected badSignature rejection, got %s", resp.RejectionReason)
	}
}

func TestHandleDatagramRegistersReturnAddr(t *testing.T) {
	s := newTestServer(t)

	datagram := make([]byte, RegistrationDatagramSize)
	copy(datagram[0:4], RegistrationMagic[:])
	datagram[4] = 0x2a // streamID = 42, little-endian

	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9999}
	s.handleDatagram(datagram, addr)

	got, ok := s.ReturnAddr(42)
	if !ok {
		t.Fatalf("expected a registered return addr")
	}
	if got.Port != 9999 {
		t.Fatalf("expected port 9999, got %d", got.Port)
	}
}

func TestSendFragmentsWithoutRegistrationReportsFalse(t *testing.T) {
	s := newTestServer(t)
	sent, err := s.SendFragments(999, [][]byte{[]byte("x")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sent {
		t.Fatalf("expected sent=false for an unregistered stream")
	}
}

func TestSendFragmentsAfterRegistrationDelivers(t *testing.T) {
	s := newTestServer(t)

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen client: %v", err)
	}
	defer client.Close()

	datagram := make([]byte, RegistrationDatagramSize)
	copy(datagram[0:4], RegistrationMagic[:])
	s.handleDatagram(datagram, client.LocalAddr().(*net.UDPAddr))

	sent, err := s.SendFragments(0, [][]byte{[]byte("fragment")})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !sent {
		t.Fatalf("expected sent=true once registered")
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, _, err := client.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "fragment" {
		t.Fatalf("expected %q, got %q", "fragment", buf[:n])
	}
}

func TestHandleDatagramIgnoresShortOrBadMagic(t *testing.T) {
	s := newTestServer(t)
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}

	s.handleDatagram([]byte("short"), addr)
	if _, ok := s.ReturnAddr(0); ok {
		t.Fatalf("short datagram should not register")
	}

	bad := make([]byte, RegistrationDatagramSize)
	copy(bad[0:4], "XXXX")
	s.handleDatagram(bad, addr)
	if _, ok := s.ReturnAddr(0); ok {
		t.Fatalf("bad-magic datagram should not register")
	}
}
