// Package hostserver is the host process's TCP accept loop and UDP data-
// socket registration listener. It follows the teacher's connection-
// manager shape (internal/rtmp/server/server.go: Config, New, Start,
// Stop, Addr, a map of tracked connections guarded by a mutex, a
// WaitGroup-joined accept loop) generalized from an RTMP publisher/
// subscriber registry to this protocol's handshake-then-control-plane
// session lifecycle.
package hostserver

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/corvid-labs/airlink/internal/controlplane"
	"github.com/corvid-labs/airlink/internal/datasender"
	"github.com/corvid-labs/airlink/internal/handshake"
	"github.com/corvid-labs/airlink/internal/identity"
	"github.com/corvid-labs/airlink/internal/logger"
	"github.com/corvid-labs/airlink/internal/session"
	"github.com/corvid-labs/airlink/internal/telemetry"
)

// AllowAllTrust accepts every identity it is asked about. It stands in
// for a real pairing store (PIN exchange, prior-trust list) that spec.md
// leaves external to the core handshake module.
type AllowAllTrust struct{}

// IsTrusted implements handshake.TrustDecider.
func (AllowAllTrust) IsTrusted(keyID [32]byte) bool { return true }

// RegistrationMagic opens the first datagram a client sends on the data
// socket (spec.md §6 "UDP registration"): "MIRG" || streamID(LE,4) || deviceID(16).
var RegistrationMagic = [4]byte{'M', 'I', 'R', 'G'}

const RegistrationDatagramSize = 4 + 4 + 16

// Config holds the knobs a running host needs. Zero values are filled by
// applyDefaults.
type Config struct {
	ControlAddr   string // TCP address for handshake + control plane
	DataAddr      string // UDP address for the media datagram socket
	ProtocolVersion uint32
	Trust         handshake.TrustDecider
	CapacityAvailable func() bool
	DeviceID      identity.DeviceID
	SigningKey    identity.SigningKey
	Metrics       *telemetry.Recorder
}

func (c *Config) applyDefaults() {
	if c.ControlAddr == "" {
		c.ControlAddr = ":47989"
	}
	if c.DataAddr == "" {
		c.DataAddr = ":47998"
	}
	if c.ProtocolVersion == 0 {
		c.ProtocolVersion = 1
	}
	if c.CapacityAvailable == nil {
		c.CapacityAvailable = func() bool { return true }
	}
	if c.Metrics == nil {
		c.Metrics = telemetry.NewRecorder(nil)
	}
}

// Server accepts handshake connections, stands up a Session per accepted
// client, and tracks the UDP return address each stream registers.
type Server struct {
	cfg  Config
	host *handshake.Host
	log  *slog.Logger

	mu          sync.RWMutex
	ln          net.Listener
	udpConn     *net.UDPConn
	closing     bool
	acceptingWg sync.WaitGroup

	sessions map[[16]byte]*session.Session

	regMu         sync.RWMutex
	registrations map[uint32]*net.UDPAddr
}

// New builds an unstarted Server.
func New(cfg Config) (*Server, error) {
	cfg.applyDefaults()

	host, err := handshake.NewHost(cfg.SigningKey.Private, cfg.ProtocolVersion, cfg.Trust, cfg.CapacityAvailable)
	if err != nil {
		return nil, fmt.Errorf("hostserver: build handshake host: %w", err)
	}

	return &Server{
		cfg:           cfg,
		host:          host,
		log:           logger.Logger().With("component", "hostserver"),
		sessions:      make(map[[16]byte]*session.Session),
		registrations: make(map[uint32]*net.UDPAddr),
	}, nil
}

// Start begins listening on both the control and data sockets.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.ln != nil {
		s.mu.Unlock()
		return errors.New("hostserver: already started")
	}
	ln, err := net.Listen("tcp", s.cfg.ControlAddr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("hostserver: listen control %s: %w", s.cfg.ControlAddr, err)
	}
	udpAddr, err := net.ResolveUDPAddr("udp", s.cfg.DataAddr)
	if err != nil {
		ln.Close()
		s.mu.Unlock()
		return fmt.Errorf("hostserver: resolve data addr %s: %w", s.cfg.DataAddr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		ln.Close()
		s.mu.Unlock()
		return fmt.Errorf("hostserver: listen data %s: %w", s.cfg.DataAddr, err)
	}
	s.ln = ln
	s.udpConn = udpConn
	s.mu.Unlock()

	s.log.Info("host listening", "control_addr", ln.Addr().String(), "data_addr", udpConn.LocalAddr().String(), "device_id", s.cfg.DeviceID.String())

	s.acceptingWg.Add(2)
	go s.acceptLoop()
	go s.registrationLoop()
	return nil
}

// Stop closes both sockets and waits for both loops to exit.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.ln == nil {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	ln, udpConn := s.ln, s.udpConn
	s.ln, s.udpConn = nil, nil
	s.mu.Unlock()

	_ = ln.Close()
	_ = udpConn.Close()
	s.acceptingWg.Wait()
	s.log.Info("host stopped")
	return nil
}

// Addr returns the bound control-plane listener address, or nil if the
// server has not started.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) acceptLoop() {
	defer s.acceptingWg.Done()
	for {
		s.mu.RLock()
		ln := s.ln
		s.mu.RUnlock()
		if ln == nil {
			return
		}
		conn, err := ln.Accept()
		if err != nil {
			s.mu.RLock()
			closing := s.closing
			s.mu.RUnlock()
			if closing || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept error", "error", err)
			continue
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	log := s.log.With("remote", conn.RemoteAddr().String())

	env, err := controlplane.ReadEnvelope(conn)
	if err != nil || env.Type != controlplane.TypeHello {
		log.Warn("expected hello envelope", "error", err)
		conn.Close()
		return
	}
	hello, err := handshake.DecodeHello(env.Payload)
	if err != nil {
		log.Warn("malformed hello payload", "error", err)
		conn.Close()
		return
	}

	var registrationToken [32]byte
	if _, err := rand.Read(registrationToken[:]); err != nil {
		log.Error("generate registration token", "error", err)
		conn.Close()
		return
	}
	resp, err := s.host.Accept(hello, registrationToken)
	if err != nil {
		log.Warn("handshake rejected", "error", err, "reason", resp.RejectionReason)
	}
	if resp.Accepted {
		_, dataPort, splitErr := net.SplitHostPort(s.cfg.DataAddr)
		if splitErr == nil {
			var port uint16
			fmt.Sscanf(dataPort, "%d", &port)
			resp.DataPort = port
		}
	}

	encodedResp, err := resp.Encode()
	if err != nil {
		log.Error("encode hello response", "error", err)
		conn.Close()
		return
	}
	if err := controlplane.WriteEnvelope(conn, controlplane.TypeHelloResponse, encodedResp); err != nil {
		log.Error("write hello response", "error", err)
		conn.Close()
		return
	}

	if !resp.Accepted {
		conn.Close()
		return
	}

	sessionID := hello.ClientDeviceInfo.DeviceID
	sess := session.New(sessionID, hello.Identity.KeyID, resp.MediaKey, resp.UDPRegistrationToken, resp.Negotiation.SelectedFeatures, resp.Negotiation.ProtocolVersion)

	s.mu.Lock()
	s.sessions[sessionID] = sess
	s.mu.Unlock()
	log.Info("session established", "device_id", hello.ClientDeviceInfo.DeviceID)

	sessionIDHex := fmt.Sprintf("%x", sessionID)
	dispatcher := controlplane.NewDispatcher(conn, controlplane.DefaultQueueCapacity)
	dispatcher.OnQueueLenChange = func(n int) { s.cfg.Metrics.RecordControlQueueDepth(sessionIDHex, n) }

	keepaliveDone := make(chan struct{})
	go s.runKeepalive(dispatcher, keepaliveDone)

	if err := dispatcher.Run(); err != nil {
		log.Info("control connection ended", "error", err)
	}
	close(keepaliveDone)

	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

// runKeepalive drives a per-connection Ping keepalive (spec.md §4.14
// supplement: periodic Ping/Pong on the control channel) until done is
// closed by the caller after Dispatcher.Run returns.
func (s *Server) runKeepalive(dispatcher *controlplane.Dispatcher, done <-chan struct{}) {
	ticker := time.NewTicker(controlplane.PeriodicPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			if _, err := dispatcher.MaybeSendKeepalive(now); err != nil {
				return
			}
		}
	}
}

func (s *Server) registrationLoop() {
	defer s.acceptingWg.Done()
	buf := make([]byte, 2048)
	for {
		s.mu.RLock()
		conn := s.udpConn
		s.mu.RUnlock()
		if conn == nil {
			return
		}
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			s.mu.RLock()
			closing := s.closing
			s.mu.RUnlock()
			if closing || errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		s.handleDatagram(buf[:n], addr)
	}
}

func (s *Server) handleDatagram(datagram []byte, addr *net.UDPAddr) {
	if len(datagram) < RegistrationDatagramSize {
		return
	}
	if datagram[0] != RegistrationMagic[0] || datagram[1] != RegistrationMagic[1] ||
		datagram[2] != RegistrationMagic[2] || datagram[3] != RegistrationMagic[3] {
		return
	}
	streamID := binary.LittleEndian.Uint32(datagram[4:8])
	s.regMu.Lock()
	s.registrations[streamID] = addr
	s.regMu.Unlock()
	s.log.Info("stream registered on data socket", "stream_id", streamID, "addr", addr.String())
}

// ReturnAddr reports the client address registered for a stream, if any.
func (s *Server) ReturnAddr(streamID uint32) (*net.UDPAddr, bool) {
	s.regMu.RLock()
	defer s.regMu.RUnlock()
	addr, ok := s.registrations[streamID]
	return addr, ok
}

// SessionCount reports the number of sessions currently tracked.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// SendFragments writes packetized fragments to streamID's registered UDP
// return address. It reports false when no client has registered for
// that stream yet.
func (s *Server) SendFragments(streamID uint32, fragments [][]byte) (bool, error) {
	addr, ok := s.ReturnAddr(streamID)
	if !ok {
		return false, nil
	}
	s.mu.RLock()
	conn := s.udpConn
	s.mu.RUnlock()
	if conn == nil {
		return false, errors.New("hostserver: data socket not started")
	}
	if err := datasender.New(conn, nil).SendFragments(addr, fragments); err != nil {
		return true, err
	}
	return true, nil
}
