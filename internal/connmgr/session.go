package connmgr

import (
	"errors"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flemzord/lanlink/internal/identity"
	"github.com/flemzord/lanlink/internal/protocol"
	"github.com/flemzord/lanlink/internal/transport"
)

// Errors returned by Session.Send.
var (
	ErrSessionClosed     = errors.New("connmgr: session is closed")
	ErrNotPaired         = errors.New("connmgr: device is not paired")
	ErrTypeNotNegotiated = errors.New("connmgr: packet type not in negotiated capabilities")
)

// Session is one live connection to a remote device. There is never more
// than one Session per device id; the manager enforces that invariant.
type Session struct {
	conn *transport.Conn

	// initiatorID is the device id of the side that dialed. It drives
	// duplicate arbitration so both endpoints resolve a crossed dial the
	// same way.
	initiatorID string

	connectedAt time.Time
	paired      atomic.Bool

	mu         sync.RWMutex
	peer       identity.Identity
	sendable   []string // local outgoing ∩ peer incoming
	receivable []string // local incoming ∩ peer outgoing

	lastRead  atomic.Int64 // unix nanos
	lastWrite atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}

	mgr *Manager
}

func newSession(mgr *Manager, conn *transport.Conn, peer identity.Identity, initiatorID string) *Session {
	s := &Session{
		conn:        conn,
		initiatorID: initiatorID,
		connectedAt: time.Now(),
		peer:        peer,
		closed:      make(chan struct{}),
		mgr:         mgr,
	}
	now := time.Now().UnixNano()
	s.lastRead.Store(now)
	s.lastWrite.Store(now)
	s.negotiate(mgr.local())
	return s
}

// DeviceID returns the remote device id.
func (s *Session) DeviceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peer.DeviceID
}

// Peer returns the remote identity as last announced.
func (s *Session) Peer() identity.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peer
}

// Fingerprint returns the remote certificate fingerprint.
func (s *Session) Fingerprint() string { return s.conn.PeerFingerprint() }

// RemoteHost returns the peer's host without the port, for payload
// side-channel dials.
func (s *Session) RemoteHost() string {
	host, _, err := net.SplitHostPort(s.conn.RemoteAddr().String())
	if err != nil {
		return s.conn.RemoteAddr().String()
	}
	return host
}

// Paired reports whether the session is with a trusted device.
func (s *Session) Paired() bool { return s.paired.Load() }

// SendableTypes returns the packet types we may send on this session.
func (s *Session) SendableTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.sendable)
}

// ReceivableTypes returns the packet types we accept on this session.
func (s *Session) ReceivableTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.receivable)
}

// Send delivers a packet to the remote device. It refuses, without
// touching the wire, packets to unpaired devices and packet types outside
// the negotiated capability intersection.
func (s *Session) Send(p *protocol.Packet) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}

	if !s.paired.Load() {
		s.mgr.metrics.PacketRejected("unpaired")
		return ErrNotPaired
	}

	s.mu.RLock()
	allowed := slices.Contains(s.sendable, p.Type)
	s.mu.RUnlock()
	if !allowed {
		s.mgr.metrics.PacketRejected("capability")
		return ErrTypeNotNegotiated
	}

	return s.write(p)
}

// write bypasses pairing and capability gates; reserved for engine
// traffic (pair, keepalive, identity refresh) and Send after its checks.
func (s *Session) write(p *protocol.Packet) error {
	if err := s.conn.WritePacket(p); err != nil {
		return err
	}
	s.lastWrite.Store(time.Now().UnixNano())
	s.mgr.metrics.PacketOut(p.Type)
	return nil
}

func (s *Session) negotiate(local identity.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendable = identity.Intersect(local.Outgoing, s.peer.Incoming)
	s.receivable = identity.Intersect(local.Incoming, s.peer.Outgoing)
}

// updatePeer absorbs a mid-session identity refresh and renegotiates the
// capability intersections.
func (s *Session) updatePeer(peer identity.Identity, local identity.Identity) {
	s.mu.Lock()
	s.peer = peer
	s.mu.Unlock()
	s.negotiate(local)
}

func (s *Session) markRead() { s.lastRead.Store(time.Now().UnixNano()) }

func (s *Session) idleSince() (read, write time.Duration) {
	now := time.Now()
	return now.Sub(time.Unix(0, s.lastRead.Load())),
		now.Sub(time.Unix(0, s.lastWrite.Load()))
}

// close tears down the connection exactly once.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

// Info is the immutable snapshot of a session handed to the control plane.
type Info struct {
	DeviceID    string    `json:"deviceId"`
	DeviceName  string    `json:"deviceName"`
	DeviceType  string    `json:"deviceType"`
	Address     string    `json:"address"`
	Fingerprint string    `json:"fingerprint"`
	Paired      bool      `json:"paired"`
	ConnectedAt time.Time `json:"connectedAt"`
	Sendable    []string  `json:"sendable"`
	Receivable  []string  `json:"receivable"`
}

// Info snapshots the session.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		DeviceID:    s.peer.DeviceID,
		DeviceName:  s.peer.Name,
		DeviceType:  string(s.peer.Type),
		Address:     s.conn.RemoteAddr().String(),
		Fingerprint: s.conn.PeerFingerprint(),
		Paired:      s.paired.Load(),
		ConnectedAt: s.connectedAt,
		Sendable:    slices.Clone(s.sendable),
		Receivable:  slices.Clone(s.receivable),
	}
}
