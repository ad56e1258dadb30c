// Package connmgr owns the lifecycle of device sessions: accepting and
// dialing transport connections, enforcing the one-session-per-device
// invariant, keeping trusted devices connected across failures, and
// demultiplexing engine traffic from plugin traffic.
package connmgr

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/flemzord/lanlink/internal/discovery"
	"github.com/flemzord/lanlink/internal/identity"
	"github.com/flemzord/lanlink/internal/metrics"
	"github.com/flemzord/lanlink/internal/pairing"
	"github.com/flemzord/lanlink/internal/protocol"
	"github.com/flemzord/lanlink/internal/transport"
	"github.com/flemzord/lanlink/internal/trust"
)

// Defaults for session upkeep.
const (
	DefaultKeepaliveIdle    = 30 * time.Second
	DefaultDeadAfter        = 75 * time.Second
	DefaultReconnectInitial = time.Second
	DefaultReconnectMax     = 60 * time.Second
	DefaultIdentityTimeout  = 30 * time.Second
)

// Errors returned by the manager's public API.
var (
	ErrNoSession    = errors.New("connmgr: no session for device")
	ErrPeerNotFound = errors.New("connmgr: device not visible on the network")
	ErrDuplicate    = errors.New("connmgr: session for device already exists")
)

// PacketHandler receives inbound packets that are not engine traffic.
// Handlers run on the session's read goroutine.
type PacketHandler interface {
	HandlePacket(s *Session, p *protocol.Packet)
}

// Config tunes the manager.
type Config struct {
	// Port is the TCP port the transport listener binds; zero picks an
	// ephemeral port, announced to peers through discovery.
	Port int

	// KeepaliveIdle is the write-idle threshold after which a keepalive
	// packet is sent.
	KeepaliveIdle time.Duration

	// DeadAfter is the read-idle threshold after which a session is
	// declared dead and torn down.
	DeadAfter time.Duration

	// ReconnectInitial and ReconnectMax bound the exponential backoff
	// between reconnection attempts for trusted devices.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	// IdentityTimeout bounds the identity exchange on a new connection.
	IdentityTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.KeepaliveIdle <= 0 {
		c.KeepaliveIdle = DefaultKeepaliveIdle
	}
	if c.DeadAfter <= 0 {
		c.DeadAfter = DefaultDeadAfter
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = DefaultReconnectInitial
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = DefaultReconnectMax
	}
	if c.IdentityTimeout <= 0 {
		c.IdentityTimeout = DefaultIdentityTimeout
	}
}

// PeerDirectory is the view of discovery the manager consumes: the
// current peer table plus a feed of table changes. *discovery.Service
// implements it.
type PeerDirectory interface {
	Subscribe(fn func(discovery.Event))
	Lookup(deviceID string) (discovery.Peer, bool)
	Peers() []discovery.Peer
}

// Deps are the collaborating services the manager is wired with.
type Deps struct {
	Local       func() identity.Identity
	Certificate tls.Certificate
	Store       *trust.Store
	Discovery   PeerDirectory
	Bus         *Bus
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Manager runs the transport listener and owns all sessions.
type Manager struct {
	cfg     Config
	local   func() identity.Identity
	cert    tls.Certificate
	store   *trust.Store
	disc    PeerDirectory
	bus     *Bus
	metrics *metrics.Metrics
	logger  *slog.Logger

	pairings *pairing.Manager
	handler  PacketHandler

	listener *transport.Listener

	mu           sync.Mutex
	sessions     map[string]*Session
	reconnecting map[string]struct{}
	noReconnect  map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a manager. SetPairings and SetHandler must be called before
// Start.
func New(cfg Config, deps Deps) *Manager {
	cfg.applyDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Manager{
		cfg:          cfg,
		local:        deps.Local,
		cert:         deps.Certificate,
		store:        deps.Store,
		disc:         deps.Discovery,
		bus:          deps.Bus,
		metrics:      deps.Metrics,
		logger:       deps.Logger,
		sessions:     make(map[string]*Session),
		reconnecting: make(map[string]struct{}),
		noReconnect:  make(map[string]struct{}),
	}
}

// SetPairings wires the pairing manager. Its OnRequest and OnResult hooks
// should point at PairingRequested and PairingResolved.
func (m *Manager) SetPairings(pm *pairing.Manager) { m.pairings = pm }

// SetHandler wires the inbound packet dispatcher.
func (m *Manager) SetHandler(h PacketHandler) { m.handler = h }

// Bus returns the engine event bus.
func (m *Manager) Bus() *Bus { return m.bus }

// Start binds the transport listener and launches the accept and upkeep
// loops.
func (m *Manager) Start() error {
	listener, err := transport.Listen(fmt.Sprintf(":%d", m.cfg.Port), m.cert)
	if err != nil {
		return err
	}
	m.listener = listener
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.disc.Subscribe(m.onDiscovery)

	m.wg.Add(2)
	go m.acceptLoop()
	go m.upkeepLoop()

	m.logger.Info("transport listening", "port", listener.Port())
	return nil
}

// Stop closes the listener and every session, then waits for all loops.
func (m *Manager) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	if m.listener != nil {
		_ = m.listener.Close()
	}

	m.mu.Lock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()
	for _, s := range open {
		s.close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("connmgr: shutdown: %w", ctx.Err())
	}
}

// Port returns the bound transport port, for identity announcements.
func (m *Manager) Port() int {
	if m.listener == nil {
		return 0
	}
	return m.listener.Port()
}

// Sessions returns snapshots of all live sessions sorted by device name.
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info())
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b Info) int {
		if a.DeviceName != b.DeviceName {
			if a.DeviceName < b.DeviceName {
				return -1
			}
			return 1
		}
		if a.DeviceID < b.DeviceID {
			return -1
		}
		if a.DeviceID > b.DeviceID {
			return 1
		}
		return 0
	})
	return out
}

// SessionFor returns the live session for a device id.
func (m *Manager) SessionFor(deviceID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[deviceID]
	return s, ok
}

// Connect dials the device if it is visible and not already connected.
func (m *Manager) Connect(ctx context.Context, deviceID string) error {
	if _, ok := m.SessionFor(deviceID); ok {
		return nil
	}

	peer, ok := m.disc.Lookup(deviceID)
	if !ok {
		return ErrPeerNotFound
	}

	m.mu.Lock()
	delete(m.noReconnect, deviceID)
	m.mu.Unlock()

	_, err := m.dialPeer(ctx, peer)
	return err
}

// Disconnect closes the device's session and suppresses automatic
// reconnection until the next explicit Connect or inbound connection.
func (m *Manager) Disconnect(deviceID string) error {
	m.mu.Lock()
	s, ok := m.sessions[deviceID]
	if ok {
		m.noReconnect[deviceID] = struct{}{}
	}
	m.mu.Unlock()

	if !ok {
		return ErrNoSession
	}
	s.close()
	return nil
}

// Unpair revokes trust in the device: the peer is notified when a session
// is up, the local trust entry is removed, and any live session is torn
// down without scheduling a reconnect. The next connection from the device
// starts over unpaired.
func (m *Manager) Unpair(deviceID string) error {
	m.mu.Lock()
	s, live := m.sessions[deviceID]
	if live {
		m.noReconnect[deviceID] = struct{}{}
	}
	m.mu.Unlock()

	if live {
		pkt := pairing.PairPacket(false)
		if err := s.write(&pkt); err != nil {
			m.logger.Warn("unpair notification failed", "device", deviceID, "error", err)
		}
		s.paired.Store(false)
	}

	if err := m.store.Unpair(deviceID); err != nil {
		return err
	}
	if err := m.store.RecordEvent(trust.SecurityEvent{
		EventType: trust.EventUnpaired,
		DeviceID:  deviceID,
		Details:   `{"by":"user"}`,
		Severity:  trust.SeverityInfo,
	}); err != nil {
		m.logger.Error("recording unpair event failed", "device", deviceID, "error", err)
	}

	m.bus.Publish(Event{Kind: EventUnpaired, DeviceID: deviceID})

	if live {
		s.close()
	}
	return nil
}

// RequestPairing starts an outgoing pairing attempt, dialing the device
// first if no session exists.
func (m *Manager) RequestPairing(ctx context.Context, deviceID string) error {
	s, ok := m.SessionFor(deviceID)
	if !ok {
		peer, visible := m.disc.Lookup(deviceID)
		if !visible {
			return ErrPeerNotFound
		}
		var err error
		s, err = m.dialPeer(ctx, peer)
		if err != nil {
			return err
		}
	}

	return m.pairings.Begin(s.Peer(), s.Fingerprint(), s.conn.PeerCertificatePEM(), m.pairSender(s))
}

// PairingRequested publishes an incoming pairing attempt on the event bus.
// Wire it as the pairing manager's OnRequest hook.
func (m *Manager) PairingRequested(a pairing.Attempt) {
	m.bus.Publish(Event{
		Kind:       EventPairingRequested,
		DeviceID:   a.DeviceID,
		DeviceName: a.DeviceName,
		Detail: map[string]any{
			"fingerprint": a.Fingerprint,
			"direction":   string(a.Direction),
			"expiresAt":   a.ExpiresAt,
		},
	})
}

// PairingResolved reacts to a terminal pairing state. Wire it as the
// pairing manager's OnResult hook.
func (m *Manager) PairingResolved(res pairing.Result) {
	m.metrics.PairingResolved(string(res.State))

	if res.State == pairing.StatePaired {
		if s, ok := m.SessionFor(res.DeviceID); ok {
			s.paired.Store(true)
		}
		m.bus.Publish(Event{
			Kind:       EventPaired,
			DeviceID:   res.DeviceID,
			DeviceName: res.DeviceName,
			Detail:     map[string]any{"fingerprint": res.Fingerprint},
		})
		return
	}

	m.bus.Publish(Event{
		Kind:       EventPairingFailed,
		DeviceID:   res.DeviceID,
		DeviceName: res.DeviceName,
		Detail:     map[string]any{"state": string(res.State)},
	})
}

func (m *Manager) onDiscovery(e discovery.Event) {
	m.metrics.SetDiscoveredPeers(len(m.disc.Peers()))

	if e.Kind != discovery.PeerSeen && e.Kind != discovery.PeerUpdated {
		return
	}

	deviceID := e.Peer.Identity.DeviceID
	if _, err := m.store.Lookup(deviceID); err != nil {
		return // only trusted devices are dialed unprompted
	}

	m.mu.Lock()
	_, connected := m.sessions[deviceID]
	_, banned := m.noReconnect[deviceID]
	m.mu.Unlock()
	if connected || banned {
		return
	}

	peer := e.Peer
	go func() {
		if _, err := m.dialPeer(m.ctx, peer); err != nil && m.ctx.Err() == nil {
			m.logger.Debug("dial after discovery failed",
				"device", deviceID, "error", err)
		}
	}()
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()

	for {
		conn, err := m.listener.Accept(m.ctx)
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			m.logger.Warn("accept failed", "error", err)
			continue
		}

		go func() {
			peer, err := m.exchangeIdentity(conn)
			if err != nil {
				m.logger.Debug("inbound identity exchange failed",
					"remote", conn.RemoteAddr(), "error", err)
				_ = conn.Close()
				return
			}
			// The remote side dialed, so it is the initiator.
			if _, err := m.admit(conn, peer, peer.DeviceID); err != nil {
				m.logger.Debug("inbound session refused",
					"device", peer.DeviceID, "error", err)
			}
		}()
	}
}

func (m *Manager) dialPeer(ctx context.Context, peer discovery.Peer) (*Session, error) {
	conn, err := transport.Dial(ctx, peer.DialAddr(), m.cert)
	if err != nil {
		return nil, err
	}

	ident, err := m.exchangeIdentity(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if ident.DeviceID != peer.Identity.DeviceID {
		_ = conn.Close()
		return nil, fmt.Errorf("connmgr: dialed %s but reached %s",
			peer.Identity.DeviceID, ident.DeviceID)
	}

	return m.admit(conn, ident, m.local().DeviceID)
}

// exchangeIdentity sends our identity and reads the peer's, with a
// deadline so a silent peer cannot pin the goroutine.
func (m *Manager) exchangeIdentity(conn *transport.Conn) (identity.Identity, error) {
	local := m.local()
	pkt := local.Packet()
	if err := conn.WritePacket(&pkt); err != nil {
		return identity.Identity{}, fmt.Errorf("connmgr: send identity: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(m.cfg.IdentityTimeout))
	p, err := conn.ReadPacket()
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		return identity.Identity{}, fmt.Errorf("connmgr: read identity: %w", err)
	}

	peer, err := identity.FromPacket(&p)
	if err != nil {
		return identity.Identity{}, err
	}
	if peer.DeviceID == local.DeviceID {
		return identity.Identity{}, errors.New("connmgr: connected to self")
	}
	if peer.ProtocolVersion < protocol.VersionMinimum {
		return identity.Identity{}, fmt.Errorf("connmgr: peer protocol version %d below minimum %d",
			peer.ProtocolVersion, protocol.VersionMinimum)
	}
	return peer, nil
}

// admit runs the trust gate and the duplicate arbitration, registers the
// session and starts its read loop.
func (m *Manager) admit(conn *transport.Conn, peer identity.Identity, initiatorID string) (*Session, error) {
	trusted := false
	if entry, err := m.store.Lookup(peer.DeviceID); err == nil {
		if entry.Fingerprint != conn.PeerFingerprint() {
			m.refuseMismatch(conn, peer, entry.Fingerprint)
			return nil, trust.ErrFingerprintMismatch
		}
		trusted = true
	} else if !errors.Is(err, trust.ErrNotFound) {
		_ = conn.Close()
		return nil, err
	}

	s := newSession(m, conn, peer, initiatorID)
	s.paired.Store(trusted)

	m.mu.Lock()
	if m.ctx == nil || m.ctx.Err() != nil {
		m.mu.Unlock()
		_ = conn.Close()
		return nil, errors.New("connmgr: manager is shut down")
	}

	if existing, ok := m.sessions[peer.DeviceID]; ok {
		// Crossed dials produce two connections with distinct initiators.
		// Both endpoints keep the one whose initiator has the greater
		// device id, so exactly one survives everywhere.
		if s.initiatorID <= existing.initiatorID {
			m.mu.Unlock()
			_ = conn.Close()
			return existing, ErrDuplicate
		}
		delete(m.sessions, peer.DeviceID)
		m.mu.Unlock()
		existing.close()
		m.mu.Lock()
	}

	m.sessions[peer.DeviceID] = s
	delete(m.noReconnect, peer.DeviceID)
	m.mu.Unlock()

	m.metrics.SessionOpened()
	m.bus.Publish(Event{
		Kind:       EventConnected,
		DeviceID:   peer.DeviceID,
		DeviceName: peer.Name,
		Detail:     map[string]any{"paired": trusted, "address": conn.RemoteAddr().String()},
	})
	m.logger.Info("session established",
		"device", peer.DeviceID, "name", peer.Name, "paired", trusted)

	m.wg.Add(1)
	go m.readLoop(s)
	return s, nil
}

func (m *Manager) refuseMismatch(conn *transport.Conn, peer identity.Identity, pinned string) {
	presented := conn.PeerFingerprint()
	m.logger.Warn("refusing connection: certificate fingerprint mismatch",
		"device", peer.DeviceID, "pinned", pinned, "presented", presented)

	if err := m.store.RecordEvent(trust.SecurityEvent{
		EventType: trust.EventFingerprintMismatch,
		DeviceID:  peer.DeviceID,
		Details:   fmt.Sprintf(`{"pinned":%q,"presented":%q}`, pinned, presented),
		Severity:  trust.SeverityCritical,
	}); err != nil {
		m.logger.Error("recording mismatch event failed", "error", err)
	}

	m.bus.Publish(Event{
		Kind:       EventSecurity,
		DeviceID:   peer.DeviceID,
		DeviceName: peer.Name,
		Detail: map[string]any{
			"event":     trust.EventFingerprintMismatch,
			"pinned":    pinned,
			"presented": presented,
		},
	})
	_ = conn.Close()
}

func (m *Manager) readLoop(s *Session) {
	defer m.wg.Done()

	var cause error
	for {
		p, err := s.conn.ReadPacket()
		if err != nil {
			cause = err
			break
		}
		s.markRead()
		m.metrics.PacketIn(p.Type)
		m.handleInbound(s, &p)
	}
	m.dropSession(s, cause)
}

func (m *Manager) handleInbound(s *Session, p *protocol.Packet) {
	switch p.Type {
	case protocol.TypePair:
		accept, err := pairing.ParsePacket(p)
		if err != nil {
			m.logger.Debug("malformed pair packet", "device", s.DeviceID(), "error", err)
			return
		}
		m.handlePair(s, accept)

	case protocol.TypeKeepalive:
		// markRead above is all a keepalive is for.

	case protocol.TypeIdentity:
		ident, err := identity.FromPacket(p)
		if err != nil || ident.DeviceID != s.DeviceID() {
			return
		}
		s.updatePeer(ident, m.local())

	default:
		if !s.Paired() {
			m.logger.Debug("dropping packet from unpaired device",
				"device", s.DeviceID(), "type", p.Type)
			return
		}
		if m.handler != nil {
			m.handler.HandlePacket(s, p)
		}
	}
}

func (m *Manager) handlePair(s *Session, accept bool) {
	deviceID := s.DeviceID()

	err := m.pairings.HandleResponse(deviceID, accept)
	if errors.Is(err, pairing.ErrNoAttempt) && accept {
		err = m.pairings.HandleRequest(s.Peer(), s.Fingerprint(), s.conn.PeerCertificatePEM(), m.pairSender(s))
	}
	if err != nil && !errors.Is(err, pairing.ErrNoAttempt) {
		m.logger.Warn("pair packet handling failed", "device", deviceID, "error", err)
	}

	// pair:false from a trusted peer revokes the pairing; demote the
	// session once the store reflects that.
	if !accept && s.Paired() {
		if _, lookupErr := m.store.Lookup(deviceID); errors.Is(lookupErr, trust.ErrNotFound) {
			s.paired.Store(false)
			m.bus.Publish(Event{Kind: EventUnpaired, DeviceID: deviceID, DeviceName: s.Peer().Name})
		}
	}
}

func (m *Manager) pairSender(s *Session) func(accept bool) error {
	return func(accept bool) error {
		pkt := pairing.PairPacket(accept)
		return s.write(&pkt)
	}
}

func (m *Manager) dropSession(s *Session, cause error) {
	s.close()
	deviceID := s.DeviceID()

	m.mu.Lock()
	registered := m.sessions[deviceID] == s
	if registered {
		delete(m.sessions, deviceID)
	}
	shuttingDown := m.ctx.Err() != nil
	_, banned := m.noReconnect[deviceID]
	m.mu.Unlock()

	m.metrics.SessionClosed()
	if !registered {
		return // replaced by arbitration; the successor already reported
	}

	m.pairings.Cancel(deviceID)

	detail := map[string]any{}
	if cause != nil && !shuttingDown {
		detail["error"] = cause.Error()
	}
	m.bus.Publish(Event{
		Kind:       EventDisconnected,
		DeviceID:   deviceID,
		DeviceName: s.Peer().Name,
		Detail:     detail,
	})
	m.logger.Info("session closed", "device", deviceID, "cause", cause)

	if shuttingDown || banned {
		return
	}
	if _, err := m.store.Lookup(deviceID); err != nil {
		return
	}
	go m.reconnectLoop(deviceID)
}

// reconnectLoop keeps dialing a trusted device with exponential backoff
// until a session exists again or the device stops being a reconnect
// candidate. Each loop starts from the initial interval, so a successful
// connection resets the backoff for the next outage.
func (m *Manager) reconnectLoop(deviceID string) {
	m.mu.Lock()
	if _, running := m.reconnecting[deviceID]; running {
		m.mu.Unlock()
		return
	}
	m.reconnecting[deviceID] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.reconnecting, deviceID)
		m.mu.Unlock()
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.ReconnectInitial
	bo.MaxInterval = m.cfg.ReconnectMax
	bo.MaxElapsedTime = 0

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}

		m.mu.Lock()
		_, connected := m.sessions[deviceID]
		_, banned := m.noReconnect[deviceID]
		m.mu.Unlock()
		if connected || banned {
			return
		}
		if _, err := m.store.Lookup(deviceID); err != nil {
			return
		}

		peer, visible := m.disc.Lookup(deviceID)
		if !visible {
			continue // keep backing off until the peer announces again
		}

		m.metrics.ReconnectAttempt()
		if _, err := m.dialPeer(m.ctx, peer); err == nil {
			return
		} else if m.ctx.Err() == nil {
			m.logger.Debug("reconnect attempt failed", "device", deviceID, "error", err)
		}
	}
}

// upkeepLoop sends keepalives on write-idle sessions and tears down
// sessions whose peer has gone silent.
func (m *Manager) upkeepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		open := make([]*Session, 0, len(m.sessions))
		for _, s := range m.sessions {
			open = append(open, s)
		}
		m.mu.Unlock()

		for _, s := range open {
			readIdle, writeIdle := s.idleSince()
			switch {
			case readIdle > m.cfg.DeadAfter:
				m.logger.Warn("session dead, no traffic",
					"device", s.DeviceID(), "idle", readIdle.Round(time.Second))
				s.close()
			case writeIdle > m.cfg.KeepaliveIdle:
				pkt := protocol.New(protocol.TypeKeepalive, nil)
				if err := s.write(&pkt); err != nil {
					s.close()
				}
			}
		}
	}
}
