// Package discovery announces the local device on the LAN and tracks peer
// announcements. Discovery is advisory only: it tells the connection
// manager who is reachable and where, and nothing it learns is trusted
// until the transport layer has verified the peer certificate.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/flemzord/lanlink/internal/identity"
	"github.com/flemzord/lanlink/internal/protocol"
)

// Defaults for the announcement protocol.
const (
	DefaultPort             = 1716
	DefaultAnnounceInterval = 5 * time.Second
	DefaultPeerTTL          = 30 * time.Second
)

// Event kinds emitted to subscribers.
const (
	PeerSeen    = "seen"    // first announcement from a device id
	PeerUpdated = "updated" // identity details changed
	PeerExpired = "expired" // no announcement within the TTL
)

// Peer is one remote device currently visible on the LAN.
type Peer struct {
	Identity identity.Identity
	Host     string
	LastSeen time.Time
}

// DialAddr returns the TCP address to reach the peer's transport listener.
func (p Peer) DialAddr() string {
	return net.JoinHostPort(p.Host, fmt.Sprintf("%d", p.Identity.TCPPort))
}

// Event describes a change in the peer table.
type Event struct {
	Kind string
	Peer Peer
}

// Config controls the announcer and listener.
type Config struct {
	// Port is the UDP port announcements are sent to and received on.
	Port int

	// AnnounceInterval is the period between broadcasts of our identity.
	AnnounceInterval time.Duration

	// PeerTTL is how long a peer stays in the table without a fresh
	// announcement before it is considered gone.
	PeerTTL time.Duration

	// BroadcastAddr is the target of announcements.
	BroadcastAddr string
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.AnnounceInterval <= 0 {
		c.AnnounceInterval = DefaultAnnounceInterval
	}
	if c.PeerTTL <= 0 {
		c.PeerTTL = DefaultPeerTTL
	}
	if c.BroadcastAddr == "" {
		c.BroadcastAddr = "255.255.255.255"
	}
}

// Service runs the announcer, the listener and the liveness sweeper.
type Service struct {
	cfg    Config
	self   func() identity.Identity
	logger *slog.Logger

	conn      *net.UDPConn
	broadcast *net.UDPAddr

	mu    sync.RWMutex
	peers map[string]Peer
	subs  []func(Event)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a discovery service. The self callback is invoked for every
// announcement so late-bound fields (the transport port) are always fresh.
func New(cfg Config, self func() identity.Identity, logger *slog.Logger) *Service {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:    cfg,
		self:   self,
		logger: logger,
		peers:  make(map[string]Peer),
	}
}

// Subscribe registers a callback for peer table changes. Callbacks run on
// discovery goroutines and should not block.
func (s *Service) Subscribe(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// Start binds the UDP socket and launches the announce, listen and sweep
// loops.
func (s *Service) Start() error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: s.cfg.Port})
	if err != nil {
		return fmt.Errorf("discovery: listen udp :%d: %w", s.cfg.Port, err)
	}
	s.conn = conn

	bip := net.ParseIP(s.cfg.BroadcastAddr)
	if bip == nil {
		_ = conn.Close()
		return fmt.Errorf("discovery: invalid broadcast address %q", s.cfg.BroadcastAddr)
	}
	s.broadcast = &net.UDPAddr{IP: bip, Port: s.cfg.Port}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(3)
	go s.announceLoop(ctx)
	go s.listenLoop(ctx)
	go s.sweepLoop(ctx)

	s.logger.Info("discovery started",
		"port", s.cfg.Port,
		"interval", s.cfg.AnnounceInterval,
		"ttl", s.cfg.PeerTTL)
	return nil
}

// Stop halts all loops and closes the socket.
func (s *Service) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("discovery: shutdown: %w", ctx.Err())
	}
}

// Announce sends one identity broadcast immediately, outside the regular
// schedule. Used right after the transport listener comes up so peers learn
// the final port without waiting an interval.
func (s *Service) Announce() error {
	self := s.self()
	pkt := self.Packet()
	data, err := pkt.Marshal()
	if err != nil {
		return err
	}
	if _, err := s.conn.WriteToUDP(data, s.broadcast); err != nil {
		return fmt.Errorf("discovery: announce: %w", err)
	}
	return nil
}

// Peers returns a snapshot of the live peer table sorted by device name.
func (s *Service) Peers() []Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Peer) int {
		if a.Identity.Name != b.Identity.Name {
			if a.Identity.Name < b.Identity.Name {
				return -1
			}
			return 1
		}
		if a.Identity.DeviceID < b.Identity.DeviceID {
			return -1
		}
		if a.Identity.DeviceID > b.Identity.DeviceID {
			return 1
		}
		return 0
	})
	return out
}

// Lookup returns the live peer record for a device id.
func (s *Service) Lookup(deviceID string) (Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[deviceID]
	return p, ok
}

func (s *Service) announceLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.AnnounceInterval)
	defer ticker.Stop()

	for {
		if err := s.Announce(); err != nil && ctx.Err() == nil {
			s.logger.Warn("announcement failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) listenLoop(ctx context.Context) {
	defer s.wg.Done()

	buf := make([]byte, 64*1024)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("udp read failed", "error", err)
			continue
		}
		s.handleDatagram(buf[:n], addr)
	}
}

func (s *Service) handleDatagram(data []byte, addr *net.UDPAddr) {
	pkt, err := protocol.Unmarshal(data)
	if err != nil {
		s.logger.Debug("discarding malformed datagram", "from", addr, "error", err)
		return
	}
	if !pkt.IsType(protocol.TypeIdentity) {
		return
	}

	id, err := identity.FromPacket(&pkt)
	if err != nil {
		s.logger.Debug("discarding bad announcement", "from", addr, "error", err)
		return
	}
	if id.DeviceID == s.self().DeviceID {
		return // our own broadcast echoed back
	}
	if id.ProtocolVersion < protocol.VersionMinimum {
		s.logger.Debug("ignoring peer with unsupported protocol",
			"device", id.DeviceID, "version", id.ProtocolVersion)
		return
	}
	if id.TCPPort <= 0 || id.TCPPort > 65535 {
		s.logger.Debug("ignoring announcement without usable port", "device", id.DeviceID)
		return
	}

	peer := Peer{
		Identity: id,
		Host:     addr.IP.String(),
		LastSeen: time.Now(),
	}

	s.mu.Lock()
	prev, known := s.peers[id.DeviceID]
	s.peers[id.DeviceID] = peer
	subs := slices.Clone(s.subs)
	s.mu.Unlock()

	switch {
	case !known:
		s.logger.Info("peer discovered", "device", id.DeviceID, "name", id.Name, "host", peer.Host)
		emit(subs, Event{Kind: PeerSeen, Peer: peer})
	case identityChanged(prev.Identity, id) || prev.Host != peer.Host:
		emit(subs, Event{Kind: PeerUpdated, Peer: peer})
	}
}

func (s *Service) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PeerTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-s.cfg.PeerTTL)

		s.mu.Lock()
		var expired []Peer
		for id, p := range s.peers {
			if p.LastSeen.Before(cutoff) {
				expired = append(expired, p)
				delete(s.peers, id)
			}
		}
		subs := slices.Clone(s.subs)
		s.mu.Unlock()

		for _, p := range expired {
			s.logger.Info("peer expired", "device", p.Identity.DeviceID, "name", p.Identity.Name)
			emit(subs, Event{Kind: PeerExpired, Peer: p})
		}
	}
}

func identityChanged(a, b identity.Identity) bool {
	return a.Name != b.Name ||
		a.Type != b.Type ||
		a.TCPPort != b.TCPPort ||
		!slices.Equal(a.Incoming, b.Incoming) ||
		!slices.Equal(a.Outgoing, b.Outgoing)
}

func emit(subs []func(Event), e Event) {
	for _, fn := range subs {
		fn(e)
	}
}
