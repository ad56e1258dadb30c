// Package pairing implements the trust-on-first-use pairing handshake.
//
// Pairing runs over an already-secured connection: the peer certificate is
// known from the TLS handshake, so the only open question is whether the
// user trusts it. An attempt is created per device, survives at most the
// configured timeout, and resolves to exactly one terminal state.
package pairing

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/flemzord/lanlink/internal/identity"
	"github.com/flemzord/lanlink/internal/protocol"
	"github.com/flemzord/lanlink/internal/trust"
)

// DefaultTimeout is how long an attempt waits for the user (incoming) or
// the peer (outgoing) before expiring.
const DefaultTimeout = 30 * time.Second

// State is the terminal outcome of a pairing attempt.
type State string

// Attempt outcomes.
const (
	StatePaired    State = "paired"
	StateRejected  State = "rejected"
	StateExpired   State = "expired"
	StateCancelled State = "cancelled"
)

// Direction distinguishes who initiated the attempt.
type Direction string

// Attempt directions.
const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Errors returned by the manager.
var (
	ErrNoAttempt      = errors.New("pairing: no pending attempt for device")
	ErrAlreadyPending = errors.New("pairing: attempt already pending for device")
	ErrAlreadyPaired  = errors.New("pairing: device is already paired")
)

// Attempt is the externally visible view of a pending pairing.
type Attempt struct {
	DeviceID    string    `json:"deviceId"`
	DeviceName  string    `json:"deviceName"`
	DeviceType  string    `json:"deviceType"`
	Fingerprint string    `json:"fingerprint"`
	Direction   Direction `json:"direction"`
	StartedAt   time.Time `json:"startedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Result is a resolved attempt.
type Result struct {
	Attempt
	State State `json:"state"`
}

// Config assembles a Manager.
type Config struct {
	Store   *trust.Store
	Timeout time.Duration
	Logger  *slog.Logger

	// OnRequest fires when an incoming attempt needs a user decision.
	OnRequest func(Attempt)

	// OnResult fires once per attempt, with its terminal state.
	OnResult func(Result)
}

// Manager tracks pending attempts, at most one per device id.
type Manager struct {
	store     *trust.Store
	timeout   time.Duration
	logger    *slog.Logger
	onRequest func(Attempt)
	onResult  func(Result)

	mu      sync.Mutex
	pending map[string]*attempt
}

type attempt struct {
	Attempt
	certPEM []byte
	send    func(accept bool) error
	timer   *time.Timer
}

// NewManager builds a pairing manager.
func NewManager(cfg Config) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		store:     cfg.Store,
		timeout:   cfg.Timeout,
		logger:    cfg.Logger,
		onRequest: cfg.OnRequest,
		onResult:  cfg.OnResult,
		pending:   make(map[string]*attempt),
	}
}

// PairPacket builds a pair packet. Requests and acceptances carry a
// timestamp so receivers can spot grossly stale replays.
func PairPacket(accept bool) protocol.Packet {
	body := map[string]any{"pair": accept}
	if accept {
		body["timestamp"] = time.Now().Unix()
	}
	return protocol.New(protocol.TypePair, body)
}

// ParsePacket extracts the pair flag from a pair packet.
func ParsePacket(p *protocol.Packet) (bool, error) {
	if !p.IsType(protocol.TypePair) {
		return false, fmt.Errorf("pairing: not a pair packet: %s", p.Type)
	}
	accept, ok := p.Bool("pair")
	if !ok {
		return false, errors.New("pairing: pair packet has no pair flag")
	}
	return accept, nil
}

// Begin starts an outgoing attempt: the pair request is sent through send
// and the attempt waits for HandleResponse or expiry. The send callback is
// also used for the implicit cancel on expiry.
func (m *Manager) Begin(dev identity.Identity, fingerprint string, certPEM []byte, send func(accept bool) error) error {
	if existing, err := m.store.Lookup(dev.DeviceID); err == nil {
		if existing.Fingerprint == fingerprint {
			return ErrAlreadyPaired
		}
		// A known id with a new certificate never silently re-pairs.
		m.recordMismatch(dev.DeviceID, existing.Fingerprint, fingerprint)
		return trust.ErrFingerprintMismatch
	} else if !errors.Is(err, trust.ErrNotFound) {
		return err
	}

	m.mu.Lock()
	if _, dup := m.pending[dev.DeviceID]; dup {
		m.mu.Unlock()
		return ErrAlreadyPending
	}
	a := m.newAttempt(dev, fingerprint, certPEM, DirectionOutgoing, send)
	m.pending[dev.DeviceID] = a
	m.mu.Unlock()

	if err := send(true); err != nil {
		m.resolve(dev.DeviceID, StateCancelled)
		return fmt.Errorf("pairing: send request to %s: %w", dev.DeviceID, err)
	}

	m.logger.Info("pairing requested", "device", dev.DeviceID, "name", dev.Name)
	return nil
}

// HandleRequest processes an inbound pair request from dev.
//
// Already-trusted devices with a matching fingerprint are re-accepted
// without a prompt. A matching device id under a different fingerprint is
// refused and logged as a security event. If we have an outgoing attempt
// pending for the same device, both sides requested pairing at once and
// the request counts as the peer's acceptance.
func (m *Manager) HandleRequest(dev identity.Identity, fingerprint string, certPEM []byte, send func(accept bool) error) error {
	if existing, err := m.store.Lookup(dev.DeviceID); err == nil {
		if existing.Fingerprint != fingerprint {
			m.recordMismatch(dev.DeviceID, existing.Fingerprint, fingerprint)
			_ = send(false)
			return trust.ErrFingerprintMismatch
		}
		if err := send(true); err != nil {
			return err
		}
		return m.pin(dev, fingerprint, certPEM)
	} else if !errors.Is(err, trust.ErrNotFound) {
		return err
	}

	m.mu.Lock()
	if existing, dup := m.pending[dev.DeviceID]; dup {
		if existing.Direction == DirectionOutgoing {
			m.mu.Unlock()
			return m.acceptPending(dev.DeviceID, send)
		}
		m.mu.Unlock()
		return ErrAlreadyPending
	}
	a := m.newAttempt(dev, fingerprint, certPEM, DirectionIncoming, send)
	m.pending[dev.DeviceID] = a
	view := a.Attempt
	m.mu.Unlock()

	m.logger.Info("pairing request received",
		"device", dev.DeviceID, "name", dev.Name, "fingerprint", fingerprint)
	if m.onRequest != nil {
		m.onRequest(view)
	}
	return nil
}

// HandleResponse processes the peer's answer to our outgoing request.
func (m *Manager) HandleResponse(deviceID string, accepted bool) error {
	m.mu.Lock()
	a, ok := m.pending[deviceID]
	m.mu.Unlock()
	if ok && a.Direction == DirectionIncoming {
		if !accepted {
			// Peer withdrew its own request before the user answered.
			m.resolve(deviceID, StateCancelled)
			return nil
		}
		return ErrNoAttempt
	}
	if !ok {
		if !accepted {
			// Unsolicited pair:false is an unpair notice from the peer.
			return m.handleRemoteUnpair(deviceID)
		}
		return ErrNoAttempt
	}

	if !accepted {
		m.recordEvent(trust.EventPairingRejected, deviceID, trust.SeverityInfo,
			`{"by":"peer"}`)
		m.resolve(deviceID, StateRejected)
		return nil
	}

	if err := m.pinAttempt(a); err != nil {
		m.resolve(deviceID, StateRejected)
		return err
	}
	m.resolve(deviceID, StatePaired)
	return nil
}

// Decide records the local user's answer to an incoming attempt.
func (m *Manager) Decide(deviceID string, accept bool) error {
	m.mu.Lock()
	a, ok := m.pending[deviceID]
	if !ok || a.Direction != DirectionIncoming {
		m.mu.Unlock()
		return ErrNoAttempt
	}
	m.mu.Unlock()

	if !accept {
		_ = a.send(false)
		m.recordEvent(trust.EventPairingRejected, deviceID, trust.SeverityInfo,
			`{"by":"user"}`)
		m.resolve(deviceID, StateRejected)
		return nil
	}

	if err := m.pinAttempt(a); err != nil {
		_ = a.send(false)
		m.resolve(deviceID, StateRejected)
		return err
	}
	if err := a.send(true); err != nil {
		return fmt.Errorf("pairing: send acceptance to %s: %w", deviceID, err)
	}
	m.resolve(deviceID, StatePaired)
	return nil
}

// Cancel drops a pending attempt without notifying the peer, e.g. when the
// underlying connection is gone.
func (m *Manager) Cancel(deviceID string) {
	m.mu.Lock()
	_, ok := m.pending[deviceID]
	m.mu.Unlock()
	if ok {
		m.resolve(deviceID, StateCancelled)
	}
}

// Pending returns the attempts currently waiting, sorted by start time.
func (m *Manager) Pending() []Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Attempt, 0, len(m.pending))
	for _, a := range m.pending {
		out = append(out, a.Attempt)
	}
	slices.SortFunc(out, func(a, b Attempt) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return out
}

func (m *Manager) newAttempt(dev identity.Identity, fingerprint string, certPEM []byte, dir Direction, send func(bool) error) *attempt {
	now := time.Now()
	a := &attempt{
		Attempt: Attempt{
			DeviceID:    dev.DeviceID,
			DeviceName:  dev.Name,
			DeviceType:  string(dev.Type),
			Fingerprint: fingerprint,
			Direction:   dir,
			StartedAt:   now,
			ExpiresAt:   now.Add(m.timeout),
		},
		certPEM: certPEM,
		send:    send,
	}
	a.timer = time.AfterFunc(m.timeout, func() { m.expire(dev.DeviceID) })
	return a
}

func (m *Manager) acceptPending(deviceID string, send func(bool) error) error {
	m.mu.Lock()
	a, ok := m.pending[deviceID]
	m.mu.Unlock()
	if !ok {
		return ErrNoAttempt
	}

	if err := m.pinAttempt(a); err != nil {
		m.resolve(deviceID, StateRejected)
		return err
	}
	if err := send(true); err != nil {
		return err
	}
	m.resolve(deviceID, StatePaired)
	return nil
}

func (m *Manager) handleRemoteUnpair(deviceID string) error {
	if _, err := m.store.Lookup(deviceID); errors.Is(err, trust.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}

	m.logger.Info("peer requested unpair", "device", deviceID)
	m.recordEvent(trust.EventUnpaired, deviceID, trust.SeverityInfo, `{"by":"peer"}`)
	return m.store.Unpair(deviceID)
}

func (m *Manager) expire(deviceID string) {
	m.mu.Lock()
	a, ok := m.pending[deviceID]
	m.mu.Unlock()
	if !ok {
		return
	}

	if a.Direction == DirectionIncoming {
		_ = a.send(false)
	}
	m.logger.Info("pairing attempt expired", "device", deviceID)
	m.recordEvent(trust.EventPairingExpired, deviceID, trust.SeverityInfo,
		fmt.Sprintf(`{"direction":%q}`, a.Direction))
	m.resolve(deviceID, StateExpired)
}

func (m *Manager) resolve(deviceID string, state State) {
	m.mu.Lock()
	a, ok := m.pending[deviceID]
	if ok {
		delete(m.pending, deviceID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	a.timer.Stop()
	m.logger.Info("pairing attempt resolved", "device", deviceID, "state", string(state))
	if m.onResult != nil {
		m.onResult(Result{Attempt: a.Attempt, State: state})
	}
}

func (m *Manager) pinAttempt(a *attempt) error {
	return m.store.Pin(trust.TrustedDevice{
		DeviceID:       a.DeviceID,
		Name:           a.DeviceName,
		DeviceType:     a.DeviceType,
		Fingerprint:    a.Fingerprint,
		CertificatePEM: a.certPEM,
	})
}

func (m *Manager) pin(dev identity.Identity, fingerprint string, certPEM []byte) error {
	return m.store.Pin(trust.TrustedDevice{
		DeviceID:       dev.DeviceID,
		Name:           dev.Name,
		DeviceType:     string(dev.Type),
		Fingerprint:    fingerprint,
		CertificatePEM: certPEM,
	})
}

func (m *Manager) recordMismatch(deviceID, pinned, presented string) {
	m.logger.Warn("certificate fingerprint mismatch",
		"device", deviceID, "pinned", pinned, "presented", presented)
	m.recordEvent(trust.EventFingerprintMismatch, deviceID, trust.SeverityCritical,
		fmt.Sprintf(`{"pinned":%q,"presented":%q}`, pinned, presented))
}

func (m *Manager) recordEvent(eventType, deviceID, severity, details string) {
	err := m.store.RecordEvent(trust.SecurityEvent{
		EventType: eventType,
		DeviceID:  deviceID,
		Details:   details,
		Severity:  severity,
	})
	if err != nil {
		m.logger.Error("recording security event failed", "event", eventType, "error", err)
	}
}
