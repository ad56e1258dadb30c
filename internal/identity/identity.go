// Package identity describes the local device and decodes peer
// announcements. An Identity is immutable once built; capability sets are
// collected from the registered plugins at startup.
package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/flemzord/lanlink/internal/protocol"
)

// DeviceType classifies a device for presentation purposes only; it never
// affects trust or routing.
type DeviceType string

// Known device types.
const (
	TypeDesktop DeviceType = "desktop"
	TypeLaptop  DeviceType = "laptop"
	TypePhone   DeviceType = "phone"
	TypeTablet  DeviceType = "tablet"
	TypeTV      DeviceType = "tv"
)

// ParseDeviceType maps a wire string onto a known device type, defaulting
// to desktop for anything unrecognized.
func ParseDeviceType(s string) DeviceType {
	switch DeviceType(strings.ToLower(s)) {
	case TypeDesktop, TypeLaptop, TypePhone, TypeTablet, TypeTV:
		return DeviceType(strings.ToLower(s))
	}
	return TypeDesktop
}

// Identity is the static description of a device: who it is, what protocol
// it speaks, and which packet types it can receive and send.
type Identity struct {
	DeviceID        string
	Name            string
	Type            DeviceType
	ProtocolVersion int

	// Incoming and Outgoing are the declared capability sets:
	// packet types this device can receive, respectively send.
	Incoming []string
	Outgoing []string

	// TCPPort is the port the device accepts transport connections on,
	// carried in announcements so peers can dial back.
	TCPPort int
}

// Packet encodes the identity as a lanlink.identity packet.
func (id *Identity) Packet() protocol.Packet {
	return protocol.New(protocol.TypeIdentity, map[string]any{
		"deviceId":             id.DeviceID,
		"deviceName":           id.Name,
		"deviceType":           string(id.Type),
		"protocolVersion":      id.ProtocolVersion,
		"incomingCapabilities": id.Incoming,
		"outgoingCapabilities": id.Outgoing,
		"tcpPort":              id.TCPPort,
	})
}

// FromPacket decodes a peer identity from a lanlink.identity packet.
func FromPacket(p *protocol.Packet) (Identity, error) {
	if !p.IsType(protocol.TypeIdentity) {
		return Identity{}, fmt.Errorf("identity: not an identity packet: %s", p.Type)
	}

	deviceID, ok := p.String("deviceId")
	if !ok || deviceID == "" {
		return Identity{}, fmt.Errorf("identity: announcement has no deviceId")
	}
	name, _ := p.String("deviceName")
	if name == "" {
		name = deviceID
	}
	devType, _ := p.String("deviceType")
	version, _ := p.Int("protocolVersion")
	port, _ := p.Int("tcpPort")

	return Identity{
		DeviceID:        deviceID,
		Name:            name,
		Type:            ParseDeviceType(devType),
		ProtocolVersion: int(version),
		Incoming:        p.Strings("incomingCapabilities"),
		Outgoing:        p.Strings("outgoingCapabilities"),
		TCPPort:         int(port),
	}, nil
}

// Intersect returns the packet types present in both sets, sorted.
// This is the capability negotiation primitive: only the intersection of
// our outgoing set and the peer's incoming set may be sent.
func Intersect(a, b []string) []string {
	out := make([]string, 0, min(len(a), len(b)))
	for _, t := range a {
		if slices.Contains(b, t) && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return out
}

// LoadOrCreateDeviceID returns the persistent device id stored under dir,
// generating and persisting a new UUID on first run. The id survives
// restarts; network addresses do not identify devices.
func LoadOrCreateDeviceID(dir string) (string, error) {
	path := filepath.Join(dir, "device_id")

	raw, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(raw))
		if id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("identity: reading %s: %w", path, err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("identity: create %s: %w", dir, err)
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("identity: persist device id: %w", err)
	}
	return id, nil
}
