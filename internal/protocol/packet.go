// Package protocol defines the lanlink wire packet model and its framing.
//
// Every message exchanged between devices, pairing traffic included, is a
// Packet: a JSON object with a millisecond id, a type tag, and a body map.
// Binary payloads (file transfers) are never inlined; a packet announces
// them through PayloadSize and PayloadTransferInfo and the bytes travel on
// a separate side channel.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Reserved packet types handled by the engine itself. Everything else is
// routed to plugins.
const (
	TypeIdentity  = "lanlink.identity"
	TypePair      = "lanlink.pair"
	TypeKeepalive = "lanlink.keepalive"
)

// VersionCurrent is the protocol version this engine announces.
// VersionMinimum is the oldest peer version accepted; a larger skew only
// means unknown packet types get dropped, it is never fatal.
const (
	VersionCurrent = 8
	VersionMinimum = 7
)

// PayloadTransferInfo locates the side channel for a binary payload.
type PayloadTransferInfo struct {
	Port int `json:"port"`
}

// Packet is the unit of all device-to-device traffic.
type Packet struct {
	ID   int64          `json:"id"`
	Type string         `json:"type"`
	Body map[string]any `json:"body"`

	// PayloadSize is the byte size of an attached out-of-band payload,
	// zero when the packet has none.
	PayloadSize int64 `json:"payloadSize,omitempty"`

	// PayloadTransferInfo tells the receiver where to fetch the payload.
	PayloadTransferInfo *PayloadTransferInfo `json:"payloadTransferInfo,omitempty"`
}

// New creates a packet of the given type with a fresh millisecond id.
// A nil body is replaced with an empty map so the wire form is always
// `"body": {}` rather than null.
func New(packetType string, body map[string]any) Packet {
	if body == nil {
		body = make(map[string]any)
	}
	return Packet{
		ID:   time.Now().UnixMilli(),
		Type: packetType,
		Body: body,
	}
}

// IsType reports whether the packet carries the given type tag.
func (p *Packet) IsType(t string) bool { return p.Type == t }

// HasPayload reports whether the packet announces an out-of-band payload.
func (p *Packet) HasPayload() bool { return p.PayloadSize > 0 }

// Bool returns the named body field as a bool, or false if absent or
// of a different type.
func (p *Packet) Bool(key string) (bool, bool) {
	v, ok := p.Body[key].(bool)
	return v, ok
}

// String returns the named body field as a string.
func (p *Packet) String(key string) (string, bool) {
	v, ok := p.Body[key].(string)
	return v, ok
}

// Int returns the named body field as an int64. JSON numbers decode as
// float64, so both forms are accepted.
func (p *Packet) Int(key string) (int64, bool) {
	switch v := p.Body[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

// Strings returns the named body field as a string slice.
func (p *Packet) Strings(key string) []string {
	raw, ok := p.Body[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Marshal encodes the packet as JSON.
func (p *Packet) Marshal() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s packet: %w", p.Type, err)
	}
	return data, nil
}

// Unmarshal decodes a packet from JSON. A packet without a type tag is
// rejected; such frames are not routable.
func Unmarshal(data []byte) (Packet, error) {
	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return Packet{}, fmt.Errorf("protocol: decode packet: %w", err)
	}
	if p.Type == "" {
		return Packet{}, fmt.Errorf("protocol: packet has no type tag")
	}
	if p.Body == nil {
		p.Body = make(map[string]any)
	}
	return p, nil
}
