// Package plugin defines the contract between the engine and its packet
// plugins. A plugin declares which packet types it understands; the union
// of those declarations becomes the device's announced capability sets,
// and the router uses them to dispatch inbound traffic.
package plugin

import (
	"github.com/flemzord/lanlink/internal/connmgr"
	"github.com/flemzord/lanlink/internal/protocol"
)

// Plugin is one packet-type handler. Implementations are core modules in
// the "plugin" namespace; their lifecycle (Configure, Provision, Start,
// Stop) is managed by the module system like any other module.
type Plugin interface {
	// Name is the short plugin name used for per-device enable flags,
	// e.g. "battery" for module id "plugin.battery".
	Name() string

	// IncomingTypes lists the packet types this plugin handles.
	IncomingTypes() []string

	// OutgoingTypes lists the packet types this plugin may send.
	OutgoingTypes() []string

	// HandlePacket processes one inbound packet on the session's read
	// goroutine. Returning an error logs it; it never closes the session.
	HandlePacket(s *connmgr.Session, p *protocol.Packet) error
}
