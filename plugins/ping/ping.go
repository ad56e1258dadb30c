// Package ping implements the simplest packet contract: a ping packet
// with an optional message, useful for verifying that pairing, routing
// and capability negotiation work end to end.
package ping

import (
	"log/slog"

	"github.com/flemzord/lanlink/internal/connmgr"
	"github.com/flemzord/lanlink/internal/core"
	"github.com/flemzord/lanlink/internal/plugin"
	"github.com/flemzord/lanlink/internal/protocol"
)

// TypePing is the ping packet type.
const TypePing = "lanlink.ping"

func init() {
	core.RegisterModule(&Plugin{})
}

// Compile-time interface guards.
var (
	_ core.Provisioner = (*Plugin)(nil)
	_ plugin.Plugin    = (*Plugin)(nil)
)

// Plugin handles inbound pings and can send them.
type Plugin struct {
	logger *slog.Logger
}

// ModuleInfo implements core.Module.
func (p *Plugin) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  "plugin.ping",
		New: func() core.Module { return &Plugin{} },
	}
}

// Provision implements core.Provisioner.
func (p *Plugin) Provision(ctx *core.AppContext) error {
	p.logger = ctx.Logger
	return nil
}

// Name implements plugin.Plugin.
func (p *Plugin) Name() string { return "ping" }

// IncomingTypes implements plugin.Plugin.
func (p *Plugin) IncomingTypes() []string { return []string{TypePing} }

// OutgoingTypes implements plugin.Plugin.
func (p *Plugin) OutgoingTypes() []string { return []string{TypePing} }

// HandlePacket implements plugin.Plugin.
func (p *Plugin) HandlePacket(s *connmgr.Session, pkt *protocol.Packet) error {
	message, _ := pkt.String("message")
	p.logger.Info("ping received",
		"device", s.DeviceID(), "name", s.Peer().Name, "message", message)
	return nil
}

// Send delivers a ping to the session, with an optional message.
func (p *Plugin) Send(s *connmgr.Session, message string) error {
	body := map[string]any{}
	if message != "" {
		body["message"] = message
	}
	pkt := protocol.New(TypePing, body)
	return s.Send(&pkt)
}
