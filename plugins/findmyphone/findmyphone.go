// Package findmyphone implements the locate contract: a request packet
// that makes the receiving device ring. What "ring" means locally is up
// to the embedder, which registers a callback.
package findmyphone

import (
	"log/slog"
	"sync"

	"github.com/flemzord/lanlink/internal/connmgr"
	"github.com/flemzord/lanlink/internal/core"
	"github.com/flemzord/lanlink/internal/plugin"
	"github.com/flemzord/lanlink/internal/protocol"
)

// TypeFindRequest asks the receiver to make itself noticeable.
const TypeFindRequest = "lanlink.findmyphone.request"

func init() {
	core.RegisterModule(&Plugin{})
}

// Compile-time interface guards.
var (
	_ core.Provisioner = (*Plugin)(nil)
	_ plugin.Plugin    = (*Plugin)(nil)
)

// Plugin handles locate requests.
type Plugin struct {
	logger *slog.Logger

	mu     sync.RWMutex
	onRing func(deviceID string)
}

// ModuleInfo implements core.Module.
func (p *Plugin) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  "plugin.findmyphone",
		New: func() core.Module { return &Plugin{} },
	}
}

// Provision implements core.Provisioner.
func (p *Plugin) Provision(ctx *core.AppContext) error {
	p.logger = ctx.Logger
	return nil
}

// Name implements plugin.Plugin.
func (p *Plugin) Name() string { return "findmyphone" }

// IncomingTypes implements plugin.Plugin.
func (p *Plugin) IncomingTypes() []string { return []string{TypeFindRequest} }

// OutgoingTypes implements plugin.Plugin.
func (p *Plugin) OutgoingTypes() []string { return []string{TypeFindRequest} }

// OnRing registers the local ring callback.
func (p *Plugin) OnRing(fn func(deviceID string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRing = fn
}

// HandlePacket implements plugin.Plugin.
func (p *Plugin) HandlePacket(s *connmgr.Session, _ *protocol.Packet) error {
	p.logger.Info("locate request received",
		"device", s.DeviceID(), "name", s.Peer().Name)

	p.mu.RLock()
	fn := p.onRing
	p.mu.RUnlock()
	if fn != nil {
		fn(s.DeviceID())
	}
	return nil
}

// Ring asks the peer to make itself noticeable.
func (p *Plugin) Ring(s *connmgr.Session) error {
	pkt := protocol.New(TypeFindRequest, nil)
	return s.Send(&pkt)
}
