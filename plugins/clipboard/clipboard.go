// Package clipboard synchronizes clipboard content between paired
// devices. Content is timestamped; an older update never overwrites a
// newer one, which keeps crossed updates convergent without coordination.
package clipboard

import (
	"log/slog"
	"sync"
	"time"

	"github.com/flemzord/lanlink/internal/connmgr"
	"github.com/flemzord/lanlink/internal/core"
	"github.com/flemzord/lanlink/internal/plugin"
	"github.com/flemzord/lanlink/internal/protocol"
)

// Clipboard packet types. The connect variant is sent once when a session
// comes up so a freshly connected device converges immediately.
const (
	TypeClipboard        = "lanlink.clipboard"
	TypeClipboardConnect = "lanlink.clipboard.connect"
)

func init() {
	core.RegisterModule(&Plugin{})
}

// Compile-time interface guards.
var (
	_ core.Provisioner = (*Plugin)(nil)
	_ plugin.Plugin    = (*Plugin)(nil)
)

// Plugin holds the current synchronized clipboard value.
type Plugin struct {
	logger  *slog.Logger
	manager *connmgr.Manager

	mu        sync.RWMutex
	content   string
	updatedAt time.Time
}

// ModuleInfo implements core.Module.
func (p *Plugin) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  "plugin.clipboard",
		New: func() core.Module { return &Plugin{} },
	}
}

// Provision implements core.Provisioner.
func (p *Plugin) Provision(ctx *core.AppContext) error {
	p.logger = ctx.Logger

	svc, ok := ctx.Service("connmgr.manager")
	if ok {
		p.manager, _ = svc.(*connmgr.Manager)
	}
	return nil
}

// Name implements plugin.Plugin.
func (p *Plugin) Name() string { return "clipboard" }

// IncomingTypes implements plugin.Plugin.
func (p *Plugin) IncomingTypes() []string {
	return []string{TypeClipboard, TypeClipboardConnect}
}

// OutgoingTypes implements plugin.Plugin.
func (p *Plugin) OutgoingTypes() []string {
	return []string{TypeClipboard, TypeClipboardConnect}
}

// HandlePacket implements plugin.Plugin.
func (p *Plugin) HandlePacket(s *connmgr.Session, pkt *protocol.Packet) error {
	content, ok := pkt.String("content")
	if !ok {
		return nil
	}

	stamp := time.Now()
	if millis, ok := pkt.Int("timestamp"); ok && millis > 0 {
		stamp = time.UnixMilli(millis)
	}

	p.mu.Lock()
	if !stamp.After(p.updatedAt) {
		p.mu.Unlock()
		return nil // stale update from a device that reconnected late
	}
	p.content = content
	p.updatedAt = stamp
	p.mu.Unlock()

	p.logger.Debug("clipboard updated from peer",
		"device", s.DeviceID(), "bytes", len(content))
	return nil
}

// Current returns the synchronized clipboard value and its timestamp.
func (p *Plugin) Current() (string, time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.content, p.updatedAt
}

// Set records a local clipboard change and propagates it to every
// connected, paired device.
func (p *Plugin) Set(content string) {
	now := time.Now()

	p.mu.Lock()
	p.content = content
	p.updatedAt = now
	p.mu.Unlock()

	if p.manager == nil {
		return
	}
	for _, info := range p.manager.Sessions() {
		if !info.Paired {
			continue
		}
		s, ok := p.manager.SessionFor(info.DeviceID)
		if !ok {
			continue
		}
		pkt := protocol.New(TypeClipboard, map[string]any{
			"content":   content,
			"timestamp": now.UnixMilli(),
		})
		if err := s.Send(&pkt); err != nil {
			p.logger.Debug("clipboard propagation failed",
				"device", info.DeviceID, "error", err)
		}
	}
}
