// Package notification mirrors peer notifications: posts, dismissals and
// the initial backfill request. Rendering is out of scope; the plugin
// keeps the current notification set per device for consumers (gateway,
// embedders) to present.
package notification

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/flemzord/lanlink/internal/connmgr"
	"github.com/flemzord/lanlink/internal/core"
	"github.com/flemzord/lanlink/internal/plugin"
	"github.com/flemzord/lanlink/internal/protocol"
)

// Notification packet types.
const (
	TypeNotification        = "lanlink.notification"
	TypeNotificationRequest = "lanlink.notification.request"
)

func init() {
	core.RegisterModule(&Plugin{})
}

// Compile-time interface guards.
var (
	_ core.Provisioner = (*Plugin)(nil)
	_ plugin.Plugin    = (*Plugin)(nil)
)

// Notification is one mirrored notification.
type Notification struct {
	ID          string `json:"id"`
	AppName     string `json:"appName"`
	Title       string `json:"title"`
	Text        string `json:"text"`
	IsClearable bool   `json:"isClearable"`
}

// Plugin keeps the mirrored notification set per device.
type Plugin struct {
	logger *slog.Logger

	mu      sync.RWMutex
	byPeer  map[string]map[string]Notification
}

// ModuleInfo implements core.Module.
func (p *Plugin) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  "plugin.notification",
		New: func() core.Module { return &Plugin{} },
	}
}

// Provision implements core.Provisioner.
func (p *Plugin) Provision(ctx *core.AppContext) error {
	p.logger = ctx.Logger
	p.byPeer = make(map[string]map[string]Notification)
	return nil
}

// Name implements plugin.Plugin.
func (p *Plugin) Name() string { return "notification" }

// IncomingTypes implements plugin.Plugin.
func (p *Plugin) IncomingTypes() []string {
	return []string{TypeNotification, TypeNotificationRequest}
}

// OutgoingTypes implements plugin.Plugin.
func (p *Plugin) OutgoingTypes() []string {
	return []string{TypeNotification, TypeNotificationRequest}
}

// HandlePacket implements plugin.Plugin.
func (p *Plugin) HandlePacket(s *connmgr.Session, pkt *protocol.Packet) error {
	if pkt.Type == TypeNotificationRequest {
		// We mirror, we do not originate; nothing to backfill.
		return nil
	}

	id, ok := pkt.String("id")
	if !ok || id == "" {
		return nil
	}

	if cancel, _ := pkt.Bool("isCancel"); cancel {
		p.remove(s.DeviceID(), id)
		return nil
	}

	n := Notification{ID: id}
	n.AppName, _ = pkt.String("appName")
	n.Title, _ = pkt.String("title")
	n.Text, _ = pkt.String("text")
	n.IsClearable, _ = pkt.Bool("isClearable")

	p.mu.Lock()
	peer := p.byPeer[s.DeviceID()]
	if peer == nil {
		peer = make(map[string]Notification)
		p.byPeer[s.DeviceID()] = peer
	}
	peer[id] = n
	p.mu.Unlock()

	p.logger.Debug("notification mirrored",
		"device", s.DeviceID(), "app", n.AppName, "id", id)
	return nil
}

// List returns the current notifications mirrored from a device, sorted
// by id for stable output.
func (p *Plugin) List(deviceID string) []Notification {
	p.mu.RLock()
	defer p.mu.RUnlock()

	peer := p.byPeer[deviceID]
	out := make([]Notification, 0, len(peer))
	for _, n := range peer {
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b Notification) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

// RequestBackfill asks a freshly connected peer for its current
// notification set.
func (p *Plugin) RequestBackfill(s *connmgr.Session) error {
	pkt := protocol.New(TypeNotificationRequest, map[string]any{"request": true})
	return s.Send(&pkt)
}

// Dismiss tells the peer to clear one of its notifications.
func (p *Plugin) Dismiss(s *connmgr.Session, id string) error {
	pkt := protocol.New(TypeNotificationRequest, map[string]any{"cancel": id})
	return s.Send(&pkt)
}

func (p *Plugin) remove(deviceID, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if peer := p.byPeer[deviceID]; peer != nil {
		delete(peer, id)
	}
}
