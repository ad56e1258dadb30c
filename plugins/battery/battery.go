// Package battery tracks the battery state reported by peers and answers
// their requests with the locally configured report, if any. The engine
// has no OS battery probe; reports are fed in by the embedding process or
// stay absent on mains-powered machines.
package battery

import (
	"log/slog"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/flemzord/lanlink/internal/connmgr"
	"github.com/flemzord/lanlink/internal/core"
	"github.com/flemzord/lanlink/internal/plugin"
	"github.com/flemzord/lanlink/internal/protocol"
)

// Battery packet types.
const (
	TypeBattery        = "lanlink.battery"
	TypeBatteryRequest = "lanlink.battery.request"
)

// ThresholdBatteryLow mirrors the wire contract: 1 marks a low-battery
// event, 0 none.
const ThresholdBatteryLow = 1

func init() {
	core.RegisterModule(&Plugin{})
}

// Compile-time interface guards.
var (
	_ core.Configurable = (*Plugin)(nil)
	_ core.Provisioner  = (*Plugin)(nil)
	_ plugin.Plugin     = (*Plugin)(nil)
)

// State is one battery report.
type State struct {
	Charge         int  `json:"currentCharge"`
	IsCharging     bool `json:"isCharging"`
	ThresholdEvent int  `json:"thresholdEvent"`
}

// Config holds the battery plugin configuration.
type Config struct {
	// Report, when set, is announced to peers that ask. Useful for
	// laptops where the embedder wires a real probe; absent by default.
	Report *State `yaml:"report"`
}

// Plugin stores the last report per device.
type Plugin struct {
	config Config
	logger *slog.Logger

	mu     sync.RWMutex
	states map[string]State
}

// ModuleInfo implements core.Module.
func (p *Plugin) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  "plugin.battery",
		New: func() core.Module { return &Plugin{} },
	}
}

// Configure implements core.Configurable.
func (p *Plugin) Configure(node *yaml.Node) error {
	return node.Decode(&p.config)
}

// Provision implements core.Provisioner.
func (p *Plugin) Provision(ctx *core.AppContext) error {
	p.logger = ctx.Logger
	p.states = make(map[string]State)
	return nil
}

// Name implements plugin.Plugin.
func (p *Plugin) Name() string { return "battery" }

// IncomingTypes implements plugin.Plugin.
func (p *Plugin) IncomingTypes() []string {
	return []string{TypeBattery, TypeBatteryRequest}
}

// OutgoingTypes implements plugin.Plugin.
func (p *Plugin) OutgoingTypes() []string {
	return []string{TypeBattery, TypeBatteryRequest}
}

// HandlePacket implements plugin.Plugin.
func (p *Plugin) HandlePacket(s *connmgr.Session, pkt *protocol.Packet) error {
	switch pkt.Type {
	case TypeBattery:
		charge, _ := pkt.Int("currentCharge")
		charging, _ := pkt.Bool("isCharging")
		threshold, _ := pkt.Int("thresholdEvent")

		state := State{
			Charge:         int(charge),
			IsCharging:     charging,
			ThresholdEvent: int(threshold),
		}
		p.mu.Lock()
		p.states[s.DeviceID()] = state
		p.mu.Unlock()

		if state.ThresholdEvent == ThresholdBatteryLow {
			p.logger.Warn("peer battery low",
				"device", s.DeviceID(), "name", s.Peer().Name, "charge", state.Charge)
		}
		return nil

	case TypeBatteryRequest:
		if p.config.Report == nil {
			return nil
		}
		return p.sendReport(s, *p.config.Report)
	}
	return nil
}

// Status returns the last battery report received from a device.
func (p *Plugin) Status(deviceID string) (State, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st, ok := p.states[deviceID]
	return st, ok
}

// RequestStatus asks a peer for its current battery state.
func (p *Plugin) RequestStatus(s *connmgr.Session) error {
	pkt := protocol.New(TypeBatteryRequest, map[string]any{"request": true})
	return s.Send(&pkt)
}

func (p *Plugin) sendReport(s *connmgr.Session, state State) error {
	pkt := protocol.New(TypeBattery, map[string]any{
		"currentCharge":  state.Charge,
		"isCharging":     state.IsCharging,
		"thresholdEvent": state.ThresholdEvent,
	})
	return s.Send(&pkt)
}
