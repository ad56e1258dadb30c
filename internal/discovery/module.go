package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flemzord/lanlink/internal/core"
	"github.com/flemzord/lanlink/internal/identity"
)

func init() {
	core.RegisterModule(&Module{})
}

// Compile-time interface guards.
var (
	_ core.Configurable = (*Module)(nil)
	_ core.Provisioner  = (*Module)(nil)
	_ core.Validator    = (*Module)(nil)
	_ core.Starter      = (*Module)(nil)
	_ core.Stopper      = (*Module)(nil)
)

// ModuleConfig holds the discovery module configuration.
type ModuleConfig struct {
	Port             int           `yaml:"port"`
	AnnounceInterval time.Duration `yaml:"announce_interval"`
	PeerTTL          time.Duration `yaml:"peer_ttl"`
	BroadcastAddr    string        `yaml:"broadcast_addr"`
}

// Module wraps the discovery Service in the engine lifecycle.
type Module struct {
	config  ModuleConfig
	service *Service
}

// ModuleInfo implements core.Module.
func (m *Module) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  "engine.discovery",
		New: func() core.Module { return &Module{} },
	}
}

// Configure implements core.Configurable.
func (m *Module) Configure(node *yaml.Node) error {
	return node.Decode(&m.config)
}

// Provision implements core.Provisioner.
func (m *Module) Provision(ctx *core.AppContext) error {
	svc, ok := ctx.Service("identity.holder")
	if !ok {
		return errors.New("discovery: identity.holder service not registered")
	}
	holder, ok := svc.(*identity.Holder)
	if !ok {
		return fmt.Errorf("discovery: unexpected identity.holder type %T", svc)
	}

	m.service = New(Config{
		Port:             m.config.Port,
		AnnounceInterval: m.config.AnnounceInterval,
		PeerTTL:          m.config.PeerTTL,
		BroadcastAddr:    m.config.BroadcastAddr,
	}, holder.Current, ctx.Logger)

	ctx.RegisterService("discovery.service", m.service)
	return nil
}

// Validate implements core.Validator.
func (m *Module) Validate() error {
	if m.config.Port < 0 || m.config.Port > 65535 {
		return fmt.Errorf("discovery: invalid port %d", m.config.Port)
	}
	if m.service == nil {
		return errors.New("discovery: not provisioned")
	}
	return nil
}

// Start implements core.Starter.
func (m *Module) Start() error {
	return m.service.Start()
}

// Stop implements core.Stopper.
func (m *Module) Stop(ctx context.Context) error {
	return m.service.Stop(ctx)
}
