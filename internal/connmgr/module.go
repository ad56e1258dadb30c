package connmgr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gopkg.in/yaml.v3"

	"github.com/flemzord/lanlink/internal/cert"
	"github.com/flemzord/lanlink/internal/core"
	"github.com/flemzord/lanlink/internal/discovery"
	"github.com/flemzord/lanlink/internal/identity"
	"github.com/flemzord/lanlink/internal/metrics"
	"github.com/flemzord/lanlink/internal/pairing"
	"github.com/flemzord/lanlink/internal/trust"
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

// ModuleConfig holds the connection manager configuration.
type ModuleConfig struct {
	Port             int           `yaml:"port"`
	KeepaliveIdle    time.Duration `yaml:"keepalive_idle"`
	DeadAfter        time.Duration `yaml:"dead_after"`
	ReconnectInitial time.Duration `yaml:"reconnect_initial"`
	ReconnectMax     time.Duration `yaml:"reconnect_max"`
	PairingTimeout   time.Duration `yaml:"pairing_timeout"`
}

// Module wires the connection manager, the pairing manager, the event bus
// and the metrics pipeline into the engine lifecycle.
type Module struct {
	config   ModuleConfig
	manager  *Manager
	pairings *pairing.Manager
	holder   *identity.Holder
	disc     *discovery.Service
}

// ModuleInfo implements core.Module.
func (m *Module) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  "engine.connmgr",
		New: func() core.Module { return &Module{} },
	}
}

// Configure implements core.Configurable.
func (m *Module) Configure(node *yaml.Node) error {
	return node.Decode(&m.config)
}

// Provision implements core.Provisioner.
func (m *Module) Provision(ctx *core.AppContext) error {
	holder, err := service[*identity.Holder](ctx, "identity.holder")
	if err != nil {
		return err
	}
	certInfo, err := service[*cert.Info](ctx, "cert.info")
	if err != nil {
		return err
	}
	store, err := service[*trust.Store](ctx, "trust.store")
	if err != nil {
		return err
	}
	disc, err := service[*discovery.Service](ctx, "discovery.service")
	if err != nil {
		return err
	}
	m.holder = holder
	m.disc = disc

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	engineMetrics := metrics.New(registry)

	bus := NewBus()

	m.manager = New(Config{
		Port:             m.config.Port,
		KeepaliveIdle:    m.config.KeepaliveIdle,
		DeadAfter:        m.config.DeadAfter,
		ReconnectInitial: m.config.ReconnectInitial,
		ReconnectMax:     m.config.ReconnectMax,
	}, Deps{
		Local:       holder.Current,
		Certificate: certInfo.TLS,
		Store:       store,
		Discovery:   disc,
		Bus:         bus,
		Metrics:     engineMetrics,
		Logger:      ctx.Logger,
	})

	m.pairings = pairing.NewManager(pairing.Config{
		Store:     store,
		Timeout:   m.config.PairingTimeout,
		Logger:    ctx.Logger,
		OnRequest: m.manager.PairingRequested,
		OnResult:  m.manager.PairingResolved,
	})
	m.manager.SetPairings(m.pairings)

	ctx.RegisterService("connmgr.manager", m.manager)
	ctx.RegisterService("pairing.manager", m.pairings)
	ctx.RegisterService("events.bus", bus)
	ctx.RegisterService("metrics", engineMetrics)
	ctx.RegisterService("metrics.registry", registry)
	return nil
}

// Validate implements core.Validator.
func (m *Module) Validate() error {
	if m.config.Port < 0 || m.config.Port > 65535 {
		return fmt.Errorf("connmgr: invalid port %d", m.config.Port)
	}
	if m.manager == nil {
		return errors.New("connmgr: not provisioned")
	}
	return nil
}

// Start implements core.Starter. Once the listener is bound the transport
// port flows into the identity, and an immediate announcement saves peers
// a discovery interval.
func (m *Module) Start() error {
	if err := m.manager.Start(); err != nil {
		return err
	}

	m.holder.SetTCPPort(m.manager.Port())
	if err := m.disc.Announce(); err != nil {
		// Next scheduled announcement will carry the port; not fatal.
		return nil
	}
	return nil
}

// Stop implements core.Stopper.
func (m *Module) Stop(ctx context.Context) error {
	return m.manager.Stop(ctx)
}

// service resolves a typed value from the AppContext service registry.
func service[T any](ctx *core.AppContext, name string) (T, error) {
	var zero T
	svc, ok := ctx.Service(name)
	if !ok {
		return zero, fmt.Errorf("connmgr: %s service not registered", name)
	}
	typed, ok := svc.(T)
	if !ok {
		return zero, fmt.Errorf("connmgr: unexpected %s type %T", name, svc)
	}
	return typed, nil
}
