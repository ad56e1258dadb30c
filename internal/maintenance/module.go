package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flemzord/lanlink/internal/core"
	"github.com/flemzord/lanlink/internal/trust"
)

func init() {
	core.RegisterModule(&Module{})
}

// Compile-time interface guards.
var (
	_ core.Configurable = (*Module)(nil)
	_ core.Provisioner  = (*Module)(nil)
	_ core.Starter      = (*Module)(nil)
	_ core.Stopper      = (*Module)(nil)
)

// ModuleConfig holds the maintenance module configuration.
type ModuleConfig struct {
	// EventRetention is how long security events are kept. Default 90 days.
	EventRetention time.Duration `yaml:"event_retention"`

	// PruneSchedule and CheckpointSchedule override the default cron
	// expressions.
	PruneSchedule      string `yaml:"prune_schedule"`
	CheckpointSchedule string `yaml:"checkpoint_schedule"`
}

// Module wraps the scheduler in the engine lifecycle.
type Module struct {
	config    ModuleConfig
	scheduler *Scheduler
}

// ModuleInfo implements core.Module.
func (m *Module) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  "engine.maintenance",
		New: func() core.Module { return &Module{} },
	}
}

// Configure implements core.Configurable.
func (m *Module) Configure(node *yaml.Node) error {
	return node.Decode(&m.config)
}

// Provision implements core.Provisioner.
func (m *Module) Provision(ctx *core.AppContext) error {
	svc, ok := ctx.Service("trust.store")
	if !ok {
		return errors.New("maintenance: trust.store service not registered")
	}
	store, ok := svc.(*trust.Store)
	if !ok {
		return fmt.Errorf("maintenance: unexpected trust.store type %T", svc)
	}

	retention := m.config.EventRetention
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}

	m.scheduler = NewScheduler(ctx.Logger)
	if err := m.scheduler.RegisterJob(&EventPruneJob{
		Store:        store,
		Retention:    retention,
		Logger:       ctx.Logger,
		ScheduleExpr: m.config.PruneSchedule,
	}); err != nil {
		return err
	}
	if err := m.scheduler.RegisterJob(&CheckpointJob{
		Store:        store,
		Logger:       ctx.Logger,
		ScheduleExpr: m.config.CheckpointSchedule,
	}); err != nil {
		return err
	}
	return nil
}

// Start implements core.Starter.
func (m *Module) Start() error {
	return m.scheduler.Start()
}

// Stop implements core.Stopper.
func (m *Module) Stop(ctx context.Context) error {
	return m.scheduler.Stop(ctx)
}
