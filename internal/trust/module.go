package trust

import (
	"context"
	"errors"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/flemzord/lanlink/internal/core"
)

func init() {
	core.RegisterModule(&Module{})
}

// Compile-time interface guards.
var (
	_ core.Configurable = (*Module)(nil)
	_ core.Provisioner  = (*Module)(nil)
	_ core.Validator    = (*Module)(nil)
	_ core.Stopper      = (*Module)(nil)
)

// Config holds the trust module configuration.
type Config struct {
	// Path overrides the trust database location; defaults to
	// <data-dir>/trust.db.
	Path string `yaml:"path"`
}

// Module owns the trust store lifecycle. A store that cannot be opened is
// a fatal startup error: an unreadable trust database must never degrade
// into an empty one.
type Module struct {
	config Config
	store  *Store
}

// ModuleInfo implements core.Module.
func (m *Module) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  "engine.trust",
		New: func() core.Module { return &Module{} },
	}
}

// Configure implements core.Configurable.
func (m *Module) Configure(node *yaml.Node) error {
	return node.Decode(&m.config)
}

// Provision implements core.Provisioner.
func (m *Module) Provision(ctx *core.AppContext) error {
	path := m.config.Path
	if path == "" {
		path = filepath.Join(ctx.DataDir, "trust.db")
	}

	store, err := Open(path)
	if err != nil {
		return err
	}
	m.store = store

	ctx.RegisterService("trust.store", store)
	ctx.Logger.Info("trust store open", "path", path)
	return nil
}

// Validate implements core.Validator.
func (m *Module) Validate() error {
	if m.store == nil {
		return errors.New("trust: not provisioned")
	}
	return nil
}

// Stop implements core.Stopper.
func (m *Module) Stop(context.Context) error {
	if m.store == nil {
		return nil
	}
	return m.store.Close()
}
