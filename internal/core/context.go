// Package core provides the module system foundation for lanlink.
package core

import (
	"fmt"
	"log/slog"
	"sync"

	"gopkg.in/yaml.v3"
)

// AppContext carries shared resources available to modules during
// provisioning and at runtime.
type AppContext struct {
	// Logger for the current module scope.
	Logger *slog.Logger

	// DataDir is the root directory for persistent engine data
	// (trust store, device certificate).
	DataDir string

	parentLogger  *slog.Logger
	moduleConfigs map[string]yaml.Node

	services   map[string]any
	servicesMu *sync.RWMutex
}

// NewAppContext creates a new AppContext with the given base logger and data directory.
func NewAppContext(logger *slog.Logger, dataDir string) *AppContext {
	if logger == nil {
		logger = slog.Default()
	}
	return &AppContext{
		Logger:       logger,
		DataDir:      dataDir,
		parentLogger: logger,
		services:     make(map[string]any),
		servicesMu:   &sync.RWMutex{},
	}
}

// WithModuleConfigs returns a copy of the AppContext with module configurations set.
// Each key is a module ID mapping to its raw YAML configuration node.
func (ctx *AppContext) WithModuleConfigs(configs map[string]yaml.Node) *AppContext {
	cp := *ctx
	cp.moduleConfigs = configs
	return &cp
}

// ForModule returns a new AppContext scoped to the given module ID,
// with a child logger that includes the module ID. The service registry
// is shared with the parent context.
func (ctx *AppContext) ForModule(id ModuleID) *AppContext {
	return &AppContext{
		Logger:        ctx.parentLogger.With("module", string(id)),
		DataDir:       ctx.DataDir,
		parentLogger:  ctx.parentLogger,
		moduleConfigs: ctx.moduleConfigs,
		services:      ctx.services,
		servicesMu:    ctx.servicesMu,
	}
}

// RegisterService publishes a value under a well-known name so that modules
// provisioned later (or the wiring layer) can discover it. Registering the
// same name twice overwrites the earlier value.
func (ctx *AppContext) RegisterService(name string, svc any) {
	ctx.servicesMu.Lock()
	defer ctx.servicesMu.Unlock()
	ctx.services[name] = svc
}

// Service returns the value registered under name, or false if absent.
func (ctx *AppContext) Service(name string) (any, bool) {
	ctx.servicesMu.RLock()
	defer ctx.servicesMu.RUnlock()
	svc, ok := ctx.services[name]
	return svc, ok
}

// LoadModule instantiates and provisions a module by its ID.
// It calls Configure, Provision and Validate if the module implements
// those interfaces. The lifecycle order is:
//
//	New() → Configure() → Provision() → Validate()
//
// Returns the provisioned module instance ready for use.
func (ctx *AppContext) LoadModule(id string) (Module, error) {
	info, ok := GetModule(id)
	if !ok {
		return nil, fmt.Errorf("core: unknown module %s", id)
	}

	mod := info.New()

	if c, ok := mod.(Configurable); ok {
		if node, exists := ctx.moduleConfigs[id]; exists {
			if err := c.Configure(&node); err != nil {
				return nil, fmt.Errorf("core: configuring module %s: %w", id, err)
			}
		}
	}

	if p, ok := mod.(Provisioner); ok {
		moduleCtx := ctx.ForModule(info.ID)
		if err := p.Provision(moduleCtx); err != nil {
			return nil, fmt.Errorf("core: provisioning module %s: %w", id, err)
		}
	}

	if v, ok := mod.(Validator); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("core: validating module %s: %w", id, err)
		}
	}

	return mod, nil
}
