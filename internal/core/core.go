package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// shutdownTimeout bounds Stop so a wedged module cannot stall engine exit.
const shutdownTimeout = 30 * time.Second

// App drives the engine's module set through its lifecycle: load in
// configuration order, start, and stop in reverse order on shutdown.
// Engine modules and plugins go through the same machinery.
type App struct {
	ctx     *AppContext
	modules []moduleInstance
	logger  *slog.Logger
}

type moduleInstance struct {
	id      ModuleID
	module  Module
	started bool
}

// NewApp creates a new App with the given context.
func NewApp(ctx *AppContext) *App {
	return &App{
		ctx:    ctx,
		logger: ctx.Logger.With("component", "core"),
	}
}

// LoadModules instantiates, provisions, and validates all modules for the
// given IDs in order. If any step fails, already-loaded modules are cleaned up.
func (a *App) LoadModules(ids []string) error {
	for _, id := range ids {
		mod, err := a.ctx.LoadModule(id)
		if err != nil {
			a.cleanup()
			return fmt.Errorf("core: loading module %s: %w", id, err)
		}
		info := mod.ModuleInfo()
		a.modules = append(a.modules, moduleInstance{
			id:     info.ID,
			module: mod,
		})
		a.logger.Info("module loaded", "module", string(info.ID))
	}
	return nil
}

// Module returns the loaded instance with the given ID, or false.
func (a *App) Module(id ModuleID) (Module, bool) {
	for i := range a.modules {
		if a.modules[i].id == id {
			return a.modules[i].module, true
		}
	}
	return nil, false
}

// Start starts all loaded modules that implement Starter, in order.
// If any Start() fails, already-started modules are stopped in reverse order.
func (a *App) Start() error {
	for i := range a.modules {
		mi := &a.modules[i]
		s, ok := mi.module.(Starter)
		if !ok {
			continue
		}
		a.logger.Info("starting module", "module", string(mi.id))
		if err := s.Start(); err != nil {
			a.logger.Error("module start failed", "module", string(mi.id), "error", err)
			a.stopModules(i - 1)
			return fmt.Errorf("core: starting module %s: %w", mi.id, err)
		}
		mi.started = true
	}
	a.logger.Info("all modules started")
	return nil
}

// Stop stops all started modules in reverse order with a timeout.
func (a *App) Stop() {
	a.stopModules(len(a.modules) - 1)
}

func (a *App) stopModules(fromIndex int) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for i := fromIndex; i >= 0; i-- {
		mi := &a.modules[i]
		if !mi.started {
			continue
		}
		if s, ok := mi.module.(Stopper); ok {
			a.logger.Info("stopping module", "module", string(mi.id))
			if err := s.Stop(ctx); err != nil {
				a.logger.Error("module stop error", "module", string(mi.id), "error", err)
			}
		}
		mi.started = false
	}
}

func (a *App) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for i := len(a.modules) - 1; i >= 0; i-- {
		mi := &a.modules[i]
		if s, ok := mi.module.(Stopper); ok {
			_ = s.Stop(ctx)
		}
	}
	a.modules = nil
}
