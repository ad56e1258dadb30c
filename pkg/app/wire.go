package app

import (
	"fmt"
	"log/slog"

	"github.com/flemzord/lanlink/internal/connmgr"
	"github.com/flemzord/lanlink/internal/core"
	"github.com/flemzord/lanlink/internal/identity"
	"github.com/flemzord/lanlink/internal/metrics"
	"github.com/flemzord/lanlink/internal/plugin"
	"github.com/flemzord/lanlink/internal/router"
	"github.com/flemzord/lanlink/internal/trust"
)

// wireRouter builds the packet router from the loaded plugin modules and
// hands it to the connection manager. Must be called after LoadModules
// and before Start: the capability sets go out with the first identity
// announcement.
func wireRouter(
	app *core.App,
	appCtx *core.AppContext,
	ids []string,
	logger *slog.Logger,
) error {
	manager, err := lookup[*connmgr.Manager](appCtx, "connmgr.manager")
	if err != nil {
		return err
	}
	store, err := lookup[*trust.Store](appCtx, "trust.store")
	if err != nil {
		return err
	}
	holder, err := lookup[*identity.Holder](appCtx, "identity.holder")
	if err != nil {
		return err
	}
	engineMetrics, err := lookup[*metrics.Metrics](appCtx, "metrics")
	if err != nil {
		return err
	}

	r := router.New(logger, engineMetrics, store)

	var count int
	for _, id := range ids {
		if core.ModuleID(id).Namespace() != "plugin" {
			continue
		}
		mod, ok := app.Module(core.ModuleID(id))
		if !ok {
			continue
		}
		pl, ok := mod.(plugin.Plugin)
		if !ok {
			return fmt.Errorf("app: module %s does not implement the plugin contract", id)
		}
		r.Register(pl)
		count++
		logger.Info("router: registered plugin", "plugin", pl.Name())
	}

	manager.SetHandler(r)
	holder.SetCapabilities(r.IncomingTypes(), r.OutgoingTypes())
	appCtx.RegisterService("router", r)

	logger.Info("router: wired", "plugins", count)
	return nil
}

func lookup[T any](ctx *core.AppContext, name string) (T, error) {
	var zero T
	svc, ok := ctx.Service(name)
	if !ok {
		return zero, fmt.Errorf("app: %s service not registered", name)
	}
	typed, ok := svc.(T)
	if !ok {
		return zero, fmt.Errorf("app: unexpected %s type %T", name, svc)
	}
	return typed, nil
}
