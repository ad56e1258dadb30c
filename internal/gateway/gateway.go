// Package gateway exposes the engine's control plane over HTTP: peers,
// sessions, pairing decisions, device management and the live event
// stream. It is a leaf module — nothing imports it.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/flemzord/lanlink/internal/connmgr"
	"github.com/flemzord/lanlink/internal/core"
	"github.com/flemzord/lanlink/internal/discovery"
	"github.com/flemzord/lanlink/internal/identity"
	"github.com/flemzord/lanlink/internal/pairing"
	"github.com/flemzord/lanlink/internal/trust"
)

func init() {
	core.RegisterModule(&Gateway{})
}

// Compile-time interface guards.
var (
	_ core.Configurable = (*Gateway)(nil)
	_ core.Provisioner  = (*Gateway)(nil)
	_ core.Validator    = (*Gateway)(nil)
	_ core.Starter      = (*Gateway)(nil)
	_ core.Stopper      = (*Gateway)(nil)
)

// Gateway is the control-plane HTTP module.
type Gateway struct {
	config    Config
	appCtx    *core.AppContext
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
	tracer    trace.Tracer

	// Resolved lazily at Start() via the service registry.
	holder   *identity.Holder
	disc     *discovery.Service
	manager  *connmgr.Manager
	pairings *pairing.Manager
	store    *trust.Store
	bus      *connmgr.Bus
	registry *prometheus.Registry
}

// ModuleInfo implements core.Module.
func (g *Gateway) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  "engine.gateway",
		New: func() core.Module { return &Gateway{} },
	}
}

// Configure implements core.Configurable.
func (g *Gateway) Configure(node *yaml.Node) error {
	if err := node.Decode(&g.config); err != nil {
		return err
	}
	return nil
}

// Provision implements core.Provisioner.
func (g *Gateway) Provision(ctx *core.AppContext) error {
	g.config.defaults()
	g.appCtx = ctx
	g.logger = ctx.Logger
	g.tracer = otel.Tracer("lanlink/gateway")
	return nil
}

// Validate implements core.Validator.
func (g *Gateway) Validate() error {
	addr, err := net.ResolveTCPAddr("tcp", g.config.Bind)
	if err != nil {
		return fmt.Errorf("gateway: invalid bind address %q", g.config.Bind)
	}
	// An unspecified host binds every interface, so it counts as exposed.
	if (addr.IP == nil || !addr.IP.IsLoopback()) && !g.config.Auth.IsConfigured() {
		return fmt.Errorf("gateway: bind %q is not loopback; a bearer token is required", g.config.Bind)
	}
	return nil
}

// Start implements core.Starter.
func (g *Gateway) Start() error {
	if err := g.resolveServices(); err != nil {
		return err
	}
	g.startedAt = time.Now()

	g.server = &http.Server{
		Addr:         g.config.Bind,
		Handler:      g.buildRouter(),
		ReadTimeout:  g.config.ReadTimeout,
		WriteTimeout: g.config.WriteTimeout,
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), "tcp", g.config.Bind)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", g.config.Bind, err)
	}

	go func() {
		g.logger.Info("gateway listening", "addr", g.config.Bind)
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway serve error", "error", err)
		}
	}()
	return nil
}

// Stop implements core.Stopper.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, g.config.ShutdownTimeout)
	defer cancel()

	g.logger.Info("gateway shutting down")
	return g.server.Shutdown(shutdownCtx)
}

func (g *Gateway) resolveServices() error {
	var err error
	if g.holder, err = resolve[*identity.Holder](g.appCtx, "identity.holder"); err != nil {
		return err
	}
	if g.disc, err = resolve[*discovery.Service](g.appCtx, "discovery.service"); err != nil {
		return err
	}
	if g.manager, err = resolve[*connmgr.Manager](g.appCtx, "connmgr.manager"); err != nil {
		return err
	}
	if g.pairings, err = resolve[*pairing.Manager](g.appCtx, "pairing.manager"); err != nil {
		return err
	}
	if g.store, err = resolve[*trust.Store](g.appCtx, "trust.store"); err != nil {
		return err
	}
	if g.bus, err = resolve[*connmgr.Bus](g.appCtx, "events.bus"); err != nil {
		return err
	}
	if g.registry, err = resolve[*prometheus.Registry](g.appCtx, "metrics.registry"); err != nil {
		return err
	}
	return nil
}

func resolve[T any](ctx *core.AppContext, name string) (T, error) {
	var zero T
	svc, ok := ctx.Service(name)
	if !ok {
		return zero, fmt.Errorf("gateway: %s service not registered", name)
	}
	typed, ok := svc.(T)
	if !ok {
		return zero, fmt.Errorf("gateway: unexpected %s type %T", name, svc)
	}
	return typed, nil
}

// buildRouter constructs the chi mux. Reads are open; mutations sit behind
// the bearer-token middleware.
func (g *Gateway) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(g.traceMiddleware)

	r.Get("/health", g.handleHealth())
	r.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{}))
	r.Get("/ws/events", g.handleEvents())

	r.Route("/api", func(r chi.Router) {
		r.Get("/identity", g.handleIdentity())
		r.Get("/peers", g.handlePeers())
		r.Get("/sessions", g.handleSessions())
		r.Get("/pairings", g.handlePendingPairings())
		r.Get("/devices", g.handleDevices())
		r.Get("/security-events", g.handleSecurityEvents())

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware(g.config.Auth))
			r.Post("/pairings/{deviceID}", g.handleDecidePairing())
			r.Post("/devices/{deviceID}/pair", g.handleRequestPairing())
			r.Post("/devices/{deviceID}/connect", g.handleConnect())
			r.Post("/devices/{deviceID}/disconnect", g.handleDisconnect())
			r.Delete("/devices/{deviceID}", g.handleUnpair())
			r.Put("/devices/{deviceID}/plugins/{plugin}", g.handleSetPlugin())
		})
	})

	return r
}

// traceMiddleware opens a span per request so control-plane latency shows
// up in the OTLP export when tracing is enabled.
func (g *Gateway) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := g.tracer.Start(r.Context(), r.Method+" "+r.URL.Path)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
