// Package router dispatches inbound plugin traffic. It is the single
// place where a packet type is matched to handlers, per-device plugin
// flags are enforced, and a misbehaving handler is isolated from the
// session that delivered the packet.
package router

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"

	"github.com/flemzord/lanlink/internal/connmgr"
	"github.com/flemzord/lanlink/internal/metrics"
	"github.com/flemzord/lanlink/internal/plugin"
	"github.com/flemzord/lanlink/internal/protocol"
	"github.com/flemzord/lanlink/internal/trust"
)

// Router implements connmgr.PacketHandler over the registered plugin set.
type Router struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	store   *trust.Store

	mu      sync.RWMutex
	plugins []plugin.Plugin
	byType  map[string][]plugin.Plugin
}

// New builds an empty router.
func New(logger *slog.Logger, m *metrics.Metrics, store *trust.Store) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:  logger,
		metrics: m,
		store:   store,
		byType:  make(map[string][]plugin.Plugin),
	}
}

// Register adds a plugin to the dispatch table.
func (r *Router) Register(p plugin.Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.plugins = append(r.plugins, p)
	for _, t := range p.IncomingTypes() {
		r.byType[t] = append(r.byType[t], p)
	}
}

// IncomingTypes returns the union of all plugins' incoming types, sorted.
// This is the engine's announced incoming capability set.
func (r *Router) IncomingTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for t := range r.byType {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// OutgoingTypes returns the union of all plugins' outgoing types, sorted.
func (r *Router) OutgoingTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for _, p := range r.plugins {
		for _, t := range p.OutgoingTypes() {
			if !slices.Contains(out, t) {
				out = append(out, t)
			}
		}
	}
	slices.Sort(out)
	return out
}

// Plugins returns the registered plugins.
func (r *Router) Plugins() []plugin.Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.plugins)
}

// HandlePacket routes one inbound packet to every matching, enabled
// plugin. Unroutable types are dropped with a log line; the connection is
// never penalized for them.
func (r *Router) HandlePacket(s *connmgr.Session, p *protocol.Packet) {
	r.mu.RLock()
	handlers := slices.Clone(r.byType[p.Type])
	r.mu.RUnlock()

	if len(handlers) == 0 {
		r.logger.Debug("no handler for packet type",
			"device", s.DeviceID(), "type", p.Type)
		return
	}

	for _, h := range handlers {
		enabled, err := r.store.PluginEnabled(s.DeviceID(), h.Name())
		if err != nil {
			r.logger.Error("plugin flag lookup failed",
				"device", s.DeviceID(), "plugin", h.Name(), "error", err)
			continue
		}
		if !enabled {
			r.logger.Debug("plugin disabled for device",
				"device", s.DeviceID(), "plugin", h.Name())
			continue
		}
		r.dispatch(h, s, p)
	}
}

// dispatch runs one handler with panic isolation: a crashing plugin is
// logged and counted, the session and the other plugins carry on.
func (r *Router) dispatch(h plugin.Plugin, s *connmgr.Session, p *protocol.Packet) {
	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.HandlerPanic(h.Name())
			r.logger.Error("plugin handler panicked",
				"plugin", h.Name(),
				"device", s.DeviceID(),
				"type", p.Type,
				"panic", fmt.Sprint(rec),
				"stack", string(debug.Stack()))
		}
	}()

	if err := h.HandlePacket(s, p); err != nil {
		r.logger.Warn("plugin handler failed",
			"plugin", h.Name(), "device", s.DeviceID(), "type", p.Type, "error", err)
	}
}
