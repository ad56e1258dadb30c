package config

import "slices"

// engineOrder fixes the load order of the engine modules: the trust store
// and identity must be provisioned before anything that evaluates inbound
// connections, the connection manager before the layers that consume its
// services, and the gateway last so every service it exposes exists.
var engineOrder = []string{
	"engine.identity",
	"engine.trust",
	"engine.discovery",
	"engine.connmgr",
	"engine.tracing",
	"engine.gateway",
	"engine.maintenance",
}

// Resolve returns the module IDs from the configuration in load order:
// engine modules in their fixed dependency order first, then all remaining
// modules (plugins) sorted by ID for determinism.
func Resolve(cfg *Config) []string {
	ids := make([]string, 0, len(cfg.Modules))

	for _, id := range engineOrder {
		if _, ok := cfg.Modules[id]; ok {
			ids = append(ids, id)
		}
	}

	var rest []string
	for id := range cfg.Modules {
		if !slices.Contains(engineOrder, id) {
			rest = append(rest, id)
		}
	}
	slices.Sort(rest)

	return append(ids, rest...)
}
