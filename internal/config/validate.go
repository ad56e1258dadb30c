package config

import (
	"errors"
	"fmt"

	"github.com/flemzord/lanlink/internal/core"
)

// required modules without which the engine cannot evaluate trust or
// maintain sessions.
var requiredModules = []string{
	"engine.identity",
	"engine.trust",
	"engine.discovery",
	"engine.connmgr",
}

// Validate checks the structural validity of a Config.
// It verifies the version field, ensures the required engine modules are
// present, and checks that all referenced module IDs exist in the registry.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Version == "" {
		errs = append(errs, errors.New("config: version field is required"))
	} else if cfg.Version != "1" {
		errs = append(errs, fmt.Errorf("config: unsupported version %q (supported: \"1\")", cfg.Version))
	}

	if len(cfg.Modules) == 0 {
		errs = append(errs, errors.New("config: at least one module must be configured"))
	}

	for _, id := range requiredModules {
		if _, ok := cfg.Modules[id]; !ok {
			errs = append(errs, fmt.Errorf("config: required module %q is not configured", id))
		}
	}

	for id := range cfg.Modules {
		if _, ok := core.GetModule(id); !ok {
			errs = append(errs, fmt.Errorf("config: unknown module %q", id))
		}
	}

	return errors.Join(errs...)
}
