package core

import (
	"context"

	"gopkg.in/yaml.v3"
)

// Configurable is implemented by modules that accept YAML configuration.
// Called after instantiation and before Provision(). The node holds the
// raw YAML of the module's section in lanlink.yaml.
type Configurable interface {
	Configure(node *yaml.Node) error
}

// Provisioner is implemented by modules that need setup after
// instantiation: applying defaults, opening stores, and resolving
// services registered by modules provisioned earlier (device identity,
// trust store, connection manager).
type Provisioner interface {
	Provision(ctx *AppContext) error
}

// Validator is implemented by modules that can verify their configuration
// is complete and correct. Called after Provision().
// Validate should be read-only, no side effects.
type Validator interface {
	Validate() error
}

// Starter is implemented by modules that run background work: the UDP
// announce loop, the transport accept loop, HTTP listeners. Called after
// every module is provisioned and validated, so a Starter may assume the
// full service registry is populated.
type Starter interface {
	Start() error
}

// Stopper is implemented by modules that hold resources. Called during
// shutdown in reverse order of Start(), bounded by the app's shutdown
// timeout through ctx.
type Stopper interface {
	Stop(ctx context.Context) error
}
