package identity

import (
	"errors"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/flemzord/lanlink/internal/cert"
	"github.com/flemzord/lanlink/internal/core"
	"github.com/flemzord/lanlink/internal/protocol"
)

func init() {
	core.RegisterModule(&Module{})
}

// Compile-time interface guards.
var (
	_ core.Configurable = (*Module)(nil)
	_ core.Provisioner  = (*Module)(nil)
	_ core.Validator    = (*Module)(nil)
)

// Config holds the identity module configuration.
type Config struct {
	// Name is the human-readable device name; defaults to the hostname.
	Name string `yaml:"name"`

	// Type is the announced device type.
	Type string `yaml:"type"`
}

// Module owns the persistent device id, the device certificate and the
// identity holder other modules announce from.
type Module struct {
	config Config
	holder *Holder
	cert   *cert.Info
}

// ModuleInfo implements core.Module.
func (m *Module) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  "engine.identity",
		New: func() core.Module { return &Module{} },
	}
}

// Configure implements core.Configurable.
func (m *Module) Configure(node *yaml.Node) error {
	return node.Decode(&m.config)
}

// Provision implements core.Provisioner. It loads or creates the device id
// and certificate under the data directory and publishes the identity
// holder and certificate for the transport stack.
func (m *Module) Provision(ctx *core.AppContext) error {
	if m.config.Name == "" {
		if host, err := os.Hostname(); err == nil {
			m.config.Name = host
		} else {
			m.config.Name = "lanlink"
		}
	}

	deviceID, err := LoadOrCreateDeviceID(ctx.DataDir)
	if err != nil {
		return err
	}

	info, err := cert.LoadOrGenerate(ctx.DataDir, deviceID)
	if err != nil {
		return err
	}
	m.cert = info

	m.holder = NewHolder(Identity{
		DeviceID:        deviceID,
		Name:            m.config.Name,
		Type:            ParseDeviceType(m.config.Type),
		ProtocolVersion: protocol.VersionCurrent,
	})

	ctx.RegisterService("identity.holder", m.holder)
	ctx.RegisterService("cert.info", info)

	ctx.Logger.Info("device identity ready",
		"device", deviceID,
		"name", m.config.Name,
		"fingerprint", info.Fingerprint)
	return nil
}

// Validate implements core.Validator.
func (m *Module) Validate() error {
	if m.holder == nil {
		return errors.New("identity: not provisioned")
	}
	if m.holder.Current().DeviceID == "" {
		return errors.New("identity: empty device id")
	}
	return nil
}
