package gateway

import "time"

// Config holds the control-plane HTTP configuration.
type Config struct {
	// Bind is the listen address. The default is loopback-only; exposing
	// the control plane beyond the host requires a bearer token.
	Bind string `yaml:"bind"`

	Auth AuthConfig `yaml:"auth"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func (c *Config) defaults() {
	if c.Bind == "" {
		c.Bind = "127.0.0.1:9716"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
}

// AuthConfig configures authentication for mutating endpoints.
type AuthConfig struct {
	BearerToken string `yaml:"bearer_token"`
}

// IsConfigured reports whether a token is set. Without one, mutating
// endpoints are open, which is only acceptable on a loopback bind.
func (a AuthConfig) IsConfigured() bool {
	return a.BearerToken != ""
}
