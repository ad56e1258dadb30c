package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultFileName is the configuration file lanlink looks for when no
// explicit path is given.
const DefaultFileName = "lanlink.yaml"

// envPattern matches ${VAR} and ${VAR:-default} references. A default may
// escape '}' and '\' with a backslash.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-((?:[^}\\]|\\.)*))?\}`)

// ResolvePath returns the first existing configuration file among the
// standard locations: $XDG_CONFIG_HOME/lanlink/lanlink.yaml (falling back
// to ~/.config), then lanlink.yaml in the working directory.
func ResolvePath() (string, error) {
	var candidates []string

	if xdg, ok := os.LookupEnv("XDG_CONFIG_HOME"); ok {
		candidates = append(candidates, filepath.Join(xdg, "lanlink", DefaultFileName))
	} else if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "lanlink", DefaultFileName))
	}
	candidates = append(candidates, DefaultFileName)

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("config: no %s found (searched %s)",
		DefaultFileName, strings.Join(candidates, ", "))
}

// Load reads a configuration file, expands environment references, and
// decodes the version and module map.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	expanded, unresolved := expandEnv(raw)
	if len(unresolved) > 0 {
		return nil, fmt.Errorf("config: %s: unresolved variables: %s",
			path, strings.Join(unresolved, ", "))
	}

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return &cfg, nil
}

// expandEnv substitutes ${VAR} and ${VAR:-default} references in raw YAML
// bytes and reports the variables that had neither an environment value
// nor a default.
func expandEnv(raw []byte) ([]byte, []string) {
	var unresolved []string

	result := envPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		subs := envPattern.FindSubmatch(match)
		name := string(subs[1])

		if value, ok := os.LookupEnv(name); ok {
			return []byte(value)
		}
		if subs[2] != nil {
			return []byte(unescapeDefault(string(subs[2])))
		}

		unresolved = append(unresolved, name)
		return match
	})
	return result, unresolved
}

// unescapeDefault strips the backslash escapes a default value uses for
// '}' and '\'.
func unescapeDefault(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	escaped := false
	for _, r := range s {
		if !escaped && r == '\\' {
			escaped = true
			continue
		}
		escaped = false
		b.WriteRune(r)
	}
	return b.String()
}
