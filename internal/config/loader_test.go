package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lanlink.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
version: "1"
modules:
  engine.discovery:
    port: 1716
  plugin.ping: {}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Version != "1" {
		t.Errorf("version = %q", cfg.Version)
	}
	if len(cfg.Modules) != 2 {
		t.Errorf("modules = %d", len(cfg.Modules))
	}
	if _, ok := cfg.Modules["engine.discovery"]; !ok {
		t.Error("engine.discovery config missing")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("LANLINK_TEST_PORT", "2716")

	path := writeConfig(t, `
version: "1"
modules:
  engine.discovery:
    port: ${LANLINK_TEST_PORT}
    broadcast: ${LANLINK_TEST_BCAST:-255.255.255.255}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	node := cfg.Modules["engine.discovery"]
	var parsed struct {
		Port      int    `yaml:"port"`
		Broadcast string `yaml:"broadcast"`
	}
	if err := node.Decode(&parsed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if parsed.Port != 2716 {
		t.Errorf("port = %d, env variable not expanded", parsed.Port)
	}
	if parsed.Broadcast != "255.255.255.255" {
		t.Errorf("broadcast = %q, default not applied", parsed.Broadcast)
	}
}

func TestLoad_EscapedDefault(t *testing.T) {
	path := writeConfig(t, `
version: "1"
modules:
  engine.gateway:
    bind: ${LANLINK_TEST_BIND:-127.0.0.1:9716}
    note: ${LANLINK_TEST_NOTE:-open \} brace}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	node := cfg.Modules["engine.gateway"]
	var parsed struct {
		Bind string `yaml:"bind"`
		Note string `yaml:"note"`
	}
	if err := node.Decode(&parsed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if parsed.Bind != "127.0.0.1:9716" {
		t.Errorf("bind = %q", parsed.Bind)
	}
	if parsed.Note != "open } brace" {
		t.Errorf("note = %q, escape not unwrapped", parsed.Note)
	}
}

func TestResolvePath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	// Nothing exists yet; the error names the file looked for.
	if _, err := ResolvePath(); err == nil || !strings.Contains(err.Error(), DefaultFileName) {
		t.Errorf("err = %v", err)
	}

	cfgDir := filepath.Join(dir, "lanlink")
	if err := os.MkdirAll(cfgDir, 0o700); err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(cfgDir, DefaultFileName)
	if err := os.WriteFile(want, []byte("version: \"1\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := ResolvePath()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != want {
		t.Errorf("path = %q, want %q", got, want)
	}
}

func TestLoad_UnresolvedVariable(t *testing.T) {
	path := writeConfig(t, `
version: "1"
modules:
  engine.discovery:
    port: ${LANLINK_TEST_DOES_NOT_EXIST}
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unresolved variable")
	}
	if !strings.Contains(err.Error(), "LANLINK_TEST_DOES_NOT_EXIST") {
		t.Errorf("error should name the variable: %v", err)
	}
}
