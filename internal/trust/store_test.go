package trust

import (
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "trust.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPin_AndLookup(t *testing.T) {
	s := openTestStore(t)

	d := TrustedDevice{
		DeviceID:       "dev-1",
		Name:           "Phone",
		DeviceType:     "phone",
		Fingerprint:    "aa:bb:cc",
		CertificatePEM: []byte("PEM"),
	}
	if err := s.Pin(d); err != nil {
		t.Fatalf("pin: %v", err)
	}

	got, err := s.Lookup("dev-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Name != "Phone" || got.Fingerprint != "aa:bb:cc" {
		t.Errorf("lookup = %+v", got)
	}
	if got.PairedAt.IsZero() {
		t.Error("pairedAt should be set")
	}
}

func TestLookup_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Lookup("ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPin_AppendOnly(t *testing.T) {
	s := openTestStore(t)

	if err := s.Pin(TrustedDevice{DeviceID: "dev-1", Fingerprint: "aa:aa", CertificatePEM: []byte("PEM")}); err != nil {
		t.Fatalf("first pin: %v", err)
	}

	err := s.Pin(TrustedDevice{DeviceID: "dev-1", Fingerprint: "bb:bb", CertificatePEM: []byte("PEM")})
	if !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("err = %v, want ErrFingerprintMismatch", err)
	}

	// The original pin must be untouched.
	got, err := s.Lookup("dev-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Fingerprint != "aa:aa" {
		t.Errorf("fingerprint = %s, pinned value must survive the conflict", got.Fingerprint)
	}
}

func TestPin_SameFingerprintRefreshesMetadata(t *testing.T) {
	s := openTestStore(t)

	if err := s.Pin(TrustedDevice{DeviceID: "dev-1", Name: "Old", Fingerprint: "aa:aa", CertificatePEM: []byte("PEM")}); err != nil {
		t.Fatalf("pin: %v", err)
	}
	if err := s.Pin(TrustedDevice{DeviceID: "dev-1", Name: "New", DeviceType: "tablet", Fingerprint: "aa:aa", CertificatePEM: []byte("PEM")}); err != nil {
		t.Fatalf("re-pin: %v", err)
	}

	got, err := s.Lookup("dev-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Name != "New" || got.DeviceType != "tablet" {
		t.Errorf("metadata not refreshed: %+v", got)
	}
}

func TestPin_Validation(t *testing.T) {
	s := openTestStore(t)

	if err := s.Pin(TrustedDevice{Fingerprint: "aa"}); err == nil {
		t.Error("expected error for missing device id")
	}
	if err := s.Pin(TrustedDevice{DeviceID: "dev-1"}); err == nil {
		t.Error("expected error for missing fingerprint")
	}
}

func TestUnpair_Idempotent(t *testing.T) {
	s := openTestStore(t)

	if err := s.Pin(TrustedDevice{DeviceID: "dev-1", Fingerprint: "aa:aa", CertificatePEM: []byte("PEM")}); err != nil {
		t.Fatalf("pin: %v", err)
	}
	if err := s.SetPluginEnabled("dev-1", "clipboard", false); err != nil {
		t.Fatalf("set plugin: %v", err)
	}

	if err := s.Unpair("dev-1"); err != nil {
		t.Fatalf("unpair: %v", err)
	}
	if _, err := s.Lookup("dev-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("device still present after unpair: %v", err)
	}

	// Plugin flags go with the pairing.
	enabled, err := s.PluginEnabled("dev-1", "clipboard")
	if err != nil {
		t.Fatalf("plugin enabled: %v", err)
	}
	if !enabled {
		t.Error("plugin flags should be cleared on unpair")
	}

	// Second unpair is a no-op, not an error.
	if err := s.Unpair("dev-1"); err != nil {
		t.Errorf("repeated unpair: %v", err)
	}
}

func TestList_SortedByName(t *testing.T) {
	s := openTestStore(t)

	for _, d := range []TrustedDevice{
		{DeviceID: "dev-b", Name: "Zeta", Fingerprint: "bb", CertificatePEM: []byte("PEM")},
		{DeviceID: "dev-a", Name: "Alpha", Fingerprint: "aa", CertificatePEM: []byte("PEM")},
	} {
		if err := s.Pin(d); err != nil {
			t.Fatalf("pin %s: %v", d.DeviceID, err)
		}
	}

	devices, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("len = %d", len(devices))
	}
	if devices[0].Name != "Alpha" || devices[1].Name != "Zeta" {
		t.Errorf("devices not sorted by name: %v, %v", devices[0].Name, devices[1].Name)
	}
}

func TestPluginFlags(t *testing.T) {
	s := openTestStore(t)

	// Absent flag means enabled.
	enabled, err := s.PluginEnabled("dev-1", "share")
	if err != nil {
		t.Fatalf("plugin enabled: %v", err)
	}
	if !enabled {
		t.Error("plugins should default to enabled")
	}

	if err := s.SetPluginEnabled("dev-1", "share", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	enabled, err = s.PluginEnabled("dev-1", "share")
	if err != nil {
		t.Fatalf("plugin enabled: %v", err)
	}
	if enabled {
		t.Error("flag not applied")
	}

	disabled, err := s.DisabledPlugins("dev-1")
	if err != nil {
		t.Fatalf("disabled plugins: %v", err)
	}
	if len(disabled) != 1 || disabled[0] != "share" {
		t.Errorf("disabled = %v", disabled)
	}

	// Re-enable flips the stored flag.
	if err := s.SetPluginEnabled("dev-1", "share", true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	enabled, _ = s.PluginEnabled("dev-1", "share")
	if !enabled {
		t.Error("re-enable not applied")
	}
}

func TestCheckpoint(t *testing.T) {
	s := openTestStore(t)
	if err := s.Pin(TrustedDevice{DeviceID: "dev-1", Fingerprint: "aa", CertificatePEM: []byte("PEM")}); err != nil {
		t.Fatalf("pin: %v", err)
	}
	if err := s.Checkpoint(); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	// Store stays usable afterwards.
	if _, err := s.Lookup("dev-1"); err != nil {
		t.Errorf("lookup after checkpoint: %v", err)
	}
}
