package core

import "testing"

func TestModuleID_Namespace(t *testing.T) {
	tests := []struct {
		id   ModuleID
		want string
	}{
		{"engine.discovery", "engine"},
		{"plugin.battery", "plugin"},
		{"a.b.c", "a.b"},
		{"bare", ""},
	}
	for _, tt := range tests {
		if got := tt.id.Namespace(); got != tt.want {
			t.Errorf("Namespace(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestRegisterModule_Duplicate(t *testing.T) {
	t.Cleanup(resetRegistry)

	RegisterModule(&trackingModule{id: "test.dup"})

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	RegisterModule(&trackingModule{id: "test.dup"})
}

func TestRegisterModule_EmptyID(t *testing.T) {
	t.Cleanup(resetRegistry)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on empty module ID")
		}
	}()
	RegisterModule(&trackingModule{id: ""})
}

func TestGetModules_Sorted(t *testing.T) {
	t.Cleanup(resetRegistry)

	RegisterModule(&trackingModule{id: "test.zeta"})
	RegisterModule(&trackingModule{id: "test.alpha"})

	mods := GetModules()
	if len(mods) != 2 {
		t.Fatalf("len = %d", len(mods))
	}
	if mods[0].ID != "test.alpha" || mods[1].ID != "test.zeta" {
		t.Errorf("modules not sorted: %v, %v", mods[0].ID, mods[1].ID)
	}
}

func TestGetModulesByNamespace(t *testing.T) {
	t.Cleanup(resetRegistry)

	RegisterModule(&trackingModule{id: "plugin.ping"})
	RegisterModule(&trackingModule{id: "plugin.battery"})
	RegisterModule(&trackingModule{id: "engine.trust"})

	plugins := GetModulesByNamespace("plugin")
	if len(plugins) != 2 {
		t.Fatalf("len = %d, want 2", len(plugins))
	}
	if plugins[0].ID != "plugin.battery" || plugins[1].ID != "plugin.ping" {
		t.Errorf("unexpected plugin set: %v", plugins)
	}
}
