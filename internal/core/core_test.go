package core

import (
	"context"
	"errors"
	"testing"
)

// lifecycleModule implements Starter and Stopper and records the order
// of calls into a shared slice.
type lifecycleModule struct {
	id       ModuleID
	order    *[]string
	startErr error
}

func (m *lifecycleModule) ModuleInfo() ModuleInfo {
	id := m.id
	return ModuleInfo{
		ID: id,
		New: func() Module {
			return &lifecycleModule{id: id, order: m.order, startErr: m.startErr}
		},
	}
}

func (m *lifecycleModule) Start() error {
	if m.startErr != nil {
		return m.startErr
	}
	*m.order = append(*m.order, "start:"+string(m.id))
	return nil
}

func (m *lifecycleModule) Stop(_ context.Context) error {
	*m.order = append(*m.order, "stop:"+string(m.id))
	return nil
}

func TestApp_StartStopOrder(t *testing.T) {
	t.Cleanup(resetRegistry)

	var order []string
	RegisterModule(&lifecycleModule{id: "test.first", order: &order})
	RegisterModule(&lifecycleModule{id: "test.second", order: &order})

	app := NewApp(NewAppContext(nil, "/data"))
	if err := app.LoadModules([]string{"test.first", "test.second"}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := app.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	app.Stop()

	want := []string{"start:test.first", "start:test.second", "stop:test.second", "stop:test.first"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestApp_StartFailureStopsStarted(t *testing.T) {
	t.Cleanup(resetRegistry)

	var order []string
	RegisterModule(&lifecycleModule{id: "test.ok", order: &order})
	RegisterModule(&lifecycleModule{id: "test.boom", order: &order, startErr: errors.New("boom")})

	app := NewApp(NewAppContext(nil, "/data"))
	if err := app.LoadModules([]string{"test.ok", "test.boom"}); err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := app.Start(); err == nil {
		t.Fatal("expected start error")
	}

	// The module that did start must have been stopped again.
	found := false
	for _, step := range order {
		if step == "stop:test.ok" {
			found = true
		}
	}
	if !found {
		t.Errorf("started module not rolled back: %v", order)
	}
}

func TestApp_Module(t *testing.T) {
	t.Cleanup(resetRegistry)

	var order []string
	RegisterModule(&lifecycleModule{id: "test.mod", order: &order})

	app := NewApp(NewAppContext(nil, "/data"))
	if err := app.LoadModules([]string{"test.mod"}); err != nil {
		t.Fatalf("load: %v", err)
	}

	if _, ok := app.Module("test.mod"); !ok {
		t.Error("loaded module not found")
	}
	if _, ok := app.Module("test.other"); ok {
		t.Error("unknown module reported as loaded")
	}
}

func TestApp_LoadModules_UnknownID(t *testing.T) {
	t.Cleanup(resetRegistry)

	app := NewApp(NewAppContext(nil, "/data"))
	if err := app.LoadModules([]string{"test.ghost"}); err == nil {
		t.Fatal("expected error for unknown module id")
	}
}
