package clipboard

import (
	"testing"
	"time"

	"github.com/flemzord/lanlink/internal/connmgr"
	"github.com/flemzord/lanlink/internal/core"
	"github.com/flemzord/lanlink/internal/protocol"
)

func newTestPlugin(t *testing.T) *Plugin {
	t.Helper()
	p := &Plugin{}
	if err := p.Provision(core.NewAppContext(nil, t.TempDir())); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestHandlePacket_UpdatesContent(t *testing.T) {
	p := newTestPlugin(t)

	pkt := protocol.New(TypeClipboard, map[string]any{
		"content":   "copied text",
		"timestamp": time.Now().UnixMilli(),
	})
	if err := p.HandlePacket(&connmgr.Session{}, &pkt); err != nil {
		t.Fatal(err)
	}

	content, at := p.Current()
	if content != "copied text" {
		t.Errorf("content = %q", content)
	}
	if at.IsZero() {
		t.Error("update timestamp not recorded")
	}
}

func TestHandlePacket_StaleUpdateIgnored(t *testing.T) {
	p := newTestPlugin(t)

	now := time.Now()
	fresh := protocol.New(TypeClipboard, map[string]any{
		"content":   "newer",
		"timestamp": now.UnixMilli(),
	})
	if err := p.HandlePacket(&connmgr.Session{}, &fresh); err != nil {
		t.Fatal(err)
	}

	// An update stamped earlier must not win, whatever order it arrives in.
	stale := protocol.New(TypeClipboard, map[string]any{
		"content":   "older",
		"timestamp": now.Add(-time.Minute).UnixMilli(),
	})
	if err := p.HandlePacket(&connmgr.Session{}, &stale); err != nil {
		t.Fatal(err)
	}

	if content, _ := p.Current(); content != "newer" {
		t.Errorf("content = %q, stale update overwrote newer one", content)
	}
}

func TestHandlePacket_NewerUpdateWins(t *testing.T) {
	p := newTestPlugin(t)

	base := time.Now()
	for i, content := range []string{"first", "second"} {
		pkt := protocol.New(TypeClipboard, map[string]any{
			"content":   content,
			"timestamp": base.Add(time.Duration(i) * time.Second).UnixMilli(),
		})
		if err := p.HandlePacket(&connmgr.Session{}, &pkt); err != nil {
			t.Fatal(err)
		}
	}
	if content, _ := p.Current(); content != "second" {
		t.Errorf("content = %q", content)
	}
}

func TestHandlePacket_MissingContentIgnored(t *testing.T) {
	p := newTestPlugin(t)

	pkt := protocol.New(TypeClipboard, map[string]any{"timestamp": time.Now().UnixMilli()})
	if err := p.HandlePacket(&connmgr.Session{}, &pkt); err != nil {
		t.Errorf("HandlePacket: %v", err)
	}
	if content, _ := p.Current(); content != "" {
		t.Errorf("content = %q, want empty", content)
	}
}

func TestSet_WithoutManager(t *testing.T) {
	p := newTestPlugin(t)

	// A plugin provisioned before the connection manager exists still
	// records the value locally.
	p.Set("local change")
	content, at := p.Current()
	if content != "local change" || at.IsZero() {
		t.Errorf("content = %q, at = %v", content, at)
	}
}
