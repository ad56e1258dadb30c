package findmyphone

import (
	"testing"

	"github.com/flemzord/lanlink/internal/connmgr"
	"github.com/flemzord/lanlink/internal/core"
	"github.com/flemzord/lanlink/internal/protocol"
)

func TestHandlePacket_InvokesCallback(t *testing.T) {
	p := &Plugin{}
	if err := p.Provision(core.NewAppContext(nil, t.TempDir())); err != nil {
		t.Fatal(err)
	}

	var rang bool
	p.OnRing(func(string) { rang = true })

	pkt := protocol.New(TypeFindRequest, nil)
	if err := p.HandlePacket(&connmgr.Session{}, &pkt); err != nil {
		t.Fatal(err)
	}
	if !rang {
		t.Error("ring callback not invoked")
	}
}

func TestHandlePacket_NoCallback(t *testing.T) {
	p := &Plugin{}
	if err := p.Provision(core.NewAppContext(nil, t.TempDir())); err != nil {
		t.Fatal(err)
	}

	// Without a registered callback the request is logged and dropped.
	pkt := protocol.New(TypeFindRequest, nil)
	if err := p.HandlePacket(&connmgr.Session{}, &pkt); err != nil {
		t.Errorf("HandlePacket: %v", err)
	}
}
