package notification

import (
	"reflect"
	"testing"

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

func post(t *testing.T, p *Plugin, id, app, title string) {
	t.Helper()
	pkt := protocol.New(TypeNotification, map[string]any{
		"id":          id,
		"appName":     app,
		"title":       title,
		"isClearable": true,
	})
	if err := p.HandlePacket(&connmgr.Session{}, &pkt); err != nil {
		t.Fatal(err)
	}
}

func TestHandlePacket_Mirror(t *testing.T) {
	p := newTestPlugin(t)
	post(t, p, "n1", "Mail", "New message")

	list := p.List("")
	if len(list) != 1 {
		t.Fatalf("list = %d entries", len(list))
	}
	want := Notification{ID: "n1", AppName: "Mail", Title: "New message", IsClearable: true}
	if !reflect.DeepEqual(list[0], want) {
		t.Errorf("notification = %+v", list[0])
	}
}

func TestHandlePacket_RepostReplaces(t *testing.T) {
	p := newTestPlugin(t)
	post(t, p, "n1", "Mail", "New message")
	post(t, p, "n1", "Mail", "2 new messages")

	list := p.List("")
	if len(list) != 1 {
		t.Fatalf("list = %d entries, repost must replace", len(list))
	}
	if list[0].Title != "2 new messages" {
		t.Errorf("title = %q", list[0].Title)
	}
}

func TestHandlePacket_Cancel(t *testing.T) {
	p := newTestPlugin(t)
	post(t, p, "n1", "Mail", "New message")
	post(t, p, "n2", "Chat", "Ping")

	pkt := protocol.New(TypeNotification, map[string]any{"id": "n1", "isCancel": true})
	if err := p.HandlePacket(&connmgr.Session{}, &pkt); err != nil {
		t.Fatal(err)
	}

	list := p.List("")
	if len(list) != 1 || list[0].ID != "n2" {
		t.Errorf("list = %+v", list)
	}
}

func TestHandlePacket_CancelUnknownID(t *testing.T) {
	p := newTestPlugin(t)

	pkt := protocol.New(TypeNotification, map[string]any{"id": "ghost", "isCancel": true})
	if err := p.HandlePacket(&connmgr.Session{}, &pkt); err != nil {
		t.Errorf("HandlePacket: %v", err)
	}
}

func TestHandlePacket_MissingIDIgnored(t *testing.T) {
	p := newTestPlugin(t)

	pkt := protocol.New(TypeNotification, map[string]any{"title": "no id"})
	if err := p.HandlePacket(&connmgr.Session{}, &pkt); err != nil {
		t.Errorf("HandlePacket: %v", err)
	}
	if got := p.List(""); len(got) != 0 {
		t.Errorf("list = %+v", got)
	}
}

func TestHandlePacket_RequestIgnored(t *testing.T) {
	p := newTestPlugin(t)

	pkt := protocol.New(TypeNotificationRequest, map[string]any{"request": true})
	if err := p.HandlePacket(&connmgr.Session{}, &pkt); err != nil {
		t.Errorf("HandlePacket: %v", err)
	}
}

func TestList_SortedByID(t *testing.T) {
	p := newTestPlugin(t)
	post(t, p, "n3", "C", "c")
	post(t, p, "n1", "A", "a")
	post(t, p, "n2", "B", "b")

	list := p.List("")
	ids := make([]string, len(list))
	for i, n := range list {
		ids[i] = n.ID
	}
	if !reflect.DeepEqual(ids, []string{"n1", "n2", "n3"}) {
		t.Errorf("ids = %v", ids)
	}
}
