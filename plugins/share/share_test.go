package share

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/flemzord/lanlink/internal/cert"
	"github.com/flemzord/lanlink/internal/connmgr"
	"github.com/flemzord/lanlink/internal/core"
	"github.com/flemzord/lanlink/internal/protocol"
)

func newTestPlugin(t *testing.T) *Plugin {
	t.Helper()

	info, err := cert.Generate("test-device")
	if err != nil {
		t.Fatalf("generate cert: %v", err)
	}

	ctx := core.NewAppContext(nil, t.TempDir())
	ctx.RegisterService("cert.info", info)

	p := &Plugin{}
	if err := p.Provision(ctx); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestProvision_RequiresCertInfo(t *testing.T) {
	p := &Plugin{}
	err := p.Provision(core.NewAppContext(nil, t.TempDir()))
	if err == nil || !strings.Contains(err.Error(), "cert.info") {
		t.Errorf("err = %v, want missing cert.info", err)
	}
}

func TestProvision_CreatesDownloadDir(t *testing.T) {
	p := newTestPlugin(t)

	stat, err := os.Stat(p.config.DownloadDir)
	if err != nil {
		t.Fatalf("download dir: %v", err)
	}
	if !stat.IsDir() {
		t.Error("download dir is not a directory")
	}
}

func TestHandlePacket_Text(t *testing.T) {
	p := newTestPlugin(t)

	pkt := protocol.New(TypeShareRequest, map[string]any{"text": "a snippet"})
	if err := p.HandlePacket(&connmgr.Session{}, &pkt); err != nil {
		t.Errorf("HandlePacket: %v", err)
	}
}

func TestHandlePacket_URL(t *testing.T) {
	p := newTestPlugin(t)

	pkt := protocol.New(TypeShareRequest, map[string]any{"url": "https://example.com"})
	if err := p.HandlePacket(&connmgr.Session{}, &pkt); err != nil {
		t.Errorf("HandlePacket: %v", err)
	}
}

func TestHandlePacket_EmptyRequestRejected(t *testing.T) {
	p := newTestPlugin(t)

	pkt := protocol.New(TypeShareRequest, nil)
	err := p.HandlePacket(&connmgr.Session{}, &pkt)
	if err == nil || !strings.Contains(err.Error(), "without text, url or payload") {
		t.Errorf("err = %v", err)
	}
}

func TestDestPath_SanitizesFilename(t *testing.T) {
	p := newTestPlugin(t)

	tests := []struct {
		filename string
		wantBase string
	}{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd", "passwd"},
		{"/absolute/path/photo.jpg", "photo.jpg"},
		{"  spaced.txt  ", "spaced.txt"},
		{"", "shared_file"},
		{".", "shared_file"},
	}
	for _, tt := range tests {
		dest, err := p.destPath(tt.filename)
		if err != nil {
			t.Errorf("destPath(%q): %v", tt.filename, err)
			continue
		}
		if got := filepath.Base(dest); got != tt.wantBase {
			t.Errorf("destPath(%q) = %q, want base %q", tt.filename, dest, tt.wantBase)
		}
		if filepath.Dir(dest) != p.config.DownloadDir {
			t.Errorf("destPath(%q) escaped the download dir: %q", tt.filename, dest)
		}
	}
}

func TestDestPath_AvoidsCollisions(t *testing.T) {
	p := newTestPlugin(t)

	first, err := p.destPath("photo.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(first, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	second, err := p.destPath("photo.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(second) != "photo (1).jpg" {
		t.Errorf("second = %q", filepath.Base(second))
	}

	if err := os.WriteFile(second, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	third, err := p.destPath("photo.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(third) != "photo (2).jpg" {
		t.Errorf("third = %q", filepath.Base(third))
	}
}
