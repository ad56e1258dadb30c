// Package share transfers files, text snippets and URLs between paired
// devices. File bytes never travel inside packets: the sender announces a
// payload descriptor (size plus a side-channel port) and the receiver
// pulls the bytes over a dedicated TLS connection.
package share

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/flemzord/lanlink/internal/cert"
	"github.com/flemzord/lanlink/internal/connmgr"
	"github.com/flemzord/lanlink/internal/core"
	"github.com/flemzord/lanlink/internal/plugin"
	"github.com/flemzord/lanlink/internal/protocol"
	"github.com/flemzord/lanlink/internal/transport"
)

// TypeShareRequest carries a file descriptor, a text snippet or a URL.
const TypeShareRequest = "lanlink.share.request"

func init() {
	core.RegisterModule(&Plugin{})
}

// Compile-time interface guards.
var (
	_ core.Configurable = (*Plugin)(nil)
	_ core.Provisioner  = (*Plugin)(nil)
	_ plugin.Plugin     = (*Plugin)(nil)
)

// Config holds the share plugin configuration.
type Config struct {
	// DownloadDir is where received files land. Defaults to
	// <data-dir>/downloads.
	DownloadDir string `yaml:"download_dir"`
}

// Plugin implements the share packet contract.
type Plugin struct {
	config Config
	logger *slog.Logger
	cert   *cert.Info
}

// ModuleInfo implements core.Module.
func (p *Plugin) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  "plugin.share",
		New: func() core.Module { return &Plugin{} },
	}
}

// Configure implements core.Configurable.
func (p *Plugin) Configure(node *yaml.Node) error {
	return node.Decode(&p.config)
}

// Provision implements core.Provisioner.
func (p *Plugin) Provision(ctx *core.AppContext) error {
	p.logger = ctx.Logger

	if p.config.DownloadDir == "" {
		p.config.DownloadDir = filepath.Join(ctx.DataDir, "downloads")
	}
	if err := os.MkdirAll(p.config.DownloadDir, 0o700); err != nil {
		return fmt.Errorf("share: create download dir: %w", err)
	}

	svc, ok := ctx.Service("cert.info")
	if !ok {
		return errors.New("share: cert.info service not registered")
	}
	info, ok := svc.(*cert.Info)
	if !ok {
		return fmt.Errorf("share: unexpected cert.info type %T", svc)
	}
	p.cert = info
	return nil
}

// Name implements plugin.Plugin.
func (p *Plugin) Name() string { return "share" }

// IncomingTypes implements plugin.Plugin.
func (p *Plugin) IncomingTypes() []string { return []string{TypeShareRequest} }

// OutgoingTypes implements plugin.Plugin.
func (p *Plugin) OutgoingTypes() []string { return []string{TypeShareRequest} }

// HandlePacket implements plugin.Plugin.
func (p *Plugin) HandlePacket(s *connmgr.Session, pkt *protocol.Packet) error {
	if text, ok := pkt.String("text"); ok {
		p.logger.Info("text shared", "device", s.DeviceID(), "bytes", len(text))
		return nil
	}
	if url, ok := pkt.String("url"); ok {
		p.logger.Info("url shared", "device", s.DeviceID(), "url", url)
		return nil
	}

	if !pkt.HasPayload() || pkt.PayloadTransferInfo == nil {
		return errors.New("share: request without text, url or payload")
	}

	filename, _ := pkt.String("filename")
	return p.receiveFile(s, filename, pkt.PayloadSize, pkt.PayloadTransferInfo.Port)
}

// receiveFile pulls the announced payload from the sender's side channel
// into the download directory.
func (p *Plugin) receiveFile(s *connmgr.Session, filename string, size int64, port int) error {
	dest, err := p.destPath(filename)
	if err != nil {
		return err
	}

	body, err := transport.FetchPayload(context.Background(), s.RemoteHost(), port, size, p.cert.TLS)
	if err != nil {
		return err
	}
	defer body.Close()

	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("share: create %s: %w", dest, err)
	}

	written, err := io.Copy(f, body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(dest)
		return fmt.Errorf("share: receive %s: %w", dest, err)
	}
	if written != size {
		_ = os.Remove(dest)
		return fmt.Errorf("share: short transfer: got %d of %d bytes", written, size)
	}

	p.logger.Info("file received",
		"device", s.DeviceID(), "file", dest, "bytes", written)
	return nil
}

// SendFile announces path to the peer and serves its bytes on a one-shot
// side channel.
func (p *Plugin) SendFile(ctx context.Context, s *connmgr.Session, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("share: open %s: %w", path, err)
	}

	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("share: stat %s: %w", path, err)
	}

	done := make(chan error, 1)
	port, err := transport.ServePayload(ctx, p.cert.TLS, f, stat.Size(), done)
	if err != nil {
		_ = f.Close()
		return err
	}

	go func() {
		if err := <-done; err != nil {
			p.logger.Warn("payload transfer failed", "file", path, "error", err)
		}
		_ = f.Close()
	}()

	pkt := protocol.New(TypeShareRequest, map[string]any{
		"filename": filepath.Base(path),
	})
	pkt.PayloadSize = stat.Size()
	pkt.PayloadTransferInfo = &protocol.PayloadTransferInfo{Port: port}
	return s.Send(&pkt)
}

// SendText shares a text snippet.
func (p *Plugin) SendText(s *connmgr.Session, text string) error {
	pkt := protocol.New(TypeShareRequest, map[string]any{"text": text})
	return s.Send(&pkt)
}

// SendURL shares a URL.
func (p *Plugin) SendURL(s *connmgr.Session, url string) error {
	pkt := protocol.New(TypeShareRequest, map[string]any{"url": url})
	return s.Send(&pkt)
}

// destPath sanitizes the announced filename and avoids clobbering
// existing downloads.
func (p *Plugin) destPath(filename string) (string, error) {
	base := filepath.Base(strings.TrimSpace(filename))
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "shared_file"
	}

	dest := filepath.Join(p.config.DownloadDir, base)
	for i := 1; ; i++ {
		if _, err := os.Stat(dest); os.IsNotExist(err) {
			return dest, nil
		} else if err != nil {
			return "", fmt.Errorf("share: stat %s: %w", dest, err)
		}
		ext := filepath.Ext(base)
		dest = filepath.Join(p.config.DownloadDir,
			fmt.Sprintf("%s (%d)%s", strings.TrimSuffix(base, ext), i, ext))
	}
}
