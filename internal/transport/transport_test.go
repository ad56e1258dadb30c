package transport

import (
	"context"
	"crypto/tls"
	"testing"
	"time"

	"github.com/flemzord/lanlink/internal/cert"
	"github.com/flemzord/lanlink/internal/protocol"
)

func testCert(t *testing.T, deviceID string) *cert.Info {
	t.Helper()
	info, err := cert.Generate(deviceID)
	if err != nil {
		t.Fatalf("generate cert: %v", err)
	}
	return info
}

type acceptResult struct {
	conn *Conn
	err  error
}

func acceptOne(t *testing.T, l *Listener) <-chan acceptResult {
	t.Helper()
	ch := make(chan acceptResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		conn, err := l.Accept(ctx)
		ch <- acceptResult{conn, err}
	}()
	return ch
}

func TestDialAccept_PacketExchange(t *testing.T) {
	server := testCert(t, "server")
	client := testCert(t, "client")

	l, err := Listen("127.0.0.1:0", server.TLS)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	accepted := acceptOne(t, l)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cc, err := Dial(ctx, l.inner.Addr().String(), client.TLS)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cc.Close()

	res := <-accepted
	if res.err != nil {
		t.Fatalf("accept: %v", res.err)
	}
	sc := res.conn
	defer sc.Close()

	// Each side sees the other's certificate fingerprint.
	if sc.PeerFingerprint() != client.Fingerprint {
		t.Errorf("server sees %s, want %s", sc.PeerFingerprint(), client.Fingerprint)
	}
	if cc.PeerFingerprint() != server.Fingerprint {
		t.Errorf("client sees %s, want %s", cc.PeerFingerprint(), server.Fingerprint)
	}

	// The peer certificate PEM round-trips to the same fingerprint, as
	// needed for pinning.
	fp, err := cert.FingerprintPEM(sc.PeerCertificatePEM())
	if err != nil || fp != client.Fingerprint {
		t.Errorf("PEM fingerprint = %s, %v", fp, err)
	}

	// Framed packets flow in both directions.
	out := protocol.New("lanlink.ping", map[string]any{"message": "hello"})
	if err := cc.WritePacket(&out); err != nil {
		t.Fatalf("client write: %v", err)
	}
	in, err := sc.ReadPacket()
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	if msg, _ := in.String("message"); msg != "hello" {
		t.Errorf("message = %q", msg)
	}

	reply := protocol.New("lanlink.ping", nil)
	if err := sc.WritePacket(&reply); err != nil {
		t.Fatalf("server write: %v", err)
	}
	if _, err := cc.ReadPacket(); err != nil {
		t.Fatalf("client read: %v", err)
	}
}

func TestAccept_RequiresClientCertificate(t *testing.T) {
	server := testCert(t, "server")

	l, err := Listen("127.0.0.1:0", server.TLS)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	accepted := acceptOne(t, l)

	// A client with no certificate must not produce a usable connection.
	raw, err := tls.Dial("tcp", l.inner.Addr().String(), &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	})
	if err == nil {
		// TLS 1.3 reports the rejection on first use.
		if _, readErr := raw.Read(make([]byte, 1)); readErr == nil {
			t.Error("read should fail for a certificate-less client")
		}
		_ = raw.Close()
	}

	res := <-accepted
	if res.err == nil {
		res.conn.Close()
		t.Fatal("accept should refuse a client without a certificate")
	}
}

func TestSetReadDeadline(t *testing.T) {
	server := testCert(t, "server")
	client := testCert(t, "client")

	l, err := Listen("127.0.0.1:0", server.TLS)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	accepted := acceptOne(t, l)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cc, err := Dial(ctx, l.inner.Addr().String(), client.TLS)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cc.Close()

	res := <-accepted
	if res.err != nil {
		t.Fatalf("accept: %v", res.err)
	}
	defer res.conn.Close()

	// A deadline in the near future fails the read instead of blocking.
	_ = cc.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if _, err := cc.ReadPacket(); err == nil {
		t.Fatal("read should time out")
	}
}
