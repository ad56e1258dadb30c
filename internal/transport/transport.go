// Package transport turns TCP byte streams into authenticated, framed
// packet connections. Both sides always present their self-signed device
// certificate; verification happens above this layer by comparing the peer
// certificate fingerprint against the trust store (trust-on-first-use), so
// the TLS layer itself accepts any certificate but requires one.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/flemzord/lanlink/internal/cert"
	"github.com/flemzord/lanlink/internal/protocol"
)

// HandshakeTimeout bounds the TLS handshake on both dial and accept.
const HandshakeTimeout = 30 * time.Second

// ErrNoPeerCertificate indicates the peer completed the TLS handshake
// without presenting a certificate; such connections carry no identity and
// are always refused.
var ErrNoPeerCertificate = errors.New("transport: peer presented no certificate")

// Conn is one secured, framed packet connection. Reads are single-consumer
// (the session read loop); writes are serialized internally so multiple
// plugins may send concurrently.
type Conn struct {
	tlsConn *tls.Conn
	writeMu sync.Mutex

	peerFingerprint string
	peerCertPEM     []byte
}

func newConn(tlsConn *tls.Conn) (*Conn, error) {
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		_ = tlsConn.Close()
		return nil, ErrNoPeerCertificate
	}
	leaf := state.PeerCertificates[0]

	return &Conn{
		tlsConn:         tlsConn,
		peerFingerprint: cert.Fingerprint(leaf.Raw),
		peerCertPEM:     cert.EncodePEM(leaf.Raw),
	}, nil
}

// ReadPacket reads one framed packet. Framing errors are fatal to this
// connection only: the caller must close and report a disconnect.
func (c *Conn) ReadPacket() (protocol.Packet, error) {
	return protocol.ReadPacket(c.tlsConn)
}

// WritePacket frames and writes one packet. Safe for concurrent use.
func (c *Conn) WritePacket(p *protocol.Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WritePacket(c.tlsConn, p)
}

// PeerFingerprint returns the SHA-256 fingerprint of the peer certificate.
func (c *Conn) PeerFingerprint() string { return c.peerFingerprint }

// PeerCertificatePEM returns the peer leaf certificate in PEM form, for
// pinning on pairing acceptance.
func (c *Conn) PeerCertificatePEM() []byte { return c.peerCertPEM }

// RemoteAddr returns the peer network address.
func (c *Conn) RemoteAddr() net.Addr { return c.tlsConn.RemoteAddr() }

// SetReadDeadline bounds the next read; used for the identity exchange so
// a silent peer cannot hold a handshake slot forever.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.tlsConn.SetReadDeadline(t)
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.tlsConn.Close() }

// Dial opens a secured packet connection to addr, presenting local as the
// client certificate.
func Dial(ctx context.Context, addr string, local tls.Certificate) (*Conn, error) {
	dialer := &net.Dialer{Timeout: HandshakeTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	tlsConn := tls.Client(raw, &tls.Config{
		Certificates: []tls.Certificate{local},
		// Peer identity is established by fingerprint pinning above this
		// layer, not by chain verification: certificates are self-signed.
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	})

	hsCtx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("transport: handshake with %s: %w", addr, err)
	}

	return newConn(tlsConn)
}

// Listener accepts inbound secured packet connections.
type Listener struct {
	inner net.Listener
	cfg   *tls.Config
}

// Listen binds a TCP listener on addr, securing accepted connections with
// local and requiring (but not verifying) a client certificate.
func Listen(addr string, local tls.Certificate) (*Listener, error) {
	inner, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &Listener{
		inner: inner,
		cfg: &tls.Config{
			Certificates: []tls.Certificate{local},
			ClientAuth:   tls.RequireAnyClientCert,
			MinVersion:   tls.VersionTLS12,
		},
	}, nil
}

// Accept waits for the next inbound connection and completes its TLS
// handshake. Handshake failures affect only the offending connection.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	raw, err := l.inner.Accept()
	if err != nil {
		return nil, err
	}

	tlsConn := tls.Server(raw, l.cfg)

	hsCtx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("transport: accept handshake from %s: %w", raw.RemoteAddr(), err)
	}

	return newConn(tlsConn)
}

// Port returns the local listening port.
func (l *Listener) Port() int {
	if tcp, ok := l.inner.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Close stops accepting connections.
func (l *Listener) Close() error { return l.inner.Close() }
