package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"
)

// PayloadAcceptTimeout bounds how long a one-shot payload listener waits
// for the receiver to connect before giving up. Variable so tests can
// shorten it.
var PayloadAcceptTimeout = 30 * time.Second

// ServePayload opens a one-shot TLS listener on an ephemeral port and
// returns that port immediately. The first client to connect receives
// exactly size bytes from r, then the listener closes. done receives the
// outcome of the transfer. A receiver that never connects times out the
// accept, so the serving goroutine and the port are always reclaimed.
func ServePayload(ctx context.Context, local tls.Certificate, r io.Reader, size int64, done chan<- error) (int, error) {
	// The TLS upgrade happens per accepted connection; a plain TCP
	// listener is what exposes the accept deadline.
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, fmt.Errorf("transport: payload listen: %w", err)
	}
	tcp := listener.(*net.TCPListener)
	port := tcp.Addr().(*net.TCPAddr).Port

	go func() {
		defer tcp.Close()

		result := func() error {
			_ = tcp.SetDeadline(time.Now().Add(PayloadAcceptTimeout))

			raw, err := tcp.Accept()
			if err != nil {
				return fmt.Errorf("transport: payload accept: %w", err)
			}
			conn := tls.Server(raw, &tls.Config{
				Certificates: []tls.Certificate{local},
				MinVersion:   tls.VersionTLS12,
			})
			defer conn.Close()

			if deadline, ok := ctx.Deadline(); ok {
				_ = conn.SetDeadline(deadline)
			}
			if _, err := io.CopyN(conn, r, size); err != nil {
				return fmt.Errorf("transport: payload send: %w", err)
			}
			return nil
		}()

		if done != nil {
			done <- result
		}
	}()

	return port, nil
}

// FetchPayload connects to a peer's payload listener and returns a reader
// limited to exactly size bytes. The caller must Close it.
func FetchPayload(ctx context.Context, host string, port int, size int64, local tls.Certificate) (io.ReadCloser, error) {
	dialer := &net.Dialer{Timeout: HandshakeTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, fmt.Errorf("transport: payload dial %s:%d: %w", host, port, err)
	}

	tlsConn := tls.Client(raw, &tls.Config{
		Certificates:       []tls.Certificate{local},
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	})

	hsCtx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("transport: payload handshake: %w", err)
	}

	return &payloadReader{
		Reader: io.LimitReader(tlsConn, size),
		conn:   tlsConn,
	}, nil
}

type payloadReader struct {
	io.Reader
	conn net.Conn
}

func (p *payloadReader) Close() error { return p.conn.Close() }
