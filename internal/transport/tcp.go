package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"
)

// streamConn adapts a net.Conn (plain or TLS) to Conn.
type streamConn struct {
	net.Conn
	transport string
}

func (c *streamConn) Transport() string { return c.transport }

// handshakeTimeout bounds the TLS handshake of an accepted connection.
const handshakeTimeout = 10 * time.Second

// streamListener wraps a TCP or TLS-over-TCP net.Listener. Connections are
// accepted in the background; TLS handshakes run one goroutine per
// connection so a slow client cannot stall the others.
type streamListener struct {
	ln        net.Listener
	transport string

	conns  chan Conn
	ctx    context.Context
	cancel context.CancelFunc
}

func newStreamListener(ln net.Listener, transport string) *streamListener {
	ctx, cancel := context.WithCancel(context.Background())
	l := &streamListener{
		ln:        ln,
		transport: transport,
		conns:     make(chan Conn, 16),
		ctx:       ctx,
		cancel:    cancel,
	}
	go l.acceptLoop()
	return l
}

func listenTCP(addr string) (*streamListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("TCP listen: %w", err)
	}
	return newStreamListener(ln, string(ModeTCP)), nil
}

func listenTLS(addr string, cert tls.Certificate) (*streamListener, error) {
	ln, err := tls.Listen("tcp", addr, ServerTLSConfig(cert))
	if err != nil {
		return nil, fmt.Errorf("TCP+TLS listen: %w", err)
	}
	return newStreamListener(ln, string(ModeTLS)), nil
}

func (l *streamListener) acceptLoop() {
	defer l.cancel()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return
		}
		if tlsConn, ok := conn.(*tls.Conn); ok {
			go l.handshake(tlsConn)
			continue
		}
		l.deliver(&streamConn{Conn: conn, transport: l.transport})
	}
}

func (l *streamListener) handshake(conn *tls.Conn) {
	ctx, cancel := context.WithTimeout(l.ctx, handshakeTimeout)
	err := conn.HandshakeContext(ctx)
	cancel()
	if err != nil {
		conn.Close()
		return
	}
	l.deliver(&streamConn{Conn: conn, transport: l.transport})
}

func (l *streamListener) deliver(c Conn) {
	select {
	case l.conns <- c:
	case <-l.ctx.Done():
		c.Close()
	}
}

func (l *streamListener) Addr() net.Addr { return l.ln.Addr() }

// Port returns the TCP port the listener is bound to.
func (l *streamListener) Port() int {
	return l.ln.Addr().(*net.TCPAddr).Port
}

// Accept waits for the next connection or for ctx to end.
func (l *streamListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.ctx.Done():
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *streamListener) Close() error {
	l.cancel()
	return l.ln.Close()
}

func dialTCP(ctx context.Context, addr string, timeout time.Duration) (Conn, error) {
	d := &net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("TCP dial: %w", err)
	}
	return &streamConn{Conn: conn, transport: string(ModeTCP)}, nil
}

func dialTLS(ctx context.Context, addr string, cfg DialConfig) (Conn, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: cfg.Timeout},
		Config:    ClientTLSConfig(cfg.ServerName, cfg.Insecure),
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("TCP+TLS dial: %w", err)
	}
	return &streamConn{Conn: conn, transport: string(ModeTLS)}, nil
}
