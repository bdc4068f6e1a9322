package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// streamAcceptTimeout bounds how long an accepted QUIC connection may take
// to open its stream. The client opens it with its first frame.
const streamAcceptTimeout = 10 * time.Second

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:    30 * time.Second,
		InitialPacketSize: 1200, // Tailscale MTU is 1280; default 1350 gets dropped
		KeepAlivePeriod:   10 * time.Second,
	}
}

// quicConn carries the frame stream over one bidirectional QUIC stream.
type quicConn struct {
	qconn  *quic.Conn
	stream *quic.Stream

	// Set on the dialing side, which owns its UDP socket.
	tr  *quic.Transport
	udp *net.UDPConn

	closeOnce sync.Once
}

func (c *quicConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *quicConn) Write(p []byte) (int, error) { return c.stream.Write(p) }
func (c *quicConn) RemoteAddr() net.Addr        { return c.qconn.RemoteAddr() }
func (c *quicConn) Transport() string           { return string(ModeQUIC) }

// Close closes the stream and the underlying QUIC connection.
func (c *quicConn) Close() error {
	c.closeOnce.Do(func() {
		c.stream.CancelRead(0)
		c.stream.Close()
		c.qconn.CloseWithError(0, "closed")
		if c.tr != nil {
			c.tr.Close()
		}
		if c.udp != nil {
			c.udp.Close()
		}
	})
	return nil
}

// ConnectionStats exposes QUIC-level statistics for diagnostics.
func (c *quicConn) ConnectionStats() quic.ConnectionStats {
	return c.qconn.ConnectionStats()
}

// quicListener accepts QUIC connections in the background and hands out
// each one once its client has opened the frame stream.
type quicListener struct {
	udp *net.UDPConn
	tr  *quic.Transport
	ln  *quic.Listener

	conns  chan Conn
	ctx    context.Context
	cancel context.CancelFunc
}

func listenQUIC(addr string, cert tls.Certificate) (*quicListener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}

	tr := &quic.Transport{Conn: udpConn}
	ln, err := tr.Listen(ServerTLSConfig(cert), quicConfig())
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("QUIC listen: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &quicListener{
		udp:    udpConn,
		tr:     tr,
		ln:     ln,
		conns:  make(chan Conn, 16),
		ctx:    ctx,
		cancel: cancel,
	}
	go l.acceptLoop()
	return l, nil
}

func (l *quicListener) acceptLoop() {
	defer l.cancel()
	for {
		qconn, err := l.ln.Accept(l.ctx)
		if err != nil {
			return
		}
		go l.awaitStream(qconn)
	}
}

func (l *quicListener) awaitStream(qconn *quic.Conn) {
	ctx, cancel := context.WithTimeout(l.ctx, streamAcceptTimeout)
	stream, err := qconn.AcceptStream(ctx)
	cancel()
	if err != nil {
		qconn.CloseWithError(1, "no stream")
		return
	}
	c := &quicConn{qconn: qconn, stream: stream}
	select {
	case l.conns <- c:
	case <-l.ctx.Done():
		c.Close()
	}
}

// Accept returns the next connection with an open stream.
func (l *quicListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.ctx.Done():
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *quicListener) Addr() net.Addr { return l.udp.LocalAddr() }

// Port returns the UDP port the listener is bound to.
func (l *quicListener) Port() int {
	return l.udp.LocalAddr().(*net.UDPAddr).Port
}

// Close shuts down the listener and underlying transport.
func (l *quicListener) Close() error {
	l.cancel()
	l.ln.Close()
	l.tr.Close()
	return l.udp.Close()
}

func dialQUIC(ctx context.Context, addr string, cfg DialConfig, timeout time.Duration) (Conn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}

	// Use a fresh UDP socket for the client
	udpConn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}
	tr := &quic.Transport{Conn: udpConn}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	qconn, err := tr.Dial(ctx, udpAddr, ClientTLSConfig(cfg.ServerName, cfg.Insecure), quicConfig())
	if err != nil {
		tr.Close()
		udpConn.Close()
		return nil, fmt.Errorf("QUIC dial: %w", err)
	}
	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		qconn.CloseWithError(1, "open stream failed")
		tr.Close()
		udpConn.Close()
		return nil, fmt.Errorf("open QUIC stream: %w", err)
	}
	return &quicConn{qconn: qconn, stream: stream, tr: tr, udp: udpConn}, nil
}
