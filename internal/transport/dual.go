package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
)

// dualListener accepts connections from both QUIC (UDP) and TLS-over-TCP
// listeners on the same port. Accept returns whichever connection arrives
// first.
type dualListener struct {
	quic *quicListener
	tls  *streamListener

	// connCh receives connections from both accept loops.
	connCh chan acceptRes
	// ctx ends both accept loops on Close.
	ctx    context.Context
	cancel context.CancelFunc
}

type acceptRes struct {
	conn Conn
	err  error
}

// listenDual binds QUIC first (port 0 gets a free port from the OS), then
// TLS on the same port number.
func listenDual(host string, port int, cert tls.Certificate) (*dualListener, error) {
	ql, err := listenQUIC(net.JoinHostPort(host, strconv.Itoa(port)), cert)
	if err != nil {
		return nil, err
	}

	// UDP and TCP ports don't conflict.
	tl, err := listenTLS(net.JoinHostPort(host, strconv.Itoa(ql.Port())), cert)
	if err != nil {
		ql.Close()
		return nil, fmt.Errorf("TLS listen on port %d: %w", ql.Port(), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	dl := &dualListener{
		quic:   ql,
		tls:    tl,
		connCh: make(chan acceptRes, 4),
		ctx:    ctx,
		cancel: cancel,
	}

	go dl.acceptLoop(ql)
	go dl.acceptLoop(tl)

	return dl, nil
}

func (dl *dualListener) acceptLoop(ln Listener) {
	for {
		conn, err := ln.Accept(dl.ctx)
		select {
		case dl.connCh <- acceptRes{conn: conn, err: err}:
		case <-dl.ctx.Done():
			if conn != nil {
				conn.Close()
			}
			return
		}
		if err != nil {
			return
		}
	}
}

// Accept returns the next connection from either transport.
func (dl *dualListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case res := <-dl.connCh:
		if res.err != nil && dl.ctx.Err() != nil {
			return nil, ErrListenerClosed
		}
		return res.conn, res.err
	case <-dl.ctx.Done():
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr returns the TCP address; the UDP socket shares its port.
func (dl *dualListener) Addr() net.Addr { return dl.tls.Addr() }

// Port returns the port number both listeners are bound to.
func (dl *dualListener) Port() int {
	return dl.quic.Port()
}

// Close shuts down both listeners.
func (dl *dualListener) Close() error {
	dl.cancel()
	tlsErr := dl.tls.Close()
	quicErr := dl.quic.Close()
	if quicErr != nil {
		return quicErr
	}
	return tlsErr
}
