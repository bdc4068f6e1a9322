// Package transport provides the byte-stream connections RCP frames travel
// over: plain TCP, TLS over TCP, a single bidirectional QUIC stream, and a
// dual listener that serves TLS and QUIC on the same port number.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

// Mode selects a transport.
type Mode string

const (
	ModeTCP  Mode = "tcp"
	ModeTLS  Mode = "tls"
	ModeQUIC Mode = "quic"
	// ModeDual listens on TLS and QUIC at once. Dialing in dual mode tries
	// QUIC first and falls back to TLS.
	ModeDual Mode = "dual"
)

// ParseMode validates a transport name. The empty string means TCP.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case "":
		return ModeTCP, nil
	case ModeTCP, ModeTLS, ModeQUIC, ModeDual:
		return m, nil
	}
	return "", fmt.Errorf("unknown transport %q (want tcp, tls, quic or dual)", s)
}

// Conn is one established connection. Reads and writes carry the raw frame
// byte stream.
type Conn interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
	// Transport names the underlying transport ("tcp", "tls" or "quic").
	Transport() string
}

// Listener accepts transport connections.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() net.Addr
	Port() int
	Close() error
}

// ErrListenerClosed is returned by Accept after Close.
var ErrListenerClosed = errors.New("listener closed")

type ListenConfig struct {
	Mode     Mode
	Host     string // empty binds all interfaces
	Port     int    // 0 picks a free port
	CertFile string // TLS/QUIC certificate; a self-signed one is generated when empty
	KeyFile  string
}

// Listen opens a listener for cfg.Mode.
func Listen(cfg ListenConfig) (Listener, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	switch cfg.Mode {
	case "", ModeTCP:
		return listenTCP(addr)
	case ModeTLS:
		cert, err := LoadOrGenerateCert(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		return listenTLS(addr, cert)
	case ModeQUIC:
		cert, err := LoadOrGenerateCert(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		return listenQUIC(addr, cert)
	case ModeDual:
		cert, err := LoadOrGenerateCert(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		return listenDual(cfg.Host, cfg.Port, cert)
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Mode)
}

type DialConfig struct {
	Mode Mode
	Host string
	Port int

	// ServerName and Insecure control certificate checks for TLS and QUIC.
	// Servers with generated certificates need Insecure; RCP authenticates
	// peers in its own handshake.
	ServerName string
	Insecure   bool

	// Timeout bounds each connection attempt. Zero means DefaultDialTimeout.
	Timeout time.Duration
}

// DefaultDialTimeout bounds one connection attempt.
const DefaultDialTimeout = 10 * time.Second

// quicFallbackTimeout bounds the QUIC attempt of a dual-mode dial.
const quicFallbackTimeout = 2 * time.Second

// Dial connects using cfg.Mode.
func Dial(ctx context.Context, cfg DialConfig) (Conn, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultDialTimeout
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	switch cfg.Mode {
	case "", ModeTCP:
		return dialTCP(ctx, addr, cfg.Timeout)
	case ModeTLS:
		return dialTLS(ctx, addr, cfg)
	case ModeQUIC:
		return dialQUIC(ctx, addr, cfg, cfg.Timeout)
	case ModeDual:
		conn, err := dialQUIC(ctx, addr, cfg, quicFallbackTimeout)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return dialTLS(ctx, addr, cfg)
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Mode)
}
