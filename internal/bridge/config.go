package bridge

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/chronologos/rcp/internal/transport"
)

// Config holds the bridge's endpoints: where browsers connect, and the RCP
// server it proxies them to.
type Config struct {
	WSHost string
	WSPort string // "0" picks a free port
	Path   string // WebSocket endpoint; default "/"

	RCPHost      string
	RCPPort      string
	RCPTransport transport.Mode
	// RCPInsecure skips certificate checks on TLS and QUIC upstreams.
	RCPInsecure bool

	// OriginPatterns lists the browser origins allowed to connect. Empty
	// allows same-origin requests only.
	OriginPatterns []string

	// PingInterval paces WebSocket pings to the browser. Default 30s.
	PingInterval time.Duration
}

// Validate checks that hosts are set and ports parse.
func (c Config) Validate() error {
	var errs []error
	if c.WSHost == "" {
		errs = append(errs, errors.New("ws host is required"))
	}
	if _, err := parsePort(c.WSPort, true); err != nil {
		errs = append(errs, fmt.Errorf("ws port: %w", err))
	}
	if c.RCPHost == "" {
		errs = append(errs, errors.New("rcp host is required"))
	}
	if _, err := parsePort(c.RCPPort, false); err != nil {
		errs = append(errs, fmt.Errorf("rcp port: %w", err))
	}
	if _, err := transport.ParseMode(string(c.RCPTransport)); err != nil {
		errs = append(errs, fmt.Errorf("rcp transport: %w", err))
	}
	return errors.Join(errs...)
}

func parsePort(s string, allowZero bool) (int, error) {
	if s == "" {
		return 0, errors.New("port is required")
	}
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	lo := 1
	if allowZero {
		lo = 0
	}
	if p < lo || p > 65535 {
		return 0, fmt.Errorf("port %d out of range", p)
	}
	return p, nil
}

func (c Config) dialConfig() transport.DialConfig {
	port, _ := parsePort(c.RCPPort, false)
	mode, _ := transport.ParseMode(string(c.RCPTransport))
	return transport.DialConfig{
		Mode:       mode,
		Host:       c.RCPHost,
		Port:       port,
		ServerName: c.RCPHost,
		Insecure:   c.RCPInsecure,
	}
}
