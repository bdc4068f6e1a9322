// Package bridge lets browsers speak RCP over WebSocket. Each browser
// connection is paired with one upstream RCP connection; JSON envelopes are
// translated to frames on the way in and back on the way out. The bridge
// holds no credentials of its own: auth messages pass through like any
// other command.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/chronologos/rcp/internal/client"
	"github.com/chronologos/rcp/internal/command"
	"github.com/chronologos/rcp/internal/protocol"
)

const (
	// Display frames arrive base64-encoded, so allow for the expansion.
	maxMessageSize = protocol.MaxPayloadSize*4/3 + 64*1024
	writeTimeout   = 5 * time.Second
	pingInterval   = 30 * time.Second
)

// Server accepts browser WebSocket connections and bridges each one to the
// RCP server.
type Server struct {
	cfg Config
	reg *command.Registry
	log *slog.Logger

	mu       sync.Mutex
	sessions map[string]*bridgeSession
	closed   bool
	srv      *http.Server
	wg       sync.WaitGroup
}

// bridgeSession pairs one browser with one upstream connection.
type bridgeSession struct {
	id     string
	ws     *websocket.Conn
	up     *client.Client
	log    *slog.Logger
	cancel context.CancelFunc
}

// New validates cfg and returns a server. reg may be nil for the built-in
// command set.
func New(cfg Config, reg *command.Registry, log *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("bridge config: %w", err)
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = pingInterval
	}
	if reg == nil {
		reg = command.Default()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		reg:      reg,
		log:      log.With("component", "bridge"),
		sessions: make(map[string]*bridgeSession),
	}, nil
}

// Handler returns the WebSocket endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWebSocket)
	return mux
}

// Sessions returns the number of live bridged pairs.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// ListenAndServe serves browsers until ctx ends or Close is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.WSHost, s.cfg.WSPort))
	if err != nil {
		return fmt.Errorf("ws listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves browsers on ln until ctx ends or Close is called.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return http.ErrServerClosed
	}
	s.srv = srv
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	s.log.Info("bridge listening", "addr", ln.Addr().String(),
		"upstream", net.JoinHostPort(s.cfg.RCPHost, s.cfg.RCPPort))
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Close stops accepting browsers and tears down every bridged pair.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	srv := s.srv
	for _, bs := range s.sessions {
		bs.cancel()
	}
	s.mu.Unlock()

	var err error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		err = srv.Shutdown(ctx)
	}
	s.wg.Wait()
	return err
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.log.Error("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	id := ulid.Make().String()
	log := s.log.With("bridge_session", id, "browser", r.RemoteAddr)

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	up, err := client.Dial(dialCtx, client.Config{
		Dial:     s.cfg.dialConfig(),
		Registry: s.reg,
		Log:      log,
	})
	dialCancel()
	if err != nil {
		log.Warn("upstream dial failed", "error", err)
		wsjson.Write(ctx, conn, errorEnvelope(command.ErrServerBusy))
		conn.Close(websocket.StatusTryAgainLater, "upstream unavailable")
		return
	}

	bs := &bridgeSession{id: id, ws: conn, up: up, log: log, cancel: cancel}
	s.mu.Lock()
	s.sessions[id] = bs
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
	}()

	log.Info("browser connected")
	err = bs.run(ctx, s.reg, s.cfg.PingInterval)
	log.Info("browser disconnected", "reason", err)
}

// errUpstreamClosed ends the pair when the server hangs up.
var errUpstreamClosed = errors.New("upstream closed")

// run pumps messages both ways until either side fails, then closes both
// connections.
func (bs *bridgeSession) run(ctx context.Context, reg *command.Registry, ping time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bs.inbound(gctx, reg) })
	g.Go(func() error { return bs.outbound(gctx, reg) })
	g.Go(func() error { return bs.keepalive(gctx, ping) })
	g.Go(func() error {
		<-gctx.Done()
		// The browser side goes first so a stalled upstream write cannot
		// hold it open.
		bs.ws.Close(websocket.StatusNormalClosure, "session ended")
		bs.up.Close()
		return nil
	})
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return err
}

// inbound forwards browser envelopes to the server.
func (bs *bridgeSession) inbound(ctx context.Context, reg *command.Registry) error {
	for {
		var env Envelope
		if err := wsjson.Read(ctx, bs.ws, &env); err != nil {
			return fmt.Errorf("browser read: %w", err)
		}
		f, err := ToFrame(reg, env)
		if err != nil {
			bs.log.Warn("bad browser message", "type", env.Type, "error", err)
			bs.write(ctx, errorEnvelope(err))
			return err
		}
		if err := bs.up.SendFrame(f); err != nil {
			return fmt.Errorf("upstream write: %w", err)
		}
	}
}

// outbound forwards server frames to the browser.
func (bs *bridgeSession) outbound(ctx context.Context, reg *command.Registry) error {
	for {
		f, err := bs.up.RecvFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", errUpstreamClosed, err)
		}
		env, err := FromFrame(reg, f)
		if err != nil {
			return fmt.Errorf("translate frame: %w", err)
		}
		if err := bs.write(ctx, env); err != nil {
			return fmt.Errorf("browser write: %w", err)
		}
	}
}

func (bs *bridgeSession) keepalive(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := bs.ws.Ping(ctx); err != nil {
				return fmt.Errorf("browser ping: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (bs *bridgeSession) write(ctx context.Context, env Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, bs.ws, env)
}
