// Package session implements the RCP server side: a Manager that accepts
// transport connections, runs one Session goroutine per connection, evicts
// idle sessions and shuts down gracefully.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chronologos/rcp/internal/command"
	"github.com/chronologos/rcp/internal/protocol"
	"github.com/chronologos/rcp/internal/state"
	"github.com/chronologos/rcp/internal/transport"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session closed")
	ErrServerClosed    = errors.New("server closed")
)

// Defaults for zero Config fields.
const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultSweepInterval     = 5 * time.Second
	DefaultShutdownGrace     = 5 * time.Second
	DefaultOutboundQueue     = 64

	// killWait bounds how long Shutdown waits for sessions after forcing
	// them closed.
	killWait = 2 * time.Second
)

type Config struct {
	// MaxSessions caps concurrent sessions; 0 means unlimited. Connections
	// over the cap get a server-busy Error frame and are closed.
	MaxSessions int

	// HeartbeatInterval paces server heartbeats and deadline checks.
	HeartbeatInterval time.Duration
	// SweepInterval paces the idle-session sweep.
	SweepInterval time.Duration
	// ShutdownGrace is how long Shutdown lets sessions finish after
	// sending Disconnect.
	ShutdownGrace time.Duration
	OutboundQueue int

	// State configures every session's state machine. Its IdleTimeout is
	// also the sweep's eviction threshold.
	State state.Config

	// Versions are the wire versions accepted from peers; nil means
	// protocol.DefaultVersions.
	Versions protocol.Versions

	// Policy gates application commands per identity; nil allows
	// everything. SetPolicy replaces it at runtime.
	Policy *Policy
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = DefaultOutboundQueue
	}
	if c.State.IdleTimeout <= 0 {
		c.State.IdleTimeout = state.DefaultIdleTimeout
	}
}

// Stats aggregates the registry.
type Stats struct {
	Active        int
	Authenticated int
	Accepted      uint64
	Rejected      uint64 // turned away at the session cap
	Evicted       uint64 // removed by the idle sweep
}

// Manager owns the session registry.
type Manager struct {
	cfg     Config
	authn   state.Authenticator
	handler Handler
	log     *slog.Logger
	now     func() time.Time

	mu        sync.RWMutex
	sessions  map[string]*Session
	listeners map[transport.Listener]struct{}
	closed    bool

	policy atomic.Pointer[Policy]

	wg       sync.WaitGroup
	accepted atomic.Uint64
	rejected atomic.Uint64
	evicted  atomic.Uint64
}

func NewManager(cfg Config, authn state.Authenticator, h Handler, log *slog.Logger) *Manager {
	cfg.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		cfg:       cfg,
		authn:     authn,
		handler:   h,
		log:       log.With("component", "session"),
		now:       time.Now,
		sessions:  make(map[string]*Session),
		listeners: make(map[transport.Listener]struct{}),
	}
	m.policy.Store(cfg.Policy)
	return m
}

// SetPolicy replaces the permission policy. Commands already dispatched are
// not affected.
func (m *Manager) SetPolicy(p *Policy) {
	m.policy.Store(p)
}

// Serve accepts connections from ln until ctx ends or Shutdown is called,
// and closes ln before returning. Cancelling ctx sends Disconnect to the
// sessions accepted here and closes them. Returns ErrServerClosed after
// Shutdown.
func (m *Manager) Serve(ctx context.Context, ln transport.Listener) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	m.listeners[ln] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.listeners, ln)
		m.mu.Unlock()
		ln.Close()
	}()

	m.log.Info("serving", "addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m.sweepLoop(gctx)
		return nil
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept(ctx)
			if err != nil {
				if m.isClosed() {
					return ErrServerClosed
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("accept: %w", err)
			}
			m.accept(ctx, conn)
		}
	})
	return g.Wait()
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// accept registers a session for conn and starts its goroutine, or turns
// the connection away when the manager is full or shutting down.
func (m *Manager) accept(ctx context.Context, conn transport.Conn) {
	m.mu.Lock()
	if m.closed || (m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions) {
		m.mu.Unlock()
		m.rejected.Add(1)
		m.log.Warn("connection refused", "remote", conn.RemoteAddr().String(),
			"sessions", m.cfg.MaxSessions)
		go rejectBusy(conn)
		return
	}
	s := newSession(m, conn)
	m.sessions[s.id] = s
	m.wg.Add(1)
	m.mu.Unlock()

	m.accepted.Add(1)
	go m.runSession(ctx, s)
}

// rejectBusy tells the peer the server is full and hangs up.
func rejectBusy(conn transport.Conn) {
	defer conn.Close()
	f, err := command.Encode(command.ErrorFor(command.ErrServerBusy))
	if err != nil {
		return
	}
	protocol.WriteFrame(conn, f)
}

// runSession runs s and removes it from the registry when it ends. A panic
// in a session is logged and ends only that session.
func (m *Manager) runSession(ctx context.Context, s *Session) {
	defer m.wg.Done()
	defer m.remove(s)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("session panic", "panic", r, "stack", string(debug.Stack()))
			s.kill()
		}
	}()
	s.run(ctx)
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	if cur, ok := m.sessions[s.id]; ok && cur == s {
		delete(m.sessions, s.id)
	}
	m.mu.Unlock()
}

func (m *Manager) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep(m.now())
		case <-ctx.Done():
			return
		}
	}
}

// sweep evicts sessions with no inbound frames for longer than the idle
// timeout. Evicted sessions leave the registry before they are closed.
func (m *Manager) sweep(now time.Time) {
	var idle []*Session
	m.mu.Lock()
	for id, s := range m.sessions {
		if now.Sub(s.Info().LastActivity) > m.cfg.State.IdleTimeout {
			delete(m.sessions, id)
			idle = append(idle, s)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		m.evicted.Add(1)
		s.log.Info("evicting idle session")
		s.kill()
	}
}

// Get returns the session with the given ID.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns snapshots of all sessions, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	infos := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.Info())
	}
	m.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	st := Stats{Active: len(m.sessions)}
	for _, s := range m.sessions {
		if s.Info().State == state.Authenticated {
			st.Authenticated++
		}
	}
	m.mu.RUnlock()
	st.Accepted = m.accepted.Load()
	st.Rejected = m.rejected.Load()
	st.Evicted = m.evicted.Load()
	return st
}

// Terminate sends Disconnect to a session and closes it.
func (m *Manager) Terminate(id string) error {
	s, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	select {
	case <-s.done:
		return fmt.Errorf("%w: %s", ErrSessionClosed, id)
	default:
	}
	s.stop("terminated by server")
	return nil
}

func (m *Manager) snapshot() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Shutdown stops accepting, sends Disconnect to every session and waits up
// to ShutdownGrace (or until ctx ends) for them to finish. Stragglers are
// then closed forcibly.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for ln := range m.listeners {
		ln.Close()
	}
	m.mu.Unlock()

	sessions := m.snapshot()
	m.log.Info("shutting down", "sessions", len(sessions))
	for _, s := range sessions {
		s.stop("server shutting down")
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(m.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-done:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	stragglers := m.snapshot()
	m.log.Warn("forcing sessions closed", "sessions", len(stragglers))
	for _, s := range stragglers {
		s.kill()
	}
	select {
	case <-done:
		return ctx.Err()
	case <-time.After(killWait):
		return fmt.Errorf("%d sessions did not exit", len(m.snapshot()))
	}
}
