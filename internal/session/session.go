package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/chronologos/rcp/internal/coalesce"
	"github.com/chronologos/rcp/internal/command"
	"github.com/chronologos/rcp/internal/protocol"
	"github.com/chronologos/rcp/internal/state"
	"github.com/chronologos/rcp/internal/transport"
)

// Info is a point-in-time snapshot of a session.
type Info struct {
	ID           string
	RemoteAddr   string
	Transport    string
	State        state.State
	Method       command.AuthMethod
	Identity     string
	CreatedAt    time.Time
	LastActivity time.Time
}

// Session is one accepted connection. Its goroutine owns the state machine;
// other goroutines only read the published Info snapshot.
type Session struct {
	id      string
	conn    transport.Conn
	mgr     *Manager
	log     *slog.Logger
	machine *state.Machine

	mu   sync.Mutex
	info Info

	out    chan protocol.Frame
	quit   chan struct{} // closed when the loop exits; stops reader and writer
	wdone  chan struct{} // closed when the writer exits
	stopCh chan string
	killCh chan struct{}
	done   chan struct{}

	stopOnce sync.Once
	killOnce sync.Once
}

// frameEvent is one result from the reader goroutine.
type frameEvent struct {
	frame protocol.Frame
	err   error
}

func newSession(m *Manager, conn transport.Conn) *Session {
	now := m.now()
	id := ulid.Make().String()
	s := &Session{
		id:   id,
		conn: conn,
		mgr:  m,
		log: m.log.With("session", id, "remote", conn.RemoteAddr().String(),
			"transport", conn.Transport()),
		info: Info{
			ID:           id,
			RemoteAddr:   conn.RemoteAddr().String(),
			Transport:    conn.Transport(),
			State:        state.Connecting,
			CreatedAt:    now,
			LastActivity: now,
		},
		out:    make(chan protocol.Frame, m.cfg.OutboundQueue),
		quit:   make(chan struct{}),
		wdone:  make(chan struct{}),
		stopCh: make(chan string, 1),
		killCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	cfg := m.cfg.State
	cfg.OnTransition = func(from, to state.State) {
		s.log.Debug("state", "from", from, "to", to)
	}
	s.machine = state.New(cfg, m.authn, id, now)
	return s
}

func (s *Session) ID() string { return s.id }

// Identity returns the authenticated identity, or "" before authentication.
func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info.Identity
}

// Info returns the latest snapshot.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Done is closed once the session has released its transport.
func (s *Session) Done() <-chan struct{} { return s.done }

// Send queues msg for the writer goroutine.
func (s *Session) Send(msg command.Message) error {
	f, err := command.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-s.wdone:
		return ErrSessionClosed
	default:
	}
	select {
	case s.out <- f:
		return nil
	case <-s.wdone:
		return ErrSessionClosed
	}
}

// stop asks the session to send Disconnect and close.
func (s *Session) stop(reason string) {
	s.stopOnce.Do(func() { s.stopCh <- reason })
}

// kill closes the session without a goodbye.
func (s *Session) kill() {
	s.killOnce.Do(func() {
		close(s.killCh)
		// Unblocks a writer stuck on a peer that stopped reading.
		s.conn.Close()
	})
}

// publish copies machine state into the snapshot.
func (s *Session) publish() {
	s.mu.Lock()
	s.info.State = s.machine.State()
	s.info.Method = s.machine.Method()
	s.info.Identity = s.machine.Identity()
	s.info.LastActivity = s.machine.LastActivity()
	s.mu.Unlock()
}

// run is the session's event loop. It returns when the connection is done;
// the deferred cleanup releases every resource the session holds.
func (s *Session) run(ctx context.Context) {
	frames := make(chan frameEvent, 16)
	go s.readLoop(frames)
	go s.writeLoop()

	s.machine.Open(s.mgr.now())
	s.publish()
	s.log.Info("session opened")

	ticker := time.NewTicker(s.mgr.cfg.HeartbeatInterval)

	defer func() {
		ticker.Stop()
		s.machine.Close()
		close(s.quit)
		<-s.wdone
		s.conn.Close()
		s.machine.OnTransportClosed()
		s.publish()
		s.mgr.handler.Release(s)
		close(s.done)
		s.log.Info("session closed")
	}()

	for {
		select {
		case ev := <-frames:
			if ev.err != nil {
				s.onReadError(ev.err)
				return
			}
			if !s.onFrame(ctx, ev.frame) {
				return
			}

		case <-ticker.C:
			if err := s.machine.Tick(s.mgr.now()); err != nil {
				s.log.Info("session timed out", "error", err)
				s.Send(command.ErrorFor(err))
				s.publish()
				return
			}
			if s.machine.Authenticated() {
				s.Send(&command.Heartbeat{Timestamp: s.mgr.now().UnixMilli()})
			}

		case reason := <-s.stopCh:
			s.Send(&command.Disconnect{Reason: reason})
			return

		case <-s.killCh:
			return

		case <-ctx.Done():
			s.Send(&command.Disconnect{Reason: "server shutting down"})
			return
		}
	}
}

// onFrame feeds one frame through the state machine and acts on the
// outcome. Returns false when the session must close.
func (s *Session) onFrame(ctx context.Context, f protocol.Frame) bool {
	out, err := s.machine.OnFrame(s.mgr.now(), f)
	s.publish()

	if out.Auth != nil {
		s.logAuth(out.Auth.Status.String(), out.Auth.Method, out.Auth.Identity, out.Auth.Cause)
	}
	if out.Reply != nil {
		s.Send(out.Reply)
	}
	if err != nil {
		s.log.Warn("frame rejected", "command", command.ID(f.Command), "error", err)
		// Handshake failures already got a Denied reply.
		if out.Reply == nil {
			s.Send(command.ErrorFor(err))
		}
	}
	if out.Close {
		if d, ok := out.Deliver.(*command.Disconnect); ok {
			s.log.Info("peer disconnected", "reason", d.Reason)
		}
		return false
	}
	if out.Deliver != nil {
		s.dispatch(ctx, out.Deliver)
	}
	return true
}

func (s *Session) logAuth(status string, method command.AuthMethod, identity string, cause error) {
	if cause != nil {
		s.log.Warn("auth", "status", status, "method", method.String(), "identity", identity,
			"retries", s.machine.Retries(), "cause", cause)
		return
	}
	s.log.Info("auth", "status", status, "method", method.String(), "identity", identity)
}

func (s *Session) onReadError(err error) {
	switch {
	case errors.Is(err, io.EOF):
		s.log.Debug("peer closed connection")
	case protocol.IsFraming(err):
		s.log.Warn("framing error", "error", err)
		s.Send(command.ErrorFor(err))
	default:
		s.log.Debug("read failed", "error", err)
	}
}

// readLoop reads frames and hands them to the loop. Exits on the first
// error, or when the loop has gone away.
func (s *Session) readLoop(ch chan<- frameEvent) {
	r := protocol.NewReader(s.conn, s.mgr.cfg.Versions)
	for {
		f, err := r.ReadFrame()
		select {
		case ch <- frameEvent{frame: f, err: err}:
		case <-s.quit:
			return
		}
		if err != nil {
			return
		}
	}
}

// writeLoop batches queued frames into conn writes. After quit it drains
// the queue so a final Disconnect or Error reaches the peer.
func (s *Session) writeLoop() {
	defer close(s.wdone)
	coal := coalesce.New()
	defer coal.Stop()

	flush := func() bool {
		data := coal.Flush()
		if data == nil {
			return true
		}
		if _, err := s.conn.Write(data); err != nil {
			s.log.Debug("write failed", "error", err)
			s.kill()
			return false
		}
		return true
	}

	for {
		select {
		case f := <-s.out:
			if coal.AddFrame(f) && !flush() {
				return
			}
		case <-coal.Timer():
			if !flush() {
				return
			}
		case <-s.quit:
			for {
				select {
				case f := <-s.out:
					coal.AddFrame(f)
				default:
					flush()
					return
				}
			}
		}
	}
}
