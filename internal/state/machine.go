// Package state implements the per-connection lifecycle of an RCP server
// session. A Machine performs no I/O: the session loop feeds it frames and
// clock ticks and acts on the Outcome it returns.
package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/chronologos/rcp/internal/auth"
	"github.com/chronologos/rcp/internal/command"
	"github.com/chronologos/rcp/internal/protocol"
)

// State is a connection lifecycle state. States only move forward, except
// that a failed handshake returns Authenticating to Connected.
type State int

const (
	Connecting State = iota
	Connected
	Authenticating
	Authenticated
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	ErrTimeout          = command.ErrTimeout
	ErrRetriesExhausted = fmt.Errorf("%w: retries exhausted", command.ErrAuthenticationFailed)
	ErrClosed           = errors.New("connection closing")
	ErrNotOpen          = errors.New("connection not open")
)

// ExhaustionPolicy decides what happens when the retry bound is exceeded.
type ExhaustionPolicy int

const (
	// CloseOnExhaustion moves the connection to Closing.
	CloseOnExhaustion ExhaustionPolicy = iota
	// RejectOnExhaustion keeps the connection open but refuses every
	// further Auth message.
	RejectOnExhaustion
)

// Defaults for zero Config fields.
const (
	DefaultMaxRetries  = 3
	DefaultIdleTimeout = 90 * time.Second
	DefaultAuthTimeout = 30 * time.Second
)

type Config struct {
	MaxRetries   int
	IdleTimeout  time.Duration // no frames at all for this long closes the connection
	AuthTimeout  time.Duration // not authenticated this long after Open closes the connection
	OnExhaustion ExhaustionPolicy
	Registry     *command.Registry

	// OnTransition, if set, is called after every state change.
	OnTransition func(from, to State)
}

func (c *Config) setDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = DefaultAuthTimeout
	}
	if c.Registry == nil {
		c.Registry = command.Default()
	}
}

// Authenticator runs handshake steps. *auth.Authenticator implements it.
type Authenticator interface {
	Authenticate(sessionID string, msg *command.Auth, now time.Time) auth.Result
	Forget(sessionID string)
}

// Outcome tells the session loop what to do with a frame.
type Outcome struct {
	// Deliver is a command for the application handler.
	Deliver command.Message
	// Reply is a handshake message to send back to the peer.
	Reply *command.Auth
	// Auth is the handshake result when the frame was an Auth message.
	Auth *auth.Result
	// Close asks the session to tear down the connection.
	Close bool
}

// Machine tracks one connection. It is not safe for concurrent use; the
// owning session goroutine is its only caller.
type Machine struct {
	cfg       Config
	authn     Authenticator
	sessionID string

	state        State
	retries      int
	exhausted    bool
	opened       time.Time
	lastActivity time.Time

	identity string
	method   command.AuthMethod
	token    string
}

func New(cfg Config, authn Authenticator, sessionID string, now time.Time) *Machine {
	cfg.setDefaults()
	return &Machine{
		cfg:          cfg,
		authn:        authn,
		sessionID:    sessionID,
		state:        Connecting,
		opened:       now,
		lastActivity: now,
	}
}

func (m *Machine) State() State               { return m.state }
func (m *Machine) Identity() string           { return m.identity }
func (m *Machine) Method() command.AuthMethod { return m.method }
func (m *Machine) Token() string              { return m.token }
func (m *Machine) Retries() int               { return m.retries }
func (m *Machine) LastActivity() time.Time    { return m.lastActivity }
func (m *Machine) Authenticated() bool        { return m.state == Authenticated }

// Open marks the transport ready for frames.
func (m *Machine) Open(now time.Time) {
	if m.state != Connecting {
		return
	}
	m.opened = now
	m.lastActivity = now
	m.set(Connected)
}

// OnFrame processes one inbound frame. A non-nil error with Close false is a
// rejection the peer should hear about; the connection stays usable.
func (m *Machine) OnFrame(now time.Time, f protocol.Frame) (Outcome, error) {
	switch m.state {
	case Connecting:
		return Outcome{}, ErrNotOpen
	case Closing, Closed:
		return Outcome{}, ErrClosed
	}

	msg, err := m.cfg.Registry.Dispatch(f, m.state == Authenticated)
	if err != nil {
		if errors.Is(err, command.ErrPermissionDenied) {
			m.lastActivity = now
			return Outcome{}, err
		}
		m.set(Closing)
		return Outcome{Close: true}, err
	}
	m.lastActivity = now

	switch msg := msg.(type) {
	case *command.Auth:
		return m.onAuth(now, msg)
	case *command.Heartbeat:
		return Outcome{}, nil
	case *command.Disconnect:
		m.set(Closing)
		return Outcome{Deliver: msg, Close: true}, nil
	default:
		return Outcome{Deliver: msg}, nil
	}
}

func (m *Machine) onAuth(now time.Time, msg *command.Auth) (Outcome, error) {
	if m.state == Authenticated {
		return Outcome{}, fmt.Errorf("%w: already authenticated", command.ErrPermissionDenied)
	}
	if m.exhausted {
		return Outcome{Reply: &command.Auth{Stage: command.StageDenied}}, ErrRetriesExhausted
	}

	m.set(Authenticating)
	res := m.authn.Authenticate(m.sessionID, msg, now)
	out := Outcome{Reply: res.Reply, Auth: &res}

	switch res.Status {
	case auth.StatusChallenge:
		return out, nil
	case auth.StatusGranted:
		m.identity = res.Identity
		m.method = res.Method
		m.token = res.Token
		m.set(Authenticated)
		return out, nil
	}

	m.retries++
	if m.retries > m.cfg.MaxRetries {
		if m.cfg.OnExhaustion == CloseOnExhaustion {
			m.set(Closing)
			out.Close = true
			return out, ErrRetriesExhausted
		}
		m.exhausted = true
		m.set(Connected)
		return out, ErrRetriesExhausted
	}
	m.set(Connected)
	return out, res.Err()
}

// Tick enforces the idle and authentication deadlines. A non-nil error means
// the machine has moved to Closing.
func (m *Machine) Tick(now time.Time) error {
	if m.state == Connecting || m.state >= Closing {
		return nil
	}
	if idle := now.Sub(m.lastActivity); idle > m.cfg.IdleTimeout {
		m.set(Closing)
		return fmt.Errorf("%w: idle for %s", ErrTimeout, idle.Round(time.Millisecond))
	}
	if m.state < Authenticated && now.Sub(m.opened) > m.cfg.AuthTimeout {
		m.set(Closing)
		return fmt.Errorf("%w: not authenticated within %s", ErrTimeout, m.cfg.AuthTimeout)
	}
	return nil
}

// Close starts teardown.
func (m *Machine) Close() {
	if m.state < Closing {
		m.set(Closing)
	}
}

// OnTransportClosed records that the transport is gone.
func (m *Machine) OnTransportClosed() {
	if m.state == Closed {
		return
	}
	m.authn.Forget(m.sessionID)
	m.set(Closed)
}

func (m *Machine) set(s State) {
	if s == m.state {
		return
	}
	from := m.state
	m.state = s
	if m.cfg.OnTransition != nil {
		m.cfg.OnTransition(from, s)
	}
}

// IsFatal reports whether err ends the connection. Permission errors and
// single authentication failures do not.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return protocol.IsFraming(err) ||
		errors.Is(err, command.ErrInvalidCommand) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRetriesExhausted) ||
		errors.Is(err, ErrClosed)
}
