// Package client is the client role of RCP: it dials a server, runs the
// authentication handshake and issues commands. The bridge uses it for its
// upstream connection and rcpd uses it for the launch subcommand.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/chronologos/rcp/internal/auth"
	"github.com/chronologos/rcp/internal/command"
	"github.com/chronologos/rcp/internal/protocol"
	"github.com/chronologos/rcp/internal/transport"
)

// discardHandler is a no-op slog handler that discards all log records.
// Used when the caller passes no logger.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

var (
	ErrClosed       = errors.New("client closed")
	ErrDisconnected = errors.New("server disconnected")
	ErrAuthDenied   = fmt.Errorf("%w: denied", command.ErrAuthenticationFailed)
)

// Config holds client configuration.
type Config struct {
	Dial transport.DialConfig

	// Heartbeat, if positive, sends heartbeats at this interval once
	// authenticated.
	Heartbeat time.Duration

	// OnMessage receives messages that arrive while a request waits for
	// its reply (display frames, server heartbeats).
	OnMessage func(command.Message)

	// Versions are the wire versions accepted from the server; nil means
	// protocol.DefaultVersions.
	Versions protocol.Versions

	Registry *command.Registry
	Log      *slog.Logger
}

// Client is one connection to an RCP server. Requests (Launch, ListApps,
// Ping, the handshakes) are not meant to run concurrently with each other
// or with Recv; Send and SendFrame are safe from any goroutine.
type Client struct {
	cfg  Config
	conn transport.Conn
	log  *slog.Logger
	reg  *command.Registry

	wmu sync.Mutex

	frames  chan protocol.Frame
	readErr error // set before frames is closed
	closed  chan struct{}
	once    sync.Once

	mu       sync.Mutex
	token    string
	identity string
}

// Dial connects to the server described by cfg.Dial.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	conn, err := transport.Dial(ctx, cfg.Dial)
	if err != nil {
		return nil, err
	}
	return New(conn, cfg), nil
}

// New wraps an established connection. cfg.Dial is ignored.
func New(conn transport.Conn, cfg Config) *Client {
	logger := cfg.Log
	if logger == nil {
		logger = slog.New(discardHandler{})
	}
	reg := cfg.Registry
	if reg == nil {
		reg = command.Default()
	}
	c := &Client{
		cfg:    cfg,
		conn:   conn,
		log:    logger.With("component", "client", "remote", conn.RemoteAddr().String()),
		reg:    reg,
		frames: make(chan protocol.Frame, 64),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Conn returns the underlying transport connection.
func (c *Client) Conn() transport.Conn { return c.conn }

// Token returns the session token from the last successful handshake.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Identity returns the identity the server granted.
func (c *Client) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *Client) readLoop() {
	r := protocol.NewReader(c.conn, c.cfg.Versions)
	for {
		f, err := r.ReadFrame()
		if err != nil {
			c.readErr = err
			close(c.frames)
			return
		}
		select {
		case c.frames <- f:
		case <-c.closed:
			return
		}
	}
}

// SendFrame writes one frame.
func (c *Client) SendFrame(f protocol.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	return protocol.WriteFrame(c.conn, f)
}

// Send encodes and writes msg.
func (c *Client) Send(msg command.Message) error {
	f, err := command.Encode(msg)
	if err != nil {
		return err
	}
	return c.SendFrame(f)
}

// RecvFrame returns the next frame from the server.
func (c *Client) RecvFrame(ctx context.Context) (protocol.Frame, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return protocol.Frame{}, c.readErr
		}
		return f, nil
	case <-c.closed:
		return protocol.Frame{}, ErrClosed
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	}
}

// Recv returns the next message from the server.
func (c *Client) Recv(ctx context.Context) (command.Message, error) {
	f, err := c.RecvFrame(ctx)
	if err != nil {
		return nil, err
	}
	return c.reg.Decode(f)
}

// await reads until a message for want arrives. Error and Disconnect
// messages end the wait; anything else goes to OnMessage.
func (c *Client) await(ctx context.Context, want command.ID) (command.Message, error) {
	for {
		msg, err := c.Recv(ctx)
		if err != nil {
			return nil, err
		}
		switch m := msg.(type) {
		case *command.ErrorMessage:
			return nil, m.Err()
		case *command.Disconnect:
			return nil, fmt.Errorf("%w: %s", ErrDisconnected, m.Reason)
		}
		if msg.Command() == want {
			return msg, nil
		}
		if c.cfg.OnMessage != nil {
			c.cfg.OnMessage(msg)
		}
	}
}

// handshake sends one Auth message and waits for the server's reply.
func (c *Client) handshake(ctx context.Context, msg *command.Auth) (*command.Auth, error) {
	if err := c.Send(msg); err != nil {
		return nil, err
	}
	reply, err := c.await(ctx, command.IDAuth)
	if err != nil {
		return nil, err
	}
	a := reply.(*command.Auth)
	if a.Stage == command.StageDenied {
		return nil, ErrAuthDenied
	}
	return a, nil
}

func (c *Client) granted(a *command.Auth) (string, error) {
	if a.Stage != command.StageGranted {
		return "", fmt.Errorf("%w: unexpected auth stage %s", command.ErrAuthenticationFailed, a.Stage)
	}
	c.mu.Lock()
	c.token = a.Token
	c.identity = a.Identity
	c.mu.Unlock()
	c.log.Debug("authenticated", "identity", a.Identity, "method", a.Method.String())
	if c.cfg.Heartbeat > 0 {
		go c.heartbeatLoop(c.cfg.Heartbeat)
	}
	return a.Token, nil
}

// AuthenticatePSK runs the pre-shared key handshake. identity may be empty.
// Returns the session token.
func (c *Client) AuthenticatePSK(ctx context.Context, identity string, secret []byte) (string, error) {
	a, err := c.handshake(ctx, &command.Auth{
		Stage:      command.StageBegin,
		Method:     command.MethodPSK,
		Identity:   identity,
		Credential: secret,
	})
	if err != nil {
		return "", err
	}
	return c.granted(a)
}

// AuthenticateKey runs the public key challenge-response handshake.
func (c *Client) AuthenticateKey(ctx context.Context, identity string, signer ssh.Signer) (string, error) {
	a, err := c.handshake(ctx, &command.Auth{
		Stage:    command.StageBegin,
		Method:   command.MethodPublicKey,
		Identity: identity,
	})
	if err != nil {
		return "", err
	}
	if a.Stage != command.StageChallenge {
		return "", fmt.Errorf("%w: expected challenge, got %s", command.ErrAuthenticationFailed, a.Stage)
	}
	sig, err := auth.SignChallenge(signer, a.Nonce)
	if err != nil {
		return "", err
	}
	a, err = c.handshake(ctx, &command.Auth{
		Stage:      command.StageResponse,
		Method:     command.MethodPublicKey,
		Identity:   identity,
		Credential: sig,
		Nonce:      a.Nonce,
	})
	if err != nil {
		return "", err
	}
	return c.granted(a)
}

// Resume authenticates with a token from an earlier session.
func (c *Client) Resume(ctx context.Context, method command.AuthMethod, token string) (string, error) {
	a, err := c.handshake(ctx, &command.Auth{
		Stage:  command.StageBegin,
		Method: method,
		Token:  token,
	})
	if err != nil {
		return "", err
	}
	return c.granted(a)
}

// Launch asks the server to start an app and waits for its Ack.
func (c *Client) Launch(ctx context.Context, path string, args ...string) (*command.Ack, error) {
	if err := c.Send(&command.LaunchApp{Path: path, Args: args}); err != nil {
		return nil, err
	}
	msg, err := c.await(ctx, command.IDAck)
	if err != nil {
		return nil, err
	}
	ack := msg.(*command.Ack)
	if ack.Status != command.AckOK {
		return ack, fmt.Errorf("launch %s: %s", path, ack.Detail)
	}
	return ack, nil
}

// ListApps returns the server's app catalogue.
func (c *Client) ListApps(ctx context.Context) ([]string, error) {
	if err := c.Send(&command.ListApps{}); err != nil {
		return nil, err
	}
	msg, err := c.await(ctx, command.IDListApps)
	if err != nil {
		return nil, err
	}
	return msg.(*command.ListApps).Apps, nil
}

// Ping sends data and waits for the echo. Returns the round-trip time.
func (c *Client) Ping(ctx context.Context, data []byte) (time.Duration, error) {
	start := time.Now()
	if err := c.Send(&command.Ping{Data: data}); err != nil {
		return 0, err
	}
	if _, err := c.await(ctx, command.IDPing); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (c *Client) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Send(&command.Heartbeat{Timestamp: time.Now().UnixMilli()}); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// closeTimeout bounds how long Close waits on a write to a stalled server
// before closing the connection under it.
const closeTimeout = time.Second

// Close tells the server we are leaving and closes the connection. It
// returns within closeTimeout even when a write is blocked.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		closeConn := sync.OnceValue(c.conn.Close)
		timer := time.AfterFunc(closeTimeout, func() { closeConn() })
		defer timer.Stop()

		c.wmu.Lock()
		if f, encErr := command.Encode(&command.Disconnect{Reason: "client closed"}); encErr == nil {
			protocol.WriteFrame(c.conn, f) // best-effort
		}
		close(c.closed)
		c.wmu.Unlock()
		err = closeConn()
	})
	return err
}
