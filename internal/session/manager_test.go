package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chronologos/rcp/internal/auth"
	"github.com/chronologos/rcp/internal/client"
	"github.com/chronologos/rcp/internal/command"
	"github.com/chronologos/rcp/internal/protocol"
	"github.com/chronologos/rcp/internal/state"
	"github.com/chronologos/rcp/internal/transport"
)

const testSecret = "correct-horse-battery-staple"

// recordingHandler is a Handler that records what it was asked to do.
type recordingHandler struct {
	mu       sync.Mutex
	launched []string
	released []string
	panicOn  string
}

func (h *recordingHandler) Apps() []string { return []string{"notepad", "terminal"} }

func (h *recordingHandler) LaunchApp(_ context.Context, p Peer, msg *command.LaunchApp) error {
	if msg.Path == h.panicOn {
		panic("launch blew up")
	}
	if msg.Path == "missing" {
		return command.ErrNotFound
	}
	h.mu.Lock()
	h.launched = append(h.launched, msg.Path)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) Input(Peer, *command.InputEvent) error        { return nil }
func (h *recordingHandler) Resize(Peer, *command.ResizeWindow) error     { return nil }
func (h *recordingHandler) Clipboard(Peer, *command.ClipboardSync) error { return nil }

func (h *recordingHandler) Release(p Peer) {
	h.mu.Lock()
	h.released = append(h.released, p.ID())
	h.mu.Unlock()
}

func (h *recordingHandler) Launched() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.launched...)
}

func (h *recordingHandler) Released() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.released)
}

type testServer struct {
	mgr     *Manager
	handler *recordingHandler
	port    int
	served  chan error
}

// startManager runs a Manager on a loopback TCP listener. Cleanup shuts it
// down.
func startManager(t *testing.T, cfg Config) *testServer {
	t.Helper()
	return startManagerCtx(t, context.Background(), cfg)
}

// startManagerCtx is startManager with Serve running under ctx.
func startManagerCtx(t *testing.T, ctx context.Context, cfg Config) *testServer {
	t.Helper()

	hash, err := auth.HashSecret(testSecret, "sha256")
	require.NoError(t, err)
	authn, err := auth.New(auth.Config{}, auth.Credentials{PSKHash: hash})
	require.NoError(t, err)

	ln, err := transport.Listen(transport.ListenConfig{Mode: transport.ModeTCP, Host: "127.0.0.1"})
	require.NoError(t, err)

	h := &recordingHandler{panicOn: "boom"}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ts := &testServer{
		mgr:     NewManager(cfg, authn, h, log),
		handler: h,
		port:    ln.Port(),
		served:  make(chan error, 1),
	}
	go func() { ts.served <- ts.mgr.Serve(ctx, ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ts.mgr.Shutdown(ctx)
	})
	return ts
}

func (ts *testServer) dial(t *testing.T) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, client.Config{
		Dial: transport.DialConfig{Mode: transport.ModeTCP, Host: "127.0.0.1", Port: ts.port},
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// recvUntil reads messages until one matches id, skipping server heartbeats.
func recvUntil(t *testing.T, c *client.Client, id command.ID) command.Message {
	t.Helper()
	ctx := testCtx(t)
	for {
		msg, err := c.Recv(ctx)
		require.NoError(t, err)
		if msg.Command() == id {
			return msg
		}
	}
}

// requireClosed waits for the server to hang up.
func requireClosed(t *testing.T, c *client.Client) {
	t.Helper()
	ctx := testCtx(t)
	for {
		_, err := c.RecvFrame(ctx)
		if err != nil {
			require.NotErrorIs(t, err, context.DeadlineExceeded, "server did not close the connection")
			return
		}
	}
}

func TestLaunchAfterPSKAuth(t *testing.T) {
	ts := startManager(t, Config{})
	c := ts.dial(t)
	ctx := testCtx(t)

	token, err := c.AuthenticatePSK(ctx, "", []byte(testSecret))
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.Equal(t, "psk", c.Identity())

	ack, err := c.Launch(ctx, "notepad")
	require.NoError(t, err)
	require.Equal(t, command.IDLaunchApp, ack.For)
	require.Equal(t, command.AckOK, ack.Status)
	require.Equal(t, []string{"notepad"}, ts.handler.Launched())

	st := ts.mgr.Stats()
	require.Equal(t, 1, st.Active)
	require.Equal(t, 1, st.Authenticated)
}

func TestLaunchBeforeAuthIsDenied(t *testing.T) {
	ts := startManager(t, Config{})
	c := ts.dial(t)
	ctx := testCtx(t)

	require.NoError(t, c.Send(&command.LaunchApp{Path: "notepad"}))
	msg := recvUntil(t, c, command.IDError)
	require.Equal(t, command.CodePermissionDenied, msg.(*command.ErrorMessage).Code)
	require.ErrorIs(t, msg.(*command.ErrorMessage).Err(), command.ErrPermissionDenied)

	// The connection stays open and unauthenticated.
	_, err := c.Ping(ctx, []byte("still here"))
	require.NoError(t, err)
	infos := ts.mgr.List()
	require.Len(t, infos, 1)
	require.Equal(t, state.Connected, infos[0].State)
	require.Empty(t, ts.handler.Launched())
}

func TestPingEchoes(t *testing.T) {
	ts := startManager(t, Config{})
	c := ts.dial(t)

	require.NoError(t, c.Send(&command.Ping{Data: []byte("abc")}))
	msg := recvUntil(t, c, command.IDPing)
	require.Equal(t, []byte("abc"), msg.(*command.Ping).Data)
}

func TestListApps(t *testing.T) {
	ts := startManager(t, Config{})
	c := ts.dial(t)
	ctx := testCtx(t)

	_, err := c.AuthenticatePSK(ctx, "", []byte(testSecret))
	require.NoError(t, err)
	apps, err := c.ListApps(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"notepad", "terminal"}, apps)
}

func TestHandlerErrorIsReported(t *testing.T) {
	ts := startManager(t, Config{})
	c := ts.dial(t)
	ctx := testCtx(t)

	_, err := c.AuthenticatePSK(ctx, "", []byte(testSecret))
	require.NoError(t, err)
	_, err = c.Launch(ctx, "missing")
	require.ErrorIs(t, err, command.ErrNotFound)

	// Still usable afterwards.
	_, err = c.Launch(ctx, "notepad")
	require.NoError(t, err)
}

func TestRetryExhaustionCloses(t *testing.T) {
	ts := startManager(t, Config{State: state.Config{MaxRetries: 1}})
	c := ts.dial(t)
	ctx := testCtx(t)

	_, err := c.AuthenticatePSK(ctx, "", []byte("wrong"))
	require.ErrorIs(t, err, client.ErrAuthDenied)
	_, err = c.AuthenticatePSK(ctx, "", []byte("wrong again"))
	require.ErrorIs(t, err, command.ErrAuthenticationFailed)

	requireClosed(t, c)
	require.Eventually(t, func() bool { return ts.mgr.Stats().Active == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestRetryExhaustionRejectPolicy(t *testing.T) {
	ts := startManager(t, Config{State: state.Config{MaxRetries: 1, OnExhaustion: state.RejectOnExhaustion}})
	c := ts.dial(t)
	ctx := testCtx(t)

	for range 2 {
		_, err := c.AuthenticatePSK(ctx, "", []byte("wrong"))
		require.ErrorIs(t, err, client.ErrAuthDenied)
	}
	// Even the right secret is refused now, but the connection stays up.
	_, err := c.AuthenticatePSK(ctx, "", []byte(testSecret))
	require.ErrorIs(t, err, client.ErrAuthDenied)
	_, err = c.Ping(ctx, nil)
	require.NoError(t, err)
}

func TestIdleSessionEvictedBySweep(t *testing.T) {
	ts := startManager(t, Config{
		HeartbeatInterval: time.Hour, // leave eviction to the sweep
		SweepInterval:     20 * time.Millisecond,
		State:             state.Config{IdleTimeout: 100 * time.Millisecond},
	})
	c := ts.dial(t)

	require.Eventually(t, func() bool {
		st := ts.mgr.Stats()
		return st.Evicted == 1 && st.Active == 0
	}, 3*time.Second, 10*time.Millisecond)
	require.Empty(t, ts.mgr.List())
	requireClosed(t, c)
	require.Eventually(t, func() bool { return ts.handler.Released() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestHeartbeatsKeepSessionAlive(t *testing.T) {
	ts := startManager(t, Config{
		HeartbeatInterval: time.Hour,
		SweepInterval:     20 * time.Millisecond,
		State:             state.Config{IdleTimeout: 300 * time.Millisecond},
	})
	ctx := testCtx(t)
	c, err := client.Dial(ctx, client.Config{
		Dial:      transport.DialConfig{Mode: transport.ModeTCP, Host: "127.0.0.1", Port: ts.port},
		Heartbeat: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer c.Close()
	_, err = c.AuthenticatePSK(ctx, "", []byte(testSecret))
	require.NoError(t, err)

	time.Sleep(700 * time.Millisecond)
	st := ts.mgr.Stats()
	require.Equal(t, 1, st.Active)
	require.Zero(t, st.Evicted)
}

func TestAuthTimeoutCloses(t *testing.T) {
	ts := startManager(t, Config{
		HeartbeatInterval: 20 * time.Millisecond,
		State:             state.Config{AuthTimeout: 100 * time.Millisecond},
	})
	c := ts.dial(t)

	msg := recvUntil(t, c, command.IDError)
	require.Equal(t, command.CodeTimeout, msg.(*command.ErrorMessage).Code)
	requireClosed(t, c)
}

func TestServerHeartbeats(t *testing.T) {
	ts := startManager(t, Config{HeartbeatInterval: 20 * time.Millisecond})
	c := ts.dial(t)
	_, err := c.AuthenticatePSK(testCtx(t), "", []byte(testSecret))
	require.NoError(t, err)

	msg := recvUntil(t, c, command.IDHeartbeat)
	require.NotZero(t, msg.(*command.Heartbeat).Timestamp)
}

func TestTerminate(t *testing.T) {
	ts := startManager(t, Config{})
	c := ts.dial(t)
	_, err := c.AuthenticatePSK(testCtx(t), "", []byte(testSecret))
	require.NoError(t, err)

	infos := ts.mgr.List()
	require.Len(t, infos, 1)
	require.Equal(t, "psk", infos[0].Identity)
	require.Equal(t, command.MethodPSK, infos[0].Method)
	require.Equal(t, "tcp", infos[0].Transport)

	require.NoError(t, ts.mgr.Terminate(infos[0].ID))
	msg := recvUntil(t, c, command.IDDisconnect)
	require.Equal(t, "terminated by server", msg.(*command.Disconnect).Reason)
	requireClosed(t, c)

	require.Eventually(t, func() bool {
		return errors.Is(ts.mgr.Terminate(infos[0].ID), ErrSessionNotFound)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientDisconnectEndsSession(t *testing.T) {
	ts := startManager(t, Config{})
	c := ts.dial(t)
	_, err := c.Ping(testCtx(t), nil)
	require.NoError(t, err)
	require.Equal(t, 1, ts.mgr.Stats().Active)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return ts.mgr.Stats().Active == 0 },
		2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, ts.handler.Released())
}

func TestMaxSessions(t *testing.T) {
	ts := startManager(t, Config{MaxSessions: 1})
	first := ts.dial(t)
	_, err := first.Ping(testCtx(t), nil)
	require.NoError(t, err)

	second := ts.dial(t)
	msg := recvUntil(t, second, command.IDError)
	require.Equal(t, command.CodeServerBusy, msg.(*command.ErrorMessage).Code)
	requireClosed(t, second)

	st := ts.mgr.Stats()
	require.Equal(t, 1, st.Active)
	require.Equal(t, uint64(1), st.Rejected)
}

func TestSessionPanicIsIsolated(t *testing.T) {
	ts := startManager(t, Config{})
	ctx := testCtx(t)

	bad := ts.dial(t)
	good := ts.dial(t)
	for _, c := range []*client.Client{bad, good} {
		_, err := c.AuthenticatePSK(ctx, "", []byte(testSecret))
		require.NoError(t, err)
	}

	require.NoError(t, bad.Send(&command.LaunchApp{Path: "boom"}))
	requireClosed(t, bad)

	_, err := good.Launch(ctx, "notepad")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return ts.mgr.Stats().Active == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestFramingErrorCloses(t *testing.T) {
	ts := startManager(t, Config{})
	c := ts.dial(t)

	bad := protocol.Encode(byte(command.IDPing), 0, nil)
	bad[0] = 0x7f // unknown version
	_, err := c.Conn().Write(bad)
	require.NoError(t, err)

	msg := recvUntil(t, c, command.IDError)
	require.Equal(t, command.CodeUnsupportedVersion, msg.(*command.ErrorMessage).Code)
	requireClosed(t, c)
}

func TestUnknownCommandCloses(t *testing.T) {
	ts := startManager(t, Config{})
	c := ts.dial(t)

	require.NoError(t, c.SendFrame(protocol.NewFrame(0x42, nil)))
	msg := recvUntil(t, c, command.IDError)
	require.Equal(t, command.CodeInvalidCommand, msg.(*command.ErrorMessage).Code)
	requireClosed(t, c)
}

func TestShutdownDisconnectsSessions(t *testing.T) {
	ts := startManager(t, Config{ShutdownGrace: 2 * time.Second})
	clients := []*client.Client{ts.dial(t), ts.dial(t)}
	for _, c := range clients {
		_, err := c.Ping(testCtx(t), nil)
		require.NoError(t, err)
	}

	require.NoError(t, ts.mgr.Shutdown(testCtx(t)))
	for _, c := range clients {
		msg := recvUntil(t, c, command.IDDisconnect)
		require.Equal(t, "server shutting down", msg.(*command.Disconnect).Reason)
	}
	require.Zero(t, ts.mgr.Stats().Active)

	select {
	case err := <-ts.served:
		require.ErrorIs(t, err, ErrServerClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}

func TestShutdownAfterServeContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ts := startManagerCtx(t, ctx, Config{ShutdownGrace: 2 * time.Second})
	c := ts.dial(t)
	_, err := c.AuthenticatePSK(testCtx(t), "", []byte(testSecret))
	require.NoError(t, err)

	// A signal ends the serving context first, then Shutdown runs.
	cancel()
	require.NoError(t, ts.mgr.Shutdown(testCtx(t)))

	msg := recvUntil(t, c, command.IDDisconnect)
	require.Equal(t, "server shutting down", msg.(*command.Disconnect).Reason)
	requireClosed(t, c)
	require.Zero(t, ts.mgr.Stats().Active)

	select {
	case <-ts.served:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	_, err = client.Dial(testCtx(t), client.Config{
		Dial: transport.DialConfig{Mode: transport.ModeTCP, Host: "127.0.0.1", Port: ts.port},
	})
	require.Error(t, err, "listener should be closed")
}

func TestAcceptsConfiguredVersions(t *testing.T) {
	ts := startManager(t, Config{Versions: protocol.Versions{protocol.Version, 0x02}})
	c := ts.dial(t)

	f, err := command.Encode(&command.Ping{Data: []byte("v2")})
	require.NoError(t, err)
	f.Version = 0x02
	require.NoError(t, c.SendFrame(f))

	msg := recvUntil(t, c, command.IDPing)
	require.Equal(t, []byte("v2"), msg.(*command.Ping).Data)
}

func TestPolicyGatesCommands(t *testing.T) {
	policy, err := NewPolicy(map[string][]string{
		"alice":         {"app:notepad", PermInput},
		DefaultIdentity: {PermDisplay},
	})
	require.NoError(t, err)
	ts := startManager(t, Config{Policy: policy})
	ctx := testCtx(t)

	alice := ts.dial(t)
	_, err = alice.AuthenticatePSK(ctx, "alice", []byte(testSecret))
	require.NoError(t, err)
	_, err = alice.Launch(ctx, "notepad")
	require.NoError(t, err)
	_, err = alice.Launch(ctx, "terminal")
	require.ErrorIs(t, err, command.ErrPermissionDenied)

	bob := ts.dial(t)
	_, err = bob.AuthenticatePSK(ctx, "bob", []byte(testSecret))
	require.NoError(t, err)
	_, err = bob.Launch(ctx, "notepad")
	require.ErrorIs(t, err, command.ErrPermissionDenied)

	// A refusal does not end the session.
	_, err = bob.Ping(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"notepad"}, ts.handler.Launched())

	ts.mgr.SetPolicy(nil)
	_, err = bob.Launch(ctx, "terminal")
	require.NoError(t, err)
}

func TestSweepUsesLastActivity(t *testing.T) {
	m := NewManager(Config{State: state.Config{IdleTimeout: time.Minute}}, nil, &recordingHandler{}, nil)
	require.Equal(t, DefaultSweepInterval, m.cfg.SweepInterval)
	require.Equal(t, time.Minute, m.cfg.State.IdleTimeout)

	// An empty registry sweeps cleanly.
	m.sweep(time.Now().Add(time.Hour))
	require.Zero(t, m.Stats().Evicted)
	require.ErrorIs(t, m.Terminate("nope"), ErrSessionNotFound)
}
