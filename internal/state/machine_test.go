package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chronologos/rcp/internal/auth"
	"github.com/chronologos/rcp/internal/command"
	"github.com/chronologos/rcp/internal/protocol"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	m     *Machine
	trail []State
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	hash, err := auth.HashSecret("s3cret", "sha256")
	require.NoError(t, err)
	authn, err := auth.New(auth.Config{TokenSecret: []byte("k")}, auth.Credentials{PSKHash: hash})
	require.NoError(t, err)

	h := &harness{}
	cfg.OnTransition = func(_, to State) { h.trail = append(h.trail, to) }
	h.m = New(cfg, authn, "sess-1", t0)
	h.trail = []State{h.m.State()}
	return h
}

func frame(t *testing.T, msg command.Message) protocol.Frame {
	t.Helper()
	f, err := command.Encode(msg)
	require.NoError(t, err)
	return f
}

func psk(secret string) *command.Auth {
	return &command.Auth{Stage: command.StageBegin, Method: command.MethodPSK, Credential: []byte(secret)}
}

func TestPSKHandshakeTransitions(t *testing.T) {
	h := newHarness(t, Config{})
	h.m.Open(t0)

	out, err := h.m.OnFrame(t0, frame(t, psk("s3cret")))
	require.NoError(t, err)
	require.False(t, out.Close)
	require.NotNil(t, out.Reply)
	require.Equal(t, command.StageGranted, out.Reply.Stage)
	require.NotEmpty(t, out.Reply.Token)

	require.Equal(t, []State{Connecting, Connected, Authenticating, Authenticated}, h.trail)
	require.Equal(t, "psk", h.m.Identity())
	require.Equal(t, out.Reply.Token, h.m.Token())
}

func TestPermissionDeniedKeepsConnected(t *testing.T) {
	h := newHarness(t, Config{})
	h.m.Open(t0)

	for _, msg := range []command.Message{
		&command.LaunchApp{Path: "notepad"},
		&command.Heartbeat{Timestamp: 1},
		&command.ClipboardSync{MIME: "text/plain"},
	} {
		out, err := h.m.OnFrame(t0, frame(t, msg))
		require.ErrorIs(t, err, command.ErrPermissionDenied)
		require.False(t, out.Close)
		require.False(t, IsFatal(err))
		require.Equal(t, Connected, h.m.State())
	}
	require.Zero(t, h.m.Retries(), "permission errors must not count as retries")

	// Ping and Disconnect are allowed before authentication.
	out, err := h.m.OnFrame(t0, frame(t, &command.Ping{Data: []byte("x")}))
	require.NoError(t, err)
	require.IsType(t, &command.Ping{}, out.Deliver)
	require.Equal(t, Connected, h.m.State())
}

func TestRetryExhaustionCloses(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 2})
	h.m.Open(t0)

	for i := 1; i <= 2; i++ {
		out, err := h.m.OnFrame(t0, frame(t, psk("wrong")))
		require.ErrorIs(t, err, auth.ErrAuthenticationFailed)
		require.False(t, IsFatal(err))
		require.False(t, out.Close)
		require.Equal(t, command.StageDenied, out.Reply.Stage)
		require.Equal(t, Connected, h.m.State())
		require.Equal(t, i, h.m.Retries())
	}

	out, err := h.m.OnFrame(t0, frame(t, psk("wrong")))
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.True(t, IsFatal(err))
	require.True(t, out.Close)
	require.Equal(t, Closing, h.m.State())

	_, err = h.m.OnFrame(t0, frame(t, psk("s3cret")))
	require.ErrorIs(t, err, ErrClosed)
}

func TestRetryExhaustionRejectPolicy(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 1, OnExhaustion: RejectOnExhaustion})
	h.m.Open(t0)

	h.m.OnFrame(t0, frame(t, psk("wrong")))
	out, err := h.m.OnFrame(t0, frame(t, psk("wrong")))
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.False(t, out.Close)
	require.Equal(t, Connected, h.m.State())

	// Even the right secret is refused now.
	out, err = h.m.OnFrame(t0, frame(t, psk("s3cret")))
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.Equal(t, command.StageDenied, out.Reply.Stage)
	require.Equal(t, Connected, h.m.State())
}

func TestRecoverAfterFailedAttempt(t *testing.T) {
	h := newHarness(t, Config{})
	h.m.Open(t0)

	_, err := h.m.OnFrame(t0, frame(t, psk("wrong")))
	require.Error(t, err)
	_, err = h.m.OnFrame(t0, frame(t, psk("s3cret")))
	require.NoError(t, err)
	require.Equal(t, Authenticated, h.m.State())
	require.Equal(t, []State{Connecting, Connected, Authenticating, Connected, Authenticating, Authenticated}, h.trail)
}

func TestHeartbeatRefreshesActivity(t *testing.T) {
	h := newHarness(t, Config{IdleTimeout: 10 * time.Second, AuthTimeout: time.Minute})
	h.m.Open(t0)
	_, err := h.m.OnFrame(t0, frame(t, psk("s3cret")))
	require.NoError(t, err)

	now := t0
	for i := 0; i < 5; i++ {
		now = now.Add(8 * time.Second)
		out, err := h.m.OnFrame(now, frame(t, &command.Heartbeat{Timestamp: now.UnixMilli()}))
		require.NoError(t, err)
		require.Nil(t, out.Deliver)
		require.NoError(t, h.m.Tick(now.Add(time.Second)))
	}
	require.Equal(t, Authenticated, h.m.State())
	require.Equal(t, now, h.m.LastActivity())
}

func TestIdleTimeout(t *testing.T) {
	h := newHarness(t, Config{IdleTimeout: 10 * time.Second})
	h.m.Open(t0)
	h.m.OnFrame(t0, frame(t, psk("s3cret")))

	require.NoError(t, h.m.Tick(t0.Add(10*time.Second)))
	err := h.m.Tick(t0.Add(11 * time.Second))
	require.ErrorIs(t, err, ErrTimeout)
	require.True(t, IsFatal(err))
	require.Equal(t, Closing, h.m.State())
}

func TestAuthTimeout(t *testing.T) {
	h := newHarness(t, Config{IdleTimeout: time.Hour, AuthTimeout: 5 * time.Second})
	h.m.Open(t0)

	// Pings keep the connection active but do not authenticate it.
	h.m.OnFrame(t0.Add(4*time.Second), frame(t, &command.Ping{}))
	err := h.m.Tick(t0.Add(6 * time.Second))
	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, Closing, h.m.State())
}

func TestFramingErrorsAreFatal(t *testing.T) {
	h := newHarness(t, Config{})
	h.m.Open(t0)

	out, err := h.m.OnFrame(t0, protocol.NewFrame(0x42, nil))
	require.ErrorIs(t, err, command.ErrInvalidCommand)
	require.True(t, out.Close)
	require.True(t, IsFatal(err))
	require.Equal(t, Closing, h.m.State())
}

func TestBadHeartbeatSizeIsFatal(t *testing.T) {
	h := newHarness(t, Config{})
	h.m.Open(t0)
	h.m.OnFrame(t0, frame(t, psk("s3cret")))

	out, err := h.m.OnFrame(t0, protocol.NewFrame(byte(command.IDHeartbeat), []byte{1, 2, 3}))
	require.ErrorIs(t, err, protocol.ErrInvalidPayload)
	require.True(t, out.Close)
}

func TestDisconnectCloses(t *testing.T) {
	h := newHarness(t, Config{})
	h.m.Open(t0)

	out, err := h.m.OnFrame(t0, frame(t, &command.Disconnect{Reason: "bye"}))
	require.NoError(t, err)
	require.True(t, out.Close)
	require.Equal(t, Closing, h.m.State())

	h.m.OnTransportClosed()
	require.Equal(t, Closed, h.m.State())
	require.Equal(t, Closed, h.trail[len(h.trail)-1])
}

func TestAuthAfterAuthenticatedIsDenied(t *testing.T) {
	h := newHarness(t, Config{})
	h.m.Open(t0)
	h.m.OnFrame(t0, frame(t, psk("s3cret")))

	out, err := h.m.OnFrame(t0, frame(t, psk("s3cret")))
	require.ErrorIs(t, err, command.ErrPermissionDenied)
	require.False(t, out.Close)
	require.Equal(t, Authenticated, h.m.State())
}

func TestFrameBeforeOpen(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.m.OnFrame(t0, frame(t, &command.Ping{}))
	require.ErrorIs(t, err, ErrNotOpen)
}
