package main

import (
	"bytes"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chronologos/rcp/internal/auth"
	"github.com/chronologos/rcp/internal/command"
	"github.com/chronologos/rcp/internal/config"
	"github.com/chronologos/rcp/internal/session"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "none.yaml")}, args...))
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestHashSecretGenerates(t *testing.T) {
	out := run(t, "hash-secret", "--scheme", "sha256")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "secret: "))
	require.True(t, strings.HasPrefix(lines[1], "psk_hash: sha256:"))
}

func TestHashSecretGiven(t *testing.T) {
	out := run(t, "hash-secret", "--scheme", "sha256", "hunter2")
	require.Equal(t,
		"psk_hash: sha256:f52fbd32b2b3b86ff88ef6c490628285f482af15ddcb29541f94bcf526a3f6c7\n", out)
}

func TestVersion(t *testing.T) {
	require.Contains(t, run(t, "version"), "protocol 0x01")
}

func TestGetLogLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, getLogLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, getLogLevel("warn"))
	require.Equal(t, slog.LevelError, getLogLevel("error"))
	require.Equal(t, slog.LevelInfo, getLogLevel("chatty"))
}

func TestApplyReloadIsAllOrNothing(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	oldHash, err := auth.HashSecret("old", "sha256")
	require.NoError(t, err)
	newHash, err := auth.HashSecret("new", "sha256")
	require.NoError(t, err)

	authn, err := auth.New(auth.Config{}, auth.Credentials{PSKHash: oldHash})
	require.NoError(t, err)
	apps, err := session.NewAppHandler([]session.App{{Name: "shell", Command: "/bin/sh"}}, log)
	require.NoError(t, err)
	mgr := session.NewManager(session.Config{}, authn, apps, log)

	psk := func(secret string) auth.Status {
		return authn.Authenticate("s", &command.Auth{
			Stage: command.StageBegin, Method: command.MethodPSK, Credential: []byte(secret),
		}, time.Now()).Status
	}

	// A bad catalogue keeps the new secret out too.
	next := config.Default()
	next.Auth.PSKHash = newHash
	next.Apps = []session.App{{Name: "x", Command: "/bin/true"}, {Name: "x", Command: "/bin/false"}}
	require.Error(t, applyReload(next, authn, apps, mgr))
	require.Equal(t, auth.StatusGranted, psk("old"))
	require.Equal(t, auth.StatusDenied, psk("new"))
	require.Equal(t, []string{"shell"}, apps.Apps())

	next.Apps = []session.App{{Name: "editor", Command: "/usr/bin/vi"}}
	require.NoError(t, applyReload(next, authn, apps, mgr))
	require.Equal(t, auth.StatusGranted, psk("new"))
	require.Equal(t, auth.StatusDenied, psk("old"))
	require.Equal(t, []string{"editor"}, apps.Apps())
}
