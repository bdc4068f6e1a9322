package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/chronologos/rcp/internal/command"
)

// App is one entry of the launch catalogue.
type App struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
	Dir     string   `yaml:"dir,omitempty"`

	// Terminal apps run in a PTY whose output streams to the client as
	// text display frames. Others are started without a terminal.
	Terminal bool   `yaml:"terminal,omitempty"`
	Term     string `yaml:"term,omitempty"`
}

// process is one app started by a session.
type process struct {
	app  string
	cmd  *exec.Cmd
	ptmx *os.File // nil for non-terminal apps
	done chan struct{}
}

// AppHandler is the default Handler: it launches apps from a fixed
// catalogue and kills them when their session ends.
type AppHandler struct {
	log *slog.Logger

	mu        sync.Mutex
	apps      map[string]App
	procs     map[string][]*process // by session ID
	clipboard map[string]command.ClipboardSync
}

// NewAppHandler builds a handler for apps. Names must be unique.
func NewAppHandler(apps []App, log *slog.Logger) (*AppHandler, error) {
	h := &AppHandler{
		log:       log,
		procs:     make(map[string][]*process),
		clipboard: make(map[string]command.ClipboardSync),
	}
	if err := h.SetApps(apps); err != nil {
		return nil, err
	}
	return h, nil
}

// SetApps replaces the catalogue. Running apps are not affected.
func (h *AppHandler) SetApps(apps []App) error {
	m, err := catalogue(apps)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.apps = m
	h.mu.Unlock()
	return nil
}

// ValidateApps reports whether apps would be accepted by SetApps.
func ValidateApps(apps []App) error {
	_, err := catalogue(apps)
	return err
}

func catalogue(apps []App) (map[string]App, error) {
	m := make(map[string]App, len(apps))
	for _, a := range apps {
		if a.Name == "" || a.Command == "" {
			return nil, fmt.Errorf("app %q: name and command are required", a.Name)
		}
		if _, dup := m[a.Name]; dup {
			return nil, fmt.Errorf("app %q defined twice", a.Name)
		}
		m[a.Name] = a
	}
	return m, nil
}

func (h *AppHandler) Apps() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.apps))
	for name := range h.apps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LaunchApp starts the catalogue entry named by msg.Path. msg.Args are
// appended to the configured arguments.
func (h *AppHandler) LaunchApp(_ context.Context, p Peer, msg *command.LaunchApp) error {
	h.mu.Lock()
	app, ok := h.apps[msg.Path]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: app %q", command.ErrNotFound, msg.Path)
	}

	proc := &process{app: app.Name, done: make(chan struct{})}
	if app.Terminal {
		ptmx, cmd, err := spawnPTY(p.ID(), app, msg.Args)
		if err != nil {
			return fmt.Errorf("launch %s: %w", app.Name, err)
		}
		proc.cmd, proc.ptmx = cmd, ptmx
		go h.streamPTY(p, proc)
	} else {
		cmd := exec.Command(app.Command, append(slices.Clone(app.Args), msg.Args...)...)
		cmd.Dir = app.Dir
		cmd.Env = append(os.Environ(), "RCP_SESSION="+p.ID())
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("launch %s: %w", app.Name, err)
		}
		proc.cmd = cmd
	}

	h.mu.Lock()
	h.procs[p.ID()] = append(h.procs[p.ID()], proc)
	h.mu.Unlock()
	go h.wait(p.ID(), proc)
	return nil
}

// streamPTY forwards terminal output to the peer until the PTY closes.
func (h *AppHandler) streamPTY(p Peer, proc *process) {
	defer proc.ptmx.Close()
	buf := make([]byte, 32*1024)
	for {
		n, err := proc.ptmx.Read(buf)
		if n > 0 {
			cols, rows := ptySize(proc.ptmx)
			frame := &command.DisplayFrame{
				Width:  uint32(cols),
				Height: uint32(rows),
				Format: command.FormatText,
				Flags:  command.FramePartial,
				Data:   slices.Clone(buf[:n]),
			}
			if err := p.Send(frame); err != nil {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				h.log.Debug("pty read ended", "session", p.ID(), "app", proc.app, "error", err)
			}
			return
		}
	}
}

// wait reaps the process and drops it from the session's list.
func (h *AppHandler) wait(sessionID string, proc *process) {
	err := proc.cmd.Wait()
	close(proc.done)
	h.log.Debug("app exited", "session", sessionID, "app", proc.app, "error", err)

	h.mu.Lock()
	defer h.mu.Unlock()
	procs := slices.DeleteFunc(h.procs[sessionID], func(q *process) bool { return q == proc })
	if len(procs) == 0 {
		delete(h.procs, sessionID)
	} else {
		h.procs[sessionID] = procs
	}
}

// terminal returns the session's most recently launched running terminal
// app, or nil.
func (h *AppHandler) terminal(sessionID string) *process {
	h.mu.Lock()
	defer h.mu.Unlock()
	procs := h.procs[sessionID]
	for i := len(procs) - 1; i >= 0; i-- {
		if procs[i].ptmx != nil {
			return procs[i]
		}
	}
	return nil
}

// Input writes key presses to the session's terminal app. Mouse events and
// sessions without a terminal app are ignored.
func (h *AppHandler) Input(p Peer, msg *command.InputEvent) error {
	if msg.Kind != command.InputKey || msg.Key == nil {
		return nil
	}
	b := keyBytes(msg.Key)
	if len(b) == 0 {
		return nil
	}
	proc := h.terminal(p.ID())
	if proc == nil {
		return nil
	}
	if _, err := proc.ptmx.Write(b); err != nil {
		return fmt.Errorf("write to PTY: %w", err)
	}
	return nil
}

// Resize applies the window size to every terminal app of the session.
// Width and height are columns and rows.
func (h *AppHandler) Resize(p Peer, msg *command.ResizeWindow) error {
	if msg.Width == 0 || msg.Height == 0 {
		return fmt.Errorf("%w: zero window size", command.ErrInvalidCommand)
	}
	h.mu.Lock()
	procs := slices.Clone(h.procs[p.ID()])
	h.mu.Unlock()
	for _, proc := range procs {
		if proc.ptmx == nil {
			continue
		}
		if err := resizePTY(proc.ptmx, msg.Height, msg.Width); err != nil {
			return fmt.Errorf("resize PTY: %w", err)
		}
	}
	return nil
}

// Clipboard records the peer's clipboard contents.
func (h *AppHandler) Clipboard(p Peer, msg *command.ClipboardSync) error {
	h.mu.Lock()
	h.clipboard[p.ID()] = command.ClipboardSync{MIME: msg.MIME, Data: slices.Clone(msg.Data)}
	h.mu.Unlock()
	return nil
}

// ClipboardOf returns the last clipboard contents synced by a session.
func (h *AppHandler) ClipboardOf(sessionID string) (command.ClipboardSync, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clipboard[sessionID]
	return c, ok
}

// Release kills every app the session started.
func (h *AppHandler) Release(p Peer) {
	h.mu.Lock()
	procs := h.procs[p.ID()]
	delete(h.clipboard, p.ID())
	h.mu.Unlock()

	for _, proc := range procs {
		if proc.ptmx != nil {
			proc.ptmx.Close()
		}
		select {
		case <-proc.done:
		default:
			proc.cmd.Process.Kill()
		}
	}
}

// keyBytes translates a key press into the bytes a terminal expects.
func keyBytes(k *command.KeyEvent) []byte {
	if k.State != command.KeyPressed {
		return nil
	}
	code := rune(k.Code)
	if k.Mods&command.ModControl != 0 {
		switch {
		case code >= 'a' && code <= 'z':
			return []byte{byte(code - 'a' + 1)}
		case code >= 'A' && code <= 'Z':
			return []byte{byte(code - 'A' + 1)}
		}
	}
	switch code {
	case '\b':
		return []byte{0x7f}
	case '\n':
		return []byte{'\r'}
	}
	if !utf8.ValidRune(code) {
		return nil
	}
	return utf8.AppendRune(nil, code)
}
