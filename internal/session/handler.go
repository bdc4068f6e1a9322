package session

import (
	"context"
	"fmt"

	"github.com/chronologos/rcp/internal/command"
)

// Peer is the session a handler serves. Send is safe to call from any
// goroutine and fails once the session has ended.
type Peer interface {
	ID() string
	Identity() string
	Send(msg command.Message) error
}

// Handler executes application commands for authenticated sessions. The
// session goroutine calls every method except where noted, so a slow
// handler delays only its own session.
type Handler interface {
	// Apps lists the launchable application names.
	Apps() []string
	LaunchApp(ctx context.Context, p Peer, msg *command.LaunchApp) error
	Input(p Peer, msg *command.InputEvent) error
	Resize(p Peer, msg *command.ResizeWindow) error
	Clipboard(p Peer, msg *command.ClipboardSync) error
	// Release frees everything the session started. Called once, after
	// the session's transport is closed.
	Release(p Peer)
}

// dispatch routes one delivered message. Auth, Heartbeat and Disconnect
// never get here; the state machine consumes them.
func (s *Session) dispatch(ctx context.Context, msg command.Message) {
	h := s.mgr.handler
	err := s.mgr.policy.Load().authorize(s.machine.Identity(), msg)
	if err != nil {
		s.log.Warn("command refused", "command", msg.Command(), "identity", s.machine.Identity(), "error", err)
		s.Send(command.ErrorFor(err))
		return
	}
	switch msg := msg.(type) {
	case *command.Ping:
		err = s.Send(&command.Ping{Data: msg.Data})
	case *command.LaunchApp:
		if err = h.LaunchApp(ctx, s, msg); err == nil {
			s.log.Info("app launched", "app", msg.Path)
			err = s.Send(&command.Ack{For: command.IDLaunchApp, Status: command.AckOK, Detail: msg.Path})
		}
	case *command.ListApps:
		err = s.Send(&command.ListApps{Apps: h.Apps()})
	case *command.InputEvent:
		err = h.Input(s, msg)
	case *command.ResizeWindow:
		err = h.Resize(s, msg)
	case *command.ClipboardSync:
		if err = h.Clipboard(s, msg); err == nil {
			err = s.Send(&command.Ack{For: command.IDClipboardSync, Status: command.AckOK})
		}
	case *command.Ack:
		s.log.Debug("peer ack", "command", msg.For, "status", msg.Status)
	case *command.ErrorMessage:
		s.log.Warn("peer reported error", "code", msg.Code, "message", msg.Message)
	case *command.DisplayFrame:
		err = fmt.Errorf("%w: display frames flow server to client", command.ErrInvalidCommand)
	case *command.Raw:
		err = fmt.Errorf("%w: no handler for %s", command.ErrInvalidCommand, msg.ID)
	case *command.Auth, *command.Heartbeat, *command.Disconnect:
	}
	if err != nil {
		s.log.Warn("command failed", "command", msg.Command(), "error", err)
		s.Send(command.ErrorFor(err))
	}
}
