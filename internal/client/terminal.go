package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"unicode/utf8"

	"golang.org/x/term"

	"github.com/chronologos/rcp/internal/command"
)

// DetachKey (Ctrl-]) ends a Terminal session without stopping the remote
// app's session.
const DetachKey = 0x1d

const stdinBufSize = 4096

// Terminal drives a launched terminal app from the local terminal. Typed
// characters become key events, window size changes become ResizeWindow
// messages, and text display frames are written to stdout. When stdin is
// a terminal it is put in raw mode for the duration.
//
// Terminal returns nil when the user presses DetachKey or the server
// disconnects. Output keeps streaming after stdin ends.
func (c *Client) Terminal(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	fd := -1
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd = int(f.Fd())
	}
	if fd >= 0 {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("make raw: %w", err)
		}
		defer term.Restore(fd, oldState)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stdinCh := make(chan []byte, 4)
	go readStdin(stdin, stdinCh)

	type recvResult struct {
		msg command.Message
		err error
	}
	msgCh := make(chan recvResult, 16)
	go func() {
		for {
			msg, err := c.Recv(ctx)
			select {
			case msgCh <- recvResult{msg, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	// SIGWINCH for terminal resize
	sigwinchCh := make(chan os.Signal, 1)
	if fd >= 0 {
		signal.Notify(sigwinchCh, syscall.SIGWINCH)
		defer signal.Stop(sigwinchCh)
		c.sendResize(fd)
	}

	var pending []byte // incomplete UTF-8 sequence from the last read
	for {
		select {
		case data, ok := <-stdinCh:
			if !ok {
				// Keep showing output until the server hangs up.
				stdinCh = nil
				continue
			}
			pending = append(pending, data...)
			var detach bool
			pending, detach = c.sendKeys(pending)
			if detach {
				return nil
			}
		case <-sigwinchCh:
			c.sendResize(fd)
		case r := <-msgCh:
			if r.err != nil {
				if errors.Is(r.err, io.EOF) {
					return nil
				}
				return r.err
			}
			switch m := r.msg.(type) {
			case *command.DisplayFrame:
				if m.Format == command.FormatText {
					stdout.Write(m.Data)
				}
			case *command.Disconnect:
				c.log.Info("server disconnected", "reason", m.Reason)
				return nil
			case *command.ErrorMessage:
				return m.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// sendKeys sends one pressed key per complete rune in buf and returns the
// unconsumed tail.
func (c *Client) sendKeys(buf []byte) ([]byte, bool) {
	for len(buf) > 0 {
		if !utf8.FullRune(buf) {
			return buf, false
		}
		r, size := utf8.DecodeRune(buf)
		buf = buf[size:]
		if r == DetachKey {
			return nil, true
		}
		if r == utf8.RuneError {
			continue
		}
		err := c.Send(&command.InputEvent{
			Kind: command.InputKey,
			Key:  &command.KeyEvent{Code: uint32(r), State: command.KeyPressed},
		})
		if err != nil {
			c.log.Warn("key send failed", "error", err)
			return nil, false
		}
	}
	return buf[:0], false
}

func (c *Client) sendResize(fd int) {
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		return
	}
	c.Send(&command.ResizeWindow{Width: uint16(cols), Height: uint16(rows)})
}

func readStdin(r io.Reader, ch chan<- []byte) {
	defer close(ch)
	for {
		buf := make([]byte, stdinBufSize)
		n, err := r.Read(buf)
		if n > 0 {
			ch <- buf[:n]
		}
		if err != nil {
			return
		}
	}
}
