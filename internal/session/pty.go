package session

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/creack/pty"
)

// Initial size of a terminal app's PTY, until the client sends ResizeWindow.
const (
	defaultRows = 24
	defaultCols = 80
)

// spawnPTY starts a terminal app in a new PTY with the default size.
// Returns the PTY master file and the running command. Sets RCP_SESSION and
// TERM (from the app, falling back to xterm-256color) in its environment.
func spawnPTY(sessionID string, app App, args []string) (*os.File, *exec.Cmd, error) {
	cmd := exec.Command(app.Command, append(append([]string(nil), app.Args...), args...)...)
	cmd.Dir = app.Dir

	term := sanitizeTerm(app.Term)

	// Filter out any inherited TERM= and inject the app's value.
	var env []string
	for _, e := range os.Environ() {
		if !strings.HasPrefix(e, "TERM=") {
			env = append(env, e)
		}
	}
	env = append(env, "TERM="+term)
	cmd.Env = append(env, "RCP_SESSION="+sessionID)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: defaultRows, Cols: defaultCols})
	if err != nil {
		return nil, nil, fmt.Errorf("start PTY: %w", err)
	}

	return ptmx, cmd, nil
}

// resizePTY sets the PTY to the given dimensions.
func resizePTY(ptmx *os.File, rows, cols uint16) error {
	return pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// ptySize returns the current PTY dimensions as cols, rows.
func ptySize(ptmx *os.File) (cols, rows uint16) {
	sz, err := pty.GetsizeFull(ptmx)
	if err != nil {
		return defaultCols, defaultRows
	}
	return sz.Cols, sz.Rows
}

// sanitizeTerm validates a TERM value. Returns the value if it looks
// reasonable, or "xterm-256color" as a safe fallback.
func sanitizeTerm(term string) string {
	if term == "" || len(term) > 128 {
		return "xterm-256color"
	}
	for _, c := range term {
		if c < 0x20 || c == '=' || c > 0x7e {
			return "xterm-256color"
		}
	}
	return term
}
