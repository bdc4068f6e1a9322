package session

import (
	"fmt"
	"strings"

	"github.com/chronologos/rcp/internal/command"
)

// Permissions a session may hold. "app:<name>" allows launching one
// catalogue entry; PermAll allows everything.
const (
	PermAll       = "*"
	PermLaunch    = "app:launch"
	PermInput     = "input"
	PermDisplay   = "display"
	PermClipboard = "clipboard"

	appPermPrefix = "app:"
)

// DefaultIdentity keys the permissions of identities a Policy does not
// list.
const DefaultIdentity = "*"

// Policy maps authenticated identities to the permissions they hold. A nil
// or empty Policy allows everything.
type Policy struct {
	grants map[string]map[string]bool
}

// NewPolicy builds a policy from identity -> permission lists. Unknown
// permission names are an error.
func NewPolicy(grants map[string][]string) (*Policy, error) {
	p := &Policy{grants: make(map[string]map[string]bool, len(grants))}
	for id, perms := range grants {
		set := make(map[string]bool, len(perms))
		for _, perm := range perms {
			if err := checkPermission(perm); err != nil {
				return nil, fmt.Errorf("identity %q: %w", id, err)
			}
			set[perm] = true
		}
		p.grants[id] = set
	}
	return p, nil
}

func checkPermission(perm string) error {
	switch perm {
	case PermAll, PermLaunch, PermInput, PermDisplay, PermClipboard:
		return nil
	}
	if name, ok := strings.CutPrefix(perm, appPermPrefix); ok && name != "" {
		return nil
	}
	return fmt.Errorf("unknown permission %q", perm)
}

// Allows reports whether identity holds perm.
func (p *Policy) Allows(identity, perm string) bool {
	if p == nil || len(p.grants) == 0 {
		return true
	}
	set, ok := p.grants[identity]
	if !ok {
		set = p.grants[DefaultIdentity]
	}
	return set[PermAll] || set[perm]
}

// required returns the permissions any one of which authorizes msg, or nil
// when msg needs none.
func required(msg command.Message) []string {
	switch msg := msg.(type) {
	case *command.LaunchApp:
		return []string{PermLaunch, appPermPrefix + msg.Path}
	case *command.InputEvent:
		return []string{PermInput}
	case *command.ResizeWindow:
		return []string{PermDisplay}
	case *command.ClipboardSync:
		return []string{PermClipboard}
	}
	return nil
}

// authorize checks msg against the policy for identity.
func (p *Policy) authorize(identity string, msg command.Message) error {
	perms := required(msg)
	if len(perms) == 0 {
		return nil
	}
	for _, perm := range perms {
		if p.Allows(identity, perm) {
			return nil
		}
	}
	return fmt.Errorf("%w: %q lacks %s", command.ErrPermissionDenied, identity, perms[0])
}
