package command

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/chronologos/rcp/internal/protocol"
)

// Shape describes how a command's payload is laid out on the wire.
type Shape uint8

const (
	// ShapeStructured payloads are sequences of length-prefixed fields.
	ShapeStructured Shape = iota
	// ShapeFixed payloads are exactly Spec.Size bytes.
	ShapeFixed
	// ShapeOpaque payloads are uninterpreted bytes.
	ShapeOpaque
)

// Direction is a bit set of the roles allowed to send a command.
type Direction uint8

const (
	ToServer Direction = 1 << iota
	ToClient

	Both = ToServer | ToClient
)

// Spec describes one command.
type Spec struct {
	ID        ID
	Name      string
	JSONType  string // discriminator used by the JSON bridge
	PreAuth   bool   // deliverable before authentication
	Shape     Shape
	Size      int // payload length for ShapeFixed
	Direction Direction

	// New returns an empty message for the command. Commands registered
	// without one decode into *Raw.
	New func() Message
}

// NewMessage returns an empty message of the command's type.
func (s Spec) NewMessage() Message {
	if s.New == nil {
		return &Raw{ID: s.ID}
	}
	return s.New()
}

var builtins = []Spec{
	{ID: IDAuth, Name: "Auth", JSONType: "auth", PreAuth: true, Direction: Both,
		New: func() Message { return &Auth{} }},
	{ID: IDPing, Name: "Ping", JSONType: "ping", PreAuth: true, Shape: ShapeOpaque, Direction: Both,
		New: func() Message { return &Ping{} }},
	{ID: IDDisconnect, Name: "Disconnect", JSONType: "disconnect", PreAuth: true, Direction: Both,
		New: func() Message { return &Disconnect{} }},
	{ID: IDLaunchApp, Name: "LaunchApp", JSONType: "launch_app", Direction: ToServer,
		New: func() Message { return &LaunchApp{} }},
	{ID: IDInputEvent, Name: "InputEvent", JSONType: "input_event", Direction: ToServer,
		New: func() Message { return &InputEvent{} }},
	{ID: IDDisplayFrame, Name: "DisplayFrame", JSONType: "display_frame", Direction: ToClient,
		New: func() Message { return &DisplayFrame{} }},
	{ID: IDResizeWindow, Name: "ResizeWindow", JSONType: "resize_window", Shape: ShapeFixed, Size: 4, Direction: ToServer,
		New: func() Message { return &ResizeWindow{} }},
	{ID: IDClipboardSync, Name: "ClipboardSync", JSONType: "clipboard_sync", Direction: Both,
		New: func() Message { return &ClipboardSync{} }},
	{ID: IDListApps, Name: "ListApps", JSONType: "list_apps", Direction: Both,
		New: func() Message { return &ListApps{} }},
	{ID: IDAck, Name: "Ack", JSONType: "ack", Direction: ToClient,
		New: func() Message { return &Ack{} }},
	{ID: IDError, Name: "Error", JSONType: "error", Direction: ToClient,
		New: func() Message { return &ErrorMessage{} }},
	{ID: IDHeartbeat, Name: "Heartbeat", JSONType: "heartbeat", Shape: ShapeFixed, Size: HeartbeatSize, Direction: Both,
		New: func() Message { return &Heartbeat{} }},
}

// ErrDuplicateCommand is returned by Register when an ID or JSON type is
// already taken.
var ErrDuplicateCommand = errors.New("command already registered")

// Registry maps command IDs to their specs. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byID   map[ID]Spec
	byJSON map[string]ID
}

// NewRegistry returns a registry holding the built-in commands.
func NewRegistry() *Registry {
	r := &Registry{
		byID:   make(map[ID]Spec, len(builtins)),
		byJSON: make(map[string]ID, len(builtins)),
	}
	for _, s := range builtins {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
	return r
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry of built-in commands.
func Default() *Registry { return defaultRegistry }

// Register adds a command. Existing IDs and JSON types are never reused.
func (r *Registry) Register(s Spec) error {
	if s.Name == "" || s.JSONType == "" {
		return fmt.Errorf("register 0x%02x: name and JSON type required", byte(s.ID))
	}
	if s.Shape == ShapeFixed && s.Size <= 0 {
		return fmt.Errorf("register %s: fixed shape needs a size", s.Name)
	}
	if s.Direction == 0 {
		s.Direction = Both
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byID[s.ID]; ok {
		return fmt.Errorf("%w: 0x%02x is %s", ErrDuplicateCommand, byte(s.ID), old.Name)
	}
	if _, ok := r.byJSON[s.JSONType]; ok {
		return fmt.Errorf("%w: JSON type %q", ErrDuplicateCommand, s.JSONType)
	}
	r.byID[s.ID] = s
	r.byJSON[s.JSONType] = s.ID
	return nil
}

// Lookup returns the spec for id.
func (r *Registry) Lookup(id ID) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// ByJSONType returns the spec whose JSON discriminator is name.
func (r *Registry) ByJSONType(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byJSON[name]
	if !ok {
		return Spec{}, false
	}
	return r.byID[id], true
}

// Specs returns every registered spec ordered by ID.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	out := make([]Spec, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Decode decodes a frame's payload into its typed message without any
// permission check.
func (r *Registry) Decode(f protocol.Frame) (Message, error) {
	s, ok := r.Lookup(ID(f.Command))
	if !ok {
		return nil, fmt.Errorf("%w: 0x%02x", ErrInvalidCommand, f.Command)
	}
	return s.decode(f.Payload)
}

// Dispatch decides whether a frame may be delivered in the current
// connection state and decodes it. Unknown commands fail with
// ErrInvalidCommand; commands that need authentication fail with
// ErrPermissionDenied before the payload is looked at.
func (r *Registry) Dispatch(f protocol.Frame, authenticated bool) (Message, error) {
	s, ok := r.Lookup(ID(f.Command))
	if !ok {
		return nil, fmt.Errorf("%w: 0x%02x", ErrInvalidCommand, f.Command)
	}
	if !authenticated && !s.PreAuth {
		return nil, fmt.Errorf("%w: %s before authentication", ErrPermissionDenied, s.Name)
	}
	return s.decode(f.Payload)
}

func (s Spec) decode(payload []byte) (Message, error) {
	if s.Shape == ShapeFixed && len(payload) != s.Size {
		return nil, fmt.Errorf("%w: %s payload is %d bytes, want %d",
			protocol.ErrInvalidPayload, s.Name, len(payload), s.Size)
	}
	m := s.NewMessage()
	if err := m.UnmarshalBinary(payload); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.Name, err)
	}
	return m, nil
}
