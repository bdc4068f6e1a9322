package command

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/chronologos/rcp/internal/protocol"
)

func mustEncode(t *testing.T, m Message) protocol.Frame {
	t.Helper()
	f, err := Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestDispatchPreAuthCommands(t *testing.T) {
	r := NewRegistry()
	for _, m := range []Message{
		&Auth{Stage: StageBegin, Method: MethodPSK, Credential: []byte("s3cret")},
		&Ping{Data: []byte("hi")},
		&Disconnect{Reason: "bye"},
	} {
		got, err := r.Dispatch(mustEncode(t, m), false)
		if err != nil {
			t.Fatalf("%s before auth: %v", m.Command(), err)
		}
		if got.Command() != m.Command() {
			t.Fatalf("dispatched %s, want %s", got.Command(), m.Command())
		}
	}
}

func TestDispatchPermissionDenied(t *testing.T) {
	r := NewRegistry()
	for _, m := range []Message{
		&LaunchApp{Path: "notepad"},
		&Heartbeat{Timestamp: 1},
		&ClipboardSync{MIME: "text/plain", Data: []byte("x")},
		&ListApps{},
	} {
		_, err := r.Dispatch(mustEncode(t, m), false)
		if !errors.Is(err, ErrPermissionDenied) {
			t.Fatalf("%s before auth: expected ErrPermissionDenied, got %v", m.Command(), err)
		}
		if _, err := r.Dispatch(mustEncode(t, m), true); err != nil {
			t.Fatalf("%s after auth: %v", m.Command(), err)
		}
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	r := NewRegistry()
	_, err := r.Dispatch(protocol.NewFrame(0x42, nil), true)
	if !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("expected ErrInvalidCommand, got %v", err)
	}
	if CodeFor(err) != CodeInvalidCommand {
		t.Fatalf("code = %v", CodeFor(err))
	}
}

func TestDispatchFixedShapeMismatch(t *testing.T) {
	r := NewRegistry()
	_, err := r.Dispatch(protocol.NewFrame(byte(IDHeartbeat), make([]byte, 7)), true)
	if !errors.Is(err, protocol.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestDispatchTruncatedPayload(t *testing.T) {
	r := NewRegistry()
	f := mustEncode(t, &LaunchApp{Path: "notepad", Args: []string{"a.txt"}})
	f.Payload = f.Payload[:len(f.Payload)-2]
	if _, err := r.Dispatch(f, true); !errors.Is(err, protocol.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestMessagesSurviveTheWire(t *testing.T) {
	r := NewRegistry()
	msgs := []Message{
		&Auth{Stage: StageChallenge, Method: MethodPublicKey, Identity: "alice", Nonce: []byte{1, 2, 3}},
		&LaunchApp{Flags: 1, Path: "notepad", Args: []string{"--new", "a.txt"}},
		&InputEvent{Kind: InputMouse, Mouse: &MouseEvent{Type: MouseWheel, X: -4, Y: 9, Wheel: -120}},
		&InputEvent{Kind: InputKey, Key: &KeyEvent{Code: 'A', State: KeyPressed, Mods: ModShift}},
		&DisplayFrame{Width: 80, Height: 24, Format: FormatText, Flags: FrameKeyframe, Data: []byte("$ ")},
		&ResizeWindow{Width: 120, Height: 40},
		&ErrorMessage{Code: CodeServerBusy, Message: "server busy"},
		&Ack{For: IDLaunchApp, Status: AckOK, Detail: "pid 42"},
		&ListApps{Apps: []string{"notepad", "shell"}},
	}
	for _, m := range msgs {
		got, err := r.Decode(mustEncode(t, m))
		if err != nil {
			t.Fatalf("%s: %v", m.Command(), err)
		}
		if !reflect.DeepEqual(got, m) {
			t.Fatalf("%s: got %+v, want %+v", m.Command(), got, m)
		}
	}
}

func TestRegisterRefusesReuse(t *testing.T) {
	r := NewRegistry()
	err := r.Register(Spec{ID: IDLaunchApp, Name: "Other", JSONType: "other"})
	if !errors.Is(err, ErrDuplicateCommand) {
		t.Fatalf("expected ErrDuplicateCommand, got %v", err)
	}
	err = r.Register(Spec{ID: 0x20, Name: "Other", JSONType: "launch_app"})
	if !errors.Is(err, ErrDuplicateCommand) {
		t.Fatalf("expected ErrDuplicateCommand for JSON type, got %v", err)
	}
}

func TestRegisterExtensionCommand(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Spec{ID: 0x06, Name: "FileTransfer", JSONType: "file_transfer", Shape: ShapeOpaque}); err != nil {
		t.Fatal(err)
	}
	m, err := r.Dispatch(protocol.NewFrame(0x06, []byte("chunk")), true)
	if err != nil {
		t.Fatal(err)
	}
	raw, ok := m.(*Raw)
	if !ok || raw.ID != 0x06 || string(raw.Data) != "chunk" {
		t.Fatalf("got %#v", m)
	}
	s, ok := r.ByJSONType("file_transfer")
	if !ok || s.ID != 0x06 {
		t.Fatalf("ByJSONType = %+v, %v", s, ok)
	}
	if _, ok := Default().Lookup(0x06); ok {
		t.Fatal("registering on one registry leaked into the default")
	}
}

func TestEveryBuiltinHasUniqueJSONType(t *testing.T) {
	seen := map[string]ID{}
	for _, s := range Default().Specs() {
		if prev, ok := seen[s.JSONType]; ok {
			t.Fatalf("%s and %s share JSON type %q", prev, s.ID, s.JSONType)
		}
		seen[s.JSONType] = s.ID
		if back, ok := Default().ByJSONType(s.JSONType); !ok || back.ID != s.ID {
			t.Fatalf("JSON type %q does not map back to %s", s.JSONType, s.ID)
		}
	}
	if len(seen) != len(builtins) {
		t.Fatalf("registry has %d specs, want %d", len(seen), len(builtins))
	}
}

func TestAuthJSONUsesNames(t *testing.T) {
	b, err := json.Marshal(&Auth{Stage: StageBegin, Method: MethodPSK, Credential: []byte("pw")})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"stage":"begin","method":"psk","credential":"cHc="}`
	if string(b) != want {
		t.Fatalf("json = %s, want %s", b, want)
	}
	var back Auth
	if err := json.Unmarshal([]byte(`{"stage":"response","method":"public_key"}`), &back); err != nil {
		t.Fatal(err)
	}
	if back.Stage != StageResponse || back.Method != MethodPublicKey {
		t.Fatalf("got %+v", back)
	}
}

func TestCodeForClassifies(t *testing.T) {
	cases := map[error]Code{
		ErrPermissionDenied:            CodePermissionDenied,
		ErrAuthenticationFailed:        CodeAuthenticationFailed,
		protocol.ErrInvalidPayload:     CodeInvalidPayload,
		protocol.ErrUnsupportedVersion: CodeUnsupportedVersion,
		ErrTimeout:                     CodeTimeout,
		ErrServerBusy:                  CodeServerBusy,
		errors.New("disk on fire"):     CodeInternal,
	}
	for err, want := range cases {
		if got := CodeFor(err); got != want {
			t.Fatalf("CodeFor(%v) = %v, want %v", err, got, want)
		}
	}
	msg := ErrorFor(errors.New("secret detail"))
	if msg.Message != "internal error" {
		t.Fatalf("internal cause leaked: %q", msg.Message)
	}
	if !errors.Is(msg.Err(), ErrInternal) {
		t.Fatalf("Err() = %v", msg.Err())
	}
}
