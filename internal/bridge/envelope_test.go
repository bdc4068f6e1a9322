package bridge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chronologos/rcp/internal/command"
	"github.com/chronologos/rcp/internal/protocol"
)

func TestEveryCommandHasOneJSONType(t *testing.T) {
	reg := command.Default()
	seen := map[string]command.ID{}
	for _, spec := range reg.Specs() {
		require.NotEmpty(t, spec.JSONType, spec.Name)
		prev, dup := seen[spec.JSONType]
		require.False(t, dup, "%s and %s share JSON type %q", prev, spec.ID, spec.JSONType)
		seen[spec.JSONType] = spec.ID

		back, ok := reg.ByJSONType(spec.JSONType)
		require.True(t, ok)
		require.Equal(t, spec.ID, back.ID)
	}
}

func TestToFrameLaunchApp(t *testing.T) {
	f, err := ToFrame(command.Default(), Envelope{
		Type:    "launch_app",
		Payload: json.RawMessage(`{"path":"notepad","args":["-n"]}`),
	})
	require.NoError(t, err)
	require.Equal(t, byte(command.IDLaunchApp), f.Command)

	msg, err := command.Default().Decode(f)
	require.NoError(t, err)
	require.Equal(t, &command.LaunchApp{Path: "notepad", Args: []string{"-n"}}, msg)
}

func TestFromFrameAck(t *testing.T) {
	f, err := command.Encode(&command.Ack{For: command.IDLaunchApp, Status: command.AckOK, Detail: "notepad"})
	require.NoError(t, err)

	env, err := FromFrame(command.Default(), f)
	require.NoError(t, err)
	require.Equal(t, "ack", env.Type)
	require.JSONEq(t, `{"command":1,"status":0,"detail":"notepad"}`, string(env.Payload))
}

// Messages a browser may send survive browser -> frame -> browser with
// identical semantic content.
func TestTranslationIsSymmetric(t *testing.T) {
	msgs := []command.Message{
		&command.Auth{Stage: command.StageBegin, Method: command.MethodPSK, Credential: []byte("k")},
		&command.Ping{Data: []byte("hello")},
		&command.LaunchApp{Path: "shell", Flags: 2},
		&command.InputEvent{Kind: command.InputKey, Key: &command.KeyEvent{Code: 'q', State: command.KeyPressed}},
		&command.InputEvent{Kind: command.InputMouse, Mouse: &command.MouseEvent{Type: command.MouseWheel, X: 3, Y: -4, Wheel: -120}},
		&command.ResizeWindow{Width: 120, Height: 40},
		&command.ClipboardSync{MIME: "text/plain", Data: []byte("copied")},
		&command.ListApps{Apps: []string{"a", "b"}},
		&command.Disconnect{Reason: "bye"},
		&command.Heartbeat{Timestamp: 1700000000000},
	}
	reg := command.Default()
	for _, msg := range msgs {
		spec, ok := reg.Lookup(msg.Command())
		require.True(t, ok)
		payload, err := json.Marshal(msg)
		require.NoError(t, err)

		f, err := ToFrame(reg, Envelope{Type: spec.JSONType, Payload: payload})
		require.NoError(t, err, spec.Name)
		env, err := FromFrame(reg, f)
		require.NoError(t, err, spec.Name)
		require.Equal(t, spec.JSONType, env.Type)
		require.JSONEq(t, string(payload), string(env.Payload), spec.Name)
	}
}

func TestToFrameRefusals(t *testing.T) {
	reg := command.Default()

	_, err := ToFrame(reg, Envelope{Type: "nope"})
	require.ErrorIs(t, err, ErrUnknownType)

	_, err = ToFrame(reg, Envelope{Type: "ack", Payload: json.RawMessage(`{"command":1}`)})
	require.ErrorIs(t, err, ErrDirection)

	_, err = ToFrame(reg, Envelope{Type: "launch_app", Payload: json.RawMessage(`{"path":`)})
	require.Error(t, err)

	_, err = ToFrame(reg, Envelope{Type: "launch_app", Payload: json.RawMessage(`{"path":""}`)})
	require.NoError(t, err, "empty paths are rejected by the server, not the bridge")
}

func TestFromFrameUnknownCommand(t *testing.T) {
	_, err := FromFrame(command.Default(), protocol.NewFrame(0x77, nil))
	require.ErrorIs(t, err, command.ErrInvalidCommand)
}

func TestExtensionCommandTranslatesAsRaw(t *testing.T) {
	reg := command.NewRegistry()
	require.NoError(t, reg.Register(command.Spec{
		ID: 0x20, Name: "FileChunk", JSONType: "file_chunk", Shape: command.ShapeOpaque,
	}))

	f, err := ToFrame(reg, Envelope{Type: "file_chunk", Payload: json.RawMessage(`{"data":"AQID"}`)})
	require.NoError(t, err)
	require.Equal(t, byte(0x20), f.Command)
	require.Equal(t, []byte{1, 2, 3}, f.Payload)

	env, err := FromFrame(reg, f)
	require.NoError(t, err)
	require.Equal(t, "file_chunk", env.Type)
	require.JSONEq(t, `{"data":"AQID"}`, string(env.Payload))
}

func TestErrorEnvelopeCodes(t *testing.T) {
	var e command.ErrorMessage
	require.NoError(t, json.Unmarshal(errorEnvelope(ErrUnknownType).Payload, &e))
	require.Equal(t, command.CodeInvalidCommand, e.Code)

	require.NoError(t, json.Unmarshal(errorEnvelope(command.ErrServerBusy).Payload, &e))
	require.Equal(t, command.CodeServerBusy, e.Code)
}
