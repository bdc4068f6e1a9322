package bridge

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chronologos/rcp/internal/command"
	"github.com/chronologos/rcp/internal/protocol"
)

// Envelope is one message on the browser side: the command's JSON type
// and its payload as the message's JSON encoding.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var (
	ErrUnknownType = errors.New("unknown message type")
	ErrDirection   = errors.New("message not accepted from this side")
)

// ToFrame translates a browser envelope into a frame for the server.
// Commands the server only ever sends are refused.
func ToFrame(reg *command.Registry, env Envelope) (protocol.Frame, error) {
	spec, ok := reg.ByJSONType(env.Type)
	if !ok {
		return protocol.Frame{}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if spec.Direction&command.ToServer == 0 {
		return protocol.Frame{}, fmt.Errorf("%w: %s", ErrDirection, env.Type)
	}
	msg := spec.NewMessage()
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, msg); err != nil {
			return protocol.Frame{}, fmt.Errorf("%s payload: %w", env.Type, err)
		}
	}
	if raw, ok := msg.(*command.Raw); ok {
		raw.ID = spec.ID
	}
	return command.Encode(msg)
}

// FromFrame translates a frame from the server into a browser envelope.
func FromFrame(reg *command.Registry, f protocol.Frame) (Envelope, error) {
	spec, ok := reg.Lookup(command.ID(f.Command))
	if !ok {
		return Envelope{}, fmt.Errorf("%w: 0x%02x", command.ErrInvalidCommand, f.Command)
	}
	msg, err := reg.Decode(f)
	if err != nil {
		return Envelope{}, err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", spec.JSONType, err)
	}
	return Envelope{Type: spec.JSONType, Payload: payload}, nil
}

// errorEnvelope reports a bridge-side failure to the browser in the same
// shape as a server Error message.
func errorEnvelope(err error) Envelope {
	code := command.CodeFor(err)
	if errors.Is(err, ErrUnknownType) || errors.Is(err, ErrDirection) {
		code = command.CodeInvalidCommand
	} else if code == command.CodeInternal {
		// Unparseable JSON.
		code = command.CodeInvalidPayload
	}
	payload, _ := json.Marshal(&command.ErrorMessage{Code: code, Message: code.String()})
	return Envelope{Type: "error", Payload: payload}
}
