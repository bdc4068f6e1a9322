package command

import (
	"fmt"
	"strings"

	"github.com/chronologos/rcp/internal/protocol"
)

// Message is the decoded payload of one command. The set is closed: every
// implementation lives in this package, and dispatch sites switch over the
// concrete types.
type Message interface {
	Command() ID
	MarshalBinary() ([]byte, error)
	UnmarshalBinary(data []byte) error
	isMessage()
}

// Encode wraps msg in a current-version frame.
func Encode(msg Message) (protocol.Frame, error) {
	payload, err := msg.MarshalBinary()
	if err != nil {
		return protocol.Frame{}, fmt.Errorf("encode %s: %w", msg.Command(), err)
	}
	if len(payload) > protocol.MaxPayloadSize {
		return protocol.Frame{}, protocol.ErrPayloadTooLarge
	}
	return protocol.NewFrame(byte(msg.Command()), payload), nil
}

// ---------------------------------------------------------------------------
// Auth

// AuthStage orders the messages of one handshake.
type AuthStage uint8

const (
	StageBegin     AuthStage = 1 // client: start a handshake
	StageResponse  AuthStage = 2 // client: signed challenge
	StageChallenge AuthStage = 3 // server: nonce to sign
	StageGranted   AuthStage = 4 // server: success, carries a token
	StageDenied    AuthStage = 5 // server: generic failure
)

var stageNames = map[AuthStage]string{
	StageBegin:     "begin",
	StageResponse:  "response",
	StageChallenge: "challenge",
	StageGranted:   "granted",
	StageDenied:    "denied",
}

func (s AuthStage) String() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return fmt.Sprintf("stage(%d)", uint8(s))
}

func (s AuthStage) MarshalText() ([]byte, error) {
	if n, ok := stageNames[s]; ok {
		return []byte(n), nil
	}
	return nil, fmt.Errorf("unknown auth stage %d", uint8(s))
}

func (s *AuthStage) UnmarshalText(b []byte) error {
	for k, n := range stageNames {
		if n == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown auth stage %q", b)
}

// FromClient reports whether the stage is sent by the connecting peer.
func (s AuthStage) FromClient() bool {
	return s == StageBegin || s == StageResponse
}

// AuthMethod identifies a credential scheme. Methods compare by identity,
// never by key material.
type AuthMethod uint8

const (
	MethodPSK       AuthMethod = 1
	MethodPublicKey AuthMethod = 2
)

func (m AuthMethod) String() string {
	switch m {
	case MethodPSK:
		return "psk"
	case MethodPublicKey:
		return "public_key"
	}
	return fmt.Sprintf("method(%d)", uint8(m))
}

func (m AuthMethod) MarshalText() ([]byte, error) {
	switch m {
	case MethodPSK, MethodPublicKey:
		return []byte(m.String()), nil
	}
	return nil, fmt.Errorf("unknown auth method %d", uint8(m))
}

func (m *AuthMethod) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "psk", "pre_shared_key":
		*m = MethodPSK
	case "public_key", "publickey":
		*m = MethodPublicKey
	default:
		return fmt.Errorf("unknown auth method %q", b)
	}
	return nil
}

// Auth carries every stage of the authentication handshake. Fields unused
// by a stage are left empty.
type Auth struct {
	Stage      AuthStage  `json:"stage"`
	Method     AuthMethod `json:"method,omitempty"`
	Identity   string     `json:"identity,omitempty"`
	Credential []byte     `json:"credential,omitempty"`
	Token      string     `json:"token,omitempty"`
	Nonce      []byte     `json:"nonce,omitempty"`
}

func (*Auth) Command() ID { return IDAuth }
func (*Auth) isMessage()  {}

func (m *Auth) MarshalBinary() ([]byte, error) {
	e := &encoder{}
	e.u8(byte(m.Stage))
	e.u8(byte(m.Method))
	e.str(m.Identity)
	e.blob(m.Credential)
	e.str(m.Token)
	e.blob(m.Nonce)
	return e.bytes()
}

func (m *Auth) UnmarshalBinary(data []byte) error {
	d := &decoder{b: data}
	m.Stage = AuthStage(d.u8())
	m.Method = AuthMethod(d.u8())
	m.Identity = d.str()
	m.Credential = d.blob()
	m.Token = d.str()
	m.Nonce = d.blob()
	return d.done()
}

// ---------------------------------------------------------------------------
// Ping

// Ping is echoed back unchanged by the receiver.
type Ping struct {
	Data []byte `json:"data,omitempty"`
}

func (*Ping) Command() ID { return IDPing }
func (*Ping) isMessage()  {}

func (m *Ping) MarshalBinary() ([]byte, error) {
	return append([]byte(nil), m.Data...), nil
}

func (m *Ping) UnmarshalBinary(data []byte) error {
	d := &decoder{b: data}
	m.Data = d.rest()
	return d.done()
}

// ---------------------------------------------------------------------------
// LaunchApp

// LaunchApp starts a remote application by catalogue name or path.
type LaunchApp struct {
	Flags uint32   `json:"flags,omitempty"`
	Path  string   `json:"path"`
	Args  []string `json:"args,omitempty"`
}

func (*LaunchApp) Command() ID { return IDLaunchApp }
func (*LaunchApp) isMessage()  {}

func (m *LaunchApp) MarshalBinary() ([]byte, error) {
	e := &encoder{}
	e.u32(m.Flags)
	e.str(m.Path)
	e.strs(m.Args)
	return e.bytes()
}

func (m *LaunchApp) UnmarshalBinary(data []byte) error {
	d := &decoder{b: data}
	m.Flags = d.u32()
	m.Path = d.str()
	m.Args = d.strs()
	if err := d.done(); err != nil {
		return err
	}
	if m.Path == "" {
		return fmt.Errorf("%w: empty application path", protocol.ErrInvalidPayload)
	}
	return nil
}

// ---------------------------------------------------------------------------
// InputEvent

// InputKind selects the variant carried by an InputEvent.
type InputKind uint8

const (
	InputMouse InputKind = 1
	InputKey   InputKind = 2
)

func (k InputKind) MarshalText() ([]byte, error) {
	switch k {
	case InputMouse:
		return []byte("mouse"), nil
	case InputKey:
		return []byte("key"), nil
	}
	return nil, fmt.Errorf("unknown input kind %d", uint8(k))
}

func (k *InputKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "mouse":
		*k = InputMouse
	case "key":
		*k = InputKey
	default:
		return fmt.Errorf("unknown input kind %q", b)
	}
	return nil
}

// MouseEventType values.
const (
	MouseMove       uint8 = 0x01
	MouseLeftDown   uint8 = 0x02
	MouseLeftUp     uint8 = 0x03
	MouseRightDown  uint8 = 0x04
	MouseRightUp    uint8 = 0x05
	MouseMiddleDown uint8 = 0x06
	MouseMiddleUp   uint8 = 0x07
	MouseWheel      uint8 = 0x08
)

// Key state and modifier bits.
const (
	KeyReleased uint8 = 0
	KeyPressed  uint8 = 1

	ModShift    uint8 = 0x01
	ModControl  uint8 = 0x02
	ModAlt      uint8 = 0x04
	ModMeta     uint8 = 0x08
	ModCapsLock uint8 = 0x10
	ModNumLock  uint8 = 0x20
)

type MouseEvent struct {
	Type  uint8 `json:"type"`
	X     int32 `json:"x"`
	Y     int32 `json:"y"`
	Wheel int16 `json:"wheel,omitempty"`
}

// KeyEvent carries a platform-independent key code. Codes in the printable
// ASCII range equal their character.
type KeyEvent struct {
	Code  uint32 `json:"code"`
	State uint8  `json:"state"`
	Mods  uint8  `json:"mods,omitempty"`
}

// InputEvent is a mouse or keyboard event. Exactly one of Mouse and Key is
// set, matching Kind.
type InputEvent struct {
	Kind  InputKind   `json:"kind"`
	Mouse *MouseEvent `json:"mouse,omitempty"`
	Key   *KeyEvent   `json:"key,omitempty"`
}

func (*InputEvent) Command() ID { return IDInputEvent }
func (*InputEvent) isMessage()  {}

func (m *InputEvent) MarshalBinary() ([]byte, error) {
	e := &encoder{}
	e.u8(byte(m.Kind))
	switch m.Kind {
	case InputMouse:
		if m.Mouse == nil {
			return nil, fmt.Errorf("%w: mouse event missing", protocol.ErrInvalidPayload)
		}
		e.u8(m.Mouse.Type)
		e.i32(m.Mouse.X)
		e.i32(m.Mouse.Y)
		e.i16(m.Mouse.Wheel)
	case InputKey:
		if m.Key == nil {
			return nil, fmt.Errorf("%w: key event missing", protocol.ErrInvalidPayload)
		}
		e.u32(m.Key.Code)
		e.u8(m.Key.State)
		e.u8(m.Key.Mods)
	default:
		return nil, fmt.Errorf("%w: input kind %d", protocol.ErrInvalidPayload, m.Kind)
	}
	return e.bytes()
}

func (m *InputEvent) UnmarshalBinary(data []byte) error {
	d := &decoder{b: data}
	m.Kind = InputKind(d.u8())
	m.Mouse, m.Key = nil, nil
	switch m.Kind {
	case InputMouse:
		m.Mouse = &MouseEvent{Type: d.u8(), X: d.i32(), Y: d.i32(), Wheel: d.i16()}
	case InputKey:
		m.Key = &KeyEvent{Code: d.u32(), State: d.u8(), Mods: d.u8()}
	default:
		if d.err != nil {
			return d.err
		}
		return fmt.Errorf("%w: input kind %d", protocol.ErrInvalidPayload, m.Kind)
	}
	return d.done()
}

// ---------------------------------------------------------------------------
// DisplayFrame

// Frame formats. FormatText carries terminal output as UTF-8 bytes.
const (
	FormatRaw  uint16 = 0
	FormatJPEG uint16 = 1
	FormatPNG  uint16 = 2
	FormatVP8  uint16 = 3
	FormatVP9  uint16 = 4
	FormatH264 uint16 = 5
	FormatH265 uint16 = 6
	FormatText uint16 = 7
)

// Display frame flags.
const (
	FrameKeyframe uint16 = 0x0001
	FrameCursor   uint16 = 0x0002
	FramePartial  uint16 = 0x0004
)

// DisplayFrame is one encoded frame of a remote display.
type DisplayFrame struct {
	Width   uint32 `json:"width"`
	Height  uint32 `json:"height"`
	Display uint32 `json:"display"`
	Format  uint16 `json:"format"`
	Flags   uint16 `json:"flags,omitempty"`
	Quality uint16 `json:"quality,omitempty"`
	Data    []byte `json:"data,omitempty"`
}

func (*DisplayFrame) Command() ID { return IDDisplayFrame }
func (*DisplayFrame) isMessage()  {}

func (m *DisplayFrame) MarshalBinary() ([]byte, error) {
	e := &encoder{buf: make([]byte, 0, 22+len(m.Data))}
	e.u32(m.Width)
	e.u32(m.Height)
	e.u32(m.Display)
	e.u16(m.Format)
	e.u16(m.Flags)
	e.u16(m.Quality)
	e.blob(m.Data)
	return e.bytes()
}

func (m *DisplayFrame) UnmarshalBinary(data []byte) error {
	d := &decoder{b: data}
	m.Width = d.u32()
	m.Height = d.u32()
	m.Display = d.u32()
	m.Format = d.u16()
	m.Flags = d.u16()
	m.Quality = d.u16()
	m.Data = d.blob()
	return d.done()
}

// ---------------------------------------------------------------------------
// ResizeWindow

// ResizeWindow sets the size of the remote window. Terminal apps interpret
// Width and Height as columns and rows.
type ResizeWindow struct {
	Width  uint16 `json:"width"`
	Height uint16 `json:"height"`
}

func (*ResizeWindow) Command() ID { return IDResizeWindow }
func (*ResizeWindow) isMessage()  {}

func (m *ResizeWindow) MarshalBinary() ([]byte, error) {
	e := &encoder{}
	e.u16(m.Width)
	e.u16(m.Height)
	return e.bytes()
}

func (m *ResizeWindow) UnmarshalBinary(data []byte) error {
	d := &decoder{b: data}
	m.Width = d.u16()
	m.Height = d.u16()
	return d.done()
}

// ---------------------------------------------------------------------------
// ClipboardSync

type ClipboardSync struct {
	MIME string `json:"mime"`
	Data []byte `json:"data,omitempty"`
}

func (*ClipboardSync) Command() ID { return IDClipboardSync }
func (*ClipboardSync) isMessage()  {}

func (m *ClipboardSync) MarshalBinary() ([]byte, error) {
	e := &encoder{}
	e.str(m.MIME)
	e.blob(m.Data)
	return e.bytes()
}

func (m *ClipboardSync) UnmarshalBinary(data []byte) error {
	d := &decoder{b: data}
	m.MIME = d.str()
	m.Data = d.blob()
	return d.done()
}

// ---------------------------------------------------------------------------
// ListApps

// ListApps requests the application catalogue. The request carries no
// names; the reply lists them.
type ListApps struct {
	Apps []string `json:"apps,omitempty"`
}

func (*ListApps) Command() ID { return IDListApps }
func (*ListApps) isMessage()  {}

func (m *ListApps) MarshalBinary() ([]byte, error) {
	e := &encoder{}
	e.strs(m.Apps)
	return e.bytes()
}

func (m *ListApps) UnmarshalBinary(data []byte) error {
	d := &decoder{b: data}
	m.Apps = d.strs()
	return d.done()
}

// ---------------------------------------------------------------------------
// Disconnect

// Disconnect asks the peer to close the connection.
type Disconnect struct {
	Reason string `json:"reason,omitempty"`
}

func (*Disconnect) Command() ID { return IDDisconnect }
func (*Disconnect) isMessage()  {}

func (m *Disconnect) MarshalBinary() ([]byte, error) {
	e := &encoder{}
	e.str(m.Reason)
	return e.bytes()
}

func (m *Disconnect) UnmarshalBinary(data []byte) error {
	d := &decoder{b: data}
	m.Reason = d.str()
	return d.done()
}

// ---------------------------------------------------------------------------
// Ack

const (
	AckOK     uint8 = 0
	AckFailed uint8 = 1
)

// Ack acknowledges a command.
type Ack struct {
	For    ID     `json:"command"`
	Status uint8  `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func (*Ack) Command() ID { return IDAck }
func (*Ack) isMessage()  {}

func (m *Ack) MarshalBinary() ([]byte, error) {
	e := &encoder{}
	e.u8(byte(m.For))
	e.u8(m.Status)
	e.str(m.Detail)
	return e.bytes()
}

func (m *Ack) UnmarshalBinary(data []byte) error {
	d := &decoder{b: data}
	m.For = ID(d.u8())
	m.Status = d.u8()
	m.Detail = d.str()
	return d.done()
}

// ---------------------------------------------------------------------------
// Error

// ErrorMessage reports a failure with a generic code. Message never carries
// internal causes.
type ErrorMessage struct {
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`
}

func (*ErrorMessage) Command() ID { return IDError }
func (*ErrorMessage) isMessage()  {}

func (m *ErrorMessage) MarshalBinary() ([]byte, error) {
	e := &encoder{}
	e.u16(uint16(m.Code))
	e.str(m.Message)
	return e.bytes()
}

func (m *ErrorMessage) UnmarshalBinary(data []byte) error {
	d := &decoder{b: data}
	m.Code = Code(d.u16())
	m.Message = d.str()
	return d.done()
}

// Err converts the message back into the matching sentinel error.
func (m *ErrorMessage) Err() error {
	return fmt.Errorf("%w: %s", m.Code.Err(), m.Message)
}

// ---------------------------------------------------------------------------
// Heartbeat

// HeartbeatSize is the fixed payload length of a heartbeat.
const HeartbeatSize = 8

// Heartbeat carries the sender's clock in Unix milliseconds.
type Heartbeat struct {
	Timestamp int64 `json:"timestamp"`
}

func (*Heartbeat) Command() ID { return IDHeartbeat }
func (*Heartbeat) isMessage()  {}

func (m *Heartbeat) MarshalBinary() ([]byte, error) {
	e := &encoder{buf: make([]byte, 0, HeartbeatSize)}
	e.i64(m.Timestamp)
	return e.bytes()
}

func (m *Heartbeat) UnmarshalBinary(data []byte) error {
	d := &decoder{b: data}
	m.Timestamp = d.i64()
	return d.done()
}

// ---------------------------------------------------------------------------
// Raw

// Raw carries the payload of a command registered without a typed message.
type Raw struct {
	ID   ID     `json:"-"`
	Data []byte `json:"data,omitempty"`
}

func (m *Raw) Command() ID { return m.ID }
func (*Raw) isMessage()    {}

func (m *Raw) MarshalBinary() ([]byte, error) {
	return append([]byte(nil), m.Data...), nil
}

func (m *Raw) UnmarshalBinary(data []byte) error {
	m.Data = append([]byte(nil), data...)
	return nil
}
