package command

import (
	"errors"
	"fmt"

	"github.com/chronologos/rcp/internal/protocol"
)

// External error categories. Peers only ever see these, never the cause.
var (
	ErrInvalidCommand       = errors.New("invalid command")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrTimeout              = errors.New("timeout")
	ErrNotFound             = errors.New("not found")
	ErrServerBusy           = errors.New("server busy")
	ErrInternal             = errors.New("internal error")
)

// Code is the numeric error category carried by ErrorMessage.
type Code uint16

const (
	CodeInvalidCommand       Code = 1
	CodePermissionDenied     Code = 2
	CodeAuthenticationFailed Code = 3
	CodeInvalidPayload       Code = 4
	CodeTimeout              Code = 5
	CodeInternal             Code = 6
	CodeNotFound             Code = 7
	CodeUnsupportedVersion   Code = 8
	CodeServerBusy           Code = 9
)

var codeErrs = map[Code]error{
	CodeInvalidCommand:       ErrInvalidCommand,
	CodePermissionDenied:     ErrPermissionDenied,
	CodeAuthenticationFailed: ErrAuthenticationFailed,
	CodeInvalidPayload:       protocol.ErrInvalidPayload,
	CodeTimeout:              ErrTimeout,
	CodeInternal:             ErrInternal,
	CodeNotFound:             ErrNotFound,
	CodeUnsupportedVersion:   protocol.ErrUnsupportedVersion,
	CodeServerBusy:           ErrServerBusy,
}

// Err returns the sentinel error for c. Unknown codes map to ErrInternal.
func (c Code) Err() error {
	if err, ok := codeErrs[c]; ok {
		return err
	}
	return ErrInternal
}

func (c Code) String() string {
	if err, ok := codeErrs[c]; ok {
		return err.Error()
	}
	return fmt.Sprintf("code(%d)", uint16(c))
}

// CodeFor maps err to its external category.
func CodeFor(err error) Code {
	switch {
	case errors.Is(err, ErrInvalidCommand):
		return CodeInvalidCommand
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrAuthenticationFailed):
		return CodeAuthenticationFailed
	case errors.Is(err, protocol.ErrUnsupportedVersion):
		return CodeUnsupportedVersion
	case errors.Is(err, protocol.ErrInvalidPayload),
		errors.Is(err, protocol.ErrInvalidHeader),
		errors.Is(err, protocol.ErrPayloadTooLarge):
		return CodeInvalidPayload
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrServerBusy):
		return CodeServerBusy
	}
	return CodeInternal
}

// ErrorFor builds the external error message for err.
func ErrorFor(err error) *ErrorMessage {
	c := CodeFor(err)
	return &ErrorMessage{Code: c, Message: c.String()}
}
