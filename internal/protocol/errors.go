package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidHeader      = errors.New("invalid frame header")
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrInvalidPayload     = errors.New("invalid frame payload")
	ErrPayloadTooLarge    = errors.New("payload exceeds maximum size")
	ErrNeedMore           = errors.New("need more bytes")
)

// NeedMoreError reports that a frame is incomplete. N is the minimum number of
// additional bytes required before decoding can make progress.
type NeedMoreError struct {
	N int
}

func (e *NeedMoreError) Error() string {
	return fmt.Sprintf("need %d more bytes", e.N)
}

func (e *NeedMoreError) Is(target error) bool {
	return target == ErrNeedMore
}

// IsFraming reports whether err is a framing error. A framing error on a byte
// stream cannot be recovered from: the stream position is lost.
func IsFraming(err error) bool {
	return errors.Is(err, ErrInvalidHeader) ||
		errors.Is(err, ErrUnsupportedVersion) ||
		errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, ErrPayloadTooLarge)
}
