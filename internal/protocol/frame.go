package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Header is the decoded fixed-size frame header.
type Header struct {
	Version byte
	Command byte
	Flags   uint16
	Length  uint32
}

// Frame is one protocol message. Frames are passed by value; after decoding,
// Payload belongs to the receiver.
type Frame struct {
	Version byte
	Command byte
	Flags   uint16
	Payload []byte
}

// NewFrame builds a frame for the current wire version.
func NewFrame(command byte, payload []byte) Frame {
	return Frame{Version: Version, Command: command, Payload: payload}
}

// Size returns the encoded length of f.
func (f Frame) Size() int {
	return HeaderSize + len(f.Payload)
}

// Encode returns the wire encoding of a current-version frame.
func Encode(command byte, flags uint16, payload []byte) []byte {
	return AppendFrame(make([]byte, 0, HeaderSize+len(payload)), Frame{
		Version: Version,
		Command: command,
		Flags:   flags,
		Payload: payload,
	})
}

// AppendFrame appends the wire encoding of f to dst. A zero Version is
// written as the current Version.
func AppendFrame(dst []byte, f Frame) []byte {
	v := f.Version
	if v == 0 {
		v = Version
	}
	var hdr [HeaderSize]byte
	hdr[0] = v
	hdr[1] = f.Command
	binary.BigEndian.PutUint16(hdr[2:4], f.Flags)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(f.Payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, f.Payload...)
}

// DecodeHeader parses the fixed header at the start of b. It does not check
// the version or the payload.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrInvalidHeader
	}
	return Header{
		Version: b[0],
		Command: b[1],
		Flags:   binary.BigEndian.Uint16(b[2:4]),
		Length:  binary.BigEndian.Uint32(b[4:8]),
	}, nil
}

// Decode decodes the first frame in b and returns it with the number of bytes
// consumed. It is resumable: when b holds a partial frame it returns a
// *NeedMoreError and the caller should retry once more bytes have arrived.
// The returned payload aliases b.
func Decode(b []byte) (Frame, int, error) {
	return decode(b, DefaultVersions)
}

func decode(b []byte, accept Versions) (Frame, int, error) {
	if len(b) < HeaderSize {
		return Frame{}, 0, &NeedMoreError{N: HeaderSize - len(b)}
	}
	hdr, err := DecodeHeader(b)
	if err != nil {
		return Frame{}, 0, err
	}
	if !accept.Accepts(hdr.Version) {
		return Frame{}, 0, fmt.Errorf("%w: 0x%02x", ErrUnsupportedVersion, hdr.Version)
	}
	if hdr.Length > MaxPayloadSize {
		return Frame{}, 0, ErrPayloadTooLarge
	}
	total := HeaderSize + int(hdr.Length)
	if len(b) < total {
		return Frame{}, 0, &NeedMoreError{N: total - len(b)}
	}
	return Frame{
		Version: hdr.Version,
		Command: hdr.Command,
		Flags:   hdr.Flags,
		Payload: b[HeaderSize:total:total],
	}, total, nil
}

// Parse decodes b as exactly one frame, for message-oriented transports where
// frame boundaries are known. Unlike Decode, a declared length that differs
// from the bytes present is an error in either direction.
func Parse(b []byte) (Frame, error) {
	return ParseVersions(b, DefaultVersions)
}

// ParseVersions is Parse with an explicit accepted-version set.
func ParseVersions(b []byte, accept Versions) (Frame, error) {
	if len(b) < HeaderSize {
		return Frame{}, &NeedMoreError{N: HeaderSize - len(b)}
	}
	hdr, _ := DecodeHeader(b)
	if !accept.Accepts(hdr.Version) {
		return Frame{}, fmt.Errorf("%w: 0x%02x", ErrUnsupportedVersion, hdr.Version)
	}
	if hdr.Length > MaxPayloadSize {
		return Frame{}, ErrPayloadTooLarge
	}
	if got := len(b) - HeaderSize; uint32(got) != hdr.Length {
		return Frame{}, fmt.Errorf("%w: declared %d bytes, have %d", ErrInvalidPayload, hdr.Length, got)
	}
	payload := make([]byte, hdr.Length)
	copy(payload, b[HeaderSize:])
	return Frame{
		Version: hdr.Version,
		Command: hdr.Command,
		Flags:   hdr.Flags,
		Payload: payload,
	}, nil
}

// WriteFrame writes f to w.
//
// Header and payload are written separately so large payloads are not
// copied into an intermediate buffer.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}
	var hdr [HeaderSize]byte
	AppendFrame(hdr[:0], Frame{Version: f.Version, Command: f.Command, Flags: f.Flags})
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(f.Payload)))

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	return nil
}
