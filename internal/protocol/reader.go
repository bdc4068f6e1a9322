package protocol

import (
	"errors"
	"io"
)

const readChunk = 32 * 1024

// Reader reads frames from a byte stream, buffering partial frames that
// arrive piecemeal.
//
// A Reader is not safe for concurrent use.
type Reader struct {
	r        io.Reader
	buf      []byte
	start    int // first unconsumed byte in buf
	versions Versions
}

// NewReader returns a Reader accepting the given versions (nil means
// DefaultVersions).
func NewReader(r io.Reader, versions Versions) *Reader {
	if len(versions) == 0 {
		versions = DefaultVersions
	}
	return &Reader{
		r:        r,
		buf:      make([]byte, 0, readChunk),
		versions: versions,
	}
}

// ReadFrame returns the next frame. It returns io.EOF on a clean end of
// stream and io.ErrUnexpectedEOF if the stream ends inside a frame. The
// returned payload is a copy owned by the caller.
func (r *Reader) ReadFrame() (Frame, error) {
	for {
		f, n, err := decode(r.buf[r.start:], r.versions)
		if err == nil {
			payload := make([]byte, len(f.Payload))
			copy(payload, f.Payload)
			f.Payload = payload
			r.start += n
			return f, nil
		}
		var need *NeedMoreError
		if !errors.As(err, &need) {
			return Frame{}, err
		}
		if err := r.fill(need.N); err != nil {
			if errors.Is(err, io.EOF) && r.Buffered() > 0 {
				return Frame{}, io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
	}
}

// Buffered returns the number of bytes read from the stream but not yet
// returned as part of a frame.
func (r *Reader) Buffered() int {
	return len(r.buf) - r.start
}

// fill reads at least need more bytes into the buffer.
func (r *Reader) fill(need int) error {
	// Compact consumed bytes before growing.
	if r.start > 0 {
		n := copy(r.buf, r.buf[r.start:])
		r.buf = r.buf[:n]
		r.start = 0
	}
	want := len(r.buf) + max(need, readChunk)
	if cap(r.buf) < want {
		grown := make([]byte, len(r.buf), want)
		copy(grown, r.buf)
		r.buf = grown
	}
	got := 0
	for got < need {
		n, err := r.r.Read(r.buf[len(r.buf):cap(r.buf)])
		r.buf = r.buf[:len(r.buf)+n]
		got += n
		if err != nil {
			if got >= need && errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
	return nil
}
