package command

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/chronologos/rcp/internal/protocol"
)

// encoder appends big-endian fields to a payload buffer.
type encoder struct {
	buf []byte
	err error
}

func (e *encoder) u8(v byte)    { e.buf = append(e.buf, v) }
func (e *encoder) u16(v uint16) { e.buf = binary.BigEndian.AppendUint16(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = binary.BigEndian.AppendUint32(e.buf, v) }
func (e *encoder) i16(v int16)  { e.u16(uint16(v)) }
func (e *encoder) i32(v int32)  { e.u32(uint32(v)) }
func (e *encoder) i64(v int64)  { e.buf = binary.BigEndian.AppendUint64(e.buf, uint64(v)) }

// str writes a u16 length prefix followed by the bytes of s.
func (e *encoder) str(s string) {
	if len(s) > math.MaxUint16 {
		e.fail(fmt.Errorf("%w: string of %d bytes", protocol.ErrPayloadTooLarge, len(s)))
		return
	}
	e.u16(uint16(len(s)))
	e.buf = append(e.buf, s...)
}

// blob writes a u32 length prefix followed by b.
func (e *encoder) blob(b []byte) {
	if len(b) > protocol.MaxPayloadSize {
		e.fail(protocol.ErrPayloadTooLarge)
		return
	}
	e.u32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) strs(list []string) {
	if len(list) > math.MaxUint16 {
		e.fail(fmt.Errorf("%w: list of %d strings", protocol.ErrPayloadTooLarge, len(list)))
		return
	}
	e.u16(uint16(len(list)))
	for _, s := range list {
		e.str(s)
	}
}

func (e *encoder) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

func (e *encoder) bytes() ([]byte, error) {
	return e.buf, e.err
}

// decoder reads big-endian fields. The first short read sticks: every later
// read returns zero and done reports the error.
type decoder struct {
	b   []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.b) < n {
		d.err = fmt.Errorf("%w: truncated field", protocol.ErrInvalidPayload)
		d.b = nil
		return nil
	}
	out := d.b[:n]
	d.b = d.b[n:]
	return out
}

func (d *decoder) u8() byte {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) u16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *decoder) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *decoder) i16() int16 { return int16(d.u16()) }
func (d *decoder) i32() int32 { return int32(d.u32()) }

func (d *decoder) i64() int64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func (d *decoder) str() string {
	n := d.u16()
	return string(d.take(int(n)))
}

// blob returns a copy of the next length-prefixed byte field. An empty blob
// decodes as nil.
func (d *decoder) blob() []byte {
	n := d.u32()
	if d.err == nil && uint64(n) > uint64(len(d.b)) {
		d.err = fmt.Errorf("%w: blob length %d exceeds payload", protocol.ErrInvalidPayload, n)
		return nil
	}
	b := d.take(int(n))
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (d *decoder) strs() []string {
	n := d.u16()
	if n == 0 || d.err != nil {
		return nil
	}
	// Each entry needs at least its 2-byte prefix.
	if int(n)*2 > len(d.b) {
		d.err = fmt.Errorf("%w: list count %d exceeds payload", protocol.ErrInvalidPayload, n)
		return nil
	}
	out := make([]string, 0, n)
	for i := 0; i < int(n); i++ {
		out = append(out, d.str())
	}
	return out
}

// rest consumes and copies everything left.
func (d *decoder) rest() []byte {
	if d.err != nil || len(d.b) == 0 {
		d.b = nil
		return nil
	}
	out := make([]byte, len(d.b))
	copy(out, d.b)
	d.b = nil
	return out
}

// done returns the first decode error, or ErrInvalidPayload if bytes remain.
func (d *decoder) done() error {
	if d.err != nil {
		return d.err
	}
	if len(d.b) != 0 {
		return fmt.Errorf("%w: %d trailing bytes", protocol.ErrInvalidPayload, len(d.b))
	}
	return nil
}
