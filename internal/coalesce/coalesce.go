// Package coalesce batches outbound frames into fewer, larger writes.
//
// A terminal app streaming output or a burst of acks produces many small
// frames, each of which would otherwise be its own write syscall (and its
// own TLS record or QUIC packet). The Coalescer accumulates encoded frames
// and the owner flushes when:
//
//   - the deadline expires (measured from the first frame in the batch, NOT
//     reset by subsequent adds; deadline semantics, not debounce)
//   - the threshold is exceeded
//   - an explicit Flush() at shutdown boundaries
//
// Frames are only ever appended whole, so a flush boundary never splits a
// frame.
package coalesce

import (
	"time"

	"github.com/chronologos/rcp/internal/protocol"
)

const (
	// Delay is the default coalescing deadline from the first frame in a batch.
	Delay = 2 * time.Millisecond

	// Threshold triggers an immediate flush when exceeded.
	Threshold = 32 * 1024
)

// Coalescer accumulates encoded frames and flushes on deadline or threshold.
// All methods are used from a single goroutine (the writer loop).
type Coalescer struct {
	buf       []byte
	delay     time.Duration
	threshold int
	frames    int
	timer     *time.Timer
	armed     bool // true when timer is running
}

// New creates a Coalescer with default settings.
func New() *Coalescer {
	return NewWithLimits(Delay, Threshold)
}

// NewWithLimits creates a Coalescer with an explicit deadline and threshold.
func NewWithLimits(delay time.Duration, threshold int) *Coalescer {
	t := time.NewTimer(0)
	// Drain the initial fire from NewTimer(0) so Timer() starts clean
	if !t.Stop() {
		<-t.C
	}
	return &Coalescer{
		buf:       make([]byte, 0, threshold+4096),
		delay:     delay,
		threshold: threshold,
		timer:     t,
	}
}

// AddFrame encodes f onto the batch. Returns true if the threshold was hit
// and the caller should flush immediately.
//
// The first frame of a batch arms the deadline timer; later frames do not
// reset it.
func (c *Coalescer) AddFrame(f protocol.Frame) bool {
	c.arm()
	c.buf = protocol.AppendFrame(c.buf, f)
	c.frames++
	return len(c.buf) >= c.threshold
}

func (c *Coalescer) arm() {
	if len(c.buf) == 0 && !c.armed {
		c.timer.Reset(c.delay)
		c.armed = true
	}
}

// Flush returns the accumulated data and resets the buffer.
// Returns nil if the buffer is empty. The returned slice is a copy
// that the caller owns.
func (c *Coalescer) Flush() []byte {
	if len(c.buf) == 0 {
		return nil
	}

	// Stop timer (don't leak)
	if c.armed {
		if !c.timer.Stop() {
			// Timer already fired; drain the channel so it doesn't
			// trigger a spurious select case later.
			select {
			case <-c.timer.C:
			default:
			}
		}
		c.armed = false
	}

	out := make([]byte, len(c.buf))
	copy(out, c.buf)
	c.buf = c.buf[:0]
	c.frames = 0
	return out
}

// Timer returns the channel that fires when the coalescing deadline expires.
// Use this in a select statement:
//
//	case <-coal.Timer():
//	    data := coal.Flush()
//	    // write data
//
// Returns a nil channel when no deadline is active (nil channels block forever
// in select, effectively disabling the case).
func (c *Coalescer) Timer() <-chan time.Time {
	if !c.armed {
		return nil
	}
	return c.timer.C
}

// Stop releases the timer. Call in defer when done with the Coalescer.
func (c *Coalescer) Stop() {
	c.timer.Stop()
	c.armed = false
}

// Pending returns the number of buffered bytes.
func (c *Coalescer) Pending() int {
	return len(c.buf)
}

// Frames returns the number of frames in the current batch.
func (c *Coalescer) Frames() int {
	return c.frames
}
