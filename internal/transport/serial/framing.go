// internal/transport/serial/framing.go
package serial

import (
	"bytes"

	"github.com/tamzrod/sensorhub/internal/frame"
)

// Byte framing on the UART. Every frame is wrapped as SOP | frame | EOP.
const (
	SOP byte = 0xA5
	EOP byte = 0x5A

	wireSize = 1 + frame.Size + 1
)

// Wrap returns f wrapped for the wire.
func Wrap(f []byte) []byte {
	out := make([]byte, 0, len(f)+2)
	out = append(out, SOP)
	out = append(out, f...)
	return append(out, EOP)
}

// Decoder reassembles frames from a byte stream and resynchronizes on SOP
// after garbage or a missing EOP.
type Decoder struct {
	buf     []byte
	dropped uint64
}

// Feed appends p and calls emit once per complete frame. The slice passed to
// emit is owned by the callee.
func (d *Decoder) Feed(p []byte, emit func([]byte)) {
	d.buf = append(d.buf, p...)

	for {
		i := bytes.IndexByte(d.buf, SOP)
		if i < 0 {
			d.dropped += uint64(len(d.buf))
			d.buf = d.buf[:0]
			return
		}
		if i > 0 {
			d.dropped += uint64(i)
			d.buf = d.buf[i:]
		}
		if len(d.buf) < wireSize {
			return
		}
		if d.buf[wireSize-1] != EOP {
			// false start: skip this SOP and look for the next one
			d.dropped++
			d.buf = d.buf[1:]
			continue
		}
		f := make([]byte, frame.Size)
		copy(f, d.buf[1:1+frame.Size])
		d.buf = d.buf[wireSize:]
		emit(f)
	}
}

// Reset discards any partial frame.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
}

// Dropped returns the number of bytes discarded while resynchronizing.
func (d *Decoder) Dropped() uint64 { return d.dropped }
