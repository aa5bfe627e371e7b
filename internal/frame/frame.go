// internal/frame/frame.go
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame geometry. These values define the link protocol and MUST NOT be configurable.
const (
	// Size is the fixed size of every frame on the link.
	Size = 64

	// HeaderSize is class + target + subcmd + reserved + length(2).
	HeaderSize = 6

	// MaxPayload is the largest payload a single frame can carry.
	MaxPayload = Size - HeaderSize
)

// Header offsets.
const (
	offClass    = 0
	offTarget   = 1
	offSubCmd   = 2
	offReserved = 3
	offLength   = 4
)

// ErrRejected is wrapped by every decode failure.
// A rejected frame is never attributable to a pending request.
var ErrRejected = errors.New("frame: rejected")

// Kind classifies a decoded inbound frame.
type Kind int

const (
	KindRejected Kind = iota
	KindReply
	KindReport
)

func (k Kind) String() string {
	switch k {
	case KindReply:
		return "reply"
	case KindReport:
		return "report"
	default:
		return "rejected"
	}
}

// Frame is one decoded frame. Payload is owned by the Frame.
type Frame struct {
	Kind     Kind
	Selector Selector
	Payload  []byte
}

// Decode parses an inbound frame received from the hub.
//
// The declared payload length is checked against MaxPayload and against the
// bytes actually supplied; a zero length is invalid. On any failure the
// returned error wraps ErrRejected and no payload is produced.
func Decode(raw []byte) (Frame, error) {
	f, err := decode(raw, false)
	if err != nil {
		return Frame{Kind: KindRejected}, err
	}

	switch {
	case f.Selector.Class >= ClassGet && f.Selector.Class <= ClassReplyMax:
		f.Kind = KindReply
	case f.Selector.Class == ClassReport:
		f.Kind = KindReport
	default:
		return Frame{Kind: KindRejected}, fmt.Errorf("%w: unknown class 0x%02X", ErrRejected, f.Selector.Class)
	}
	return f, nil
}

// DecodeCommand parses an outbound command frame as the hub sees it.
// Commands may carry an empty payload. Kind is left as KindRejected for
// unknown classes but no error is returned for them.
func DecodeCommand(raw []byte) (Frame, error) {
	f, err := decode(raw, true)
	if err != nil {
		return Frame{Kind: KindRejected}, err
	}
	if f.Selector.Class >= ClassGet && f.Selector.Class <= ClassReplyMax {
		f.Kind = KindReply
	}
	return f, nil
}

func decode(raw []byte, allowEmpty bool) (Frame, error) {
	if len(raw) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: short frame (%d bytes, need %d)", ErrRejected, len(raw), HeaderSize)
	}

	n := int(binary.LittleEndian.Uint16(raw[offLength : offLength+2]))
	if n == 0 && !allowEmpty {
		return Frame{}, fmt.Errorf("%w: zero payload length", ErrRejected)
	}
	if n > MaxPayload {
		return Frame{}, fmt.Errorf("%w: payload length %d exceeds max %d", ErrRejected, n, MaxPayload)
	}
	if n > len(raw)-HeaderSize {
		return Frame{}, fmt.Errorf("%w: payload length %d exceeds buffer (%d bytes after header)",
			ErrRejected, n, len(raw)-HeaderSize)
	}

	f := Frame{
		Selector: Selector{
			Class:  raw[offClass],
			Target: Target(raw[offTarget]),
			SubCmd: raw[offSubCmd],
		},
	}
	if n > 0 {
		f.Payload = append([]byte(nil), raw[HeaderSize:HeaderSize+n]...)
	}
	return f, nil
}

// Encode builds a zero-padded, fixed-size frame.
func Encode(sel Selector, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("frame: payload too large: %d bytes (max %d)", len(payload), MaxPayload)
	}

	out := make([]byte, Size)
	out[offClass] = sel.Class
	out[offTarget] = byte(sel.Target)
	out[offSubCmd] = sel.SubCmd
	out[offReserved] = 0
	binary.LittleEndian.PutUint16(out[offLength:offLength+2], uint16(len(payload)))
	copy(out[HeaderSize:], payload)
	return out, nil
}
