// internal/transport/tcp/packet.go
package tcp

import (
	"errors"
	"fmt"
	"io"

	"github.com/tamzrod/sensorhub/internal/frame"
)

//
// ---- Bridge packet v1 (LOCKED) ----
//
// Layout (5 bytes header):
// 0–1  Magic "SH"
// 2    Version (0x01)
// 3–4  Length (big endian): frame.Size for a frame, 0 for a reset request
// 5+   Frame
//

const (
	magicHi byte = 0x53 // 'S'
	magicLo byte = 0x48 // 'H'

	versionV1 byte = 0x01

	headerSize = 5
)

var errBadPacket = errors.New("tcp: bad packet")

// buildPacketV1 wraps one frame. A nil frame builds a reset request.
func buildPacketV1(f []byte) []byte {
	pkt := make([]byte, headerSize, headerSize+len(f))
	pkt[0] = magicHi
	pkt[1] = magicLo
	pkt[2] = versionV1
	putU16(pkt[3:5], uint16(len(f)))
	return append(pkt, f...)
}

// readPacketV1 reads one packet. A zero-length packet (keepalive or reset
// echo) returns a nil frame.
func readPacketV1(r io.Reader) ([]byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if hdr[0] != magicHi || hdr[1] != magicLo {
		return nil, fmt.Errorf("%w: magic 0x%02x%02x", errBadPacket, hdr[0], hdr[1])
	}
	if hdr[2] != versionV1 {
		return nil, fmt.Errorf("%w: version 0x%02x", errBadPacket, hdr[2])
	}

	n := int(getU16(hdr[3:5]))
	switch n {
	case 0:
		return nil, nil
	case frame.Size:
	default:
		return nil, fmt.Errorf("%w: length %d", errBadPacket, n)
	}

	f := make([]byte, n)
	if _, err := io.ReadFull(r, f); err != nil {
		return nil, err
	}
	return f, nil
}

func writeAll(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func putU16(dst []byte, v uint16) {
	dst[0] = byte(v >> 8)
	dst[1] = byte(v)
}

func getU16(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}
