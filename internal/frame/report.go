// internal/frame/report.go
package frame

import "fmt"

// ReportKind is the first byte of a report payload.
type ReportKind byte

const (
	ReportSample     ReportKind = 0x01 // sensor data for Target
	ReportHubCrash   ReportKind = 0x02 // hub restarted after a fault
	ReportHubSilence ReportKind = 0x03 // hub detected a silent sensor
	ReportLog        ReportKind = 0x04 // hub debug text
)

// ReportHeaderSize is kind + target.
const ReportHeaderSize = 2

func (k ReportKind) String() string {
	switch k {
	case ReportSample:
		return "sample"
	case ReportHubCrash:
		return "hub_crash"
	case ReportHubSilence:
		return "hub_silence"
	case ReportLog:
		return "log"
	default:
		return fmt.Sprintf("report(0x%02X)", byte(k))
	}
}

// Report is a parsed report payload. Data aliases the frame payload.
type Report struct {
	Kind   ReportKind
	Target Target
	Data   []byte
}

// ParseReport splits a report payload into kind, target and data.
func ParseReport(payload []byte) (Report, error) {
	if len(payload) < ReportHeaderSize {
		return Report{}, fmt.Errorf("%w: report too short (%d bytes)", ErrRejected, len(payload))
	}

	r := Report{
		Kind:   ReportKind(payload[0]),
		Target: Target(payload[1]),
		Data:   payload[ReportHeaderSize:],
	}

	switch r.Kind {
	case ReportSample, ReportHubCrash, ReportHubSilence, ReportLog:
	default:
		return Report{}, fmt.Errorf("%w: unknown report kind 0x%02X", ErrRejected, payload[0])
	}
	if !r.Target.Valid() {
		return Report{}, fmt.Errorf("%w: report target %d out of range", ErrRejected, r.Target)
	}
	return r, nil
}

// EncodeReport builds a report payload. Used by the hub side (simulator).
func EncodeReport(kind ReportKind, t Target, data []byte) []byte {
	out := make([]byte, 0, ReportHeaderSize+len(data))
	out = append(out, byte(kind), byte(t))
	return append(out, data...)
}
