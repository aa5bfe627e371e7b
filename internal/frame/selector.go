// internal/frame/selector.go
package frame

import (
	"fmt"
	"strconv"
)

// Target identifies a logical sensor on the hub. Target 0 is the hub itself.
type Target uint8

// TargetHub addresses hub-wide commands (info, capabilities, runtime, time sync).
const TargetHub Target = 0

// MaxTargets is the number of addressable targets (one bit each in a 64-bit map).
const MaxTargets = 64

// Valid reports whether t fits in the enablement bitmap.
func (t Target) Valid() bool { return int(t) < MaxTargets }

// MarshalJSON writes t as a number. Without it a []Target would encode as
// a base64 string.
func (t Target) MarshalJSON() ([]byte, error) {
	return strconv.AppendUint(nil, uint64(t), 10), nil
}

// ---- COMMAND CLASSES ----

const (
	ClassGet  byte = 0x01
	ClassSet  byte = 0x02
	ClassInst byte = 0x03

	// ClassReplyMax is the get/set boundary: classes 1..ClassReplyMax are replies.
	ClassReplyMax = ClassInst

	// ClassReport carries unsolicited data from the hub.
	ClassReport byte = 0x10
)

// ---- SUB-COMMANDS ----

const (
	SubInfo         byte = 0x01 // firmware revision (u32 LE)
	SubCapabilities byte = 0x02 // available target bitmap (u64 LE)
	SubEnable       byte = 0x03
	SubDisable      byte = 0x04
	SubAlive        byte = 0x05 // watchdog liveness ping
	SubConfig       byte = 0x06 // persistent per-target configuration
	SubRuntime      byte = 0x07 // hub runtime parameters
	SubTimeSync     byte = 0x08 // host time push (u64 LE, unix nanoseconds)
)

// Selector correlates a reply with the request that caused it.
// There is no transaction id: equal selectors are matched in issue order.
type Selector struct {
	Class  byte
	Target Target
	SubCmd byte
}

func (s Selector) String() string {
	return fmt.Sprintf("%s/%d/%s", className(s.Class), s.Target, subCmdName(s.SubCmd))
}

func className(c byte) string {
	switch c {
	case ClassGet:
		return "get"
	case ClassSet:
		return "set"
	case ClassInst:
		return "inst"
	case ClassReport:
		return "report"
	default:
		return fmt.Sprintf("class(0x%02X)", c)
	}
}

func subCmdName(c byte) string {
	switch c {
	case SubInfo:
		return "info"
	case SubCapabilities:
		return "caps"
	case SubEnable:
		return "enable"
	case SubDisable:
		return "disable"
	case SubAlive:
		return "alive"
	case SubConfig:
		return "config"
	case SubRuntime:
		return "runtime"
	case SubTimeSync:
		return "timesync"
	default:
		return fmt.Sprintf("sub(0x%02X)", c)
	}
}
