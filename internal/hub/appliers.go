// internal/hub/appliers.go
package hub

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tamzrod/sensorhub/internal/enablement"
	"github.com/tamzrod/sensorhub/internal/frame"
	"github.com/tamzrod/sensorhub/internal/recovery"
)

// ---- persistent per-target settings ----

// TargetSettingsSize is the encoded size of TargetSettings.
const TargetSettingsSize = 4 + 3*2 + 9

// TargetSettings are sensor settings the hub forgets on reset.
//
// Layout (little endian):
// 0–3    threshold (u32, raw sensor units)
// 4–9    calibration offsets x, y, z (i16)
// 10–18  orientation matrix, row major (i8)
type TargetSettings struct {
	Threshold   uint32
	Calibration [3]int16
	Orientation [9]int8
}

// Encode packs s for the configuration command.
func (s TargetSettings) Encode() []byte {
	out := make([]byte, TargetSettingsSize)
	binary.LittleEndian.PutUint32(out[0:4], s.Threshold)
	for i, c := range s.Calibration {
		binary.LittleEndian.PutUint16(out[4+2*i:], uint16(c))
	}
	for i, o := range s.Orientation {
		out[10+i] = byte(o)
	}
	return out
}

type targetApplier struct {
	target   frame.Target
	settings TargetSettings
	state    *enablement.State
	timeout  time.Duration
	log      *zap.Logger
}

func (a targetApplier) Name() string {
	return fmt.Sprintf("target %d settings", a.target)
}

// Apply writes the settings. A target the hub no longer reports is skipped.
func (a targetApplier) Apply(ctx context.Context, cmd recovery.Commander) error {
	if !a.state.Known(a.target) {
		a.log.Warn("settings not applied, target not reported by hub", zap.Uint8("target", uint8(a.target)))
		return nil
	}
	sel := frame.Selector{Class: frame.ClassSet, Target: a.target, SubCmd: frame.SubConfig}
	_, err := cmd.Issue(ctx, sel, a.settings.Encode(), a.timeout)
	return err
}

// ---- hub runtime parameters ----

// RuntimeSettingsSize is the encoded size of RuntimeSettings.
const RuntimeSettingsSize = 3

// RuntimeSettings are hub-wide runtime parameters.
//
// Layout:
// 0–1  FIFO flush interval (u16 LE, ms)
// 2    hub log level
type RuntimeSettings struct {
	FifoFlush time.Duration
	LogLevel  uint8
}

// Encode packs r for the runtime command.
func (r RuntimeSettings) Encode() []byte {
	out := make([]byte, RuntimeSettingsSize)
	binary.LittleEndian.PutUint16(out[0:2], uint16(r.FifoFlush/time.Millisecond))
	out[2] = r.LogLevel
	return out
}

type runtimeApplier struct {
	settings RuntimeSettings
	timeout  time.Duration
}

func (runtimeApplier) Name() string { return "runtime" }

func (a runtimeApplier) Apply(ctx context.Context, cmd recovery.Commander) error {
	sel := frame.Selector{Class: frame.ClassSet, Target: frame.TargetHub, SubCmd: frame.SubRuntime}
	_, err := cmd.Issue(ctx, sel, a.settings.Encode(), a.timeout)
	return err
}
