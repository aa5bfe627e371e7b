// internal/status/writer.go
package status

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// RegisterWriter writes holding registers on a status memory endpoint.
type RegisterWriter interface {
	WriteRegisters(unitID uint8, addr uint16, regs []uint16) error
}

// Writer is the delivery-only contract for hub status.
// It receives a snapshot and writes it verbatim.
type Writer interface {
	WriteStatus(s Snapshot) error
}

// BlockWriter writes a Snapshot into a fixed SlotsPerDevice block.
type BlockWriter struct {
	cli    RegisterWriter
	unitID uint8
	slot   uint16

	needFull bool
	last     Snapshot
	nameRegs []uint16
}

// field is one independently written range of the block.
type field struct {
	name  string
	start int
	n     int
}

var fields = []field{
	{"health", SlotHealthCode, 1},
	{"last_error", SlotLastErrorCode, 1},
	{"seconds_in_error", SlotSecondsInError, 1},
	{"reset_seq", SlotResetSeq, 1},
	{"enabled", SlotEnabledStart, SlotEnabledSlots},
	{"firmware", SlotFirmwareStart, SlotFirmwareSlots},
	{"pending", SlotPending, 1},
}

// NewBlockWriter builds a writer for the block at slot on unitID.
func NewBlockWriter(cli RegisterWriter, unitID uint8, slot uint16, deviceName string) (*BlockWriter, error) {
	if cli == nil {
		return nil, errors.New("status writer: client required")
	}
	if (uint32(slot)+1)*SlotsPerDevice > 0x10000 {
		return nil, fmt.Errorf("status writer: slot %d out of register range", slot)
	}
	return &BlockWriter{
		cli:      cli,
		unitID:   unitID,
		slot:     slot,
		needFull: true, // full re-assert on first successful write
		last:     Snapshot{Health: HealthUnknown},
		nameRegs: EncodeDeviceName(deviceName),
	}, nil
}

// WriteStatus delivers a snapshot into status memory.
// On any write failure, the next successful call will re-assert the full block.
func (sw *BlockWriter) WriteStatus(s Snapshot) error {
	baseAddr := sw.baseAddr()

	// ------------------------------------------------------------
	// Full block write (identity re-assert)
	// ------------------------------------------------------------
	if sw.needFull {
		regs := sw.fullBlockRegs(s)

		if err := sw.cli.WriteRegisters(sw.unitID, baseAddr, regs); err != nil {
			sw.needFull = true
			return fmt.Errorf("status writer: full block write failed: %w", err)
		}

		sw.needFull = false
		sw.last = s
		return nil
	}

	// ------------------------------------------------------------
	// Incremental: only the ranges that changed
	// ------------------------------------------------------------
	next := Encode(s)
	prev := Encode(sw.last)

	var errs []string
	for _, f := range fields {
		if slices.Equal(prev[f.start:f.start+f.n], next[f.start:f.start+f.n]) {
			continue
		}
		if err := sw.cli.WriteRegisters(
			sw.unitID,
			baseAddr+uint16(f.start),
			next[f.start:f.start+f.n],
		); err != nil {
			errs = append(errs, fmt.Sprintf("slot%d %s write failed: %v", f.start, f.name, err))
		}
	}

	if len(errs) > 0 {
		// Any partial failure introduces doubt: re-assert on next success.
		sw.needFull = true
		return errors.New("status writer: " + strings.Join(errs, " | "))
	}

	sw.last = s
	return nil
}

func (sw *BlockWriter) baseAddr() uint16 {
	// Each block owns a fixed SlotsPerDevice range.
	return sw.slot * SlotsPerDevice
}

func (sw *BlockWriter) fullBlockRegs(s Snapshot) []uint16 {
	regs := Encode(s)

	// Device name always lives at the end of the block
	copy(regs[SlotDeviceNameStart:SlotDeviceNameEnd+1], sw.nameRegs)
	return regs
}
