// internal/enablement/bitmap.go
package enablement

import (
	"math/bits"

	"github.com/tamzrod/sensorhub/internal/frame"
)

// Bitmap holds one bit per target id.
type Bitmap uint64

// Has reports whether t is set.
func (b Bitmap) Has(t frame.Target) bool {
	if !t.Valid() {
		return false
	}
	return b&(1<<uint(t)) != 0
}

// With returns b with t set.
func (b Bitmap) With(t frame.Target) Bitmap {
	if !t.Valid() {
		return b
	}
	return b | 1<<uint(t)
}

// Without returns b with t cleared.
func (b Bitmap) Without(t frame.Target) Bitmap {
	if !t.Valid() {
		return b
	}
	return b &^ (1 << uint(t))
}

// Count returns the number of set bits.
func (b Bitmap) Count() int { return bits.OnesCount64(uint64(b)) }

// Targets lists the set targets in ascending order.
func (b Bitmap) Targets() []frame.Target {
	out := make([]frame.Target, 0, b.Count())
	for v := uint64(b); v != 0; v &= v - 1 {
		out = append(out, frame.Target(bits.TrailingZeros64(v)))
	}
	return out
}

// BitmapOf builds a bitmap from a target list.
func BitmapOf(targets ...frame.Target) Bitmap {
	var b Bitmap
	for _, t := range targets {
		b = b.With(t)
	}
	return b
}
