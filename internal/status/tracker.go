// internal/status/tracker.go
package status

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tamzrod/sensorhub/internal/hub"
	"github.com/tamzrod/sensorhub/internal/transport"
)

// Source provides hub diagnostics.
type Source interface {
	Diagnostics() hub.Diagnostics
}

// Tracker owns the status snapshot. It samples the hub once per interval,
// derives health and counts seconds spent not OK.
//
// One goroutine. The writer is only called from Run.
type Tracker struct {
	src      Source
	w        Writer // nil => snapshot only
	interval time.Duration
	log      *zap.Logger

	mu   sync.Mutex
	snap Snapshot
}

// NewTracker creates a tracker. interval is normally one second.
func NewTracker(src Source, w Writer, interval time.Duration, log *zap.Logger) (*Tracker, error) {
	if src == nil {
		return nil, errors.New("status: source required")
	}
	if interval <= 0 {
		return nil, errors.New("status: interval must be > 0")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		src:      src,
		w:        w,
		interval: interval,
		log:      log,
		snap:     Snapshot{Health: HealthUnknown},
	}, nil
}

// Observe folds one diagnostics sample into the snapshot.
// It returns the new snapshot and whether it changed.
func (t *Tracker) Observe(d hub.Diagnostics) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.snap
	next := Snapshot{
		ResetSeq: uint16(d.Recovery.Counters.ResetSeq),
		Enabled:  uint64(d.Enabled),
		Firmware: d.Recovery.Firmware,
		Pending:  uint16(min(d.Pending, math.MaxUint16)),
	}
	next.Health, next.LastErrorCode = derive(d)

	if next.Health == HealthOK {
		// Reset last error and seconds-in-error on recovery.
		next.LastErrorCode = ErrorNone
		next.SecondsInError = 0
	} else {
		if next.LastErrorCode == ErrorNone {
			next.LastErrorCode = prev.LastErrorCode
		}
		// seconds_in_error MUST NOT wrap
		next.SecondsInError = prev.SecondsInError
		if prev.Health != HealthOK && next.SecondsInError < MaxSecondsInError {
			next.SecondsInError++
		}
	}

	t.snap = next
	return next, next != prev
}

func derive(d hub.Diagnostics) (uint16, uint16) {
	switch {
	case d.Link == transport.StateFailed.String() || d.Link == transport.StateDisconnected.String():
		return HealthError, ErrorLinkDown
	case d.ResetInProgress:
		return HealthRecovering, ErrorNone
	case d.Recovery.LastError != "":
		return HealthError, ErrorResetFailed
	case len(d.Stale) > 0:
		return HealthStale, ErrorStale
	case d.Recovery.Counters.ConsecutiveTimeouts > 0:
		return HealthError, ErrorTimeouts
	default:
		return HealthOK, ErrorNone
	}
}

// Snapshot returns the current snapshot.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

// Run samples the hub every interval until ctx is cancelled, then writes a
// final HealthDisabled snapshot.
func (t *Tracker) Run(ctx context.Context) {
	// Full block write on start (identity re-assert).
	snap, _ := t.Observe(t.src.Diagnostics())
	retry := !t.write(snap)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.mu.Lock()
			t.snap.Health = HealthDisabled
			final := t.snap
			t.mu.Unlock()
			t.write(final)
			return

		case <-ticker.C:
			snap, changed := t.Observe(t.src.Diagnostics())
			if changed || retry {
				retry = !t.write(snap)
			}
		}
	}
}

func (t *Tracker) write(s Snapshot) bool {
	if t.w == nil {
		return true
	}
	if err := t.w.WriteStatus(s); err != nil {
		t.log.Warn("status write failed", zap.String("health", HealthName(s.Health)), zap.Error(err))
		return false
	}
	return true
}
