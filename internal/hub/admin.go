// internal/hub/admin.go
package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tamzrod/sensorhub/internal/dispatch"
	"github.com/tamzrod/sensorhub/internal/enablement"
	"github.com/tamzrod/sensorhub/internal/frame"
	"github.com/tamzrod/sensorhub/internal/recovery"
	"github.com/tamzrod/sensorhub/internal/transport"
)

// ErrInvalidTarget is returned for the hub target or an id outside the bitmap.
var ErrInvalidTarget = errors.New("hub: invalid target")

// ---- administrative operations ----

// Enable starts streaming target t with p.
//
// NotConnected leaves the state unchanged. Any other failure leaves t not
// enabled until a later enable or resync confirms otherwise.
func (h *Hub) Enable(ctx context.Context, t frame.Target, p enablement.Params) error {
	if err := checkTarget(t); err != nil {
		return err
	}

	sel := frame.Selector{Class: frame.ClassInst, Target: t, SubCmd: frame.SubEnable}
	_, err := h.disp.Issue(ctx, sel, p.Encode(), h.cfg.CommandTimeout)
	switch {
	case err == nil:
		h.state.MarkEnabled(t, p)
		h.clearStart(t)
		h.log.Info("target enabled",
			zap.Uint8("target", uint8(t)),
			zap.String("name", h.names[t]),
			zap.Duration("period", p.Period),
			zap.Duration("max_latency", p.MaxLatency),
		)
		return nil
	case errors.Is(err, dispatch.ErrNotConnected):
		return err
	default:
		h.state.MarkDisabled(t)
		return err
	}
}

// Disable stops streaming target t. Unless the target is not connected, t
// ends up not enabled even if the hub did not acknowledge. A pending startup
// enable for t is dropped either way.
func (h *Hub) Disable(ctx context.Context, t frame.Target) error {
	if err := checkTarget(t); err != nil {
		return err
	}
	h.clearStart(t)

	sel := frame.Selector{Class: frame.ClassInst, Target: t, SubCmd: frame.SubDisable}
	_, err := h.disp.Issue(ctx, sel, nil, h.cfg.CommandTimeout)
	if errors.Is(err, dispatch.ErrNotConnected) {
		return err
	}
	h.state.MarkDisabled(t)
	h.log.Info("target disabled", zap.Uint8("target", uint8(t)), zap.Error(err))
	return err
}

// ForceReset requests an explicit reset. With wait it blocks until the cycle
// (new or already running) finishes.
func (h *Hub) ForceReset(ctx context.Context, wait bool) error {
	return h.rec.ForceReset(ctx, wait)
}

func checkTarget(t frame.Target) error {
	if t == frame.TargetHub || !t.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidTarget, t)
	}
	return nil
}

// ---- observability ----

// TargetInfo is one target with its configured name.
type TargetInfo struct {
	enablement.TargetStatus
	Name string `json:"name,omitempty"`
}

// Diagnostics is a point-in-time view of the hub core.
type Diagnostics struct {
	At              time.Time         `json:"at"`
	Link            string            `json:"link"`
	ResetInProgress bool              `json:"reset_in_progress"`
	Recovery        recovery.Snapshot `json:"recovery"`

	Pending          int    `json:"pending"`
	RejectedFrames   uint64 `json:"rejected_frames"`
	UnmatchedReplies uint64 `json:"unmatched_replies"`
	Samples          uint64 `json:"samples"`
	HubLogs          uint64 `json:"hub_logs"`
	TimePushes       uint64 `json:"time_pushes"`

	Available enablement.Bitmap `json:"available"`
	Enabled   enablement.Bitmap `json:"enabled"`
	Stale     []frame.Target    `json:"stale"`
	Targets   []TargetInfo      `json:"targets"`

	// StartPending lists startup targets still waiting for an ack.
	StartPending []frame.Target `json:"start_pending,omitempty"`
}

// Diagnostics returns the current diagnostics.
func (h *Hub) Diagnostics() Diagnostics {
	now := time.Now()
	d := Diagnostics{
		At:               now,
		Link:             transport.StateOf(h.tr).String(),
		ResetInProgress:  h.rec.ResetInProgress(),
		Recovery:         h.rec.Snapshot(),
		Pending:          h.disp.Pending(),
		RejectedFrames:   h.rejected.Load(),
		UnmatchedReplies: h.unmatched.Load(),
		Samples:          h.dist.Delivered(),
		HubLogs:          h.hubLogs.Load(),
		Available:        h.state.Available(),
		Enabled:          h.state.Enabled(),
		Targets:          h.Targets(),
	}
	if h.timeSync != nil {
		d.TimePushes = h.timeSync.Pushes()
	}
	for _, ts := range h.pendingStart() {
		d.StartPending = append(d.StartPending, ts.ID)
	}
	if h.cfg.Watchdog.Staleness > 0 {
		d.Stale = h.state.Stale(now, h.cfg.Watchdog.Staleness)
	}
	return d
}

// Targets returns every available, enabled or configured target.
func (h *Hub) Targets() []TargetInfo {
	snap := h.state.Snapshot()
	out := make([]TargetInfo, 0, len(snap)+len(h.names))
	seen := make(map[frame.Target]bool, len(snap))
	for _, s := range snap {
		seen[s.Target] = true
		out = append(out, TargetInfo{TargetStatus: s, Name: h.names[s.Target]})
	}
	for _, ts := range h.cfg.Targets {
		if seen[ts.ID] {
			continue
		}
		out = append(out, TargetInfo{
			TargetStatus: enablement.TargetStatus{Target: ts.ID},
			Name:         ts.Name,
		})
	}
	return out
}

// Seq returns the reset sequence number.
func (h *Hub) Seq() uint64 { return h.rec.Seq() }
