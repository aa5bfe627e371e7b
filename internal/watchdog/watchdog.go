// internal/watchdog/watchdog.go
package watchdog

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tamzrod/sensorhub/internal/frame"
	"github.com/tamzrod/sensorhub/internal/recovery"
)

// Pinger sends the liveness ping.
type Pinger interface {
	Notify(sel frame.Selector, payload []byte) error
}

// Recovery is the part of the orchestrator the watchdog drives.
type Recovery interface {
	ResetInProgress() bool
	Seq() uint64
	Trigger(reason recovery.Reason) bool
}

// Targets lists silent targets.
type Targets interface {
	Stale(now time.Time, threshold time.Duration) []frame.Target
}

// Config is the watchdog runtime config.
type Config struct {
	// Interval is the scan period.
	Interval time.Duration

	// Staleness is how long a continuous target may stay silent.
	Staleness time.Duration
}

// Result describes one scan.
type Result struct {
	At        time.Time
	Skipped   bool // reset in progress
	Stale     []frame.Target
	Pinged    bool
	Escalated bool
}

// Watchdog is a dumb, clock-driven staleness scanner.
//
// First stale tick for a reset sequence: ping every stale target.
// Second consecutive stale tick for the same sequence: one
// HostWatchdogSilence trigger.
type Watchdog struct {
	cfg     Config
	targets Targets
	pinger  Pinger
	rec     Recovery
	log     *zap.Logger

	mu      sync.Mutex
	pinged  bool
	pingSeq uint64
}

// New creates a watchdog with immutable config.
func New(cfg Config, targets Targets, pinger Pinger, rec Recovery, log *zap.Logger) (*Watchdog, error) {
	if cfg.Interval <= 0 {
		return nil, errors.New("watchdog: interval must be > 0")
	}
	if cfg.Staleness <= 0 {
		return nil, errors.New("watchdog: staleness must be > 0")
	}
	if targets == nil || pinger == nil || rec == nil {
		return nil, errors.New("watchdog: targets, pinger and recovery required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Watchdog{cfg: cfg, targets: targets, pinger: pinger, rec: rec, log: log}, nil
}

// ScanOnce performs exactly one scan at now.
func (w *Watchdog) ScanOnce(now time.Time) Result {
	res := Result{At: now}

	if w.rec.ResetInProgress() {
		res.Skipped = true
		return res
	}

	res.Stale = w.targets.Stale(now, w.cfg.Staleness)
	seq := w.rec.Seq()

	w.mu.Lock()
	if len(res.Stale) == 0 {
		w.pinged = false
		w.mu.Unlock()
		return res
	}
	if w.pinged && w.pingSeq == seq {
		w.pinged = false
		w.mu.Unlock()

		w.log.Warn("targets silent after ping, requesting reset",
			zap.Int("stale", len(res.Stale)), zap.Uint64("seq", seq))
		w.rec.Trigger(recovery.HostWatchdogSilence)
		res.Escalated = true
		return res
	}
	w.pinged = true
	w.pingSeq = seq
	w.mu.Unlock()

	for _, t := range res.Stale {
		sel := frame.Selector{Class: frame.ClassGet, Target: t, SubCmd: frame.SubAlive}
		if err := w.pinger.Notify(sel, nil); err != nil {
			w.log.Warn("liveness ping failed", zap.Uint8("target", uint8(t)), zap.Error(err))
		}
	}
	w.log.Info("stale targets pinged", zap.Int("stale", len(res.Stale)), zap.Uint64("seq", seq))
	res.Pinged = true
	return res
}

// Run starts the ticker loop. One goroutine. No overlap.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			w.ScanOnce(now)
		}
	}
}
