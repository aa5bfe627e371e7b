// internal/recovery/orchestrator.go
package recovery

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tamzrod/sensorhub/internal/enablement"
	"github.com/tamzrod/sensorhub/internal/frame"
)

// ErrClosed is returned by ForceReset after Shutdown.
var ErrClosed = errors.New("recovery: closed")

// Commander is the part of the dispatcher the orchestrator drives.
type Commander interface {
	Issue(ctx context.Context, sel frame.Selector, payload []byte, timeout time.Duration) ([]byte, error)
	CancelPending() int
}

// Link performs a hard reset of the coprocessor link.
type Link interface {
	HardReset(ctx context.Context) error
}

// Syncer is the timestamp-sync helper. Stopped while the hub is reset.
type Syncer interface {
	Start()
	Stop()
}

// Applier re-applies configuration that does not survive a hub reset.
type Applier interface {
	Name() string
	Apply(ctx context.Context, cmd Commander) error
}

// Notifier receives every finished cycle.
type Notifier interface {
	ResetCompleted(Outcome)
}

// Outcome describes one finished reset cycle.
type Outcome struct {
	ID        string         `json:"id"`
	Seq       uint64         `json:"seq"`
	Reason    Reason         `json:"-"`
	Err       error          `json:"-"`
	Reenabled []frame.Target `json:"reenabled"`
	Started   time.Time      `json:"started"`
	Duration  time.Duration  `json:"duration"`
}

// Snapshot is the diagnostic view of the orchestrator.
type Snapshot struct {
	State      string   `json:"state"`
	Firmware   uint32   `json:"firmware"`
	LastReason string   `json:"last_reason,omitempty"`
	LastError  string   `json:"last_error,omitempty"`
	Counters   Counters `json:"counters"`
}

type cycle struct {
	id      string
	reason  Reason
	started time.Time
	done    chan struct{}

	// written by the cycle goroutine before done is closed
	seq       uint64
	reenabled []frame.Target
	err       error
}

// Orchestrator is the single-flight reset state machine.
type Orchestrator struct {
	cfg      Config
	cmd      Commander
	link     Link
	targets  *enablement.State
	syncer   Syncer
	appliers []Applier
	notifier Notifier
	log      *zap.Logger
	now      func() time.Time

	mu         sync.Mutex
	state      State
	cycle      *cycle
	lastReason Reason
	lastErr    error
	hasRun     bool
	closed     bool

	firmware atomic.Uint32
	counters counters
	wg       sync.WaitGroup
}

// New creates an orchestrator in the Idle state.
func New(cfg Config, cmd Commander, link Link, targets *enablement.State, opts ...Option) (*Orchestrator, error) {
	if cmd == nil {
		return nil, errors.New("recovery: commander required")
	}
	if link == nil {
		return nil, errors.New("recovery: link required")
	}
	if targets == nil {
		return nil, errors.New("recovery: target state required")
	}
	if cfg.CommandTimeout <= 0 {
		return nil, errors.New("recovery: command timeout must be > 0")
	}
	if cfg.ResetTimeout <= 0 {
		return nil, errors.New("recovery: reset timeout must be > 0")
	}

	o := &Orchestrator{
		cfg:     cfg,
		cmd:     cmd,
		link:    link,
		targets: targets,
		log:     zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// ---- triggers ----

// Trigger requests a reset cycle. The reason counter is always incremented;
// a new cycle starts only from Idle. Never blocks.
func (o *Orchestrator) Trigger(reason Reason) bool {
	_, started := o.trigger(reason)
	return started
}

// ForceReset requests an ExplicitRequest reset, joining the queued or running
// cycle if there is one. With wait it blocks until that cycle finishes and
// returns its error.
func (o *Orchestrator) ForceReset(ctx context.Context, wait bool) error {
	c, _ := o.trigger(ExplicitRequest)
	if c == nil {
		return ErrClosed
	}
	if !wait {
		return nil
	}
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) trigger(reason Reason) (*cycle, bool) {
	if !reason.valid() {
		return nil, false
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.log.Debug("reset trigger after shutdown ignored", zap.Stringer("reason", reason))
		return nil, false
	}
	o.counters.byReason[reason].Add(1)

	if o.state != Idle {
		c := o.cycle
		state := o.state
		o.mu.Unlock()
		o.log.Info("reset already in progress, trigger coalesced",
			zap.Stringer("reason", reason), zap.Stringer("state", state))
		return c, false
	}

	c := &cycle{
		id:      uuid.NewString(),
		reason:  reason,
		started: o.now(),
		done:    make(chan struct{}),
	}
	o.state = ResetRequested
	o.cycle = c
	o.wg.Add(1)
	o.mu.Unlock()

	o.log.Warn("hub reset requested", zap.Stringer("reason", reason), zap.String("cycle", c.id))
	go o.run(c)
	return c, true
}

// ---- dispatch.Escalator ----

// HubDown reports that a reset is queued or in its hard-reset phase.
func (o *Orchestrator) HubDown() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == ResetRequested || o.state == Resetting
}

// ResetInProgress reports any non-idle state.
func (o *Orchestrator) ResetInProgress() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state != Idle
}

// TransportFailed is always reset-worthy.
func (o *Orchestrator) TransportFailed(err error) {
	o.counters.consecutiveTransportFailures.Add(1)
	o.log.Warn("transport failure reported", zap.Error(err))
	o.Trigger(TransportFailure)
}

// CommandTimedOut escalates once consecutive timeouts reach the threshold.
func (o *Orchestrator) CommandTimedOut() {
	n := o.counters.consecutiveTimeouts.Add(1)
	if o.cfg.TimeoutThreshold <= 0 || n < uint64(o.cfg.TimeoutThreshold) {
		return
	}
	o.counters.consecutiveTimeouts.Store(0)
	o.log.Warn("consecutive command timeouts, escalating", zap.Uint64("count", n))
	o.Trigger(TransportFailure)
}

// CommandSucceeded clears the consecutive failure counters.
func (o *Orchestrator) CommandSucceeded() {
	o.counters.consecutiveTimeouts.Store(0)
	o.counters.consecutiveTransportFailures.Store(0)
}

// ---- bring-up ----

// Initialize discovers the hub and applies configuration without a hard
// reset. It does not count as a reset cycle.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	return o.bringUp(ctx)
}

// ---- cycle ----

func (o *Orchestrator) run(c *cycle) {
	defer o.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ResetTimeout)
	defer cancel()

	before := o.targets.Enabled()

	o.setState(Resetting)
	err := o.reset(ctx, c)
	if err == nil {
		o.setState(Resyncing)
		c.reenabled, err = o.resync(ctx, before)
	}
	o.complete(c, err)
}

func (o *Orchestrator) reset(ctx context.Context, c *cycle) error {
	if o.syncer != nil {
		o.syncer.Stop()
	}

	resetErr := o.link.HardReset(ctx)

	n := o.cmd.CancelPending()
	c.seq = o.counters.resetSeq.Add(1)
	o.counters.cancelledRequests.Add(uint64(n))
	o.counters.consecutiveTimeouts.Store(0)
	o.counters.consecutiveTransportFailures.Store(0)

	o.log.Info("hub reset",
		zap.String("cycle", c.id),
		zap.Uint64("seq", c.seq),
		zap.Stringer("reason", c.reason),
		zap.Int("cancelled", n),
		zap.Error(resetErr),
	)
	if resetErr != nil {
		return fmt.Errorf("recovery: hard reset: %w", resetErr)
	}

	if o.cfg.SettleDelay > 0 {
		t := time.NewTimer(o.cfg.SettleDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("recovery: settle: %w", ctx.Err())
		}
	}

	return o.bringUp(ctx)
}

// bringUp re-discovers the hub and re-applies persistent configuration.
func (o *Orchestrator) bringUp(ctx context.Context) error {
	info, err := o.cmd.Issue(ctx, frame.Selector{Class: frame.ClassGet, Target: frame.TargetHub, SubCmd: frame.SubInfo}, nil, o.cfg.CommandTimeout)
	if err != nil {
		return fmt.Errorf("recovery: discover firmware: %w", err)
	}
	if len(info) < 4 {
		return fmt.Errorf("recovery: discover firmware: short reply (%d bytes)", len(info))
	}
	fw := binary.LittleEndian.Uint32(info[:4])
	o.firmware.Store(fw)

	caps, err := o.cmd.Issue(ctx, frame.Selector{Class: frame.ClassGet, Target: frame.TargetHub, SubCmd: frame.SubCapabilities}, nil, o.cfg.CommandTimeout)
	if err != nil {
		return fmt.Errorf("recovery: discover capabilities: %w", err)
	}
	if len(caps) < 8 {
		return fmt.Errorf("recovery: discover capabilities: short reply (%d bytes)", len(caps))
	}
	avail := enablement.Bitmap(binary.LittleEndian.Uint64(caps[:8])).Without(frame.TargetHub)
	o.targets.SetAvailable(avail)

	o.log.Info("hub discovered",
		zap.String("firmware", fmt.Sprintf("0x%08X", fw)),
		zap.Int("targets", avail.Count()),
	)

	for _, a := range o.appliers {
		if err := a.Apply(ctx, o.cmd); err != nil {
			return fmt.Errorf("recovery: apply %s: %w", a.Name(), err)
		}
	}
	return nil
}

// resync re-enables every target that was enabled before the reset.
func (o *Orchestrator) resync(ctx context.Context, before enablement.Bitmap) ([]frame.Target, error) {
	avail := o.targets.Available()

	var reenabled []frame.Target
	for _, t := range before.Targets() {
		p, ok := o.targets.Params(t)
		if !ok {
			// disabled by an admin call while the cycle ran
			continue
		}
		if !avail.Has(t) {
			o.log.Warn("target no longer reported by hub, dropping", zap.Uint8("target", uint8(t)))
			o.targets.MarkDisabled(t)
			continue
		}

		sel := frame.Selector{Class: frame.ClassInst, Target: t, SubCmd: frame.SubEnable}
		if _, err := o.cmd.Issue(ctx, sel, p.Encode(), o.cfg.CommandTimeout); err != nil {
			return reenabled, fmt.Errorf("recovery: re-enable target %d: %w", t, err)
		}
		o.targets.MarkEnabled(t, p)
		reenabled = append(reenabled, t)
	}
	return reenabled, nil
}

func (o *Orchestrator) complete(c *cycle, err error) {
	c.err = err

	o.mu.Lock()
	o.state = Idle
	o.cycle = nil
	o.lastReason = c.reason
	o.lastErr = err
	o.hasRun = true
	closed := o.closed
	o.mu.Unlock()

	if err != nil {
		o.counters.failedCycles.Add(1)
		o.log.Error("hub reset cycle failed", zap.String("cycle", c.id), zap.Uint64("seq", c.seq), zap.Error(err))
	} else {
		if o.syncer != nil && !closed {
			o.syncer.Start()
		}
		o.log.Info("hub reset cycle complete",
			zap.String("cycle", c.id),
			zap.Uint64("seq", c.seq),
			zap.Int("reenabled", len(c.reenabled)),
			zap.Duration("elapsed", o.now().Sub(c.started)),
		)
	}

	close(c.done)

	if o.notifier != nil {
		o.notifier.ResetCompleted(Outcome{
			ID:        c.id,
			Seq:       c.seq,
			Reason:    c.reason,
			Err:       err,
			Reenabled: c.reenabled,
			Started:   c.started,
			Duration:  o.now().Sub(c.started),
		})
	}
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// ---- observability ----

// State returns the current state machine position.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Seq returns the reset sequence number.
func (o *Orchestrator) Seq() uint64 {
	return o.counters.resetSeq.Load()
}

// Counters returns a copy of the recovery counters.
func (o *Orchestrator) Counters() Counters {
	return o.counters.snapshot()
}

// Snapshot returns state and counters for diagnostics.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	s := Snapshot{State: o.state.String()}
	if o.hasRun {
		s.LastReason = o.lastReason.String()
		if o.lastErr != nil {
			s.LastError = o.lastErr.Error()
		}
	}
	o.mu.Unlock()

	s.Firmware = o.firmware.Load()
	s.Counters = o.counters.snapshot()
	return s
}

// Wait blocks until no cycle is running.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown refuses every later trigger and waits for a running cycle.
// A cycle finishing after Shutdown does not restart the syncer.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.wg.Wait()
}
