// internal/hub/hub.go
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tamzrod/sensorhub/internal/dispatch"
	"github.com/tamzrod/sensorhub/internal/enablement"
	"github.com/tamzrod/sensorhub/internal/events"
	"github.com/tamzrod/sensorhub/internal/frame"
	"github.com/tamzrod/sensorhub/internal/pending"
	"github.com/tamzrod/sensorhub/internal/recovery"
	"github.com/tamzrod/sensorhub/internal/timesync"
	"github.com/tamzrod/sensorhub/internal/transport"
	"github.com/tamzrod/sensorhub/internal/watchdog"
)

// TargetSpec is the configured view of one sensor.
type TargetSpec struct {
	ID            frame.Target
	Name          string
	EnableOnStart bool
	Params        enablement.Params

	// Settings are re-applied after every reset. nil => none.
	Settings *TargetSettings
}

// Config is the immutable hub assembly config.
type Config struct {
	// CommandTimeout bounds admin and bring-up commands.
	CommandTimeout time.Duration
	// SendTimeout bounds a single transport write.
	SendTimeout time.Duration

	Recovery recovery.Config

	Watchdog         watchdog.Config
	WatchdogDisabled bool

	// TimeSyncInterval is the host time push period. 0 disables.
	TimeSyncInterval time.Duration

	Targets []TargetSpec
	Runtime *RuntimeSettings

	// StartRetry is how often a failed bring-up is retried while startup
	// targets are still unconfirmed. 0 => Recovery.ResetTimeout.
	StartRetry time.Duration
}

// Hub is the explicit context object: it owns the enablement state, the
// pending registry, the dispatcher, the recovery orchestrator, the watchdog
// and the event distributor for one coprocessor link.
type Hub struct {
	cfg   Config
	tr    transport.Transport
	bus   *events.Bus
	log   *zap.Logger
	names map[frame.Target]string

	state    *enablement.State
	reg      *pending.Registry
	disp     *dispatch.Dispatcher
	rec      *recovery.Orchestrator
	wd       *watchdog.Watchdog // nil when disabled
	dist     *events.Distributor
	timeSync *timesync.Syncer // nil when disabled

	started atomic.Bool

	// mu guards the run context, the closing flag, wg.Add and the startup set.
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	closing  bool
	wg       sync.WaitGroup
	starting bool

	// startPending holds enable_on_start targets the hub has not
	// acknowledged yet. It is desired state; the enablement bitmap only
	// changes on an ack.
	startPending map[frame.Target]enablement.Params

	rejected  atomic.Uint64
	unmatched atomic.Uint64
	hubLogs   atomic.Uint64
}

// New wires the core around tr. bus may be nil (no subscribers).
func New(cfg Config, tr transport.Transport, bus *events.Bus, log *zap.Logger) (*Hub, error) {
	if tr == nil {
		return nil, errors.New("hub: transport required")
	}
	if cfg.CommandTimeout <= 0 {
		return nil, errors.New("hub: command timeout must be > 0")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if bus == nil {
		bus = events.NewBus(log)
	}
	if cfg.Recovery.CommandTimeout <= 0 {
		cfg.Recovery.CommandTimeout = cfg.CommandTimeout
	}
	if cfg.StartRetry <= 0 {
		cfg.StartRetry = cfg.Recovery.ResetTimeout
	}

	h := &Hub{
		cfg:   cfg,
		tr:    tr,
		bus:   bus,
		log:   log,
		names: make(map[frame.Target]string, len(cfg.Targets)),
		state: enablement.New(nil),
		reg:   pending.New(),
	}

	var appliers []recovery.Applier
	if cfg.Runtime != nil {
		appliers = append(appliers, runtimeApplier{settings: *cfg.Runtime, timeout: cfg.CommandTimeout})
	}
	for _, ts := range cfg.Targets {
		if ts.ID == frame.TargetHub || !ts.ID.Valid() {
			return nil, fmt.Errorf("hub: invalid target id %d", ts.ID)
		}
		if _, dup := h.names[ts.ID]; dup {
			return nil, fmt.Errorf("hub: duplicate target id %d", ts.ID)
		}
		h.names[ts.ID] = ts.Name
		if ts.Settings != nil {
			appliers = append(appliers, targetApplier{
				target:   ts.ID,
				settings: *ts.Settings,
				state:    h.state,
				timeout:  cfg.CommandTimeout,
				log:      log,
			})
		}
	}

	var err error
	h.disp, err = dispatch.New(dispatch.Config{SendTimeout: cfg.SendTimeout}, tr, h.reg, h.state, log)
	if err != nil {
		return nil, err
	}

	opts := []recovery.Option{
		recovery.WithLogger(log),
		recovery.WithAppliers(appliers...),
		recovery.WithNotifier(cycleHook{h}),
	}
	if cfg.TimeSyncInterval > 0 {
		h.timeSync, err = timesync.New(cfg.TimeSyncInterval, h.disp, log)
		if err != nil {
			return nil, err
		}
		opts = append(opts, recovery.WithSyncer(h.timeSync))
	}

	h.rec, err = recovery.New(cfg.Recovery, h.disp, tr, h.state, opts...)
	if err != nil {
		return nil, err
	}
	h.disp.SetEscalator(h.rec)

	if !cfg.WatchdogDisabled {
		h.wd, err = watchdog.New(cfg.Watchdog, h.state, h.disp, h.rec, log)
		if err != nil {
			return nil, err
		}
	}

	h.dist = events.NewDistributor(h.state, bus, nil)
	return h, nil
}

// Start begins inbound delivery and brings the hub up.
//
// A failed bring-up is not fatal: a reset cycle is scheduled and retried
// every StartRetry. Startup targets stay not enabled until the hub
// acknowledges their enable, which happens after the first successful cycle.
func (h *Hub) Start(ctx context.Context) error {
	if !h.started.CompareAndSwap(false, true) {
		return errors.New("hub: already started")
	}
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.ctx, h.cancel = ctx, cancel
	h.startPending = make(map[frame.Target]enablement.Params)
	for _, ts := range h.cfg.Targets {
		if ts.EnableOnStart {
			h.startPending[ts.ID] = ts.Params
		}
	}
	h.mu.Unlock()

	if err := h.tr.Start(ctx, h.onFrame); err != nil {
		cancel()
		return fmt.Errorf("hub: start transport: %w", err)
	}

	if err := h.rec.Initialize(ctx); err != nil {
		h.log.Error("hub bring-up failed, scheduling reset", zap.Error(err))
		h.rec.Trigger(recovery.TransportFailure)
		h.spawn(h.retryBringUp)
	} else {
		h.enableStartup(ctx)
		if h.timeSync != nil {
			h.timeSync.Start()
		}
	}

	if h.wd != nil {
		h.spawn(h.wd.Run)
	}
	return nil
}

// spawn runs fn on the hub's run context unless the hub is closing.
func (h *Hub) spawn(fn func(ctx context.Context)) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing || h.ctx == nil {
		return false
	}
	ctx := h.ctx
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn(ctx)
	}()
	return true
}

// ---- startup targets ----

// pendingStart returns the unconfirmed startup targets in config order.
func (h *Hub) pendingStart() []TargetSpec {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []TargetSpec
	for _, ts := range h.cfg.Targets {
		if p, ok := h.startPending[ts.ID]; ok {
			ts.Params = p
			out = append(out, ts)
		}
	}
	return out
}

func (h *Hub) clearStart(t frame.Target) {
	h.mu.Lock()
	delete(h.startPending, t)
	h.mu.Unlock()
}

// enableStartup enables every pending startup target. Targets that fail
// with a timeout or transport error stay pending for the next cycle.
func (h *Hub) enableStartup(ctx context.Context) {
	for _, ts := range h.pendingStart() {
		err := h.Enable(ctx, ts.ID, ts.Params)
		switch {
		case err == nil:
		case errors.Is(err, dispatch.ErrNotConnected):
			h.clearStart(ts.ID)
			h.log.Warn("startup target not reported by hub, not enabling",
				zap.Uint8("target", uint8(ts.ID)),
				zap.String("name", ts.Name),
			)
		case ctx.Err() != nil:
			return
		default:
			h.log.Warn("enable on start failed, retrying after next reset",
				zap.Uint8("target", uint8(ts.ID)),
				zap.String("name", ts.Name),
				zap.Error(err),
			)
		}
	}
}

// afterReset runs the startup enables once a cycle has brought the hub back.
// At most one pass runs at a time.
func (h *Hub) afterReset() {
	h.mu.Lock()
	if h.starting || len(h.startPending) == 0 {
		h.mu.Unlock()
		return
	}
	h.starting = true
	h.mu.Unlock()

	if !h.spawn(func(ctx context.Context) {
		defer h.setStarting(false)
		h.enableStartup(ctx)
	}) {
		h.setStarting(false)
	}
}

func (h *Hub) setStarting(v bool) {
	h.mu.Lock()
	h.starting = v
	h.mu.Unlock()
}

// retryBringUp re-triggers a reset while the last cycle failed and startup
// targets are still unconfirmed.
func (h *Hub) retryBringUp(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.StartRetry)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if len(h.pendingStart()) == 0 {
				return
			}
			if h.rec.ResetInProgress() || h.rec.Snapshot().LastError == "" {
				continue
			}
			h.log.Warn("hub still down, retrying reset", zap.Uint64("seq", h.rec.Seq()))
			h.rec.Trigger(recovery.TransportFailure)
		}
	}
}

// cycleHook forwards cycle outcomes to the bus and resumes startup enables
// after a successful cycle.
type cycleHook struct{ h *Hub }

func (c cycleHook) ResetCompleted(o recovery.Outcome) {
	c.h.bus.ResetCompleted(o)
	if o.Err == nil {
		c.h.afterReset()
	}
}

// Close stops the watchdog and startup retries, waits for a running reset
// cycle, stops time sync and closes the transport. Outstanding requests
// complete with Cancelled.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closing = true
	cancel := h.cancel
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	h.wg.Wait()
	h.rec.Shutdown()
	if h.timeSync != nil {
		h.timeSync.Stop()
	}

	err := h.tr.Close()
	if n := h.disp.CancelPending(); n > 0 {
		h.log.Info("pending requests cancelled on close", zap.Int("count", n))
	}
	return err
}

// ---- inbound ----

// onFrame runs on the transport's single delivery goroutine.
func (h *Hub) onFrame(raw []byte) {
	f, err := frame.Decode(raw)
	if err != nil {
		h.rejected.Add(1)
		h.log.Warn("frame rejected", zap.Int("len", len(raw)), zap.Error(err))
		return
	}

	switch f.Kind {
	case frame.KindReply:
		if !h.disp.HandleReply(f) {
			h.unmatched.Add(1)
			h.log.Debug("reply without pending request", zap.Stringer("selector", f.Selector))
		}
	case frame.KindReport:
		h.onReport(f)
	}
}

func (h *Hub) onReport(f frame.Frame) {
	r, err := frame.ParseReport(f.Payload)
	if err != nil {
		h.rejected.Add(1)
		h.log.Warn("report rejected", zap.Error(err))
		return
	}

	switch r.Kind {
	case frame.ReportSample:
		h.dist.Distribute(r.Target, r.Data)
	case frame.ReportHubCrash:
		h.log.Warn("hub reported crash")
		h.rec.Trigger(recovery.HubReportedCrash)
	case frame.ReportHubSilence:
		h.log.Warn("hub reported silent sensor", zap.Uint8("target", uint8(r.Target)))
		h.rec.Trigger(recovery.HubReportedSilence)
	case frame.ReportLog:
		h.hubLogs.Add(1)
		h.log.Info("hub log", zap.String("text", string(r.Data)))
	}
}
