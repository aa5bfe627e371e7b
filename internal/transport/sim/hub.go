// internal/transport/sim/hub.go
package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tamzrod/sensorhub/internal/frame"
)

// Config describes the simulated coprocessor.
type Config struct {
	Firmware uint32
	Targets  []frame.Target // sensors the hub reports

	// SampleTick is the resolution of sample streaming. 0 disables streaming.
	SampleTick time.Duration

	// ReplyDelay is added before every reply.
	ReplyDelay time.Duration
}

type sensor struct {
	period  time.Duration
	nextDue time.Time
	seq     uint32
}

// Hub is an in-process coprocessor behind a transport.Transport.
//
// Replies and reports are delivered from one goroutine, like a real link.
// Faults can be injected: a hang (no replies, no samples), send failures,
// crash and silence reports, and raw inbound bytes.
type Hub struct {
	cfg Config
	log *zap.Logger

	inbound chan []byte

	mu       sync.Mutex
	caps     uint64
	enabled  map[frame.Target]*sensor
	hung     bool
	sendErr  error
	commands map[byte]int
	cfgSeen  map[frame.Target][]byte
	runtime  []byte
	lastTime time.Time

	started atomic.Bool
	resets  atomic.Int32
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a stopped simulated hub.
func New(cfg Config, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{
		cfg:      cfg,
		log:      log,
		inbound:  make(chan []byte, 256),
		enabled:  make(map[frame.Target]*sensor),
		commands: make(map[byte]int),
		cfgSeen:  make(map[frame.Target][]byte),
	}
	for _, t := range cfg.Targets {
		if t != frame.TargetHub && t.Valid() {
			h.caps |= 1 << uint(t)
		}
	}
	return h
}

// ---- transport.Transport ----

// Start begins delivery to onFrame.
func (h *Hub) Start(ctx context.Context, onFrame func(raw []byte)) error {
	if onFrame == nil {
		return errors.New("sim: frame handler required")
	}
	if !h.started.CompareAndSwap(false, true) {
		return errors.New("sim: already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()

	h.wg.Add(1)
	go h.run(ctx, onFrame)
	return nil
}

// Send hands one command frame to the simulated hub.
func (h *Hub) Send(raw []byte, _ time.Duration) error {
	h.mu.Lock()
	err := h.sendErr
	hung := h.hung
	h.mu.Unlock()

	if err != nil {
		return err
	}
	if hung {
		return nil
	}

	f, err := frame.DecodeCommand(raw)
	if err != nil {
		h.log.Debug("sim: command rejected", zap.Error(err))
		return nil
	}
	h.handle(f)
	return nil
}

// HardReset restarts the simulated hub: hang cleared, enablement lost.
func (h *Hub) HardReset(context.Context) error {
	h.mu.Lock()
	h.hung = false
	h.enabled = make(map[frame.Target]*sensor)
	h.runtime = nil
	h.cfgSeen = make(map[frame.Target][]byte)
	h.mu.Unlock()

	h.resets.Add(1)
	h.log.Info("sim: hub reset")
	return nil
}

// Close stops delivery.
func (h *Hub) Close() error {
	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	h.wg.Wait()
	return nil
}

// ---- fault injection ----

// SetHung makes the hub drop every command and stop streaming until reset.
func (h *Hub) SetHung(v bool) {
	h.mu.Lock()
	h.hung = v
	h.mu.Unlock()
}

// SetSendError makes Send fail with err (nil clears).
func (h *Hub) SetSendError(err error) {
	h.mu.Lock()
	h.sendErr = err
	h.mu.Unlock()
}

// InjectCrash emits a hub crash report. A crashed hub loses its enablement.
func (h *Hub) InjectCrash() {
	h.mu.Lock()
	h.enabled = make(map[frame.Target]*sensor)
	h.mu.Unlock()
	h.report(frame.ReportHubCrash, frame.TargetHub, nil)
}

// InjectSilence emits a report that t stopped producing data.
func (h *Hub) InjectSilence(t frame.Target) {
	h.report(frame.ReportHubSilence, t, nil)
}

// InjectLog emits a hub log line.
func (h *Hub) InjectLog(text string) {
	h.report(frame.ReportLog, frame.TargetHub, []byte(text))
}

// InjectSample emits one sample for t regardless of enablement.
func (h *Hub) InjectSample(t frame.Target, data []byte) {
	h.report(frame.ReportSample, t, data)
}

// InjectRaw queues raw inbound bytes as if they came off the link.
func (h *Hub) InjectRaw(raw []byte) {
	h.deliver(append([]byte(nil), raw...))
}

// SetTargets replaces the sensors reported by the capabilities command.
func (h *Hub) SetTargets(ts ...frame.Target) {
	var caps uint64
	for _, t := range ts {
		if t != frame.TargetHub && t.Valid() {
			caps |= 1 << uint(t)
		}
	}
	h.mu.Lock()
	h.caps = caps
	h.mu.Unlock()
}

// ---- inspection ----

// Enabled lists the targets the hub is streaming.
func (h *Hub) Enabled() []frame.Target {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]frame.Target, 0, len(h.enabled))
	for t := range h.enabled {
		out = append(out, t)
	}
	return out
}

// Commands returns how many commands with sub-command sub were handled.
func (h *Hub) Commands(sub byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.commands[sub]
}

// ConfigFor returns the last configuration payload written for t.
func (h *Hub) ConfigFor(t frame.Target) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfgSeen[t]
}

// Runtime returns the last runtime payload.
func (h *Hub) Runtime() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runtime
}

// LastTime returns the last pushed host time.
func (h *Hub) LastTime() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastTime
}

// Resets returns the number of hard resets.
func (h *Hub) Resets() int { return int(h.resets.Load()) }

// ---- command handling ----

var ack = []byte{0x00}

func (h *Hub) handle(f frame.Frame) {
	sel := f.Selector

	h.mu.Lock()
	h.commands[sel.SubCmd]++
	h.mu.Unlock()

	switch sel.SubCmd {
	case frame.SubInfo:
		out := make([]byte, 4)
		binary.LittleEndian.PutUint32(out, h.cfg.Firmware)
		h.reply(sel, out)

	case frame.SubCapabilities:
		h.mu.Lock()
		caps := h.caps
		h.mu.Unlock()
		out := make([]byte, 8)
		binary.LittleEndian.PutUint64(out, caps)
		h.reply(sel, out)

	case frame.SubEnable:
		period := time.Duration(0)
		if len(f.Payload) >= 4 {
			period = time.Duration(binary.LittleEndian.Uint32(f.Payload[:4])) * time.Millisecond
		}
		h.mu.Lock()
		known := h.caps&(1<<uint(sel.Target)) != 0
		if known {
			h.enabled[sel.Target] = &sensor{period: period, nextDue: time.Now().Add(period)}
		}
		h.mu.Unlock()
		if known {
			h.reply(sel, ack)
		}

	case frame.SubDisable:
		h.mu.Lock()
		delete(h.enabled, sel.Target)
		h.mu.Unlock()
		h.reply(sel, ack)

	case frame.SubAlive:
		h.mu.Lock()
		_, on := h.enabled[sel.Target]
		h.mu.Unlock()
		if on {
			h.reply(sel, ack)
		}

	case frame.SubConfig:
		h.mu.Lock()
		h.cfgSeen[sel.Target] = f.Payload
		h.mu.Unlock()
		h.reply(sel, ack)

	case frame.SubRuntime:
		h.mu.Lock()
		h.runtime = f.Payload
		h.mu.Unlock()
		h.reply(sel, ack)

	case frame.SubTimeSync:
		if len(f.Payload) >= 8 {
			h.mu.Lock()
			h.lastTime = time.Unix(0, int64(binary.LittleEndian.Uint64(f.Payload)))
			h.mu.Unlock()
		}
	}
}

func (h *Hub) reply(sel frame.Selector, payload []byte) {
	raw, err := frame.Encode(sel, payload)
	if err != nil {
		return
	}
	if h.cfg.ReplyDelay > 0 {
		d := h.cfg.ReplyDelay
		go func() {
			time.Sleep(d)
			h.deliver(raw)
		}()
		return
	}
	h.deliver(raw)
}

func (h *Hub) report(kind frame.ReportKind, t frame.Target, data []byte) {
	raw, err := frame.Encode(
		frame.Selector{Class: frame.ClassReport, Target: t},
		frame.EncodeReport(kind, t, data),
	)
	if err != nil {
		return
	}
	h.deliver(raw)
}

func (h *Hub) deliver(raw []byte) {
	select {
	case h.inbound <- raw:
	default:
		h.log.Warn("sim: inbound queue full, frame dropped")
	}
}

// ---- delivery loop ----

func (h *Hub) run(ctx context.Context, onFrame func([]byte)) {
	defer h.wg.Done()

	var tick <-chan time.Time
	if h.cfg.SampleTick > 0 {
		t := time.NewTicker(h.cfg.SampleTick)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-h.inbound:
			onFrame(raw)
		case now := <-tick:
			h.stream(now)
		}
	}
}

// stream queues one sample for every enabled sensor that is due.
func (h *Hub) stream(now time.Time) {
	h.mu.Lock()
	if h.hung {
		h.mu.Unlock()
		return
	}
	type due struct {
		t   frame.Target
		seq uint32
	}
	var out []due
	for t, s := range h.enabled {
		if now.Before(s.nextDue) {
			continue
		}
		s.seq++
		s.nextDue = now.Add(s.period)
		out = append(out, due{t: t, seq: s.seq})
	}
	h.mu.Unlock()

	for _, d := range out {
		data := make([]byte, 4)
		binary.LittleEndian.PutUint32(data, d.seq)
		h.report(frame.ReportSample, d.t, data)
	}
}
