// internal/recovery/orchestrator_test.go
package recovery

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tamzrod/sensorhub/internal/dispatch"
	"github.com/tamzrod/sensorhub/internal/enablement"
	"github.com/tamzrod/sensorhub/internal/frame"
)

// ---- fakes ----

// fakeHub answers discovery and records enable commands.
type fakeHub struct {
	mu        sync.Mutex
	caps      enablement.Bitmap
	enabled   []frame.Target
	commands  []frame.Selector
	failInfo  error
	cancelled int
}

func (h *fakeHub) Issue(_ context.Context, sel frame.Selector, _ []byte, _ time.Duration) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, sel)

	switch sel.SubCmd {
	case frame.SubInfo:
		if h.failInfo != nil {
			return nil, h.failInfo
		}
		out := make([]byte, 4)
		binary.LittleEndian.PutUint32(out, 0x01020304)
		return out, nil
	case frame.SubCapabilities:
		out := make([]byte, 8)
		binary.LittleEndian.PutUint64(out, uint64(h.caps))
		return out, nil
	case frame.SubEnable:
		h.enabled = append(h.enabled, sel.Target)
		return []byte{0}, nil
	}
	return []byte{0}, nil
}

func (h *fakeHub) CancelPending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelled++
	return 0
}

func (h *fakeHub) enabledTargets() []frame.Target {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]frame.Target(nil), h.enabled...)
}

type fakeLink struct {
	resets atomic.Int32
	gate   chan struct{}
	err    error
}

func (l *fakeLink) HardReset(ctx context.Context) error {
	l.resets.Add(1)
	if l.gate != nil {
		select {
		case <-l.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return l.err
}

type recordingNotifier struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (n *recordingNotifier) ResetCompleted(o Outcome) {
	n.mu.Lock()
	n.outcomes = append(n.outcomes, o)
	n.mu.Unlock()
}

func (n *recordingNotifier) all() []Outcome {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Outcome(nil), n.outcomes...)
}

type fakeSyncer struct{ starts, stops atomic.Int32 }

func (s *fakeSyncer) Start() { s.starts.Add(1) }
func (s *fakeSyncer) Stop()  { s.stops.Add(1) }

type countingApplier struct{ calls atomic.Int32 }

func (a *countingApplier) Name() string { return "counting" }
func (a *countingApplier) Apply(context.Context, Commander) error {
	a.calls.Add(1)
	return nil
}

func testConfig() Config {
	return Config{
		CommandTimeout:   100 * time.Millisecond,
		ResetTimeout:     2 * time.Second,
		TimeoutThreshold: 3,
	}
}

func newTestOrchestrator(t *testing.T, hub *fakeHub, link *fakeLink, opts ...Option) (*Orchestrator, *enablement.State) {
	t.Helper()
	state := enablement.New(nil)
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	o, err := New(testConfig(), hub, link, state, opts...)
	require.NoError(t, err)
	return o, state
}

// ---- tests ----

func TestInitialize_DiscoversHub(t *testing.T) {
	hub := &fakeHub{caps: enablement.BitmapOf(0, 1, 2)}
	applier := &countingApplier{}
	o, state := newTestOrchestrator(t, hub, &fakeLink{}, WithAppliers(applier))

	require.NoError(t, o.Initialize(context.Background()))

	assert.Equal(t, enablement.BitmapOf(1, 2), state.Available(), "hub bit is never a target")
	assert.EqualValues(t, 0x01020304, o.Snapshot().Firmware)
	assert.EqualValues(t, 1, applier.calls.Load())
	assert.Zero(t, o.Seq())
	assert.Equal(t, Idle, o.State())
}

func TestForceReset_ResyncsExactlyPreviouslyEnabled(t *testing.T) {
	hub := &fakeHub{caps: enablement.BitmapOf(1, 2, 3)}
	syncer := &fakeSyncer{}
	notifier := &recordingNotifier{}
	o, state := newTestOrchestrator(t, hub, &fakeLink{}, WithSyncer(syncer), WithNotifier(notifier))
	require.NoError(t, o.Initialize(context.Background()))

	state.MarkEnabled(1, enablement.Params{Period: 10 * time.Millisecond})
	state.MarkEnabled(3, enablement.Params{Period: 20 * time.Millisecond})

	require.NoError(t, o.ForceReset(context.Background(), true))

	assert.Equal(t, enablement.BitmapOf(1, 3), state.Enabled())
	assert.ElementsMatch(t, []frame.Target{1, 3}, hub.enabledTargets())
	assert.EqualValues(t, 1, o.Seq())
	assert.EqualValues(t, 1, o.Counters().Reason(ExplicitRequest))
	assert.Equal(t, Idle, o.State())
	assert.EqualValues(t, 1, syncer.stops.Load())
	assert.EqualValues(t, 1, syncer.starts.Load())

	outs := notifier.all()
	require.Len(t, outs, 1)
	assert.Equal(t, ExplicitRequest, outs[0].Reason)
	assert.NoError(t, outs[0].Err)
	assert.ElementsMatch(t, []frame.Target{1, 3}, outs[0].Reenabled)
}

func TestForceReset_EmptySetIsNoop(t *testing.T) {
	hub := &fakeHub{caps: enablement.BitmapOf(1, 2)}
	o, state := newTestOrchestrator(t, hub, &fakeLink{})

	require.NoError(t, o.ForceReset(context.Background(), true))
	assert.Equal(t, enablement.Bitmap(0), state.Enabled())
	assert.Empty(t, hub.enabledTargets())
}

func TestResync_DropsTargetsNoLongerReported(t *testing.T) {
	hub := &fakeHub{caps: enablement.BitmapOf(1, 2)}
	o, state := newTestOrchestrator(t, hub, &fakeLink{})
	require.NoError(t, o.Initialize(context.Background()))
	state.MarkEnabled(1, enablement.Params{})
	state.MarkEnabled(2, enablement.Params{})

	hub.mu.Lock()
	hub.caps = enablement.BitmapOf(1)
	hub.mu.Unlock()

	require.NoError(t, o.ForceReset(context.Background(), true))
	assert.Equal(t, enablement.BitmapOf(1), state.Enabled())
}

func TestTrigger_CoalescesConcurrentReasons(t *testing.T) {
	hub := &fakeHub{caps: enablement.BitmapOf(1)}
	link := &fakeLink{gate: make(chan struct{})}
	notifier := &recordingNotifier{}
	o, _ := newTestOrchestrator(t, hub, link, WithNotifier(notifier))

	var started atomic.Int32
	var wg sync.WaitGroup
	for _, r := range []Reason{TransportFailure, HubReportedCrash, HostWatchdogSilence} {
		wg.Add(1)
		go func(r Reason) {
			defer wg.Done()
			if o.Trigger(r) {
				started.Add(1)
			}
		}(r)
	}
	wg.Wait()
	close(link.gate)
	o.Wait()

	c := o.Counters()
	assert.EqualValues(t, 1, started.Load())
	assert.EqualValues(t, 1, link.resets.Load())
	assert.EqualValues(t, 1, c.ResetSeq)
	assert.EqualValues(t, 1, c.Reason(TransportFailure))
	assert.EqualValues(t, 1, c.Reason(HubReportedCrash))
	assert.EqualValues(t, 1, c.Reason(HostWatchdogSilence))
	assert.Len(t, notifier.all(), 1)
	assert.Equal(t, Idle, o.State())
}

func TestForceReset_JoinsRunningCycle(t *testing.T) {
	hub := &fakeHub{caps: enablement.BitmapOf(1)}
	link := &fakeLink{gate: make(chan struct{})}
	o, _ := newTestOrchestrator(t, hub, link)

	require.True(t, o.Trigger(HubReportedCrash))
	assert.True(t, o.HubDown())

	done := make(chan error, 1)
	go func() { done <- o.ForceReset(context.Background(), true) }()

	time.Sleep(20 * time.Millisecond)
	close(link.gate)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released")
	}
	assert.EqualValues(t, 1, link.resets.Load())
	assert.EqualValues(t, 1, o.Counters().Reason(ExplicitRequest))
}

func TestCycle_DiscoveryFailureAbortsWithoutResync(t *testing.T) {
	hub := &fakeHub{caps: enablement.BitmapOf(1, 2)}
	syncer := &fakeSyncer{}
	o, state := newTestOrchestrator(t, hub, &fakeLink{}, WithSyncer(syncer))
	require.NoError(t, o.Initialize(context.Background()))
	state.MarkEnabled(2, enablement.Params{})

	hub.mu.Lock()
	hub.failInfo = dispatch.ErrTransport
	hub.mu.Unlock()

	err := o.ForceReset(context.Background(), true)
	require.Error(t, err)
	assert.ErrorIs(t, err, dispatch.ErrTransport)

	assert.Empty(t, hub.enabledTargets(), "no re-enable after failed discovery")
	assert.Equal(t, enablement.BitmapOf(2), state.Enabled(), "desired set preserved for the next cycle")
	assert.Equal(t, Idle, o.State())
	assert.EqualValues(t, 1, o.Counters().FailedCycles)
	assert.Zero(t, syncer.starts.Load())
	assert.NotEmpty(t, o.Snapshot().LastError)
}

func TestCycle_HardResetFailure(t *testing.T) {
	hub := &fakeHub{caps: enablement.BitmapOf(1)}
	o, _ := newTestOrchestrator(t, hub, &fakeLink{err: errors.New("gpio stuck")})

	err := o.ForceReset(context.Background(), true)
	require.Error(t, err)
	assert.EqualValues(t, 1, o.Seq())
	assert.Equal(t, 1, hub.cancelled)
}

func TestCommandTimedOut_EscalatesAtThreshold(t *testing.T) {
	hub := &fakeHub{caps: enablement.BitmapOf(1)}
	o, _ := newTestOrchestrator(t, hub, &fakeLink{})

	o.CommandTimedOut()
	o.CommandTimedOut()
	assert.Zero(t, o.Counters().Reason(TransportFailure))

	o.CommandSucceeded()
	o.CommandTimedOut()
	o.CommandTimedOut()
	assert.Zero(t, o.Counters().Reason(TransportFailure))

	o.CommandTimedOut()
	o.Wait()
	assert.EqualValues(t, 1, o.Counters().Reason(TransportFailure))
	assert.EqualValues(t, 1, o.Seq())
}

func TestTransportFailed_TriggersReset(t *testing.T) {
	hub := &fakeHub{caps: enablement.BitmapOf(1)}
	o, _ := newTestOrchestrator(t, hub, &fakeLink{})

	o.TransportFailed(errors.New("write: broken pipe"))
	o.Wait()

	c := o.Counters()
	assert.EqualValues(t, 1, c.Reason(TransportFailure))
	assert.EqualValues(t, 1, c.ResetSeq)
	assert.Zero(t, c.ConsecutiveTransportFailures)
}

func TestForceReset_NoWait(t *testing.T) {
	hub := &fakeHub{caps: enablement.BitmapOf(1)}
	link := &fakeLink{gate: make(chan struct{})}
	o, _ := newTestOrchestrator(t, hub, link)

	require.NoError(t, o.ForceReset(context.Background(), false))
	assert.True(t, o.ResetInProgress())
	close(link.gate)
	o.Wait()
	assert.False(t, o.ResetInProgress())
}

func TestShutdown_RefusesTriggers(t *testing.T) {
	hub := &fakeHub{caps: enablement.BitmapOf(1)}
	link := &fakeLink{}
	o, _ := newTestOrchestrator(t, hub, link)

	o.Shutdown()

	assert.False(t, o.Trigger(TransportFailure))
	assert.ErrorIs(t, o.ForceReset(context.Background(), true), ErrClosed)
	assert.Zero(t, link.resets.Load())
	assert.Zero(t, o.Seq())
	assert.Zero(t, o.Counters().Reason(TransportFailure))
}

func TestShutdown_WaitsForCycleWithoutRestartingSyncer(t *testing.T) {
	hub := &fakeHub{caps: enablement.BitmapOf(1)}
	link := &fakeLink{gate: make(chan struct{})}
	syncer := &fakeSyncer{}
	o, _ := newTestOrchestrator(t, hub, link, WithSyncer(syncer))

	require.True(t, o.Trigger(HubReportedCrash))
	require.Eventually(t, func() bool { return syncer.stops.Load() == 1 }, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		o.Shutdown()
		close(done)
	}()

	// Shutdown must block while the cycle is in its hard reset.
	select {
	case <-done:
		t.Fatal("shutdown returned with a cycle running")
	case <-time.After(30 * time.Millisecond):
	}
	assert.False(t, o.Trigger(TransportFailure), "no new cycle once closing")

	close(link.gate)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not return")
	}

	assert.Equal(t, Idle, o.State())
	assert.Empty(t, o.Snapshot().LastError)
	assert.Zero(t, syncer.starts.Load(), "syncer restarted after shutdown")
	assert.EqualValues(t, 1, link.resets.Load())
}
