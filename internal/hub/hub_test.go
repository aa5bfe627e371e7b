// internal/hub/hub_test.go
package hub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tamzrod/sensorhub/internal/dispatch"
	"github.com/tamzrod/sensorhub/internal/enablement"
	"github.com/tamzrod/sensorhub/internal/events"
	"github.com/tamzrod/sensorhub/internal/frame"
	"github.com/tamzrod/sensorhub/internal/recovery"
	"github.com/tamzrod/sensorhub/internal/transport/sim"
)

var fastParams = enablement.Params{Period: 10 * time.Millisecond}

func baseConfig() Config {
	return Config{
		CommandTimeout: 100 * time.Millisecond,
		SendTimeout:    50 * time.Millisecond,
		Recovery: recovery.Config{
			ResetTimeout:     2 * time.Second,
			SettleDelay:      5 * time.Millisecond,
			TimeoutThreshold: 3,
		},
		WatchdogDisabled: true,
	}
}

type rig struct {
	hub    *Hub
	sim    *sim.Hub
	bus    *events.Bus
	resets chan events.ResetEvent
}

func newRig(t *testing.T, sc sim.Config, cfg Config) *rig {
	t.Helper()
	log := zaptest.NewLogger(t)

	s := sim.New(sc, log)
	bus := events.NewBus(log)
	resets := make(chan events.ResetEvent, 8)
	require.NoError(t, bus.OnReset(func(e events.ResetEvent) { resets <- e }))

	h, err := New(cfg, s, bus, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return &rig{hub: h, sim: s, bus: bus, resets: resets}
}

func (r *rig) start(t *testing.T) {
	t.Helper()
	require.NoError(t, r.hub.Start(context.Background()))
}

func (r *rig) nextReset(t *testing.T) events.ResetEvent {
	t.Helper()
	select {
	case e := <-r.resets:
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("no reset completed")
		return events.ResetEvent{}
	}
}

// ---- construction ----

func TestNew_Validation(t *testing.T) {
	s := sim.New(sim.Config{}, nil)

	_, err := New(baseConfig(), nil, nil, nil)
	assert.Error(t, err)

	cfg := baseConfig()
	cfg.CommandTimeout = 0
	_, err = New(cfg, s, nil, nil)
	assert.Error(t, err)

	cfg = baseConfig()
	cfg.Targets = []TargetSpec{{ID: 0}}
	_, err = New(cfg, s, nil, nil)
	assert.Error(t, err)

	cfg = baseConfig()
	cfg.Targets = []TargetSpec{{ID: 3}, {ID: 3}}
	_, err = New(cfg, s, nil, nil)
	assert.Error(t, err)

	cfg = baseConfig()
	cfg.WatchdogDisabled = false
	_, err = New(cfg, s, nil, nil)
	assert.Error(t, err, "watchdog enabled without interval")
}

// ---- bring-up ----

func TestHub_StartDiscoversAndEnables(t *testing.T) {
	cfg := baseConfig()
	cfg.Targets = []TargetSpec{
		{ID: 1, Name: "accel", EnableOnStart: true, Params: fastParams},
		{ID: 2, Name: "gyro"},
	}
	r := newRig(t, sim.Config{Firmware: 0x00020001, Targets: []frame.Target{1, 2}}, cfg)
	r.start(t)

	d := r.hub.Diagnostics()
	assert.EqualValues(t, 0x00020001, d.Recovery.Firmware)
	assert.Equal(t, enablement.BitmapOf(1, 2), d.Available)
	assert.Equal(t, enablement.BitmapOf(1), d.Enabled)
	assert.Equal(t, "connected", d.Link)
	assert.Equal(t, []frame.Target{1}, r.sim.Enabled())

	require.Len(t, d.Targets, 2)
	assert.Equal(t, "accel", d.Targets[0].Name)
	assert.Equal(t, "gyro", d.Targets[1].Name)

	assert.Error(t, r.hub.Start(context.Background()))
}

func TestHub_BringUpFailureSchedulesReset(t *testing.T) {
	cfg := baseConfig()
	cfg.Targets = []TargetSpec{{ID: 4, EnableOnStart: true, Params: fastParams}}
	r := newRig(t, sim.Config{Targets: []frame.Target{4}}, cfg)

	// hung until the hard reset clears it
	r.sim.SetHung(true)
	r.start(t)

	e := r.nextReset(t)
	assert.True(t, e.OK(), e.Err)
	assert.Equal(t, recovery.TransportFailure.String(), e.Reason)
	assert.Empty(t, e.Reenabled, "nothing was acknowledged before the cycle")

	// startup enable follows the successful cycle
	require.Eventually(t, func() bool {
		return r.hub.Diagnostics().Enabled == enablement.BitmapOf(4)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []frame.Target{4}, r.sim.Enabled())
	assert.Empty(t, r.hub.Diagnostics().StartPending)
}

func TestHub_StartupEnableWaitsForHubAck(t *testing.T) {
	cfg := baseConfig()
	cfg.StartRetry = 100 * time.Millisecond
	cfg.Targets = []TargetSpec{{ID: 1, EnableOnStart: true, Params: fastParams}}
	r := newRig(t, sim.Config{Targets: []frame.Target{1}}, cfg)

	r.sim.SetSendError(errors.New("link down"))
	r.start(t)

	e := r.nextReset(t)
	assert.False(t, e.OK())
	d := r.hub.Diagnostics()
	assert.Equal(t, enablement.Bitmap(0), d.Enabled, "not enabled without an ack")
	assert.Empty(t, r.sim.Enabled())
	assert.Equal(t, []frame.Target{1}, d.StartPending)
	assert.NotEmpty(t, d.Recovery.LastError)

	r.sim.SetSendError(nil)
	for !e.OK() {
		e = r.nextReset(t)
	}
	assert.Equal(t, recovery.TransportFailure.String(), e.Reason)

	require.Eventually(t, func() bool {
		return r.hub.Diagnostics().Enabled == enablement.BitmapOf(1)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []frame.Target{1}, r.sim.Enabled())
	assert.Empty(t, r.hub.Diagnostics().StartPending)

	// no further bring-up retries once the target is confirmed
	seq := r.hub.Diagnostics().Recovery.Counters.ResetSeq
	time.Sleep(3 * cfg.StartRetry)
	assert.Equal(t, seq, r.hub.Diagnostics().Recovery.Counters.ResetSeq)
}

func TestHub_DisableDropsStartupEnable(t *testing.T) {
	cfg := baseConfig()
	cfg.StartRetry = time.Hour
	cfg.Targets = []TargetSpec{{ID: 2, EnableOnStart: true, Params: fastParams}}
	r := newRig(t, sim.Config{Targets: []frame.Target{2}}, cfg)

	r.sim.SetSendError(errors.New("link down"))
	r.start(t)
	e := r.nextReset(t)
	require.False(t, e.OK())

	assert.Error(t, r.hub.Disable(context.Background(), 2))
	assert.Empty(t, r.hub.Diagnostics().StartPending)

	r.sim.SetSendError(nil)
	require.Eventually(t, func() bool { return !r.hub.Diagnostics().ResetInProgress },
		2*time.Second, 5*time.Millisecond)
	require.NoError(t, r.hub.ForceReset(context.Background(), true))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, r.sim.Enabled())
	assert.Equal(t, enablement.Bitmap(0), r.hub.Diagnostics().Enabled)
}

func TestHub_CloseStopsBringUpRetries(t *testing.T) {
	cfg := baseConfig()
	cfg.StartRetry = 20 * time.Millisecond
	cfg.TimeSyncInterval = 10 * time.Millisecond
	cfg.Targets = []TargetSpec{{ID: 1, EnableOnStart: true, Params: fastParams}}
	r := newRig(t, sim.Config{Targets: []frame.Target{1}}, cfg)

	r.sim.SetSendError(errors.New("link down"))
	r.start(t)
	r.nextReset(t)

	require.NoError(t, r.hub.Close())
	seq := r.hub.Diagnostics().Recovery.Counters.ResetSeq
	pushes := r.hub.Diagnostics().TimePushes

	r.sim.SetSendError(nil)
	time.Sleep(100 * time.Millisecond)
	d := r.hub.Diagnostics()
	assert.Equal(t, seq, d.Recovery.Counters.ResetSeq)
	assert.Equal(t, pushes, d.TimePushes)
	assert.False(t, d.ResetInProgress)
}

func TestHub_SettingsReappliedAfterReset(t *testing.T) {
	settings := TargetSettings{Threshold: 900, Calibration: [3]int16{-3, 4, 0}}
	cfg := baseConfig()
	cfg.Runtime = &RuntimeSettings{FifoFlush: 40 * time.Millisecond, LogLevel: 2}
	cfg.Targets = []TargetSpec{
		{ID: 1, Settings: &settings},
		{ID: 9, Settings: &TargetSettings{Threshold: 1}}, // not reported: skipped
	}
	r := newRig(t, sim.Config{Targets: []frame.Target{1}}, cfg)
	r.start(t)

	assert.Equal(t, settings.Encode(), r.sim.ConfigFor(1))
	assert.Equal(t, cfg.Runtime.Encode(), r.sim.Runtime())
	assert.Nil(t, r.sim.ConfigFor(9))

	require.NoError(t, r.hub.ForceReset(context.Background(), true))
	assert.Equal(t, 2, r.sim.Commands(frame.SubConfig))
	assert.Equal(t, settings.Encode(), r.sim.ConfigFor(1))
	assert.Equal(t, 2, r.sim.Commands(frame.SubRuntime))
}

// ---- dispatch through the whole stack ----

func TestHub_IssueTimesOutWhenHung(t *testing.T) {
	r := newRig(t, sim.Config{Targets: []frame.Target{1}}, baseConfig())
	r.start(t)
	r.sim.SetHung(true)

	begin := time.Now()
	_, err := r.hub.disp.Issue(context.Background(),
		frame.Selector{Class: frame.ClassGet, Target: 1, SubCmd: frame.SubInfo}, nil, 500*time.Millisecond)
	elapsed := time.Since(begin)

	assert.ErrorIs(t, err, dispatch.ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 500*time.Millisecond)
	assert.Less(t, elapsed, 800*time.Millisecond)
	assert.Zero(t, r.hub.disp.Pending())
}

func TestHub_MalformedFrameIgnored(t *testing.T) {
	r := newRig(t, sim.Config{Targets: []frame.Target{1}}, baseConfig())
	r.start(t)

	bad := make([]byte, frame.Size)
	bad[0] = frame.ClassReport
	bad[4] = 0xFF // declared length past the maximum payload
	r.sim.InjectRaw(bad)
	r.sim.InjectRaw([]byte{1, 2})

	require.Eventually(t, func() bool { return r.hub.Diagnostics().RejectedFrames == 2 }, time.Second, 5*time.Millisecond)
	d := r.hub.Diagnostics()
	assert.Zero(t, d.Samples)
	assert.Zero(t, d.Pending)
	assert.Zero(t, d.Recovery.Counters.ResetSeq)
}

func TestHub_SamplesDistributed(t *testing.T) {
	r := newRig(t, sim.Config{Targets: []frame.Target{2}, SampleTick: 5 * time.Millisecond}, baseConfig())
	got := make(chan events.Sample, 64)
	require.NoError(t, r.bus.OnSample(func(s events.Sample) {
		select {
		case got <- s:
		default:
		}
	}))
	r.start(t)

	require.NoError(t, r.hub.Enable(context.Background(), 2, fastParams))

	select {
	case s := <-got:
		assert.Equal(t, frame.Target(2), s.Target)
		assert.Len(t, s.Payload, 4)
	case <-time.After(time.Second):
		t.Fatal("no sample")
	}
	assert.NotZero(t, r.hub.Diagnostics().Samples)
	assert.Empty(t, r.hub.Diagnostics().Stale)
}

// ---- recovery triggers ----

func TestHub_CrashResyncsEnabledTargets(t *testing.T) {
	r := newRig(t, sim.Config{Targets: []frame.Target{1, 2, 3}}, baseConfig())
	r.start(t)

	ctx := context.Background()
	require.NoError(t, r.hub.Enable(ctx, 1, fastParams))
	require.NoError(t, r.hub.Enable(ctx, 2, enablement.Params{Period: 50 * time.Millisecond, MaxLatency: time.Second}))

	r.sim.InjectCrash()
	e := r.nextReset(t)

	assert.True(t, e.OK(), e.Err)
	assert.Equal(t, recovery.HubReportedCrash.String(), e.Reason)
	assert.EqualValues(t, 1, e.Seq)
	assert.ElementsMatch(t, []frame.Target{1, 2}, e.Reenabled)
	assert.ElementsMatch(t, []frame.Target{1, 2}, r.sim.Enabled())
	assert.Equal(t, enablement.BitmapOf(1, 2), r.hub.Diagnostics().Enabled)

	p, ok := r.hub.state.Params(2)
	require.True(t, ok)
	assert.Equal(t, time.Second, p.MaxLatency)
	assert.Equal(t, 1, r.sim.Resets())
}

func TestHub_HubSilenceTriggersReset(t *testing.T) {
	r := newRig(t, sim.Config{Targets: []frame.Target{1}}, baseConfig())
	r.start(t)

	r.sim.InjectSilence(1)
	e := r.nextReset(t)
	assert.Equal(t, recovery.HubReportedSilence.String(), e.Reason)
	assert.EqualValues(t, 1, r.hub.Diagnostics().Recovery.Counters.Reason(recovery.HubReportedSilence))
}

func TestHub_HubLogCounted(t *testing.T) {
	r := newRig(t, sim.Config{}, baseConfig())
	r.start(t)

	r.sim.InjectLog("fifo overrun")
	require.Eventually(t, func() bool { return r.hub.Diagnostics().HubLogs == 1 }, time.Second, 5*time.Millisecond)
}

func TestHub_WatchdogEscalatesSilentTarget(t *testing.T) {
	cfg := baseConfig()
	cfg.WatchdogDisabled = false
	cfg.Watchdog.Interval = 20 * time.Millisecond
	cfg.Watchdog.Staleness = 30 * time.Millisecond

	// no streaming: the enabled target stays silent
	r := newRig(t, sim.Config{Targets: []frame.Target{1}}, cfg)
	r.start(t)
	require.NoError(t, r.hub.Enable(context.Background(), 1, fastParams))

	e := r.nextReset(t)
	assert.Equal(t, recovery.HostWatchdogSilence.String(), e.Reason)
	assert.GreaterOrEqual(t, r.sim.Commands(frame.SubAlive), 1)
}

// ---- admin ----

func TestHub_EnableErrors(t *testing.T) {
	cfg := baseConfig()
	cfg.CommandTimeout = 40 * time.Millisecond
	r := newRig(t, sim.Config{Targets: []frame.Target{1}}, cfg)
	r.start(t)
	ctx := context.Background()

	assert.ErrorIs(t, r.hub.Enable(ctx, frame.TargetHub, fastParams), ErrInvalidTarget)
	assert.ErrorIs(t, r.hub.Enable(ctx, 64, fastParams), ErrInvalidTarget)

	// not reported by the hub: nothing sent, state untouched
	assert.ErrorIs(t, r.hub.Enable(ctx, 7, fastParams), dispatch.ErrNotConnected)
	assert.Zero(t, r.sim.Commands(frame.SubEnable))

	require.NoError(t, r.hub.Enable(ctx, 1, fastParams))
	r.sim.SetHung(true)
	assert.ErrorIs(t, r.hub.Enable(ctx, 1, fastParams), dispatch.ErrTimeout)
	_, enabled := r.hub.state.Params(1)
	assert.False(t, enabled)
}

func TestHub_DisableAlwaysEndsDisabled(t *testing.T) {
	r := newRig(t, sim.Config{Targets: []frame.Target{1, 2}}, baseConfig())
	r.start(t)
	ctx := context.Background()

	require.NoError(t, r.hub.Enable(ctx, 1, fastParams))
	require.NoError(t, r.hub.Enable(ctx, 2, fastParams))

	require.NoError(t, r.hub.Disable(ctx, 1))
	assert.Equal(t, []frame.Target{2}, r.sim.Enabled())

	r.sim.SetSendError(errors.New("uart gone"))
	assert.ErrorIs(t, r.hub.Disable(ctx, 2), dispatch.ErrTransport)
	assert.Zero(t, r.hub.Diagnostics().Enabled)

	r.sim.SetSendError(nil)
	r.nextReset(t) // the transport error was escalated

	assert.ErrorIs(t, r.hub.Disable(ctx, 33), dispatch.ErrNotConnected)
}

func TestHub_ForceResetWait(t *testing.T) {
	r := newRig(t, sim.Config{Targets: []frame.Target{1}}, baseConfig())
	r.start(t)

	require.NoError(t, r.hub.ForceReset(context.Background(), true))
	assert.EqualValues(t, 1, r.hub.Seq())
	assert.False(t, r.hub.Diagnostics().ResetInProgress)
	assert.Equal(t, recovery.ExplicitRequest.String(), r.nextReset(t).Reason)
}
