// internal/hub/builder.go
package hub

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	cfg "github.com/tamzrod/sensorhub/internal/config"
	"github.com/tamzrod/sensorhub/internal/enablement"
	"github.com/tamzrod/sensorhub/internal/frame"
	"github.com/tamzrod/sensorhub/internal/recovery"
	"github.com/tamzrod/sensorhub/internal/transport"
	tmodbus "github.com/tamzrod/sensorhub/internal/transport/modbus"
	tserial "github.com/tamzrod/sensorhub/internal/transport/serial"
	"github.com/tamzrod/sensorhub/internal/transport/sim"
	"github.com/tamzrod/sensorhub/internal/transport/tcp"
	"github.com/tamzrod/sensorhub/internal/watchdog"
)

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// BuildTransport constructs the link named by c.Kind.
// Config MUST be validated and normalized.
// The modbus bridge is connected here (fail fast at startup); the other
// links are opened by Start.
func BuildTransport(c cfg.TransportConfig, log *zap.Logger) (transport.Transport, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("transport", c.Kind))

	switch c.Kind {
	case cfg.TransportSerial:
		s := c.Serial
		tr, err := tserial.New(tserial.Config{
			Address:     s.Device,
			BaudRate:    s.BaudRate,
			DataBits:    s.DataBits,
			StopBits:    s.StopBits,
			Parity:      s.Parity,
			ReadTimeout: ms(s.ReadTimeoutMs),
			ResetSettle: ms(s.ResetSettleMs),
		}, log)
		if err != nil {
			return nil, err
		}
		return tr, nil

	case cfg.TransportModbus:
		m := c.Modbus
		mbMap := tmodbus.DefaultMap()
		if mb := m.Mailbox; mb != nil {
			mbMap = tmodbus.Map{
				TxAddress: mb.TxAddress,
				RxAddress: mb.RxAddress,
				RxAckCoil: mb.RxAckCoil,
				ResetCoil: mb.ResetCoil,
			}
		}
		tr, err := tmodbus.New(tmodbus.Config{
			Endpoint:     m.Endpoint,
			UnitID:       m.UnitID,
			Timeout:      ms(m.TimeoutMs),
			PollInterval: ms(m.PollIntervalMs),
			ResetSettle:  ms(m.ResetSettleMs),
			Map:          mbMap,
		}, log)
		if err != nil {
			return nil, err
		}
		return tr, nil

	case cfg.TransportTCP:
		t := c.TCP
		tr, err := tcp.New(tcp.Config{
			Endpoint:    t.Endpoint,
			DialTimeout: ms(t.DialTimeoutMs),
			MinBackoff:  ms(t.MinBackoffMs),
			MaxBackoff:  ms(t.MaxBackoffMs),
		}, log)
		if err != nil {
			return nil, err
		}
		return tr, nil

	case cfg.TransportSim:
		sc := cfg.SimConfig{}
		if c.Sim != nil {
			sc = *c.Sim
		}
		targets := make([]frame.Target, 0, len(sc.Targets))
		for _, id := range sc.Targets {
			targets = append(targets, frame.Target(id))
		}
		return sim.New(sim.Config{
			Firmware:   sc.Firmware,
			Targets:    targets,
			SampleTick: ms(sc.SampleTickMs),
			ReplyDelay: ms(sc.ReplyDelayMs),
		}, log), nil

	default:
		return nil, fmt.Errorf("hub: unknown transport kind %q", c.Kind)
	}
}

// ConfigFrom maps a validated, normalized file config to the hub config.
func ConfigFrom(c *cfg.Config) Config {
	out := Config{
		CommandTimeout: ms(c.Hub.CommandTimeoutMs),
		SendTimeout:    ms(c.Hub.SendTimeoutMs),
		Recovery: recovery.Config{
			CommandTimeout:   ms(c.Hub.CommandTimeoutMs),
			ResetTimeout:     ms(c.Recovery.ResetTimeoutMs),
			SettleDelay:      ms(c.Recovery.SettleDelayMs),
			TimeoutThreshold: c.Recovery.TimeoutThreshold,
		},
		Watchdog: watchdog.Config{
			Interval:  ms(c.Watchdog.IntervalMs),
			Staleness: ms(c.Watchdog.StalenessMs),
		},
		WatchdogDisabled: c.Watchdog.Disabled,
	}
	if !c.TimeSync.Disabled {
		out.TimeSyncInterval = ms(c.TimeSync.IntervalMs)
	}
	if r := c.Runtime; r != nil {
		out.Runtime = &RuntimeSettings{
			FifoFlush: ms(int(r.FifoFlushMs)),
			LogLevel:  r.LogLevel,
		}
	}

	for _, t := range c.Targets {
		spec := TargetSpec{
			ID:            frame.Target(t.ID),
			Name:          t.Name,
			EnableOnStart: t.EnableOnStart,
			Params: enablement.Params{
				Period:     ms(t.PeriodMs),
				MaxLatency: ms(t.MaxLatencyMs),
			},
		}
		if t.HasSettings() {
			var s TargetSettings
			s.Threshold = t.Threshold
			copy(s.Calibration[:], t.Calibration)
			copy(s.Orientation[:], t.Orientation)
			spec.Settings = &s
		}
		out.Targets = append(out.Targets, spec)
	}
	return out
}
