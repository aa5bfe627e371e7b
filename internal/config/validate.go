// internal/config/validate.go
package config

import (
	"fmt"
)

// Validate checks configuration correctness.
// It performs declarative validation only.
// It MUST NOT mutate configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if err := checkASCII("hub.name", cfg.Hub.Name); err != nil {
		return err
	}
	if err := nonNegative(
		ms{"hub.command_timeout_ms", cfg.Hub.CommandTimeoutMs},
		ms{"hub.send_timeout_ms", cfg.Hub.SendTimeoutMs},
		ms{"recovery.reset_timeout_ms", cfg.Recovery.ResetTimeoutMs},
		ms{"recovery.settle_delay_ms", cfg.Recovery.SettleDelayMs},
		ms{"recovery.timeout_threshold", cfg.Recovery.TimeoutThreshold},
		ms{"watchdog.interval_ms", cfg.Watchdog.IntervalMs},
		ms{"watchdog.staleness_ms", cfg.Watchdog.StalenessMs},
		ms{"timesync.interval_ms", cfg.TimeSync.IntervalMs},
		ms{"journal.keep", cfg.Journal.Keep},
	); err != nil {
		return err
	}

	if err := validateTransport(cfg.Transport); err != nil {
		return err
	}

	// ------------------------------------------------------------
	// WATCHDOG
	// ------------------------------------------------------------

	w := cfg.Watchdog
	if w.IntervalMs > 0 && w.StalenessMs > 0 && w.StalenessMs < w.IntervalMs {
		return fmt.Errorf(
			"watchdog: staleness_ms (%d) must not be shorter than interval_ms (%d)",
			w.StalenessMs,
			w.IntervalMs,
		)
	}

	// ------------------------------------------------------------
	// TARGETS
	// ------------------------------------------------------------

	seen := make(map[uint8]struct{}, len(cfg.Targets))
	for i, t := range cfg.Targets {
		if t.ID == 0 || t.ID > 63 {
			return fmt.Errorf("targets[%d]: id must be in 1..63, got %d", i, t.ID)
		}
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("targets[%d]: duplicate id %d", i, t.ID)
		}
		seen[t.ID] = struct{}{}

		if err := checkASCII(fmt.Sprintf("targets[%d].name", i), t.Name); err != nil {
			return err
		}
		if t.PeriodMs < 0 || t.MaxLatencyMs < 0 {
			return fmt.Errorf("target %d: period_ms and max_latency_ms must be >= 0", t.ID)
		}
		if t.EnableOnStart && t.PeriodMs == 0 {
			return fmt.Errorf("target %d: enable_on_start requires period_ms", t.ID)
		}
		if len(t.Calibration) > 3 {
			return fmt.Errorf("target %d: calibration takes at most 3 values, got %d", t.ID, len(t.Calibration))
		}
		if n := len(t.Orientation); n != 0 && n != 9 {
			return fmt.Errorf("target %d: orientation must have 9 entries, got %d", t.ID, n)
		}
		for _, v := range t.Orientation {
			if v < -1 || v > 1 {
				return fmt.Errorf("target %d: orientation entries must be -1, 0 or 1", t.ID)
			}
		}
	}

	// ------------------------------------------------------------
	// LOGGING
	// ------------------------------------------------------------

	switch cfg.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log: unknown level %q", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("log: unknown format %q", cfg.Log.Format)
	}
	if cfg.Log.MaxSizeMB < 0 || cfg.Log.MaxBackups < 0 || cfg.Log.MaxAgeDays < 0 {
		return fmt.Errorf("log: rotation limits must be >= 0")
	}

	// ------------------------------------------------------------
	// STATUS MEMORY (OPT-IN)
	// ------------------------------------------------------------

	if sm := cfg.StatusMemory; sm != nil {
		if sm.Endpoint == "" {
			return fmt.Errorf("status_memory: endpoint is required")
		}
		if sm.TimeoutMs < 0 {
			return fmt.Errorf("status_memory: timeout_ms must be >= 0")
		}
		if err := checkASCII("status_memory.device_name", sm.DeviceName); err != nil {
			return err
		}
	}

	return nil
}

func validateTransport(t TransportConfig) error {
	switch t.Kind {
	case TransportSerial:
		s := t.Serial
		if s == nil {
			return fmt.Errorf("transport: kind %q requires a serial block", t.Kind)
		}
		if s.Device == "" {
			return fmt.Errorf("transport.serial: device is required")
		}
		if s.BaudRate <= 0 {
			return fmt.Errorf("transport.serial: baud_rate must be > 0")
		}
		if s.DataBits != 0 && (s.DataBits < 5 || s.DataBits > 8) {
			return fmt.Errorf("transport.serial: data_bits must be 5..8, got %d", s.DataBits)
		}
		if s.StopBits != 0 && s.StopBits != 1 && s.StopBits != 2 {
			return fmt.Errorf("transport.serial: stop_bits must be 1 or 2, got %d", s.StopBits)
		}
		switch s.Parity {
		case "", "N", "E", "O":
		default:
			return fmt.Errorf("transport.serial: parity must be N, E or O, got %q", s.Parity)
		}
		return nonNegative(
			ms{"transport.serial.read_timeout_ms", s.ReadTimeoutMs},
			ms{"transport.serial.reset_settle_ms", s.ResetSettleMs},
		)

	case TransportModbus:
		m := t.Modbus
		if m == nil {
			return fmt.Errorf("transport: kind %q requires a modbus block", t.Kind)
		}
		if m.Endpoint == "" {
			return fmt.Errorf("transport.modbus: endpoint is required")
		}
		if mb := m.Mailbox; mb != nil && mb.RxAckCoil == mb.ResetCoil {
			return fmt.Errorf("transport.modbus: rx_ack_coil and reset_coil must differ (both %d)", mb.ResetCoil)
		}
		return nonNegative(
			ms{"transport.modbus.timeout_ms", m.TimeoutMs},
			ms{"transport.modbus.poll_interval_ms", m.PollIntervalMs},
			ms{"transport.modbus.reset_settle_ms", m.ResetSettleMs},
		)

	case TransportTCP:
		c := t.TCP
		if c == nil {
			return fmt.Errorf("transport: kind %q requires a tcp block", t.Kind)
		}
		if c.Endpoint == "" {
			return fmt.Errorf("transport.tcp: endpoint is required")
		}
		if c.MaxBackoffMs > 0 && c.MaxBackoffMs < c.MinBackoffMs {
			return fmt.Errorf("transport.tcp: max_backoff_ms must be >= min_backoff_ms")
		}
		return nonNegative(
			ms{"transport.tcp.dial_timeout_ms", c.DialTimeoutMs},
			ms{"transport.tcp.min_backoff_ms", c.MinBackoffMs},
			ms{"transport.tcp.max_backoff_ms", c.MaxBackoffMs},
		)

	case TransportSim:
		s := t.Sim
		if s == nil {
			return nil
		}
		for _, id := range s.Targets {
			if id == 0 || id > 63 {
				return fmt.Errorf("transport.sim: target id must be in 1..63, got %d", id)
			}
		}
		return nonNegative(
			ms{"transport.sim.sample_tick_ms", s.SampleTickMs},
			ms{"transport.sim.reply_delay_ms", s.ReplyDelayMs},
		)

	case "":
		return fmt.Errorf("transport: kind is required")
	default:
		return fmt.Errorf("transport: unknown kind %q", t.Kind)
	}
}

// ---- helpers ----

type ms struct {
	name string
	v    int
}

func nonNegative(vals ...ms) error {
	for _, m := range vals {
		if m.v < 0 {
			return fmt.Errorf("%s must be >= 0, got %d", m.name, m.v)
		}
	}
	return nil
}

// checkASCII rejects non-ASCII names. Names end up packed into registers.
func checkASCII(field, s string) error {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7F {
			return fmt.Errorf("%s must contain ASCII characters only", field)
		}
	}
	return nil
}
