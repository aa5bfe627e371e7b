// internal/config/normalize.go
package config

// Defaults applied by Normalize.
const (
	DefaultCommandTimeoutMs = 500
	DefaultSendTimeoutMs    = 200
	DefaultResetTimeoutMs   = 10000
	DefaultSettleDelayMs    = 100
	DefaultTimeoutThreshold = 3

	DefaultWatchdogIntervalMs  = 1000
	DefaultWatchdogStalenessMs = 5000
	DefaultTimeSyncIntervalMs  = 60000

	DefaultModbusTimeoutMs      = 1000
	DefaultModbusPollIntervalMs = 20
	DefaultSimSampleTickMs      = 10

	DefaultJournalKeep  = 1000
	DefaultStatusTimeMs = 1000

	// maxDeviceName is the status block name field width.
	maxDeviceName = 16
)

// Normalize applies post-validation normalization.
// It is allowed to mutate configuration.
// It MUST be called only after Validate().
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	// ------------------------------------------------------------
	// TIMEOUTS
	// ------------------------------------------------------------

	setDefault(&cfg.Hub.CommandTimeoutMs, DefaultCommandTimeoutMs)
	setDefault(&cfg.Hub.SendTimeoutMs, DefaultSendTimeoutMs)
	setDefault(&cfg.Recovery.ResetTimeoutMs, DefaultResetTimeoutMs)
	setDefault(&cfg.Recovery.SettleDelayMs, DefaultSettleDelayMs)
	setDefault(&cfg.Recovery.TimeoutThreshold, DefaultTimeoutThreshold)
	setDefault(&cfg.Watchdog.IntervalMs, DefaultWatchdogIntervalMs)
	setDefault(&cfg.TimeSync.IntervalMs, DefaultTimeSyncIntervalMs)

	// staleness never below one scan
	setDefault(&cfg.Watchdog.StalenessMs, DefaultWatchdogStalenessMs)
	if cfg.Watchdog.StalenessMs < cfg.Watchdog.IntervalMs {
		cfg.Watchdog.StalenessMs = cfg.Watchdog.IntervalMs
	}

	// ------------------------------------------------------------
	// TRANSPORT
	// ------------------------------------------------------------

	switch cfg.Transport.Kind {
	case TransportSerial:
		s := cfg.Transport.Serial
		setDefault(&s.DataBits, 8)
		setDefault(&s.StopBits, 1)
		if s.Parity == "" {
			s.Parity = "N"
		}
	case TransportModbus:
		m := cfg.Transport.Modbus
		setDefault(&m.TimeoutMs, DefaultModbusTimeoutMs)
		setDefault(&m.PollIntervalMs, DefaultModbusPollIntervalMs)
	case TransportSim:
		if cfg.Transport.Sim == nil {
			cfg.Transport.Sim = &SimConfig{}
		}
		setDefault(&cfg.Transport.Sim.SampleTickMs, DefaultSimSampleTickMs)
	}

	// ------------------------------------------------------------
	// AMBIENT
	// ------------------------------------------------------------

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	setDefault(&cfg.Journal.Keep, DefaultJournalKeep)

	// ------------------------------------------------------------
	// STATUS MEMORY (OPT-IN)
	// ------------------------------------------------------------

	if sm := cfg.StatusMemory; sm != nil {
		setDefault(&sm.TimeoutMs, DefaultStatusTimeMs)

		// ASCII already validated; name falls back to hub name
		if sm.DeviceName == "" {
			sm.DeviceName = cfg.Hub.Name
		}
		if len(sm.DeviceName) > maxDeviceName {
			sm.DeviceName = sm.DeviceName[:maxDeviceName]
		}
	}
}

func setDefault(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}
