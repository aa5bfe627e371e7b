// internal/config/config.go
package config

type Config struct {
	Hub          HubConfig           `yaml:"hub"`
	Transport    TransportConfig     `yaml:"transport"`
	Recovery     RecoveryConfig      `yaml:"recovery"`
	Watchdog     WatchdogConfig      `yaml:"watchdog"`
	TimeSync     TimeSyncConfig      `yaml:"timesync"`
	Runtime      *RuntimeConfig      `yaml:"runtime"`
	Targets      []TargetConfig      `yaml:"targets"`
	Log          LogConfig           `yaml:"log"`
	API          APIConfig           `yaml:"api"`
	Journal      JournalConfig       `yaml:"journal"`
	StatusMemory *StatusMemoryConfig `yaml:"status_memory"`
}

// ---- HUB ----

type HubConfig struct {
	Name             string `yaml:"name"`
	CommandTimeoutMs int    `yaml:"command_timeout_ms"`
	SendTimeoutMs    int    `yaml:"send_timeout_ms"`
}

// ---- TRANSPORT ----

const (
	TransportSerial = "serial"
	TransportModbus = "modbus"
	TransportTCP    = "tcp"
	TransportSim    = "sim"
)

type TransportConfig struct {
	Kind   string        `yaml:"kind"`
	Serial *SerialConfig `yaml:"serial"`
	Modbus *ModbusConfig `yaml:"modbus"`
	TCP    *TCPConfig    `yaml:"tcp"`
	Sim    *SimConfig    `yaml:"sim"`
}

type SerialConfig struct {
	Device        string `yaml:"device"`
	BaudRate      int    `yaml:"baud_rate"`
	DataBits      int    `yaml:"data_bits"`
	StopBits      int    `yaml:"stop_bits"`
	Parity        string `yaml:"parity"` // N, E or O
	ReadTimeoutMs int    `yaml:"read_timeout_ms"`
	ResetSettleMs int    `yaml:"reset_settle_ms"`
}

type ModbusConfig struct {
	Endpoint       string         `yaml:"endpoint"`
	UnitID         uint8          `yaml:"unit_id"`
	TimeoutMs      int            `yaml:"timeout_ms"`
	PollIntervalMs int            `yaml:"poll_interval_ms"`
	ResetSettleMs  int            `yaml:"reset_settle_ms"`
	Mailbox        *MailboxConfig `yaml:"mailbox"` // nil => default map
}

// MailboxConfig is the register map of the bridge.
type MailboxConfig struct {
	TxAddress uint16 `yaml:"tx_address"`
	RxAddress uint16 `yaml:"rx_address"`
	RxAckCoil uint16 `yaml:"rx_ack_coil"`
	ResetCoil uint16 `yaml:"reset_coil"`
}

type TCPConfig struct {
	Endpoint      string `yaml:"endpoint"`
	DialTimeoutMs int    `yaml:"dial_timeout_ms"`
	MinBackoffMs  int    `yaml:"min_backoff_ms"`
	MaxBackoffMs  int    `yaml:"max_backoff_ms"`
}

type SimConfig struct {
	Firmware     uint32  `yaml:"firmware"`
	Targets      []uint8 `yaml:"targets"`
	SampleTickMs int     `yaml:"sample_tick_ms"`
	ReplyDelayMs int     `yaml:"reply_delay_ms"`
}

// ---- RECOVERY ----

type RecoveryConfig struct {
	ResetTimeoutMs   int `yaml:"reset_timeout_ms"`
	SettleDelayMs    int `yaml:"settle_delay_ms"`
	TimeoutThreshold int `yaml:"timeout_threshold"`
}

// ---- WATCHDOG / TIMESYNC ----

type WatchdogConfig struct {
	Disabled    bool `yaml:"disabled"`
	IntervalMs  int  `yaml:"interval_ms"`
	StalenessMs int  `yaml:"staleness_ms"`
}

type TimeSyncConfig struct {
	Disabled   bool `yaml:"disabled"`
	IntervalMs int  `yaml:"interval_ms"`
}

// ---- RUNTIME (hub-wide, re-applied after every reset) ----

type RuntimeConfig struct {
	FifoFlushMs uint16 `yaml:"fifo_flush_ms"`
	LogLevel    uint8  `yaml:"log_level"`
}

// ---- TARGET ----

type TargetConfig struct {
	ID            uint8  `yaml:"id"`
	Name          string `yaml:"name"`
	EnableOnStart bool   `yaml:"enable_on_start"`
	PeriodMs      int    `yaml:"period_ms"`
	MaxLatencyMs  int    `yaml:"max_latency_ms"`

	// Persistent sensor settings. Re-applied after every reset when set.
	Threshold   uint32  `yaml:"threshold"`
	Calibration []int16 `yaml:"calibration"` // up to 3 axis offsets
	Orientation []int8  `yaml:"orientation"` // 0 or 9 entries (row-major 3x3)
}

// HasSettings reports whether the target carries persistent settings.
func (t TargetConfig) HasSettings() bool {
	return t.Threshold != 0 || len(t.Calibration) > 0 || len(t.Orientation) > 0
}

// ---- AMBIENT ----

type LogConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // console or json
	File       string `yaml:"file"`   // empty => stderr
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type APIConfig struct {
	Listen string `yaml:"listen"` // empty => disabled
}

type JournalConfig struct {
	Path string `yaml:"path"` // empty => disabled
	Keep int    `yaml:"keep"`
}

// ---- STATUS MEMORY (optional, opt-in) ----

type StatusMemoryConfig struct {
	Endpoint   string `yaml:"endpoint"`
	UnitID     uint8  `yaml:"unit_id"`
	Slot       uint16 `yaml:"slot"`
	DeviceName string `yaml:"device_name"`
	TimeoutMs  int    `yaml:"timeout_ms"`
}
