// internal/status/constants.go
package status

// Hub Status Block layout constants.
// These values define the protocol and MUST NOT be configurable.

// ---- BLOCK GEOMETRY ----

// SlotsPerDevice is the fixed number of logical slots per hub block.
const SlotsPerDevice = 20

// ---- SLOT INDICES ----

// SlotHealthCode holds the hub health state.
const SlotHealthCode = 0

// SlotLastErrorCode holds the last error code.
const SlotLastErrorCode = 1

// SlotSecondsInError holds the duration (in seconds) the hub has not been OK.
const SlotSecondsInError = 2

// SlotResetSeq holds the low 16 bits of the reset sequence number.
const SlotResetSeq = 3

// SlotEnabledStart holds the enabled-target bitmap, 4 registers,
// most significant word first.
const SlotEnabledStart = 4
const SlotEnabledSlots = 4

// SlotFirmwareStart holds the hub firmware revision, high word first.
const SlotFirmwareStart = 8
const SlotFirmwareSlots = 2

// SlotPending holds the number of outstanding requests.
const SlotPending = 10

// ---- DEVICE NAME ----

// SlotDeviceNameStart is the first slot used for the device name.
// Device name is always placed at the END of the status block.
const SlotDeviceNameStart = 11

// SlotDeviceNameSlots is the number of slots reserved for the device name.
const SlotDeviceNameSlots = 8

// SlotDeviceNameEnd is the last slot used for the device name (inclusive).
const SlotDeviceNameEnd = SlotDeviceNameStart + SlotDeviceNameSlots - 1

// Slot 19 is reserved.

// ---- LIMITS ----

// DeviceNameMaxChars is the maximum number of ASCII characters stored for device name.
const DeviceNameMaxChars = 16

// MaxSecondsInError is where SecondsInError saturates.
const MaxSecondsInError = 65535

// ---- HEALTH CODES ----

// HealthUnknown represents an unknown or boot state.
const HealthUnknown uint16 = 0

// HealthOK represents a healthy hub.
const HealthOK uint16 = 1

// HealthError represents a link or reset failure.
const HealthError uint16 = 2

// HealthStale represents an enabled target that stopped reporting.
const HealthStale uint16 = 3

// HealthDisabled is written when the daemon stops.
const HealthDisabled uint16 = 4

// HealthRecovering represents a reset cycle in progress.
const HealthRecovering uint16 = 5

// ---- ERROR CODES ----

const (
	ErrorNone        uint16 = 0
	ErrorLinkDown    uint16 = 1
	ErrorResetFailed uint16 = 2
	ErrorStale       uint16 = 3
	ErrorTimeouts    uint16 = 4
)
