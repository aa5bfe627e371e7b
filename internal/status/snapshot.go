// internal/status/snapshot.go
package status

// Snapshot represents exactly what the writer is allowed to deliver.
// It contains no logic and no memory of the past beyond current state.
type Snapshot struct {
	Health         uint16 `json:"health"`
	LastErrorCode  uint16 `json:"last_error_code"`
	SecondsInError uint16 `json:"seconds_in_error"`

	ResetSeq uint16 `json:"reset_seq"`
	Enabled  uint64 `json:"enabled"`
	Firmware uint32 `json:"firmware"`
	Pending  uint16 `json:"pending"`
}

// HealthName returns a label for a health code.
func HealthName(h uint16) string {
	switch h {
	case HealthOK:
		return "ok"
	case HealthError:
		return "error"
	case HealthStale:
		return "stale"
	case HealthDisabled:
		return "disabled"
	case HealthRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}
