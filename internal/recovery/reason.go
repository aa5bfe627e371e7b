// internal/recovery/reason.go
package recovery

// Reason is why a reset cycle was requested.
type Reason int

const (
	ExplicitRequest Reason = iota
	TransportFailure
	HostWatchdogSilence
	HubReportedCrash
	HubReportedSilence

	numReasons
)

// Reasons lists every reason in counter order.
func Reasons() []Reason {
	return []Reason{ExplicitRequest, TransportFailure, HostWatchdogSilence, HubReportedCrash, HubReportedSilence}
}

func (r Reason) String() string {
	switch r {
	case ExplicitRequest:
		return "explicit_request"
	case TransportFailure:
		return "transport_failure"
	case HostWatchdogSilence:
		return "host_watchdog_silence"
	case HubReportedCrash:
		return "hub_reported_crash"
	case HubReportedSilence:
		return "hub_reported_silence"
	default:
		return "unknown"
	}
}

func (r Reason) valid() bool { return r >= 0 && r < numReasons }

// State is the orchestrator state machine position.
type State int

const (
	Idle State = iota
	ResetRequested
	Resetting
	Resyncing
)

func (s State) String() string {
	switch s {
	case ResetRequested:
		return "reset_requested"
	case Resetting:
		return "resetting"
	case Resyncing:
		return "resyncing"
	default:
		return "idle"
	}
}
