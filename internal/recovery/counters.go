// internal/recovery/counters.go
package recovery

import "sync/atomic"

// counters are process-wide and monotonically increasing, except the two
// consecutive-failure counters which are cleared by a success or a reset.
type counters struct {
	resetSeq                     atomic.Uint64
	byReason                     [numReasons]atomic.Uint64
	consecutiveTimeouts          atomic.Uint64
	consecutiveTransportFailures atomic.Uint64
	cancelledRequests            atomic.Uint64
	failedCycles                 atomic.Uint64
}

// Counters is a point-in-time copy of the recovery counters.
type Counters struct {
	ResetSeq                     uint64            `json:"reset_seq"`
	ByReason                     map[string]uint64 `json:"by_reason"`
	ConsecutiveTimeouts          uint64            `json:"consecutive_timeouts"`
	ConsecutiveTransportFailures uint64            `json:"consecutive_transport_failures"`
	CancelledRequests            uint64            `json:"cancelled_requests"`
	FailedCycles                 uint64            `json:"failed_cycles"`
}

// Reason returns the trigger count for r.
func (c Counters) Reason(r Reason) uint64 {
	return c.ByReason[r.String()]
}

func (c *counters) snapshot() Counters {
	out := Counters{
		ResetSeq:                     c.resetSeq.Load(),
		ByReason:                     make(map[string]uint64, numReasons),
		ConsecutiveTimeouts:          c.consecutiveTimeouts.Load(),
		ConsecutiveTransportFailures: c.consecutiveTransportFailures.Load(),
		CancelledRequests:            c.cancelledRequests.Load(),
		FailedCycles:                 c.failedCycles.Load(),
	}
	for _, r := range Reasons() {
		out.ByReason[r.String()] = c.byReason[r].Load()
	}
	return out
}
