// internal/status/collector.go
package status

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tamzrod/sensorhub/internal/transport"
)

const namespace = "sensorhub"

// Collector exports hub diagnostics as Prometheus metrics.
// Every scrape takes one fresh Diagnostics sample.
type Collector struct {
	src     Source
	tracker *Tracker // nil => no health metric

	linkUp          *prometheus.Desc
	resetInProgress *prometheus.Desc
	resets          *prometheus.Desc
	triggers        *prometheus.Desc
	failedCycles    *prometheus.Desc
	cancelled       *prometheus.Desc
	consecTimeouts  *prometheus.Desc
	pending         *prometheus.Desc
	rejected        *prometheus.Desc
	unmatched       *prometheus.Desc
	samples         *prometheus.Desc
	hubLogs         *prometheus.Desc
	timePushes      *prometheus.Desc
	targets         *prometheus.Desc
	firmware        *prometheus.Desc
	health          *prometheus.Desc
	secondsInError  *prometheus.Desc
}

// NewCollector builds a collector over src. tracker may be nil.
func NewCollector(src Source, tracker *Tracker) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		src:     src,
		tracker: tracker,

		linkUp:          desc("link_up", "1 if the coprocessor link is connected, otherwise 0"),
		resetInProgress: desc("reset_in_progress", "1 while a reset cycle is running"),
		resets:          desc("resets_total", "Hub reset cycles performed (reset sequence number)"),
		triggers:        desc("reset_triggers_total", "Reset requests by reason, including coalesced ones", "reason"),
		failedCycles:    desc("failed_reset_cycles_total", "Reset cycles that ended in an error"),
		cancelled:       desc("cancelled_requests_total", "Pending requests cancelled by resets"),
		consecTimeouts:  desc("consecutive_timeouts", "Command timeouts since the last success or reset"),
		pending:         desc("pending_requests", "Requests awaiting a reply"),
		rejected:        desc("rejected_frames_total", "Inbound frames rejected by the codec"),
		unmatched:       desc("unmatched_replies_total", "Replies with no pending request"),
		samples:         desc("samples_total", "Sensor samples distributed"),
		hubLogs:         desc("hub_logs_total", "Log lines reported by the hub"),
		timePushes:      desc("time_pushes_total", "Host time pushes sent to the hub"),
		targets:         desc("targets", "Targets by state", "state"),
		firmware:        desc("firmware_info", "Hub firmware revision", "revision"),
		health:          desc("health_code", "Status block health code"),
		secondsInError:  desc("seconds_in_error", "Seconds the hub has not been healthy"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.linkUp
	ch <- c.resetInProgress
	ch <- c.resets
	ch <- c.triggers
	ch <- c.failedCycles
	ch <- c.cancelled
	ch <- c.consecTimeouts
	ch <- c.pending
	ch <- c.rejected
	ch <- c.unmatched
	ch <- c.samples
	ch <- c.hubLogs
	ch <- c.timePushes
	ch <- c.targets
	ch <- c.firmware
	ch <- c.health
	ch <- c.secondsInError
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	d := c.src.Diagnostics()
	k := d.Recovery.Counters

	gauge := func(desc *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v, labels...)
	}
	counter := func(desc *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
	}

	gauge(c.linkUp, boolFloat(d.Link == transport.StateConnected.String()))
	gauge(c.resetInProgress, boolFloat(d.ResetInProgress))
	counter(c.resets, k.ResetSeq)
	for reason, n := range k.ByReason {
		counter(c.triggers, n, reason)
	}
	counter(c.failedCycles, k.FailedCycles)
	counter(c.cancelled, k.CancelledRequests)
	gauge(c.consecTimeouts, float64(k.ConsecutiveTimeouts))
	gauge(c.pending, float64(d.Pending))
	counter(c.rejected, d.RejectedFrames)
	counter(c.unmatched, d.UnmatchedReplies)
	counter(c.samples, d.Samples)
	counter(c.hubLogs, d.HubLogs)
	counter(c.timePushes, d.TimePushes)

	gauge(c.targets, float64(d.Available.Count()), "available")
	gauge(c.targets, float64(d.Enabled.Count()), "enabled")
	gauge(c.targets, float64(len(d.Stale)), "stale")

	gauge(c.firmware, 1, fmt.Sprintf("0x%08X", d.Recovery.Firmware))

	if c.tracker != nil {
		s := c.tracker.Snapshot()
		gauge(c.health, float64(s.Health))
		gauge(c.secondsInError, float64(s.SecondsInError))
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
