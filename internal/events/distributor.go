// internal/events/distributor.go
package events

import (
	"sync/atomic"
	"time"

	"github.com/tamzrod/sensorhub/internal/frame"
)

// Toucher records event arrival per target.
type Toucher interface {
	TouchEvent(t frame.Target, at time.Time)
}

// Distributor is the sink for sensor samples coming off the link.
// It only refreshes the target's last-event time and publishes; it never
// touches pending requests or recovery.
type Distributor struct {
	targets Toucher
	bus     *Bus
	now     func() time.Time

	delivered atomic.Uint64
}

// NewDistributor creates a distributor. now may be nil (time.Now).
func NewDistributor(targets Toucher, bus *Bus, now func() time.Time) *Distributor {
	if now == nil {
		now = time.Now
	}
	return &Distributor{targets: targets, bus: bus, now: now}
}

// Distribute delivers one sample for target t. payload is owned by the caller
// of Distribute only until it returns; subscribers get their own copy.
func (d *Distributor) Distribute(t frame.Target, payload []byte) {
	at := d.now()
	if d.targets != nil {
		d.targets.TouchEvent(t, at)
	}
	d.delivered.Add(1)

	if d.bus == nil {
		return
	}
	d.bus.PublishSample(Sample{
		Target:  t,
		Payload: append([]byte(nil), payload...),
		At:      at,
	})
}

// Delivered returns the number of samples distributed.
func (d *Distributor) Delivered() uint64 {
	return d.delivered.Load()
}
