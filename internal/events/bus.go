// internal/events/bus.go
package events

import (
	"errors"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"go.uber.org/zap"

	"github.com/tamzrod/sensorhub/internal/frame"
	"github.com/tamzrod/sensorhub/internal/recovery"
)

// Bus topics.
const (
	TopicSample = "hub:sample"
	TopicReset  = "hub:reset"
)

// Sample is one sensor report delivered by the hub.
type Sample struct {
	Target  frame.Target `json:"target"`
	Payload []byte       `json:"payload"`
	At      time.Time    `json:"at"`
}

// ResetEvent is published once per finished reset cycle.
type ResetEvent struct {
	ID        string         `json:"id"`
	Seq       uint64         `json:"seq"`
	Reason    string         `json:"reason"`
	Err       string         `json:"error,omitempty"`
	Reenabled []frame.Target `json:"reenabled"`
	Started   time.Time      `json:"started"`
	Duration  time.Duration  `json:"duration"`
}

// OK reports whether the cycle completed.
func (e ResetEvent) OK() bool { return e.Err == "" }

// Bus carries hub events to in-process subscribers.
//
// Handlers run synchronously on the publishing goroutine, which for samples
// is the inbound delivery goroutine. They must not block and must not
// subscribe or publish from inside a handler.
type Bus struct {
	bus evbus.Bus
	log *zap.Logger
}

// NewBus creates an empty bus.
func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{bus: evbus.New(), log: log}
}

// PublishSample publishes s on TopicSample.
func (b *Bus) PublishSample(s Sample) {
	b.bus.Publish(TopicSample, s)
}

// PublishReset publishes e on TopicReset.
func (b *Bus) PublishReset(e ResetEvent) {
	b.bus.Publish(TopicReset, e)
}

// OnSample subscribes fn to every sample.
func (b *Bus) OnSample(fn func(Sample)) error {
	if fn == nil {
		return errors.New("events: nil sample handler")
	}
	return b.bus.Subscribe(TopicSample, fn)
}

// OnReset subscribes fn to every reset completion.
func (b *Bus) OnReset(fn func(ResetEvent)) error {
	if fn == nil {
		return errors.New("events: nil reset handler")
	}
	return b.bus.Subscribe(TopicReset, fn)
}

// ResetCompleted implements recovery.Notifier.
func (b *Bus) ResetCompleted(o recovery.Outcome) {
	e := ResetEvent{
		ID:        o.ID,
		Seq:       o.Seq,
		Reason:    o.Reason.String(),
		Reenabled: o.Reenabled,
		Started:   o.Started,
		Duration:  o.Duration,
	}
	if o.Err != nil {
		e.Err = o.Err.Error()
	}
	b.log.Debug("publishing reset event", zap.String("cycle", e.ID), zap.Uint64("seq", e.Seq))
	b.PublishReset(e)
}
