// internal/events/stream.go
package events

import (
	"sync"
	"time"
)

// EnvelopeType classifies a streamed event.
type EnvelopeType string

const (
	EnvelopeSample EnvelopeType = "sample"
	EnvelopeReset  EnvelopeType = "reset"
)

// Envelope is the JSON shape sent to stream clients.
type Envelope struct {
	Type      EnvelopeType `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	Data      any          `json:"data"`
}

type subscriber struct {
	ch chan Envelope
}

// Stream fans bus events out to dynamic consumers (WebSocket clients).
// A consumer whose buffer is full misses events instead of stalling
// inbound delivery.
type Stream struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	buffer int
}

// NewStream subscribes a stream to b. buffer is the per-consumer queue
// length (64 if <= 0).
func NewStream(b *Bus, buffer int) (*Stream, error) {
	if buffer <= 0 {
		buffer = 64
	}
	s := &Stream{subs: make(map[*subscriber]struct{}), buffer: buffer}

	if err := b.OnSample(func(smp Sample) {
		s.publish(Envelope{Type: EnvelopeSample, Timestamp: smp.At, Data: smp})
	}); err != nil {
		return nil, err
	}
	if err := b.OnReset(func(e ResetEvent) {
		s.publish(Envelope{Type: EnvelopeReset, Timestamp: e.Started.Add(e.Duration), Data: e})
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// Subscribe registers a consumer. The returned func unregisters it and
// closes the channel; it must be called exactly once.
func (s *Stream) Subscribe() (<-chan Envelope, func()) {
	sub := &subscriber{ch: make(chan Envelope, s.buffer)}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	return sub.ch, func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
		close(sub.ch)
	}
}

// Len returns the number of consumers.
func (s *Stream) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

func (s *Stream) publish(e Envelope) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for sub := range s.subs {
		select {
		case sub.ch <- e:
		default:
			// slow consumer
		}
	}
}
