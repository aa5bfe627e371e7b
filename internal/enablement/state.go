// internal/enablement/state.go
package enablement

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/tamzrod/sensorhub/internal/frame"
)

// ParamsSize is the wire size of an enable payload.
const ParamsSize = 8

// Params are the per-target enable parameters.
type Params struct {
	Period     time.Duration // sampling period
	MaxLatency time.Duration // batching window; 0 means continuous reporting
}

// Continuous reports whether the target streams every sample (batching disabled).
// Only continuous targets are checked by the watchdog.
func (p Params) Continuous() bool { return p.MaxLatency == 0 }

// Encode packs the params as period(ms, u32 LE) + max latency(ms, u32 LE).
func (p Params) Encode() []byte {
	out := make([]byte, ParamsSize)
	binary.LittleEndian.PutUint32(out[0:4], uint32(p.Period/time.Millisecond))
	binary.LittleEndian.PutUint32(out[4:8], uint32(p.MaxLatency/time.Millisecond))
	return out
}

// DecodeParams is the inverse of Encode.
func DecodeParams(b []byte) (Params, error) {
	if len(b) < ParamsSize {
		return Params{}, errors.New("enablement: params too short")
	}
	return Params{
		Period:     time.Duration(binary.LittleEndian.Uint32(b[0:4])) * time.Millisecond,
		MaxLatency: time.Duration(binary.LittleEndian.Uint32(b[4:8])) * time.Millisecond,
	}, nil
}

type entry struct {
	params         Params
	lastEvent      time.Time
	registeredAt   time.Time
	deregisteredAt time.Time
}

// TargetStatus is a read-only view of one target.
type TargetStatus struct {
	Target         frame.Target `json:"target"`
	Available      bool         `json:"available"`
	Enabled        bool         `json:"enabled"`
	Params         Params       `json:"params"`
	LastEvent      time.Time    `json:"last_event,omitempty"`
	RegisteredAt   time.Time    `json:"registered_at,omitempty"`
	DeregisteredAt time.Time    `json:"deregistered_at,omitempty"`
}

// State is the target enablement state shared by the admin path, the
// recovery orchestrator, the distributor and the watchdog.
// All methods are safe for concurrent use.
type State struct {
	mu        sync.RWMutex
	available Bitmap
	enabled   Bitmap
	entries   [frame.MaxTargets]entry
	now       func() time.Time
}

// New creates an empty state. now may be nil (time.Now).
func New(now func() time.Time) *State {
	if now == nil {
		now = time.Now
	}
	return &State{now: now}
}

// ---- availability (discovered from the hub) ----

// SetAvailable replaces the set of targets the hub reports.
func (s *State) SetAvailable(b Bitmap) {
	s.mu.Lock()
	s.available = b
	s.mu.Unlock()
}

// Available returns the targets the hub reports.
func (s *State) Available() Bitmap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.available
}

// Known reports whether commands may be addressed to t.
// The hub itself is always known.
func (s *State) Known(t frame.Target) bool {
	if t == frame.TargetHub {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.available.Has(t)
}

// ---- enablement ----

// MarkEnabled records a successful enable. Enabling an enabled target
// refreshes its params and registration time.
func (s *State) MarkEnabled(t frame.Target, p Params) {
	if !t.Valid() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = s.enabled.With(t)
	e := &s.entries[t]
	e.params = p
	e.registeredAt = s.now()
}

// MarkDisabled clears t.
func (s *State) MarkDisabled(t frame.Target) {
	if !t.Valid() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled.Has(t) {
		return
	}
	s.enabled = s.enabled.Without(t)
	s.entries[t].deregisteredAt = s.now()
}

// Enabled returns the enabled bitmap.
func (s *State) Enabled() Bitmap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// Params returns the params t was last enabled with.
func (s *State) Params(t frame.Target) (Params, bool) {
	if !t.Valid() {
		return Params{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[t].params, s.enabled.Has(t)
}

// TouchEvent records an event arrival for t.
func (s *State) TouchEvent(t frame.Target, at time.Time) {
	if !t.Valid() {
		return
	}
	s.mu.Lock()
	s.entries[t].lastEvent = at
	s.mu.Unlock()
}

// Stale lists continuously-enabled targets with no event (or registration)
// within threshold of now.
func (s *State) Stale(now time.Time, threshold time.Duration) []frame.Target {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []frame.Target
	for _, t := range s.enabled.Targets() {
		e := &s.entries[t]
		if !e.params.Continuous() {
			continue
		}
		last := e.lastEvent
		if e.registeredAt.After(last) {
			last = e.registeredAt
		}
		if now.Sub(last) > threshold {
			out = append(out, t)
		}
	}
	return out
}

// Snapshot returns the status of every available or enabled target.
func (s *State) Snapshot() []TargetStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []TargetStatus
	for _, t := range (s.available | s.enabled).Targets() {
		e := s.entries[t]
		out = append(out, TargetStatus{
			Target:         t,
			Available:      s.available.Has(t),
			Enabled:        s.enabled.Has(t),
			Params:         e.params,
			LastEvent:      e.lastEvent,
			RegisteredAt:   e.registeredAt,
			DeregisteredAt: e.deregisteredAt,
		})
	}
	return out
}
