// internal/timesync/syncer.go
package timesync

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tamzrod/sensorhub/internal/frame"
)

// PayloadSize is the size of a time push payload (unix nanoseconds, u64 LE).
const PayloadSize = 8

// Notifier sends a command without waiting for a reply.
type Notifier interface {
	Notify(sel frame.Selector, payload []byte) error
}

// Selector is the time push command.
var Selector = frame.Selector{Class: frame.ClassSet, Target: frame.TargetHub, SubCmd: frame.SubTimeSync}

// Encode packs t for the hub.
func Encode(t time.Time) []byte {
	out := make([]byte, PayloadSize)
	binary.LittleEndian.PutUint64(out, uint64(t.UnixNano()))
	return out
}

// Decode is the inverse of Encode.
func Decode(b []byte) (time.Time, error) {
	if len(b) < PayloadSize {
		return time.Time{}, errors.New("timesync: payload too short")
	}
	return time.Unix(0, int64(binary.LittleEndian.Uint64(b))), nil
}

// Syncer periodically pushes host time to the hub so sample timestamps can
// be mapped to the host clock. Stopped by recovery while the hub is reset.
type Syncer struct {
	interval time.Duration
	n        Notifier
	log      *zap.Logger
	now      func() time.Time

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}

	pushes atomic.Uint64
}

// New creates a stopped syncer.
func New(interval time.Duration, n Notifier, log *zap.Logger) (*Syncer, error) {
	if interval <= 0 {
		return nil, errors.New("timesync: interval must be > 0")
	}
	if n == nil {
		return nil, errors.New("timesync: notifier required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Syncer{interval: interval, n: n, log: log, now: time.Now}, nil
}

// Start pushes the time once and then every interval. No-op if running.
func (s *Syncer) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.stop, s.done)
}

// Stop halts the loop and waits for it to exit. No-op if stopped.
func (s *Syncer) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Running reports whether the loop is active.
func (s *Syncer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop != nil
}

// Pushes returns the number of successful pushes.
func (s *Syncer) Pushes() uint64 {
	return s.pushes.Load()
}

func (s *Syncer) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	s.push()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.push()
		}
	}
}

func (s *Syncer) push() {
	if err := s.n.Notify(Selector, Encode(s.now())); err != nil {
		s.log.Debug("time push failed", zap.Error(err))
		return
	}
	s.pushes.Add(1)
}
