// internal/dispatch/dispatcher.go
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tamzrod/sensorhub/internal/frame"
	"github.com/tamzrod/sensorhub/internal/pending"
)

// Sender is the outbound half of the link.
type Sender interface {
	Send(frame []byte, timeout time.Duration) error
}

// Targets answers whether a target may be addressed.
type Targets interface {
	Known(t frame.Target) bool
}

// Escalator receives command outcomes. Implemented by the recovery orchestrator.
type Escalator interface {
	// HubDown reports that the hub is already known to be down (a reset is
	// queued or running its hard-reset phase).
	HubDown() bool
	// ResetInProgress reports that any reset phase is active.
	ResetInProgress() bool

	TransportFailed(err error)
	CommandTimedOut()
	CommandSucceeded()
}

type nopEscalator struct{}

func (nopEscalator) HubDown() bool         { return false }
func (nopEscalator) ResetInProgress() bool { return false }
func (nopEscalator) TransportFailed(error) {}
func (nopEscalator) CommandTimedOut()      {}
func (nopEscalator) CommandSucceeded()     {}

// Config is the dispatcher runtime config.
type Config struct {
	// SendTimeout bounds a single transport write.
	SendTimeout time.Duration
}

// Dispatcher issues commands to the hub and matches replies to callers.
// Issue and Notify are safe for concurrent use; HandleReply is called from
// the single inbound delivery goroutine.
type Dispatcher struct {
	cfg     Config
	tr      Sender
	reg     *pending.Registry
	targets Targets
	log     *zap.Logger

	// sendMu serializes link writes.
	sendMu sync.Mutex
	esc    Escalator
}

// New creates a dispatcher. SetEscalator must be called before the first
// command if outcomes should reach recovery.
func New(cfg Config, tr Sender, reg *pending.Registry, targets Targets, log *zap.Logger) (*Dispatcher, error) {
	if tr == nil {
		return nil, errors.New("dispatch: transport required")
	}
	if reg == nil {
		return nil, errors.New("dispatch: registry required")
	}
	if targets == nil {
		return nil, errors.New("dispatch: target set required")
	}
	if cfg.SendTimeout <= 0 {
		return nil, errors.New("dispatch: send timeout must be > 0")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		cfg:     cfg,
		tr:      tr,
		reg:     reg,
		targets: targets,
		log:     log,
		esc:     nopEscalator{},
	}, nil
}

// SetEscalator wires the recovery side. Not safe to call concurrently with Issue.
func (d *Dispatcher) SetEscalator(e Escalator) {
	if e == nil {
		e = nopEscalator{}
	}
	d.esc = e
}

// Issue sends a command and, if timeout > 0, waits for its reply.
//
// Returns exactly one of: reply payload, ErrNotConnected, ErrTransport,
// ErrTimeout, ErrCancelled. With timeout == 0 the payload is always nil.
func (d *Dispatcher) Issue(ctx context.Context, sel frame.Selector, payload []byte, timeout time.Duration) ([]byte, error) {
	if !d.targets.Known(sel.Target) {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, sel)
	}

	raw, err := frame.Encode(sel, payload)
	if err != nil {
		return nil, err
	}

	var req *pending.Request
	if timeout > 0 {
		// Registered before the write: a reply racing the send must find it.
		req = pending.NewRequest(sel)
		d.reg.Insert(req)
	}

	if err := d.send(raw); err != nil {
		if req != nil {
			d.reg.Remove(req)
		}
		if !d.esc.HubDown() {
			d.esc.TransportFailed(err)
		}
		d.log.Warn("command send failed", zap.Stringer("sel", sel), zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %v", ErrTransport, sel, err)
	}

	if req == nil {
		return nil, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-req.Done():
		return d.finish(sel, res)

	case <-timer.C:
		if !d.reg.Remove(req) {
			// Matched or cancelled while the timer fired: take that outcome.
			return d.finish(sel, <-req.Done())
		}
		if !d.esc.ResetInProgress() {
			d.esc.CommandTimedOut()
		}
		d.log.Warn("command timed out", zap.Stringer("sel", sel), zap.Duration("timeout", timeout))
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, sel, timeout)

	case <-ctx.Done():
		if !d.reg.Remove(req) {
			return d.finish(sel, <-req.Done())
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrCancelled, sel, ctx.Err())
	}
}

// Notify sends a command without waiting for a reply.
func (d *Dispatcher) Notify(sel frame.Selector, payload []byte) error {
	_, err := d.Issue(context.Background(), sel, payload, 0)
	return err
}

// HandleReply completes the oldest request waiting on f's selector.
// An unmatched reply is normal (for example a reply to a timed-out request).
func (d *Dispatcher) HandleReply(f frame.Frame) bool {
	if d.reg.Match(f.Selector, f.Payload) {
		return true
	}
	d.log.Debug("reply without pending request dropped", zap.Stringer("sel", f.Selector))
	return false
}

// CancelPending completes every outstanding request with ErrCancelled.
func (d *Dispatcher) CancelPending() int {
	return d.reg.CancelAll(ErrCancelled)
}

// Pending returns the number of outstanding requests.
func (d *Dispatcher) Pending() int {
	return d.reg.Len()
}

func (d *Dispatcher) send(raw []byte) error {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	return d.tr.Send(raw, d.cfg.SendTimeout)
}

func (d *Dispatcher) finish(sel frame.Selector, res pending.Result) ([]byte, error) {
	if res.Err != nil {
		d.log.Debug("command cancelled", zap.Stringer("sel", sel), zap.Error(res.Err))
		return nil, res.Err
	}
	d.esc.CommandSucceeded()
	return res.Payload, nil
}
