// internal/transport/serial/serial.go
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	gserial "github.com/goburrow/serial"
	"go.uber.org/zap"

	"github.com/tamzrod/sensorhub/internal/frame"
	"github.com/tamzrod/sensorhub/internal/transport"
)

const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 5 * time.Second
	readBufSize    = 512
)

// Config is the UART link config.
type Config struct {
	Address  string // e.g. /dev/ttyS1
	BaudRate int
	DataBits int
	StopBits int
	Parity   string // "N", "E" or "O"

	// ReadTimeout bounds one port read so the loop can observe shutdown.
	ReadTimeout time.Duration

	// ResetSettle is the wait between closing and reopening the port on
	// a hard reset.
	ResetSettle time.Duration
}

// Opener opens the port. Replaced in tests.
type Opener func(c *gserial.Config) (io.ReadWriteCloser, error)

func openPort(c *gserial.Config) (io.ReadWriteCloser, error) {
	p, err := gserial.Open(c)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Option configures a Transport.
type Option func(*Transport)

// WithOpener overrides the port opener.
func WithOpener(o Opener) Option {
	return func(t *Transport) {
		if o != nil {
			t.open = o
		}
	}
}

// Transport is a UART link to the hub.
// Hard reset closes and reopens the port, which resets the hub on boards
// that tie its reset line to DTR.
type Transport struct {
	cfg  Config
	log  *zap.Logger
	open Opener

	// openMu serializes reopen attempts from the read loop and HardReset.
	openMu sync.Mutex

	mu     sync.Mutex
	port   io.ReadWriteCloser
	cancel context.CancelFunc
	wg     sync.WaitGroup

	resetting atomic.Bool
	state     atomic.Int32
	dropped   atomic.Uint64
}

// New creates a closed transport.
func New(cfg Config, log *zap.Logger, opts ...Option) (*Transport, error) {
	if cfg.Address == "" {
		return nil, errors.New("serial: address required")
	}
	if cfg.BaudRate <= 0 {
		return nil, errors.New("serial: baud rate must be > 0")
	}
	if cfg.DataBits == 0 {
		cfg.DataBits = 8
	}
	if cfg.StopBits == 0 {
		cfg.StopBits = 1
	}
	if cfg.Parity == "" {
		cfg.Parity = "N"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 100 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}

	t := &Transport{cfg: cfg, log: log, open: openPort}
	for _, o := range opts {
		o(t)
	}
	t.state.Store(int32(transport.StateDisconnected))
	return t, nil
}

// Start opens the port (fail fast) and starts the read loop.
func (t *Transport) Start(ctx context.Context, onFrame func(raw []byte)) error {
	if onFrame == nil {
		return errors.New("serial: frame handler required")
	}
	if _, err := t.reopen(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readLoop(ctx, onFrame)
	return nil
}

// Send writes one wrapped frame. The write is bounded by the driver, not
// by timeout.
func (t *Transport) Send(f []byte, _ time.Duration) error {
	if len(f) != frame.Size {
		return fmt.Errorf("serial: frame must be %d bytes, got %d", frame.Size, len(f))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return errors.New("serial: not connected")
	}
	if err := writeAll(t.port, Wrap(f)); err != nil {
		return fmt.Errorf("serial: write: %w", err)
	}
	return nil
}

// HardReset closes the port, waits the settle delay and reopens it.
func (t *Transport) HardReset(ctx context.Context) error {
	t.resetting.Store(true)
	defer t.resetting.Store(false)

	t.mu.Lock()
	port := t.port
	t.port = nil
	t.mu.Unlock()

	if port != nil {
		_ = port.Close()
	}
	t.state.Store(int32(transport.StateConnecting))
	t.log.Info("serial: hard reset", zap.String("port", t.cfg.Address))

	if t.cfg.ResetSettle > 0 {
		timer := time.NewTimer(t.cfg.ResetSettle)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	if _, err := t.reopen(); err != nil {
		return fmt.Errorf("serial: hard reset: %w", err)
	}
	return nil
}

// Close stops the read loop and closes the port.
func (t *Transport) Close() error {
	t.mu.Lock()
	cancel := t.cancel
	port := t.port
	t.port = nil
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if port != nil {
		err = port.Close()
	}
	t.wg.Wait()
	t.state.Store(int32(transport.StateDisconnected))
	return err
}

// LinkState implements transport.Stater.
func (t *Transport) LinkState() transport.State {
	return transport.State(t.state.Load())
}

// Dropped returns the number of bytes discarded by the deframer.
func (t *Transport) Dropped() uint64 { return t.dropped.Load() }

// ---- internal ----

// reopen returns the current port, opening one if there is none.
func (t *Transport) reopen() (io.ReadWriteCloser, error) {
	t.openMu.Lock()
	defer t.openMu.Unlock()

	t.mu.Lock()
	port := t.port
	t.mu.Unlock()
	if port != nil {
		return port, nil
	}

	t.state.Store(int32(transport.StateConnecting))
	port, err := t.open(&gserial.Config{
		Address:  t.cfg.Address,
		BaudRate: t.cfg.BaudRate,
		DataBits: t.cfg.DataBits,
		StopBits: t.cfg.StopBits,
		Parity:   t.cfg.Parity,
		Timeout:  t.cfg.ReadTimeout,
	})
	if err != nil {
		t.state.Store(int32(transport.StateFailed))
		return nil, fmt.Errorf("serial: open %s: %w", t.cfg.Address, err)
	}

	t.mu.Lock()
	t.port = port
	t.mu.Unlock()
	t.state.Store(int32(transport.StateConnected))
	t.log.Info("serial: port open", zap.String("port", t.cfg.Address), zap.Int("baud", t.cfg.BaudRate))
	return port, nil
}

func (t *Transport) current() io.ReadWriteCloser {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port
}

// dropPort clears port if it is still current.
func (t *Transport) dropPort(port io.ReadWriteCloser) {
	t.mu.Lock()
	if t.port == port {
		t.port = nil
	}
	t.mu.Unlock()
	_ = port.Close()
}

func (t *Transport) readLoop(ctx context.Context, onFrame func([]byte)) {
	defer t.wg.Done()

	var (
		dec     Decoder
		last    io.ReadWriteCloser
		buf     = make([]byte, readBufSize)
		backoff = initialBackoff
	)

	for {
		if ctx.Err() != nil {
			return
		}

		port := t.current()
		if port == nil && t.resetting.Load() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
				continue
			}
		}
		if port == nil {
			p, err := t.reopen()
			if err != nil {
				t.log.Warn("serial: reopen failed", zap.Duration("retry_in", backoff), zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
					backoff = min(backoff*2, maxBackoff)
					continue
				}
			}
			port = p
		}
		backoff = initialBackoff

		if port != last {
			dec.Reset()
			last = port
		}

		n, err := port.Read(buf)
		if n > 0 {
			before := dec.Dropped()
			dec.Feed(buf[:n], onFrame)
			if d := dec.Dropped() - before; d > 0 {
				t.dropped.Add(d)
				t.log.Debug("serial: resync dropped bytes", zap.Uint64("bytes", d))
			}
		}
		if err == nil || errors.Is(err, gserial.ErrTimeout) {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if t.current() != port {
			// replaced by HardReset
			continue
		}
		t.log.Warn("serial: read failed, reopening", zap.Error(err))
		t.state.Store(int32(transport.StateFailed))
		t.dropPort(port)
	}
}

func writeAll(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}
