// internal/transport/modbus/mailbox.go
package modbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"
	"go.uber.org/zap"

	"github.com/tamzrod/sensorhub/internal/frame"
	"github.com/tamzrod/sensorhub/internal/transport"
)

// coilOn is the Modbus value for setting a single coil.
const coilOn uint16 = 0xFF00

// frameRegisters is the number of 16-bit registers holding one frame.
const frameRegisters = frame.Size / 2

// Client is the subset of modbus.Client the mailbox uses.
type Client interface {
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error)
	WriteSingleCoil(address, value uint16) ([]byte, error)
}

// Map is the register layout of the bridge mailbox.
//
// TX: the host writes one frame into TxAddress (holding registers).
// RX: input register RxAddress holds a ready flag followed by one frame;
// the host acknowledges with RxAckCoil, which lets the bridge load the
// next frame. ResetCoil pulses the hub reset line.
type Map struct {
	TxAddress uint16
	RxAddress uint16
	RxAckCoil uint16
	ResetCoil uint16
}

// DefaultMap is the factory bridge layout.
func DefaultMap() Map {
	return Map{TxAddress: 0, RxAddress: 0, RxAckCoil: 0, ResetCoil: 1}
}

// Config is the mailbox transport config.
type Config struct {
	Endpoint string
	UnitID   uint8
	Timeout  time.Duration

	// PollInterval is the RX mailbox poll period.
	PollInterval time.Duration

	// ResetSettle is the wait after pulsing the reset coil.
	ResetSettle time.Duration

	Map Map
}

// Transport is a register mailbox on a Modbus TCP bridge.
// All client access is serialized.
type Transport struct {
	cfg Config
	log *zap.Logger

	mu      sync.Mutex
	handler *modbus.TCPClientHandler // nil when a client is injected
	client  Client

	cancel context.CancelFunc
	wg     sync.WaitGroup

	state      atomic.Int32
	pollErrors atomic.Uint64
}

// New connects to the bridge.
func New(cfg Config, log *zap.Logger) (*Transport, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("modbus mailbox: endpoint required")
	}
	if err := normalize(&cfg); err != nil {
		return nil, err
	}

	h := modbus.NewTCPClientHandler(cfg.Endpoint)
	h.Timeout = cfg.Timeout
	h.SlaveId = cfg.UnitID
	if err := h.Connect(); err != nil {
		return nil, fmt.Errorf("modbus mailbox: connect %s: %w", cfg.Endpoint, err)
	}

	t := newTransport(cfg, modbus.NewClient(h), log)
	t.handler = h
	return t, nil
}

// NewWithClient uses an existing client. The caller owns its connection.
func NewWithClient(cfg Config, c Client, log *zap.Logger) (*Transport, error) {
	if c == nil {
		return nil, errors.New("modbus mailbox: client required")
	}
	if err := normalize(&cfg); err != nil {
		return nil, err
	}
	return newTransport(cfg, c, log), nil
}

func normalize(cfg *Config) error {
	if cfg.PollInterval <= 0 {
		return errors.New("modbus mailbox: poll interval must be > 0")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	return nil
}

func newTransport(cfg Config, c Client, log *zap.Logger) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	t := &Transport{cfg: cfg, client: c, log: log}
	t.state.Store(int32(transport.StateConnected))
	return t
}

// ---- transport.Transport ----

// Start begins polling the RX mailbox.
func (t *Transport) Start(ctx context.Context, onFrame func(raw []byte)) error {
	if onFrame == nil {
		return errors.New("modbus mailbox: frame handler required")
	}
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	t.wg.Add(1)
	go t.run(ctx, onFrame)
	return nil
}

// Send writes one frame into the TX mailbox.
func (t *Transport) Send(f []byte, _ time.Duration) error {
	if len(f) != frame.Size {
		return fmt.Errorf("modbus mailbox: frame must be %d bytes, got %d", frame.Size, len(f))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.client.WriteMultipleRegisters(t.cfg.Map.TxAddress, frameRegisters, f); err != nil {
		t.state.Store(int32(transport.StateFailed))
		return fmt.Errorf("modbus mailbox: write tx: %w", err)
	}
	t.state.Store(int32(transport.StateConnected))
	return nil
}

// HardReset pulses the reset coil and drops the TCP connection so the next
// request reconnects.
func (t *Transport) HardReset(ctx context.Context) error {
	t.mu.Lock()
	_, err := t.client.WriteSingleCoil(t.cfg.Map.ResetCoil, coilOn)
	if t.handler != nil {
		_ = t.handler.Close()
	}
	t.mu.Unlock()

	t.log.Info("modbus mailbox: hard reset", zap.String("endpoint", t.cfg.Endpoint), zap.Error(err))
	if err != nil {
		t.state.Store(int32(transport.StateFailed))
		return fmt.Errorf("modbus mailbox: reset coil: %w", err)
	}

	if t.cfg.ResetSettle > 0 {
		timer := time.NewTimer(t.cfg.ResetSettle)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return nil
}

// Close stops polling and closes the connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.wg.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Store(int32(transport.StateDisconnected))
	if t.handler != nil {
		return t.handler.Close()
	}
	return nil
}

// LinkState implements transport.Stater.
func (t *Transport) LinkState() transport.State {
	return transport.State(t.state.Load())
}

// PollErrors returns the number of failed mailbox polls.
func (t *Transport) PollErrors() uint64 { return t.pollErrors.Load() }

// ---- RX polling ----

// run polls on a ticker. One goroutine. No overlap.
func (t *Transport) run(ctx context.Context, onFrame func([]byte)) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// drain everything the bridge has queued
			for {
				raw, err := t.PollOnce()
				if err != nil {
					t.pollErrors.Add(1)
					t.log.Debug("modbus mailbox: poll failed", zap.Error(err))
					break
				}
				if raw == nil {
					break
				}
				onFrame(raw)
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// PollOnce reads the RX mailbox. It returns nil if no frame is ready and
// acknowledges the frame it returns.
func (t *Transport) PollOnce() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	regs, err := t.client.ReadInputRegisters(t.cfg.Map.RxAddress, 1+frameRegisters)
	if err != nil {
		t.state.Store(int32(transport.StateFailed))
		return nil, fmt.Errorf("modbus mailbox: read rx: %w", err)
	}
	t.state.Store(int32(transport.StateConnected))

	if len(regs) < 2 {
		return nil, errors.New("modbus mailbox: short rx read")
	}
	if regs[0] == 0 && regs[1] == 0 {
		return nil, nil
	}
	if len(regs) < 2+frame.Size {
		return nil, fmt.Errorf("modbus mailbox: rx read %d bytes, need %d", len(regs), 2+frame.Size)
	}

	raw := make([]byte, frame.Size)
	copy(raw, regs[2:2+frame.Size])

	if _, err := t.client.WriteSingleCoil(t.cfg.Map.RxAckCoil, coilOn); err != nil {
		return nil, fmt.Errorf("modbus mailbox: ack rx: %w", err)
	}
	return raw, nil
}
