// internal/transport/tcp/client.go
package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tamzrod/sensorhub/internal/frame"
	"github.com/tamzrod/sensorhub/internal/transport"
)

// Config is the network bridge config.
type Config struct {
	Endpoint    string
	DialTimeout time.Duration

	// Backoff bounds between reconnect attempts.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Transport is a persistent stream to a network bridge in front of the hub.
// The read loop owns the connection lifecycle and reconnects with backoff.
type Transport struct {
	cfg Config
	log *zap.Logger

	mu     sync.Mutex
	conn   net.Conn
	ready  chan struct{} // closed while conn != nil
	cancel context.CancelFunc
	wg     sync.WaitGroup

	state      atomic.Int32
	badPackets atomic.Uint64
}

// New creates a disconnected transport.
func New(cfg Config, log *zap.Logger) (*Transport, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("tcp: endpoint required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 30 * cfg.MinBackoff
	}
	if log == nil {
		log = zap.NewNop()
	}
	t := &Transport{cfg: cfg, log: log, ready: make(chan struct{})}
	t.state.Store(int32(transport.StateDisconnected))
	return t, nil
}

// Start launches the connect/read loop. It does not wait for the first
// connection.
func (t *Transport) Start(ctx context.Context, onFrame func(raw []byte)) error {
	if onFrame == nil {
		return errors.New("tcp: frame handler required")
	}
	ctx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		cancel()
		return errors.New("tcp: already started")
	}
	t.cancel = cancel
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readLoop(ctx, onFrame)
	return nil
}

// Send writes one frame packet.
func (t *Transport) Send(f []byte, timeout time.Duration) error {
	if len(f) != frame.Size {
		return fmt.Errorf("tcp: frame must be %d bytes, got %d", frame.Size, len(f))
	}
	return t.write(buildPacketV1(f), timeout)
}

// HardReset sends an in-band reset request, drops the connection and waits
// for the read loop to reconnect.
func (t *Transport) HardReset(ctx context.Context) error {
	if err := t.write(buildPacketV1(nil), t.cfg.DialTimeout); err != nil {
		t.log.Warn("tcp: reset request not sent", zap.Error(err))
	}

	t.mu.Lock()
	conn := t.conn
	if conn != nil {
		t.conn = nil
		t.ready = make(chan struct{})
	}
	ready := t.ready
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	t.log.Info("tcp: hard reset", zap.String("endpoint", t.cfg.Endpoint))

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("tcp: hard reset: reconnect: %w", ctx.Err())
	}
}

// Close stops the read loop and closes the connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	cancel := t.cancel
	conn := t.conn
	t.cancel = nil
	t.conn = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	t.wg.Wait()
	t.state.Store(int32(transport.StateDisconnected))
	return nil
}

// LinkState implements transport.Stater.
func (t *Transport) LinkState() transport.State {
	return transport.State(t.state.Load())
}

// BadPackets returns the number of malformed packets that forced a reconnect.
func (t *Transport) BadPackets() uint64 { return t.badPackets.Load() }

// ---- internal ----

func (t *Transport) write(pkt []byte, timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return errors.New("tcp: not connected")
	}
	if timeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	if err := writeAll(t.conn, pkt); err != nil {
		return fmt.Errorf("tcp: write: %w", err)
	}
	return nil
}

func (t *Transport) readLoop(ctx context.Context, onFrame func([]byte)) {
	defer t.wg.Done()

	backoff := t.cfg.MinBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		t.state.Store(int32(transport.StateConnecting))
		d := net.Dialer{Timeout: t.cfg.DialTimeout}
		conn, err := d.DialContext(ctx, "tcp", t.cfg.Endpoint)
		if err != nil {
			t.state.Store(int32(transport.StateFailed))
			t.log.Warn("tcp: dial failed",
				zap.String("endpoint", t.cfg.Endpoint),
				zap.Duration("retry_in", backoff),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
				backoff = min(backoff*2, t.cfg.MaxBackoff)
				continue
			}
		}

		backoff = t.cfg.MinBackoff
		t.mu.Lock()
		t.conn = conn
		close(t.ready)
		t.mu.Unlock()
		t.state.Store(int32(transport.StateConnected))
		t.log.Info("tcp: connected", zap.String("endpoint", t.cfg.Endpoint))

		t.readFrames(ctx, conn, onFrame)

		t.mu.Lock()
		if t.conn == conn {
			t.conn = nil
			t.ready = make(chan struct{})
		}
		t.mu.Unlock()
		_ = conn.Close()
		t.state.Store(int32(transport.StateDisconnected))

		if ctx.Err() != nil {
			return
		}
		t.log.Info("tcp: connection lost, reconnecting", zap.Duration("backoff", backoff))
	}
}

func (t *Transport) readFrames(ctx context.Context, conn net.Conn, onFrame func([]byte)) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	for {
		f, err := readPacketV1(conn)
		if err != nil {
			if errors.Is(err, errBadPacket) {
				t.badPackets.Add(1)
				t.log.Warn("tcp: malformed packet, dropping connection", zap.Error(err))
			} else if ctx.Err() == nil {
				t.log.Debug("tcp: read", zap.Error(err))
			}
			return
		}
		if f == nil {
			continue
		}
		onFrame(f)
	}
}
