// internal/transport/modbus/mailbox_test.go
package modbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tamzrod/sensorhub/internal/frame"
	"github.com/tamzrod/sensorhub/internal/transport"
)

// fakeBridge emulates the mailbox registers.
type fakeBridge struct {
	mu     sync.Mutex
	tx     [][]byte
	rx     [][]byte
	acks   int
	resets int
	err    error
}

func (b *fakeBridge) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	out := make([]byte, int(quantity)*2)
	if len(b.rx) > 0 {
		out[1] = 1
		copy(out[2:], b.rx[0])
	}
	return out, nil
}

func (b *fakeBridge) WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	if int(quantity)*2 != len(value) {
		return nil, errors.New("quantity mismatch")
	}
	b.tx = append(b.tx, append([]byte(nil), value...))
	return nil, nil
}

func (b *fakeBridge) WriteSingleCoil(address, value uint16) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	if value != coilOn {
		return nil, errors.New("bad coil value")
	}
	switch address {
	case DefaultMap().RxAckCoil:
		b.acks++
		if len(b.rx) > 0 {
			b.rx = b.rx[1:]
		}
	case DefaultMap().ResetCoil:
		b.resets++
	}
	return nil, nil
}

func (b *fakeBridge) queue(f []byte) {
	b.mu.Lock()
	b.rx = append(b.rx, f)
	b.mu.Unlock()
}

func newMailbox(t *testing.T, b *fakeBridge) *Transport {
	t.Helper()
	tr, err := NewWithClient(Config{Endpoint: "bridge:502", PollInterval: 5 * time.Millisecond, Map: DefaultMap()}, b, nil)
	require.NoError(t, err)
	return tr
}

func encode(t *testing.T, target frame.Target) []byte {
	t.Helper()
	raw, err := frame.Encode(frame.Selector{Class: frame.ClassReport, Target: target}, frame.EncodeReport(frame.ReportSample, target, []byte{7}))
	require.NoError(t, err)
	return raw
}

func TestNew_Validation(t *testing.T) {
	_, err := NewWithClient(Config{}, &fakeBridge{}, nil)
	assert.Error(t, err, "poll interval required")
	_, err = NewWithClient(Config{PollInterval: time.Millisecond}, nil, nil)
	assert.Error(t, err)
	_, err = New(Config{PollInterval: time.Millisecond}, nil)
	assert.Error(t, err, "endpoint required")
}

func TestSend_WritesTxMailbox(t *testing.T) {
	b := &fakeBridge{}
	tr := newMailbox(t, b)

	f := encode(t, 1)
	require.NoError(t, tr.Send(f, time.Second))
	require.Len(t, b.tx, 1)
	assert.Equal(t, f, b.tx[0])

	assert.Error(t, tr.Send(f[:10], time.Second))
}

func TestSend_ErrorMarksFailed(t *testing.T) {
	b := &fakeBridge{err: errors.New("connection reset")}
	tr := newMailbox(t, b)
	assert.Error(t, tr.Send(encode(t, 1), time.Second))
	assert.Equal(t, transport.StateFailed, tr.LinkState())
}

func TestPollOnce_EmptyAndReady(t *testing.T) {
	b := &fakeBridge{}
	tr := newMailbox(t, b)

	raw, err := tr.PollOnce()
	require.NoError(t, err)
	assert.Nil(t, raw)
	assert.Zero(t, b.acks)

	f := encode(t, 4)
	b.queue(f)
	raw, err = tr.PollOnce()
	require.NoError(t, err)
	assert.Equal(t, f, raw)
	assert.Equal(t, 1, b.acks)
}

func TestRun_DrainsQueuedFrames(t *testing.T) {
	b := &fakeBridge{}
	tr := newMailbox(t, b)

	b.queue(encode(t, 1))
	b.queue(encode(t, 2))
	b.queue(encode(t, 3))

	var mu sync.Mutex
	var got []frame.Target
	require.NoError(t, tr.Start(context.Background(), func(raw []byte) {
		f, err := frame.Decode(raw)
		if err != nil {
			return
		}
		mu.Lock()
		got = append(got, f.Selector.Target)
		mu.Unlock()
	}))
	defer tr.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []frame.Target{1, 2, 3}, got)
	mu.Unlock()
}

func TestHardReset_PulsesResetCoil(t *testing.T) {
	b := &fakeBridge{}
	tr := newMailbox(t, b)
	require.NoError(t, tr.HardReset(context.Background()))
	assert.Equal(t, 1, b.resets)

	b.err = errors.New("timeout")
	assert.Error(t, tr.HardReset(context.Background()))
}

func TestPollErrors_Counted(t *testing.T) {
	b := &fakeBridge{err: errors.New("timeout")}
	tr := newMailbox(t, b)
	require.NoError(t, tr.Start(context.Background(), func([]byte) {}))
	require.Eventually(t, func() bool { return tr.PollErrors() > 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, tr.Close())
	assert.Equal(t, transport.StateDisconnected, tr.LinkState())
}
