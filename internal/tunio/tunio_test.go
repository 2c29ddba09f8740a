package tunio

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robin/gotun2socks/internal/pktbuf"
	"github.com/robin/gotun2socks/internal/queue"
)

// fakeDevice is an in-memory io.ReadWriteCloser standing in for a TUN fd:
// Read drains a channel of packets fed by the test, Write records what it
// was given.
type fakeDevice struct {
	toRead chan []byte
	closed chan struct{}

	mu      sync.Mutex
	written [][]byte
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{toRead: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeDevice) Read(p []byte) (int, error) {
	select {
	case data := <-f.toRead:
		return copy(p, data), nil
	case <-f.closed:
		return 0, errors.New("device closed")
	}
}

func (f *fakeDevice) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	f.written = append(f.written, cp)
	return len(p), nil
}

func (f *fakeDevice) Close() error {
	close(f.closed)
	return nil
}

func (f *fakeDevice) writtenPackets() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}

func TestEngineReadInvokesCallback(t *testing.T) {
	dev := newFakeDevice()
	outq := queue.New[*pktbuf.Buffer](QueueCapacityForTest)
	e := New(dev, 1500, outq, nil)

	received := make(chan []byte, 1)
	e.SetReadCallback(func(payload []byte) {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		received <- cp
	})
	e.Start()
	defer e.Stop()

	dev.toRead <- []byte{1, 2, 3, 4}

	select {
	case got := <-received:
		require.Equal(t, []byte{1, 2, 3, 4}, got)
	case <-time.After(time.Second):
		t.Fatal("read callback never invoked")
	}

	stats := e.Stats()
	require.EqualValues(t, 1, stats.RxPackets)
	require.EqualValues(t, 4, stats.RxBytes)
}

func TestEngineDrainsOutboundQueueToDevice(t *testing.T) {
	dev := newFakeDevice()
	outq := queue.New[*pktbuf.Buffer](QueueCapacityForTest)
	e := New(dev, 1500, outq, nil)
	e.Start()
	defer e.Stop()

	buf := pktbuf.Get(3)
	copy(buf.Payload(), []byte{9, 9, 9})
	require.NoError(t, outq.TryPush(buf))

	require.Eventually(t, func() bool {
		return len(dev.writtenPackets()) == 1
	}, time.Second, 5*time.Millisecond)

	written := dev.writtenPackets()
	require.Equal(t, []byte{9, 9, 9}, written[0])

	stats := e.Stats()
	require.EqualValues(t, 1, stats.TxPackets)
}

func TestStopJoinsAllGoroutines(t *testing.T) {
	dev := newFakeDevice()
	outq := queue.New[*pktbuf.Buffer](QueueCapacityForTest)
	e := New(dev, 1500, outq, nil)
	e.Start()
	e.Stop()
	// A second Stop must not block or panic.
	e.Stop()
}

// QueueCapacityForTest keeps these tests decoupled from the Packet
// Queue's production capacity constant.
const QueueCapacityForTest = 16
