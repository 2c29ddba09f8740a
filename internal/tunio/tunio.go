// Package tunio implements the TUN Packet I/O Engine:
// multiple reader goroutines pulling raw packets off the TUN device and
// handing them to a registered callback, multiple writer goroutines
// batch-draining the outbound Packet Queue back onto the device.
//
// Grounded on hev-tunnel-io.c: reader_thread (EAGAIN -> brief sleep and
// retry, EINTR -> retry, successful read -> pbuf alloc + callback under a
// short lock) and writer_thread (bounded condvar wait, WRITE_BATCH_SIZE
// batch dequeue, single write per packet since Go's TUN fd has no
// equivalent to lwip's chained-pbuf writev path). Reader/writer counts
// follow hev-tunnel-io.c's num_readers/num_writers = (cpu_count>=4) ? 2 : 1.
package tunio

import (
	"errors"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/robin/gotun2socks/internal/pktbuf"
	"github.com/robin/gotun2socks/internal/queue"
)

// writeBatch bounds how many queued packets one writer drains per wakeup,
// mirroring WRITE_BATCH_SIZE in hev-tunnel-io.c.
const writeBatch = 16

// writerPollInterval bounds how long a writer blocks waiting for the next
// outbound packet before re-checking for shutdown, mirroring the ~1ms
// condvar wait in hev-tunnel-io.c's writer_thread.
const writerPollInterval = time.Millisecond

// ReadCallback receives one packet read from the TUN device. The slice is
// only valid for the duration of the call; implementations that need to
// retain it must copy.
type ReadCallback func(payload []byte)

// Stats mirrors hev_tunnel_io_stat_t: packet and byte counters maintained
// with atomic adds, matching hev-tunnel-io.c's __sync_fetch_and_add usage.
type Stats struct {
	RxPackets uint64
	RxBytes   uint64
	TxPackets uint64
	TxBytes   uint64
}

// Engine owns the reader/writer goroutines bridging a TUN device's
// ReadWriteCloser to the Packet Queue.
type Engine struct {
	dev io.ReadWriteCloser
	mtu int

	log *logrus.Entry

	outbound *queue.Bounded[*pktbuf.Buffer]

	cbMu sync.RWMutex
	cb   ReadCallback

	numReaders int
	numWriters int

	rxPackets atomic.Uint64
	rxBytes   atomic.Uint64
	txPackets atomic.Uint64
	txBytes   atomic.Uint64

	stopCh chan struct{}
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates an Engine reading/writing dev, with outbound drained from
// outboundQueue. mtu bounds one read's buffer size.
func New(dev io.ReadWriteCloser, mtu int, outboundQueue *queue.Bounded[*pktbuf.Buffer], log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	n := 1
	if runtime.NumCPU() >= 4 {
		n = 2
	}
	return &Engine{
		dev:        dev,
		mtu:        mtu,
		log:        log.WithField("component", "tunio"),
		outbound:   outboundQueue,
		numReaders: n,
		numWriters: n,
		stopCh:     make(chan struct{}),
	}
}

// SetReadCallback registers the function invoked for each packet read from
// the device. It may be changed at any time; readers observe the new value
// on their next iteration.
func (e *Engine) SetReadCallback(cb ReadCallback) {
	e.cbMu.Lock()
	e.cb = cb
	e.cbMu.Unlock()
}

// Start launches the reader and writer goroutines. Calling Start more than
// once has no effect.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		e.log.WithField("readers", e.numReaders).WithField("writers", e.numWriters).Info("starting tun i/o engine")
		e.wg.Add(e.numReaders + e.numWriters)
		for i := 0; i < e.numReaders; i++ {
			go e.readLoop()
		}
		for i := 0; i < e.numWriters; i++ {
			go e.writeLoop()
		}
	})
}

// Stop signals all goroutines to exit and waits for them to do so. A
// reader blocked in dev.Read has no way to observe stopCh until Read
// returns, so Stop also closes dev to unblock it; closing dev a second
// time afterward (e.g. when the caller separately owns fd lifetime) is
// expected to be harmless.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.dev.Close()
	})
	e.wg.Wait()
}

func (e *Engine) readLoop() {
	defer e.wg.Done()
	buf := make([]byte, e.mtu)
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		n, err := e.dev.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			select {
			case <-e.stopCh:
				return
			default:
			}
			// A closed/torn-down device surfaces as a generic read error
			// here since Go doesn't expose EAGAIN/EINTR on io.Reader; treat
			// any error the same way hev-tunnel-io.c treats unrecoverable
			// errors outside EAGAIN/EINTR: stop this reader.
			e.log.WithError(err).Warn("tun read failed, stopping reader")
			return
		}
		if n == 0 {
			continue
		}

		e.rxPackets.Add(1)
		e.rxBytes.Add(uint64(n))

		e.cbMu.RLock()
		cb := e.cb
		e.cbMu.RUnlock()
		if cb != nil {
			cb(buf[:n])
		}
	}
}

func (e *Engine) writeLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		batch := e.outbound.PopBatch(writeBatch, writerPollInterval)
		for _, pkt := range batch {
			if _, err := e.dev.Write(pkt.Payload()); err != nil {
				e.log.WithError(err).Warn("tun write failed")
				pkt.Release()
				continue
			}
			e.txPackets.Add(1)
			e.txBytes.Add(uint64(pkt.Len()))
			pkt.Release()
		}
	}
}

// Stats returns a snapshot of the cumulative packet/byte counters.
func (e *Engine) Stats() Stats {
	return Stats{
		RxPackets: e.rxPackets.Load(),
		RxBytes:   e.rxBytes.Load(),
		TxPackets: e.txPackets.Load(),
		TxBytes:   e.txBytes.Load(),
	}
}
