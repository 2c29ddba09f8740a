// Package timer implements the Timer Driver: a goroutine ticking at a
// fixed interval that performs periodic bookkeeping. It takes no lock
// itself; each hook synchronizes on whatever state it touches.
//
// Grounded on hev-socks5-tunnel.c's timer_thread_func: a fixed-interval
// tick (TCP_TMR_INTERVAL) driving lwip's tcp_tmr/etharp_tmr/ip_reass_tmr,
// with every fourth tick also driving the slower-moving ones. gVisor's
// netstack runs its own per-endpoint retransmission and ARP-equivalent
// timers internally, so there is nothing analogous to call into on this
// tick; what the tick still drives is what the embedded stack does NOT
// own: expiring mapped-DNS entries (the slow hook). UDP sessions time
// themselves out inside their own relay loop, so the tunnel's fast hook
// does nothing. The interval and "every Nth tick gets
// the slower task" shape carries over even though the specific timers
// being driven are different.
package timer

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// TickInterval mirrors lwip's TCP_TMR_INTERVAL (250ms).
const TickInterval = 250 * time.Millisecond

// slowEvery is the "every 4th tick" cadence applied to the slower task (1
// second at a 250ms base tick).
const slowEvery = 4

// Driver runs Fast on every tick and Slow every slowEvery ticks, stopping
// cleanly on Stop.
type Driver struct {
	log *logrus.Entry

	// Fast is invoked every tick.
	Fast func(now time.Time)
	// Slow is invoked every slowEvery ticks. Typically mapped-DNS
	// expiry, a lighter-weight and less time-sensitive task.
	Slow func(now time.Time)

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Driver. Callers set Fast/Slow before calling Start.
func New(log *logrus.Entry) *Driver {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Driver{
		log:    log.WithField("component", "timer"),
		stopCh: make(chan struct{}),
	}
}

// Start launches the tick loop.
func (d *Driver) Start() {
	d.wg.Add(1)
	go d.run()
}

func (d *Driver) run() {
	defer d.wg.Done()
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-d.stopCh:
			return
		case now := <-ticker.C:
			tick++
			if d.Fast != nil {
				d.Fast(now)
			}
			if tick%slowEvery == 0 && d.Slow != nil {
				d.Slow(now)
			}
		}
	}
}

// Stop halts the tick loop and waits for it to exit.
func (d *Driver) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
	})
	d.wg.Wait()
}
