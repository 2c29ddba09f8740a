package session

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yinghuocho/gosocks"
)

// TCP bridges one accepted embedded-stack TCP connection to the upstream
// SOCKS5 proxy. It replaces gotun2socks's tcpConnTrack state machine:
// gVisor's forwarder already did the handshake, so a Session's whole job
// is "dial upstream, relay until either side is done."
type TCP struct {
	log *logrus.Entry

	id string

	local   net.Conn // the embedded-stack side (a gonet conn)
	dstHost string
	dstPort uint16

	socks DialOptions

	closeOnce sync.Once
	closed    chan struct{}
	onClose   func()

	bytesUp   atomic.Uint64
	bytesDown atomic.Uint64
}

// NewTCP creates a TCP session for a just-accepted connection. onClose, if
// non-nil, is invoked exactly once after the session has fully torn down
// (grounded on gotun2socks's clearTCPConnTrack removing an entry from
// tcpConnTrackMap once a track exits its run loop); it is the hook the
// ipstack/session-index wiring uses to drop the session out of the index.
func NewTCP(id string, local net.Conn, dstHost string, dstPort uint16, socks DialOptions, onClose func(), log *logrus.Entry) *TCP {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &TCP{
		log:     log.WithField("component", "session.tcp").WithField("id", id),
		id:      id,
		local:   local,
		dstHost: dstHost,
		dstPort: dstPort,
		socks:   socks,
		closed:  make(chan struct{}),
		onClose: onClose,
	}
}

// Run dials the SOCKS5 proxy, issues a CONNECT request for dstHost:dstPort,
// and relays bytes between the embedded-stack side and the proxy
// connection until either side closes or an error occurs. It returns once
// the session has fully torn down; the caller typically runs it as a
// thread-pool Task.
func (t *TCP) Run() {
	defer t.Close()

	conn, err := dialSocks(t.socks)
	if err != nil {
		t.log.WithError(err).Warn("failed to connect to socks proxy")
		return
	}
	defer conn.Close()

	hostType, host := gosocks.ParseHost(t.dstHost)
	if _, err := gosocks.WriteSocksRequest(conn, &gosocks.SocksRequest{
		Cmd:      gosocks.SocksCmdConnect,
		HostType: hostType,
		DstHost:  host,
		DstPort:  t.dstPort,
	}); err != nil {
		t.log.WithError(err).Warn("failed to send socks connect request")
		return
	}
	reply, err := gosocks.ReadSocksReply(conn)
	if err != nil {
		t.log.WithError(err).Warn("failed to read socks reply")
		return
	}
	if reply.Rep != gosocks.SocksSucceeded {
		t.log.WithField("code", reply.Rep).Warn("socks connect request refused")
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		n, _ := io.Copy(conn, t.local)
		t.bytesUp.Add(uint64(n))
		// Half-close: the stack side is done sending, tell the proxy.
		if cw, ok := conn.Conn.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
		}
	}()
	go func() {
		defer wg.Done()
		n, _ := io.Copy(t.local, conn)
		t.bytesDown.Add(uint64(n))
		if cw, ok := t.local.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
		}
	}()
	wg.Wait()
}

// Close tears the session down; idempotent and safe from any goroutine, as
// required for the session index's forced eviction.
func (t *TCP) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.local.Close()
		if t.onClose != nil {
			t.onClose()
		}
	})
	return nil
}

// Stats reports cumulative bytes relayed in each direction.
func (t *TCP) Stats() (up, down uint64) {
	return t.bytesUp.Load(), t.bytesDown.Load()
}

// IdleSince is unused by TCP (gVisor owns its own retransmission/idle
// timers); present so TCP and UDP sessions share a shape usable by the
// timer driver's sweep, even though only UDP needs sweeping.
func (t *TCP) IdleSince() time.Time { return time.Time{} }
