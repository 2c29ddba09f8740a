package session

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yinghuocho/gosocks"

	"github.com/robin/gotun2socks/internal/mapdns"
)

// UDPModeAssociate and UDPModeTCP are the two transports a UDP Session can
// relay a flow over, selected by configuration (Config.UDPMode).
const (
	UDPModeAssociate = "udp"
	UDPModeTCP       = "tcp"
)

// normalIdleTimeout bounds an ordinary UDP flow's silence before the
// session tears itself down, mirroring gotun2socks's 2-minute select
// timeout in udpConnTrack.run.
const normalIdleTimeout = 2 * time.Minute

// dnsIdleTimeout is the much shorter timeout applied when the flow is
// recognized as a DNS query/response exchange (single request, single
// response, then done), mirroring gotun2socks's 10-second DNS branch.
const dnsIdleTimeout = 10 * time.Second

// IsDNSFlow reports whether a flow to dstPort on a well-known resolver
// address should use the short DNS idle timeout and one-shot teardown
// instead of the normal UDP session lifetime. Grounded on gotun2socks's
// Tun2Socks.isDNS, generalized to "port 53" since the mapped-DNS table
// (package mapdns) is what actually knows which destination IPs are
// synthesized resolver addresses.
func IsDNSFlow(dstPort uint16) bool {
	return dstPort == 53
}

// UDP bridges one TUN-side flow (4-tuple) to the SOCKS5 UDP associate
// relay. Grounded on gotun2socks's udpConnTrack.run: dial SOCKS5, bind a
// local UDP socket, issue UDP ASSOCIATE, then pump datagrams in both
// directions until idle timeout, proxy close, or (for DNS) the first
// response.
type UDP struct {
	log *logrus.Entry

	id string

	local   net.Conn // the embedded-stack side (a gonet UDP conn, one per flow)
	dstHost string
	dstPort uint16
	isDNS   bool
	dns     *mapdns.Table // non-nil when mapped-DNS interception/caching is configured

	socks   DialOptions
	udpMode string // UDPModeAssociate or UDPModeTCP

	closeOnce sync.Once
	closed    chan struct{}
	onClose   func()

	lastActivity atomic.Int64 // unix nanos
}

// NewUDP creates a UDP session for one flow. dns may be nil, in which case
// DNS flows are relayed through the SOCKS5 proxy like any other UDP flow.
// udpMode selects the relay transport; "" is treated as UDPModeAssociate.
func NewUDP(id string, local net.Conn, dstHost string, dstPort uint16, socks DialOptions, udpMode string, dns *mapdns.Table, onClose func(), log *logrus.Entry) *UDP {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if udpMode == "" {
		udpMode = UDPModeAssociate
	}
	u := &UDP{
		log:     log.WithField("component", "session.udp").WithField("id", id),
		id:      id,
		local:   local,
		dstHost: dstHost,
		dstPort: dstPort,
		isDNS:   IsDNSFlow(dstPort),
		dns:     dns,
		socks:   socks,
		udpMode: udpMode,
		closed:  make(chan struct{}),
		onClose: onClose,
	}
	u.touch()
	return u
}

func (u *UDP) touch() {
	u.lastActivity.Store(time.Now().UnixNano())
}

// IdleSince reports when the session last saw traffic in either direction.
func (u *UDP) IdleSince() time.Time {
	return time.Unix(0, u.lastActivity.Load())
}

// idleTimeout is the per-flow inactivity bound Run's relay loop compares
// IdleSince against.
func (u *UDP) idleTimeout() time.Duration {
	if u.isDNS {
		return dnsIdleTimeout
	}
	return normalIdleTimeout
}

// Expired reports whether the session has been idle past its timeout as of
// now.
func (u *UDP) Expired(now time.Time) bool {
	return now.Sub(u.IdleSince()) > u.idleTimeout()
}

// Run tries a local mapped-DNS answer first (if applicable), then relays
// the flow over whichever transport udpMode selects, until either side
// closes, the session idles out, or (for a DNS flow) the first response
// arrives.
func (u *UDP) Run() {
	defer u.Close()

	var pending []byte
	if u.isDNS && u.dns != nil && u.dns.Intercepts(u.dstHost) {
		query, handled := u.tryHandleLocally()
		if handled {
			return
		}
		pending = query
	}

	if u.udpMode == UDPModeTCP {
		u.runTCPEncapsulated(pending)
		return
	}
	u.runAssociate(pending)
}

// runAssociate dials the SOCKS5 proxy, performs a UDP ASSOCIATE, then
// relays datagrams between the embedded-stack side and the relay address.
// Grounded on gotun2socks's udpConnTrack.run.
func (u *UDP) runAssociate(pending []byte) {
	conn, err := dialSocks(u.socks)
	if err != nil {
		u.log.WithError(err).Warn("failed to connect to socks proxy")
		return
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(time.Minute))

	socksAddr := conn.LocalAddr().(*net.TCPAddr)
	relayBind, err := net.ListenUDP("udp", &net.UDPAddr{IP: socksAddr.IP, Zone: socksAddr.Zone})
	if err != nil {
		u.log.WithError(err).Warn("failed to bind local udp relay socket")
		return
	}
	defer relayBind.Close()

	if _, err := gosocks.WriteSocksRequest(conn, &gosocks.SocksRequest{
		Cmd:      gosocks.SocksCmdUDPAssociate,
		HostType: gosocks.SocksIPv4Host,
		DstHost:  "0.0.0.0",
		DstPort:  0,
	}); err != nil {
		u.log.WithError(err).Warn("failed to send socks udp associate request")
		return
	}
	reply, err := gosocks.ReadSocksReply(conn)
	if err != nil {
		u.log.WithError(err).Warn("failed to read socks reply")
		return
	}
	if reply.Rep != gosocks.SocksSucceeded {
		u.log.WithField("code", reply.Rep).Warn("socks udp associate refused")
		return
	}
	relayAddr, ok := gosocks.SocksAddrToNetAddr("udp", reply.BndHost, reply.BndPort).(*net.UDPAddr)
	if !ok {
		u.log.Warn("socks relay returned a non-udp bound address")
		return
	}
	conn.SetDeadline(time.Time{})

	socksClosed := make(chan bool, 1)
	go gosocks.ConnMonitor(conn, socksClosed)

	quitRelay := make(chan bool)
	defer close(quitRelay)
	relayCh := make(chan *gosocks.UDPPacket)
	go gosocks.UDPReader(relayBind, relayCh, quitRelay)

	fromTun := make(chan []byte, 64)
	if pending != nil {
		fromTun <- pending
	}
	go u.readLocal(fromTun)

	for {
		select {
		case <-u.closed:
			return

		case <-socksClosed:
			return

		case pkt, ok := <-relayCh:
			if !ok {
				return
			}
			if pkt.Addr.String() != relayAddr.String() {
				continue
			}
			req, err := gosocks.ParseUDPRequest(pkt.Data)
			if err != nil || req.Frag != gosocks.SocksNoFragment {
				continue
			}
			u.touch()
			if u.isDNS && u.dns != nil {
				u.dns.StoreUpstreamAnswer(req.Data)
			}
			if _, err := u.local.Write(req.Data); err != nil {
				return
			}
			if u.isDNS {
				// One request, one response: tear the session down
				// immediately rather than waiting out the rest of its
				// idle window.
				return
			}

		case data, ok := <-fromTun:
			if !ok {
				return
			}
			u.touch()
			hostType, host := gosocks.ParseHost(u.dstHost)
			datagram := gosocks.PackUDPRequest(&gosocks.UDPRequest{
				Frag:     0,
				HostType: hostType,
				DstHost:  host,
				DstPort:  u.dstPort,
				Data:     data,
			})
			if _, err := relayBind.WriteToUDP(datagram, relayAddr); err != nil {
				return
			}

		case <-time.After(u.idleTimeout()):
			if time.Since(u.IdleSince()) >= u.idleTimeout() {
				return
			}
		}
	}
}

// runTCPEncapsulated relays the flow as length-prefixed datagrams over a
// single SOCKS5 CONNECT connection instead of a UDP ASSOCIATE, for proxies
// or network paths that can carry TCP but not arbitrary UDP.
func (u *UDP) runTCPEncapsulated(pending []byte) {
	conn, err := dialSocks(u.socks)
	if err != nil {
		u.log.WithError(err).Warn("failed to connect to socks proxy")
		return
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(time.Minute))

	hostType, host := gosocks.ParseHost(u.dstHost)
	if _, err := gosocks.WriteSocksRequest(conn, &gosocks.SocksRequest{
		Cmd:      gosocks.SocksCmdConnect,
		HostType: hostType,
		DstHost:  host,
		DstPort:  u.dstPort,
	}); err != nil {
		u.log.WithError(err).Warn("failed to send socks connect request for udp-in-tcp")
		return
	}
	reply, err := gosocks.ReadSocksReply(conn)
	if err != nil {
		u.log.WithError(err).Warn("failed to read socks reply")
		return
	}
	if reply.Rep != gosocks.SocksSucceeded {
		u.log.WithField("code", reply.Rep).Warn("socks connect request refused for udp-in-tcp")
		return
	}
	conn.SetDeadline(time.Time{})

	fromProxy := make(chan []byte, 64)
	go readLengthPrefixed(conn, fromProxy, u.closed)

	fromTun := make(chan []byte, 64)
	if pending != nil {
		fromTun <- pending
	}
	go u.readLocal(fromTun)

	for {
		select {
		case <-u.closed:
			return

		case payload, ok := <-fromProxy:
			if !ok {
				return
			}
			u.touch()
			if u.isDNS && u.dns != nil {
				u.dns.StoreUpstreamAnswer(payload)
			}
			if _, err := u.local.Write(payload); err != nil {
				return
			}
			if u.isDNS {
				return
			}

		case data, ok := <-fromTun:
			if !ok {
				return
			}
			u.touch()
			if err := writeLengthPrefixed(conn, data); err != nil {
				return
			}

		case <-time.After(u.idleTimeout()):
			if time.Since(u.IdleSince()) >= u.idleTimeout() {
				return
			}
		}
	}
}

// writeLengthPrefixed writes one udp-in-tcp frame: a 2-byte big-endian
// length followed by payload. UDP datagrams never exceed 65535 bytes, so
// the length always fits.
func writeLengthPrefixed(w io.Writer, payload []byte) error {
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readLengthPrefixed reads udp-in-tcp frames from r until error or done is
// closed, delivering each payload on out. out is closed before returning.
func readLengthPrefixed(r io.Reader, out chan<- []byte, done <-chan struct{}) {
	defer close(out)
	br := bufio.NewReader(r)
	for {
		var hdr [2]byte
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			return
		}
		payload := make([]byte, binary.BigEndian.Uint16(hdr[:]))
		if _, err := io.ReadFull(br, payload); err != nil {
			return
		}
		select {
		case out <- payload:
		case <-done:
			return
		}
	}
}

// tryHandleLocally reads the flow's first (and, for a DNS flow, only)
// datagram and tries to answer it out of the mapped-DNS table without ever
// dialing the SOCKS5 proxy. It reports handled=true if it wrote a response
// and the session is done; otherwise it returns the query payload so the
// caller can relay it upstream as usual.
func (u *UDP) tryHandleLocally() (query []byte, handled bool) {
	u.local.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 65535)
	n, err := u.local.Read(buf)
	u.local.SetReadDeadline(time.Time{})
	if err != nil {
		return nil, false
	}
	query = append([]byte(nil), buf[:n]...)

	resp, ok := u.dns.HandleQuery(query)
	if !ok {
		return query, false
	}
	u.touch()
	u.local.Write(resp)
	return nil, true
}

func (u *UDP) readLocal(out chan<- []byte) {
	defer close(out)
	buf := make([]byte, 65535)
	for {
		n, err := u.local.Read(buf)
		if err != nil {
			return
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		select {
		case out <- cp:
		case <-u.closed:
			return
		}
	}
}

// Close tears the session down; idempotent and safe from any goroutine.
func (u *UDP) Close() error {
	u.closeOnce.Do(func() {
		close(u.closed)
		u.local.Close()
		if u.onClose != nil {
			u.onClose()
		}
	})
	return nil
}
