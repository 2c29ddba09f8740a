// Package ipstack implements the IP Stack Integration: the embedded stack
// that terminates TCP/UDP for packets arriving from the Network Interface,
// accepts/receives into Sessions, and carries the single stack lock every
// component touching the stack synchronizes on.
//
// The role lwip plays in a lwip-based tunnel is played here by
// gvisor.dev/gvisor/pkg/tcpip: it owns checksum/retransmission/congestion
// -control/fragment-reassembly concerns entirely, so this package's job is
// wiring, not protocol logic, grounded on the gVisor integration idiom
// shown by Dragon-Born-paqet's netStack, SagerNet-sing-tun's GVisorTun, and
// MetaCubeX-mihomo's endpoint wiring: stack.New with ipv4/ipv6 + tcp/udp
// factories, one NIC bound to a netif.Endpoint, a route table pointed at
// that NIC, and tcp/udp forwarders turned into net.Conn-shaped Sessions.
package ipstack

import (
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/robin/gotun2socks/internal/mapdns"
	"github.com/robin/gotun2socks/internal/netif"
	"github.com/robin/gotun2socks/internal/sessionindex"
)

const nicID tcpip.NICID = 1

// tcpReceiveBuffer/tcpSendBuffer size the stack's per-connection TCP
// buffers; grounded on SagerNet-sing-tun's 20KiB choice.
const (
	tcpReceiveBuffer = 20 * 1024
	tcpSendBuffer    = 20 * 1024
	maxInFlightSYN   = 1024
)

// NewSession is the callback invoked for each accepted TCP connection or
// UDP flow. local is the embedded-stack side (already connected);
// dstHost/dstPort is where the session should ask the SOCKS5 proxy to
// connect; id is a stable identifier for logging/indexing. The callback's
// job is exactly what hev_socks5_tunnel's tcp_accept_handler/udp_recv_handler
// do: construct a session, hand it to the thread pool, register it in the
// session index, all without holding the stack lock across the SOCKS5 dial.
type NewSessionFunc func(proto string, local net.Conn, dstHost string, dstPort uint16, id string)

// Stack wires a Network Interface into a gVisor tcpip.Stack and dispatches
// accepted connections/flows to NewSession.
type Stack struct {
	log *logrus.Entry

	// mu is the stack lock: every call into s below must happen with mu
	// held, and the deadlock-avoidance order (session index -> stack lock
	// -> packet queue -> task queue) governs who may acquire what while
	// holding it.
	mu sync.Mutex
	s  *stack.Stack

	netif *netif.Endpoint
	dns   *mapdns.Table
	index *sessionindex.Index

	NewSession NewSessionFunc
}

// Config bundles the parameters New needs that don't already have their
// own constructors.
type Config struct {
	MTU         uint32
	IPv4Address net.IP
	IPv6Address net.IP
	DNS         *mapdns.Table
	Index       *sessionindex.Index
}

// New creates the embedded stack, its NIC, route table, and TCP/UDP
// forwarders, but does not start accepting traffic until the caller starts
// feeding it inbound packets via Input.
func New(cfg Config, log *logrus.Entry) (*Stack, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "ipstack")

	ep := netif.New(cfg.MTU, log)

	gs := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})

	if err := gs.CreateNIC(nicID, ep); err != nil {
		return nil, fmt.Errorf("ipstack: create nic: %s", err)
	}

	if cfg.IPv4Address != nil {
		if err := addProtocolAddress(gs, cfg.IPv4Address, 32); err != nil {
			return nil, err
		}
	}
	if cfg.IPv6Address != nil {
		if err := addProtocolAddress(gs, cfg.IPv6Address, 128); err != nil {
			return nil, err
		}
	}

	gs.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: nicID},
		{Destination: header.IPv6EmptySubnet, NIC: nicID},
	})
	// The tunnel terminates connections addressed to synthesized/foreign
	// destinations, not just the NIC's own assigned address; spoofing and
	// promiscuous mode are both required for gVisor to accept and route
	// such traffic instead of dropping it, matching every gVisor-based
	// tunnel in the example pack.
	gs.SetSpoofing(nicID, true)
	gs.SetPromiscuousMode(nicID, true)

	gs.SetTransportProtocolOption(tcp.ProtocolNumber, &tcpip.TCPReceiveBufferSizeRangeOption{
		Min: 1, Default: tcpReceiveBuffer, Max: tcpReceiveBuffer,
	})
	gs.SetTransportProtocolOption(tcp.ProtocolNumber, &tcpip.TCPSendBufferSizeRangeOption{
		Min: 1, Default: tcpSendBuffer, Max: tcpSendBuffer,
	})
	sackOpt := tcpip.TCPSACKEnabled(true)
	gs.SetTransportProtocolOption(tcp.ProtocolNumber, &sackOpt)

	st := &Stack{
		log:   log,
		s:     gs,
		netif: ep,
		dns:   cfg.DNS,
		index: cfg.Index,
	}

	tcpFwd := tcp.NewForwarder(gs, 0, maxInFlightSYN, st.handleTCP)
	gs.SetTransportProtocolHandler(tcp.ProtocolNumber, tcpFwd.HandlePacket)

	udpFwd := udp.NewForwarder(gs, st.handleUDP)
	gs.SetTransportProtocolHandler(udp.ProtocolNumber, udpFwd.HandlePacket)

	return st, nil
}

func addProtocolAddress(gs *stack.Stack, ip net.IP, prefixLen int) error {
	var addr tcpip.Address
	if v4 := ip.To4(); v4 != nil && prefixLen == 32 {
		addr = tcpip.AddrFrom4([4]byte(v4))
	} else if v6 := ip.To16(); v6 != nil {
		addr = tcpip.AddrFrom16([16]byte(v6))
	} else {
		return fmt.Errorf("ipstack: invalid address %v", ip)
	}
	protoAddr := tcpip.ProtocolAddress{
		Protocol:          protocolFor(addr),
		AddressWithPrefix: addr.WithPrefix(),
	}
	protoAddr.AddressWithPrefix.PrefixLen = prefixLen
	if err := gs.AddProtocolAddress(nicID, protoAddr, stack.AddressProperties{}); err != nil {
		return fmt.Errorf("ipstack: add address %v: %s", ip, err)
	}
	return nil
}

func protocolFor(addr tcpip.Address) tcpip.NetworkProtocolNumber {
	if addr.Len() == 4 {
		return ipv4.ProtocolNumber
	}
	return ipv6.ProtocolNumber
}

// NetIF exposes the Network Interface so the TUN I/O Engine can register
// itself as its read callback and drain its outbound queue.
func (st *Stack) NetIF() *netif.Endpoint { return st.netif }

// Input is the TUN I/O Engine's read callback: it hands one raw packet
// read from the device to the embedded stack, under the stack lock.
func (st *Stack) Input(payload []byte) {
	if len(payload) == 0 {
		return
	}
	var proto tcpip.NetworkProtocolNumber
	switch payload[0] >> 4 {
	case 4:
		proto = header.IPv4ProtocolNumber
	case 6:
		proto = header.IPv6ProtocolNumber
	default:
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.netif.InjectInbound(proto, payload)
}

func (st *Stack) handleTCP(r *tcp.ForwarderRequest) {
	var wq waiter.Queue
	ep, err := r.CreateEndpoint(&wq)
	if err != nil {
		r.Complete(true)
		return
	}
	r.Complete(false)

	conn := gonet.NewTCPConn(&wq, ep)
	// LocalAddr here is the dialed destination as seen from inside the
	// stack, not the embedder-visible local side; gonet names it from the
	// endpoint's own perspective.
	remote, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok || remote == nil {
		conn.Close()
		return
	}

	dstHost, dstPort := st.resolveDest(remote.IP, uint16(remote.Port))
	id := fmt.Sprintf("tcp|%s|%d", dstHost, dstPort)

	// Session construction (including the SOCKS5 dial inside Run) must not
	// happen under the stack lock: dialing is slow, and the lock ordering
	// rules never let the stack lock be held across a blocking call. Index
	// insertion happens after construction completes.
	st.dispatch("tcp", conn, dstHost, dstPort, id)
}

func (st *Stack) handleUDP(r *udp.ForwarderRequest) {
	var wq waiter.Queue
	ep, err := r.CreateEndpoint(&wq)
	if err != nil {
		return
	}

	conn := gonet.NewUDPConn(&wq, ep)
	remote, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || remote == nil {
		ep.Close()
		return
	}

	dstHost, dstPort := st.resolveDest(remote.IP, uint16(remote.Port))
	id := fmt.Sprintf("udp|%s|%d", dstHost, dstPort)
	// gVisor's UDP forwarder calls this handler synchronously from inside
	// Input, with the stack lock held; dispatch on a fresh goroutine so
	// session construction and index insertion happen outside that lock,
	// as they do for TCP.
	go st.dispatch("udp", conn, dstHost, dstPort, id)
}

// resolveDest maps a synthesized mapped-DNS address back to the hostname
// the SOCKS5 proxy should dial by name, falling back to the literal
// address for ordinary destinations.
func (st *Stack) resolveDest(ip net.IP, port uint16) (string, uint16) {
	if st.dns != nil {
		if name, ok := st.dns.ReverseLookup(ip); ok {
			return name, port
		}
	}
	return ip.String(), port
}

func (st *Stack) dispatch(proto string, conn net.Conn, dstHost string, dstPort uint16, id string) {
	if st.NewSession == nil {
		conn.Close()
		return
	}
	st.NewSession(proto, conn, dstHost, dstPort, id)
}

// Close tears the embedded stack and its Network Interface down.
func (st *Stack) Close() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.Close()
	st.netif.Close()
}

// Stats reports the number of sessions currently in the session index;
// exposed for the tunnel controller's public Stats call.
type Stats struct {
	SessionCount int
}

// StatsSnapshot returns a point-in-time view of stack-adjacent counters.
func (st *Stack) StatsSnapshot() Stats {
	return Stats{SessionCount: st.index.Len()}
}
