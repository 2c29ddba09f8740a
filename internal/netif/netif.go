// Package netif implements the Network Interface: a gVisor
// stack.LinkEndpoint whose outbound side enqueues onto a bounded Packet
// Queue instead of writing anywhere itself, and whose inbound side is
// driven by the TUN I/O engine's reader goroutines rather than an embedded
// dispatch loop.
//
// Grounded on the gVisor link-endpoint idiom shown by
// Dragon-Born-paqet__stack.go (channel.New + CreateNIC + InjectInbound) and
// MetaCubeX-mihomo__endpoint.go (embedding channel.Endpoint and overriding
// the packet path for an external io.ReadWriter). Here the override goes
// further: outbound packets never touch channel.Endpoint's own queue at
// all, they go straight to a bounded Packet Queue (capacity 4096, enqueue
// fails full rather than blocking), which is what the TUN I/O Engine's
// writer goroutines drain.
package netif

import (
	"github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"github.com/robin/gotun2socks/internal/pktbuf"
	"github.com/robin/gotun2socks/internal/queue"
)

// QueueCapacity is the Packet Queue's bound.
const QueueCapacity = 4096

// Endpoint is the Network Interface: a gVisor LinkEndpoint whose emitted
// packets land on Outbound instead of being written anywhere directly.
type Endpoint struct {
	*channel.Endpoint

	log *logrus.Entry

	// Outbound is the Packet Queue packets emitted by the stack land on.
	// The TUN I/O Engine's writer goroutines are its only consumer.
	Outbound *queue.Bounded[*pktbuf.Buffer]
}

// New creates a Network Interface for the given MTU. linkAddr is left empty:
// the tunnel has no link-layer addressing, only network-layer.
func New(mtu uint32, log *logrus.Entry) *Endpoint {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Endpoint{
		// channel.New's own internal queue is unused for output (we override
		// WritePackets below); it still supplies the rest of the
		// stack.LinkEndpoint boilerplate (MTU, Capabilities, LinkAddress,
		// ARPHardwareType, WriteRawPacket, Attach/IsAttached, Wait).
		Endpoint: channel.New(1, mtu, ""),
		log:      log.WithField("component", "netif"),
		Outbound: queue.New[*pktbuf.Buffer](QueueCapacity),
	}
}

// WritePackets is the stack's output callback: invoked synchronously from
// inside the stack's own packet processing, it must enqueue and return
// promptly without blocking. A full queue drops the packet and logs rather
// than blocking the stack.
func (e *Endpoint) WritePackets(list stack.PacketBufferList) (int, tcpip.Error) {
	n := 0
	for _, pkt := range list.AsSlice() {
		view := pkt.ToView()
		data := view.AsSlice()
		buf := pktbuf.Get(len(data))
		copy(buf.Payload(), data)
		view.Release()

		if err := e.Outbound.TryPush(buf); err != nil {
			buf.Release()
			e.log.Warn("packet queue full, dropping outbound packet")
			continue
		}
		n++
	}
	return n, nil
}

// InjectInbound hands a raw packet read from the TUN device to the stack.
// The caller (an ipstack.Stack.Input call, itself made under the stack
// lock) determines the IP version; this just forwards to gVisor's channel
// endpoint, whose InjectInbound calls the attached NetworkDispatcher
// synchronously.
func (e *Endpoint) InjectInbound(proto tcpip.NetworkProtocolNumber, data []byte) {
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), data...)),
	})
	e.Endpoint.InjectInbound(proto, pkt)
	pkt.DecRef()
}
