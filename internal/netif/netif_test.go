package netif

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

func TestWritePacketsEnqueuesToOutbound(t *testing.T) {
	ep := New(1500, nil)

	var list stack.PacketBufferList
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData([]byte{1, 2, 3, 4}),
	})
	list.PushBack(pkt)

	n, err := ep.WritePackets(list)
	require.Nil(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, ep.Outbound.Len())

	buf, ok := ep.Outbound.Pop()
	require.True(t, ok)
	require.Equal(t, []byte{1, 2, 3, 4}, buf.Payload())
}

func TestWritePacketsDropsWhenQueueFull(t *testing.T) {
	ep := New(1500, nil)
	for i := 0; i < QueueCapacity; i++ {
		require.NoError(t, ep.Outbound.TryPush(nil))
	}

	var list stack.PacketBufferList
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData([]byte{9}),
	})
	list.PushBack(pkt)

	n, err := ep.WritePackets(list)
	require.Nil(t, err)
	require.Equal(t, 0, n, "a full outbound queue must drop rather than block")
}

func TestInjectInboundDispatchesToStack(t *testing.T) {
	ep := New(1500, nil)

	delivered := 0
	ep.Attach(dispatcherFunc(func(_ *stack.PacketBuffer) {
		delivered++
	}))

	// Header parsing is the real stack's job; here we only assert
	// InjectInbound hands a minimal IPv4 packet to the attached dispatcher
	// without panicking.
	ipv4 := []byte{0x45, 0, 0, 20, 0, 0, 0, 0, 64, 6, 0, 0, 10, 0, 0, 1, 10, 0, 0, 2}
	require.NotPanics(t, func() {
		ep.InjectInbound(header.IPv4ProtocolNumber, ipv4)
	})
	require.Equal(t, 1, delivered)
}

type dispatcherFunc func(*stack.PacketBuffer)

func (f dispatcherFunc) DeliverNetworkPacket(_ tcpip.NetworkProtocolNumber, pkt *stack.PacketBuffer) {
	f(pkt)
}

func (f dispatcherFunc) DeliverLinkPacket(_ tcpip.NetworkProtocolNumber, pkt *stack.PacketBuffer) {}
