package session

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIsDNSFlow(t *testing.T) {
	require.True(t, IsDNSFlow(53))
	require.False(t, IsDNSFlow(853))
}

func TestUDPIdleTimeoutMatchesFlowKind(t *testing.T) {
	_, stackSide := net.Pipe()
	dns := NewUDP("dns", stackSide, "resolver.example", 53, DialOptions{Address: "127.0.0.1:1"}, "", nil, nil, nil)
	require.Equal(t, dnsIdleTimeout, dns.idleTimeout())

	_, otherSide := net.Pipe()
	ordinary := NewUDP("ordinary", otherSide, "example.com", 443, DialOptions{Address: "127.0.0.1:1"}, "", nil, nil, nil)
	require.Equal(t, normalIdleTimeout, ordinary.idleTimeout())
}

func TestUDPExpired(t *testing.T) {
	_, stackSide := net.Pipe()
	u := NewUDP("t", stackSide, "example.com", 443, DialOptions{Address: "127.0.0.1:1"}, "", nil, nil, nil)
	require.False(t, u.Expired(time.Now()))
	require.True(t, u.Expired(time.Now().Add(normalIdleTimeout+time.Second)))
}

// fakeTCPEncapsulatingSocksServer accepts one connection, performs no-auth
// negotiation and a CONNECT reply, then echoes back whatever length-prefixed
// udp-in-tcp frames it receives, standing in for a proxy relaying UDP over
// the encapsulated-in-TCP transport.
func fakeTCPEncapsulatingSocksServer(t *testing.T) (addr string, stop func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		hdr := make([]byte, 2)
		if _, err := io.ReadFull(conn, hdr); err != nil {
			return
		}
		methods := make([]byte, hdr[1])
		io.ReadFull(conn, methods)
		conn.Write([]byte{0x05, 0x00})

		req := make([]byte, 4)
		if _, err := io.ReadFull(conn, req); err != nil {
			return
		}
		switch req[3] {
		case 0x01:
			io.ReadFull(conn, make([]byte, 4+2))
		case 0x03:
			l := make([]byte, 1)
			io.ReadFull(conn, l)
			io.ReadFull(conn, make([]byte, int(l[0])+2))
		}
		conn.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})

		for {
			var lenHdr [2]byte
			if _, err := io.ReadFull(conn, lenHdr[:]); err != nil {
				return
			}
			payload := make([]byte, binary.BigEndian.Uint16(lenHdr[:]))
			if _, err := io.ReadFull(conn, payload); err != nil {
				return
			}
			binary.BigEndian.PutUint16(lenHdr[:], uint16(len(payload)))
			conn.Write(lenHdr[:])
			conn.Write(payload)
		}
	}()

	return ln.Addr().String(), func() { ln.Close() }
}

func TestUDPRunTCPEncapsulatedRelaysDatagrams(t *testing.T) {
	socksAddr, stop := fakeTCPEncapsulatingSocksServer(t)
	defer stop()

	clientSide, stackSide := net.Pipe()
	defer clientSide.Close()

	closed := make(chan struct{})
	u := NewUDP("test-udp-tcp", stackSide, "example.com", 443, DialOptions{Address: socksAddr}, UDPModeTCP, nil, func() { close(closed) }, nil)

	done := make(chan struct{})
	go func() {
		u.Run()
		close(done)
	}()

	clientSide.SetDeadline(time.Now().Add(2 * time.Second))
	_, err := clientSide.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = io.ReadFull(clientSide, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))

	clientSide.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session never finished after local side closed")
	}
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("onClose callback never fired")
	}
}

func TestUDPCloseIsIdempotent(t *testing.T) {
	_, stackSide := net.Pipe()
	calls := 0
	u := NewUDP("t", stackSide, "example.com", 443, DialOptions{Address: "127.0.0.1:1"}, "", nil, func() { calls++ }, nil)
	require.NoError(t, u.Close())
	require.NoError(t, u.Close())
	require.Equal(t, 1, calls)
}
