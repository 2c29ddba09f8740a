package session

import (
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/yinghuocho/gosocks"
)

func TestAuthenticatorForPicksAnonymousWithNoCredentials(t *testing.T) {
	_, ok := authenticatorFor("", "").(*gosocks.AnonymousClientAuthenticator)
	require.True(t, ok)
}

func TestAuthenticatorForPicksUsernamePasswordWhenConfigured(t *testing.T) {
	auth := authenticatorFor("alice", "secret")
	up, ok := auth.(*usernamePasswordAuthenticator)
	require.True(t, ok)
	require.Equal(t, "alice", up.username)
	require.Equal(t, "secret", up.password)
}

// fakeAuthSocksServer accepts one connection, requires username/password
// authentication with the given credentials, then replies to a single
// CONNECT request without relaying anything further.
func fakeAuthSocksServer(t *testing.T, wantUser, wantPass string) (addr string, stop func()) {
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
		conn.Write([]byte{0x05, 0x02}) // select username/password

		verAndLens := make([]byte, 2)
		if _, err := io.ReadFull(conn, verAndLens); err != nil {
			return
		}
		user := make([]byte, verAndLens[1])
		io.ReadFull(conn, user)
		passLen := make([]byte, 1)
		io.ReadFull(conn, passLen)
		pass := make([]byte, passLen[0])
		io.ReadFull(conn, pass)

		status := byte(0x01)
		if string(user) == wantUser && string(pass) == wantPass {
			status = 0x00
		}
		conn.Write([]byte{0x01, status})
		if status != 0x00 {
			return
		}

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
	}()

	return ln.Addr().String(), func() { ln.Close() }
}

func TestDialSocksAuthenticatesWithUsernamePassword(t *testing.T) {
	addr, stop := fakeAuthSocksServer(t, "alice", "secret")
	defer stop()

	conn, err := dialSocks(DialOptions{Address: addr, Username: "alice", Password: "secret"})
	require.NoError(t, err)
	defer conn.Close()
}

func TestDialSocksFailsWithWrongCredentials(t *testing.T) {
	addr, stop := fakeAuthSocksServer(t, "alice", "secret")
	defer stop()

	_, err := dialSocks(DialOptions{Address: addr, Username: "alice", Password: "wrong"})
	require.Error(t, err)
}
