// Package session implements the TCP Session and UDP Session: each
// accepted embedded-stack connection or UDP flow is bridged to the
// upstream SOCKS5 proxy and relayed until either side closes.
//
// Grounded on gotun2socks's tcpConnTrack/udpConnTrack (tcp.go, udp.go):
// same gosocks dialer, same SocksCmdConnect/SocksCmdUDPAssociate handshake,
// same DNS-aware short timeout for UDP. What changes is the TUN-facing
// side: instead of a hand-rolled TCP state machine synthesizing SYN/ACK
// segments, the embedded stack (gVisor) already presents an accepted
// connection as a net.Conn (via gonet), so a Session only needs to relay
// bytes, not emulate TCP.
package session

import (
	"bufio"
	"fmt"
	"io"
	"time"

	"github.com/yinghuocho/gosocks"
)

// dialTimeout bounds a single SOCKS5 TCP dial attempt.
const dialTimeout = 4 * time.Second

// DialOptions is the upstream SOCKS5 proxy address plus the credentials (if
// any) a Session authenticates with.
type DialOptions struct {
	Address  string
	Username string
	Password string
}

func dialSocks(opts DialOptions) (*gosocks.SocksConn, error) {
	d := &gosocks.SocksDialer{
		Timeout: dialTimeout,
		Auth:    authenticatorFor(opts.Username, opts.Password),
	}
	return d.Dial(opts.Address)
}

// authenticatorFor picks the anonymous authenticator gotun2socks always
// used, unless both a username and a password are configured, in which case
// it picks username/password (RFC 1929) authentication instead.
func authenticatorFor(username, password string) gosocks.ClientAuthenticator {
	if username == "" || password == "" {
		return &gosocks.AnonymousClientAuthenticator{}
	}
	return &usernamePasswordAuthenticator{username: username, password: password}
}

// socksMethodUsernamePassword and socksUserPassVersion are the SOCKS5
// method code and subnegotiation version for RFC 1929 username/password
// authentication. gosocks defines the no-auth equivalents
// (SocksVersion, SocksNoAuthentication) but ships no client-side
// implementation of this method itself.
const (
	socksMethodUsernamePassword = 0x02
	socksUserPassVersion        = 0x01
)

// usernamePasswordAuthenticator implements gosocks.ClientAuthenticator
// using the username/password subnegotiation method, following the same
// conn.SetDeadline/Write/Read shape as gosocks.AnonymousClientAuthenticator.
type usernamePasswordAuthenticator struct {
	username string
	password string
}

func (a *usernamePasswordAuthenticator) ClientAuthenticate(conn *gosocks.SocksConn) error {
	conn.SetWriteDeadline(time.Now().Add(conn.Timeout))
	if _, err := conn.Write([]byte{gosocks.SocksVersion, 1, socksMethodUsernamePassword}); err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(conn.Timeout))
	r := bufio.NewReader(conn)
	var method [2]byte
	if _, err := io.ReadFull(r, method[:]); err != nil {
		return err
	}
	if method[0] != gosocks.SocksVersion || method[1] != socksMethodUsernamePassword {
		return fmt.Errorf("session: socks proxy did not accept username/password authentication (0x%02x, 0x%02x)", method[0], method[1])
	}

	req := make([]byte, 0, 3+len(a.username)+len(a.password))
	req = append(req, socksUserPassVersion, byte(len(a.username)))
	req = append(req, a.username...)
	req = append(req, byte(len(a.password)))
	req = append(req, a.password...)
	conn.SetWriteDeadline(time.Now().Add(conn.Timeout))
	if _, err := conn.Write(req); err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(conn.Timeout))
	var status [2]byte
	if _, err := io.ReadFull(r, status[:]); err != nil {
		return err
	}
	if status[1] != 0x00 {
		return fmt.Errorf("session: socks proxy rejected username/password credentials")
	}
	return nil
}
