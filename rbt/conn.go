package rbt

import (
	"net"
	"net/netip"
	"time"

	"github.com/pkg/errors"
)

// Conn is the unreliable datagram service the transport runs over. Both
// endpoints only need read-from, write-to and a read deadline; *net.UDPConn
// satisfies it via UDPConn, tests inject an in-memory pair.
type Conn interface {
	ReadFrom(buf []byte) (int, netip.AddrPort, error)
	WriteTo(buf []byte, to netip.AddrPort) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// UDPConn adapts a UDP socket to the Conn interface.
type UDPConn struct {
	conn *net.UDPConn
}

func ListenUDP(localPort uint16) (*UDPConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(localPort)})
	if err != nil {
		return nil, errors.Wrapf(err, "listen on port %d", localPort)
	}
	return &UDPConn{conn: conn}, nil
}

func (u *UDPConn) ReadFrom(buf []byte) (int, netip.AddrPort, error) {
	return u.conn.ReadFromUDPAddrPort(buf)
}

func (u *UDPConn) WriteTo(buf []byte, to netip.AddrPort) (int, error) {
	return u.conn.WriteToUDPAddrPort(buf, to)
}

func (u *UDPConn) SetReadDeadline(t time.Time) error {
	return u.conn.SetReadDeadline(t)
}

func (u *UDPConn) Close() error {
	return u.conn.Close()
}

// isTimeout reports whether err is a read-deadline expiry, which the receive
// loops treat as "try again".
func isTimeout(err error) bool {
	netErr, ok := err.(net.Error)
	return ok && netErr.Timeout()
}
