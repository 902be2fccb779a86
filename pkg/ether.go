package protocol

import (
	"encoding/binary"
	"net"

	"github.com/pkg/errors"
)

const (
	EtherTypeIPv4  = uint16(0x0800)
	EtherHeaderLen = 14
)

type MACAddr [6]byte

var BroadcastMAC = MACAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func ParseMAC(s string) (MACAddr, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return MACAddr{}, errors.Wrapf(err, "parse MAC %q", s)
	}
	if len(hw) != 6 {
		return MACAddr{}, errors.Errorf("MAC %q is not 48-bit", s)
	}
	var mac MACAddr
	copy(mac[:], hw)
	return mac, nil
}

func (m MACAddr) String() string {
	return net.HardwareAddr(m[:]).String()
}

// EthernetFrame is the L2 unit carried between virtual nodes.
type EthernetFrame struct {
	Dst       MACAddr
	Src       MACAddr
	EtherType uint16
	Payload   []byte
}

func (f *EthernetFrame) Marshal() []byte {
	buf := make([]byte, EtherHeaderLen+len(f.Payload))
	copy(buf[0:6], f.Dst[:])
	copy(buf[6:12], f.Src[:])
	binary.BigEndian.PutUint16(buf[12:14], f.EtherType)
	copy(buf[EtherHeaderLen:], f.Payload)
	return buf
}

func ParseEthernetFrame(buf []byte) (*EthernetFrame, error) {
	if len(buf) < EtherHeaderLen {
		return nil, errors.New("frame shorter than Ethernet header")
	}
	f := &EthernetFrame{EtherType: binary.BigEndian.Uint16(buf[12:14])}
	copy(f.Dst[:], buf[0:6])
	copy(f.Src[:], buf[6:12])
	f.Payload = make([]byte, len(buf)-EtherHeaderLen)
	copy(f.Payload, buf[EtherHeaderLen:])
	return f, nil
}
