package protocol

import (
	"bytes"
	"encoding/binary"
	"net/netip"

	"github.com/pkg/errors"
)

const (
	RipPort            = 520
	CommandRequest     = uint8(1)
	CommandResponse    = uint8(2)
	ripVersion         = uint8(2)
	addressFamilyInet  = uint16(2)
	ripHeaderLen       = 4
	ripEntryLen        = 20
	maxEntriesPerReply = 25
)

// RipMulticastIP is the destination of unsolicited advertisements and
// requests; the matching L2 destination is the broadcast address.
var RipMulticastIP = netip.MustParseAddr("224.0.0.9")

type RIPPacket struct {
	Command uint8
	Version uint8
	Entries []RIPEntry
}

// RIPEntry is one advertised route: address, mask, next-hop and metric.
type RIPEntry struct {
	Family   uint16
	RouteTag uint16
	Address  uint32
	Mask     uint32
	NextHop  uint32
	Metric   uint32
}

func MarshalRIP(ripPacket *RIPPacket) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.BigEndian, ripPacket.Command); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, ripPacket.Version); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(0)); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, ripPacket.Entries); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func UnmarshalRIP(payload []byte) (*RIPPacket, error) {
	if len(payload) < ripHeaderLen {
		return nil, errors.New("rip packet shorter than header")
	}
	if (len(payload)-ripHeaderLen)%ripEntryLen != 0 {
		return nil, errors.Errorf("rip packet has truncated entry list (%d bytes)", len(payload))
	}
	numEntries := (len(payload) - ripHeaderLen) / ripEntryLen

	packet := &RIPPacket{
		Command: payload[0],
		Version: payload[1],
		Entries: make([]RIPEntry, numEntries),
	}
	offset := ripHeaderLen
	for i := 0; i < numEntries; i++ {
		packet.Entries[i] = RIPEntry{
			Family:   binary.BigEndian.Uint16(payload[offset : offset+2]),
			RouteTag: binary.BigEndian.Uint16(payload[offset+2 : offset+4]),
			Address:  binary.BigEndian.Uint32(payload[offset+4 : offset+8]),
			Mask:     binary.BigEndian.Uint32(payload[offset+8 : offset+12]),
			NextHop:  binary.BigEndian.Uint32(payload[offset+12 : offset+16]),
			Metric:   binary.BigEndian.Uint32(payload[offset+16 : offset+20]),
		}
		offset += ripEntryLen
	}
	return packet, nil
}
