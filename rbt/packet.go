package rbt

import (
	"encoding/binary"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

const (
	FlagS = uint32(1 << 2)
	FlagF = uint32(1 << 1)
	FlagA = uint32(1 << 0)

	HeaderLen = 22 // seq(4) + ack(4) + timestamp(8) + lengthAndFlags(4) + checksum(2)

	lengthShift = 3
	lengthMask  = uint32(0x1FFFFFFF)
	flagMask    = uint32(0x7)
)

// Packet is the wire unit of the transport. The length and the three flag
// bits share one 32-bit word, so setters must preserve each other's bits.
type Packet struct {
	Seq            uint32
	Ack            uint32
	Timestamp      int64
	LengthAndFlags uint32
	Checksum       uint16
	Payload        []byte
}

func (p *Packet) Length() int {
	return int((p.LengthAndFlags >> lengthShift) & lengthMask)
}

func (p *Packet) SetLength(n int) {
	p.LengthAndFlags = ((uint32(n) & lengthMask) << lengthShift) | (p.LengthAndFlags & flagMask)
}

func (p *Packet) SetFlags(flags uint32) {
	p.LengthAndFlags = (p.LengthAndFlags &^ flagMask) | (flags & flagMask)
}

func (p *Packet) HasFlags(flags uint32) bool {
	return p.LengthAndFlags&flags == flags
}

func (p *Packet) marshalWithChecksum(checksum uint16) []byte {
	buf := make([]byte, HeaderLen+len(p.Payload))
	binary.BigEndian.PutUint32(buf[0:4], p.Seq)
	binary.BigEndian.PutUint32(buf[4:8], p.Ack)
	binary.BigEndian.PutUint64(buf[8:16], uint64(p.Timestamp))
	laf := ((uint32(len(p.Payload)) & lengthMask) << lengthShift) | (p.LengthAndFlags & flagMask)
	binary.BigEndian.PutUint32(buf[16:20], laf)
	binary.BigEndian.PutUint16(buf[20:22], checksum)
	copy(buf[HeaderLen:], p.Payload)
	return buf
}

// Marshal serializes the packet. The declared length always matches the
// payload length on the wire.
func (p *Packet) Marshal() []byte {
	return p.marshalWithChecksum(p.Checksum)
}

// ComputeChecksum sets the checksum field from the serialized packet with
// the checksum zeroed. Call after the timestamp is assigned.
func (p *Packet) ComputeChecksum() {
	p.Checksum = OnesComplementChecksum(p.marshalWithChecksum(0))
}

// VerifyChecksum recomputes the checksum with the field zeroed and compares
// against the stored value.
func (p *Packet) VerifyChecksum() bool {
	return OnesComplementChecksum(p.marshalWithChecksum(0)) == p.Checksum
}

// ParsePacket decodes a packet from buf. It fails when the declared payload
// length exceeds the bytes actually present.
func ParsePacket(buf []byte) (*Packet, error) {
	if len(buf) < HeaderLen {
		return nil, errors.New("packet shorter than header")
	}
	p := &Packet{
		Seq:            binary.BigEndian.Uint32(buf[0:4]),
		Ack:            binary.BigEndian.Uint32(buf[4:8]),
		Timestamp:      int64(binary.BigEndian.Uint64(buf[8:16])),
		LengthAndFlags: binary.BigEndian.Uint32(buf[16:20]),
		Checksum:       binary.BigEndian.Uint16(buf[20:22]),
	}
	dataLen := p.Length()
	if dataLen > len(buf)-HeaderLen {
		return nil, errors.Errorf("declared length %d exceeds remaining %d bytes", dataLen, len(buf)-HeaderLen)
	}
	p.Payload = make([]byte, dataLen)
	copy(p.Payload, buf[HeaderLen:HeaderLen+dataLen])
	return p, nil
}

// OnesComplementChecksum is the 16-bit one's complement sum over buf,
// complemented. Odd-length input is padded with a zero low byte.
func OnesComplementChecksum(buf []byte) uint16 {
	return header.Checksum(buf, 0) ^ 0xffff
}
