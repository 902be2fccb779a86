package rbt

import (
	"io"
	"net/netip"
	"time"

	"github.com/google/btree"
	"github.com/pkg/errors"
)

const (
	StateListen = "LISTEN"
)

// Receiver accepts one transfer: it answers the handshake, delivers bytes to
// the sink in order while buffering out-of-order segments, emits cumulative
// ACKs, and closes on FIN. Every buffered segment's sequence is strictly
// greater than the delivery pointer.
type Receiver struct {
	conn  Conn
	sink  io.Writer
	log   *TransferLog
	Stats Stats

	state    string
	expected uint32
	buffer   *btree.BTreeG[*Packet]
	peer     netip.AddrPort
}

func NewReceiver(conn Conn, sink io.Writer, logOut io.Writer) *Receiver {
	return &Receiver{
		conn:  conn,
		sink:  sink,
		log:   NewTransferLog(logOut),
		state: StateListen,
		buffer: btree.NewG[*Packet](2, func(a, b *Packet) bool {
			return a.Seq < b.Seq
		}),
	}
}

// Run blocks until a FIN closes the transfer or the socket fails.
func (r *Receiver) Run() error {
	buf := make([]byte, 65536)
	for {
		r.conn.SetReadDeadline(time.Time{})
		n, from, err := r.conn.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return errors.Wrap(err, "receive")
		}
		r.peer = from
		r.Stats.incReceived()

		p, err := ParsePacket(buf[:n])
		if err != nil {
			// malformed, not a checksum failure
			continue
		}
		if !p.VerifyChecksum() {
			r.Stats.incChecksum()
			continue
		}
		r.log.LogPacket("rcv", p, p.Length() > 0)

		if done := r.handle(p); done {
			return nil
		}
	}
}

// handle advances the receiver state machine for one checksum-valid unit.
// It reports true when the connection has closed.
func (r *Receiver) handle(p *Packet) bool {
	// connection init on SYN with seq 0
	if p.HasFlags(FlagS) && p.Seq == 0 {
		r.expected = 1
		r.state = StateEstablished
		synAck := &Packet{Seq: 0, Ack: r.expected, Timestamp: p.Timestamp}
		synAck.SetFlags(FlagS | FlagA)
		synAck.SetLength(0)
		synAck.ComputeChecksum()
		r.send(synAck)
		return false
	}

	if p.HasFlags(FlagF) {
		finAck := &Packet{Seq: 0, Ack: p.Seq + 1, Timestamp: p.Timestamp}
		finAck.SetFlags(FlagA | FlagF)
		finAck.SetLength(0)
		finAck.ComputeChecksum()
		r.send(finAck)
		r.flush()
		r.state = StateClosed
		return true
	}

	length := uint32(p.Length())
	if length == 0 {
		// the unawaited handshake ACK, not a data segment
		return false
	}

	switch {
	case p.Seq == r.expected:
		r.deliver(p)
		// drain buffered segments that are now contiguous
		for {
			next, ok := r.buffer.Min()
			if !ok || next.Seq != r.expected {
				break
			}
			r.buffer.DeleteMin()
			r.deliver(next)
		}
	case p.Seq > r.expected:
		if !r.buffer.Has(p) {
			r.buffer.ReplaceOrInsert(p)
		}
	default:
		// duplicate of already-delivered data
		r.Stats.incOutOfSequence()
	}

	// cumulative ACK echoing the triggering unit's timestamp
	ack := &Packet{Seq: 0, Ack: r.expected, Timestamp: p.Timestamp}
	ack.SetFlags(FlagA)
	ack.SetLength(0)
	ack.ComputeChecksum()
	r.send(ack)
	return false
}

func (r *Receiver) deliver(p *Packet) {
	r.sink.Write(p.Payload)
	r.Stats.addData(p.Length())
	r.expected += uint32(p.Length())
}

func (r *Receiver) send(p *Packet) {
	if _, err := r.conn.WriteTo(p.Marshal(), r.peer); err != nil {
		return
	}
	r.Stats.incSent()
	r.log.LogPacket("snd", p, false)
}

func (r *Receiver) flush() {
	if f, ok := r.sink.(interface{ Flush() error }); ok {
		f.Flush()
	}
}

// Expected reports the next in-order byte the receiver will accept.
func (r *Receiver) Expected() uint32 {
	return r.expected
}

// State reports the receiver's connection state.
func (r *Receiver) State() string {
	return r.state
}
