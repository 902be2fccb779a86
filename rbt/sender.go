package rbt

import (
	"io"
	"log/slog"
	"net/netip"
	"time"

	"github.com/pkg/errors"
)

// MaxRetransmissions is the per-segment retransmission budget. A segment
// reaching its 17th retransmission attempt fails the transfer.
const MaxRetransmissions = 16

const (
	StateClosed      = "CLOSED"
	StateSynSent     = "SYN_SENT"
	StateEstablished = "ESTABLISHED"
	StateFinSent     = "FIN_SENT"
	StateDone        = "DONE"

	handshakeTimeout = 10 * time.Second
	pollTimeout      = time.Second
)

var monoStart = time.Now()

// nowNanos is the monotonic clock carried in packet timestamps.
func nowNanos() int64 {
	return int64(time.Since(monoStart))
}

// Sender drives one file transfer: handshake, windowed transmission with
// adaptive retransmission and fast retransmit, then teardown.
type Sender struct {
	conn   Conn
	peer   netip.AddrPort
	mss    int
	window *SendWindow
	rtt    *RTTEstimator
	log    *TransferLog
	Stats  Stats

	state   string
	failure chan error
}

// NewSender creates a sender for one transfer. The maximum segment size
// equals the configured MTU.
func NewSender(conn Conn, peer netip.AddrPort, mtu int, windowSize int, logOut io.Writer) *Sender {
	return &Sender{
		conn:    conn,
		peer:    peer,
		mss:     mtu,
		window:  NewSendWindow(windowSize),
		rtt:     NewRTTEstimator(),
		log:     NewTransferLog(logOut),
		state:   StateClosed,
		failure: make(chan error, 1),
	}
}

// Transfer sends file to the peer and blocks until the transfer is done or
// failed. On return all pending timers are cancelled.
func (s *Sender) Transfer(file []byte) error {
	defer s.window.Stop()

	if err := s.handshake(); err != nil {
		return err
	}

	s.state = StateEstablished
	segments := s.segmentize(file)
	fileLen := uint32(len(file))

	base := uint32(1)
	sendIndex := 0
	for base <= fileLen {
		// keep the pipe full while the window has room
		for sendIndex < len(segments) && s.window.Admit(segments[sendIndex], nowNanos()) {
			p := segments[sendIndex]
			if err := s.transmit(p, true); err != nil {
				return err
			}
			s.Stats.addData(p.Length())
			s.scheduleTimer(p.Seq)
			sendIndex++
		}

		select {
		case err := <-s.failure:
			return err
		default:
		}

		p, ok := s.readPacket()
		if !ok {
			continue
		}
		s.Stats.incReceived()
		if !p.VerifyChecksum() {
			s.Stats.incChecksum()
			continue
		}
		s.log.LogPacket("rcv", p, false)
		if !p.HasFlags(FlagA) {
			continue
		}

		seen := s.window.ObserveAck(p.Ack)
		if seen > 1 {
			s.Stats.incDuplicateAck()
		}

		s.rtt.Sample(p.Seq, p.Timestamp, nowNanos())

		s.window.Ack(p.Ack)
		if p.Ack > base {
			base = p.Ack
		}

		if seen == 3 {
			if lowest, exists := s.window.Lowest(); exists {
				slog.Debug("fast retransmit", "seq", lowest, "ack", p.Ack)
				s.retransmit(lowest)
			}
		}
	}

	// teardown: the final ACK for the FIN is not awaited
	s.state = StateFinSent
	fin := &Packet{Seq: fileLen + 1, Ack: 1}
	fin.SetFlags(FlagF | FlagA)
	fin.SetLength(0)
	if err := s.transmit(fin, false); err != nil {
		return err
	}
	s.state = StateDone
	return nil
}

// handshake sends the SYN and waits up to 10s for a checksum-valid SYN-ACK,
// feeding its echoed timestamp to the estimator as the base-case sample. The
// closing ACK is transmitted but never awaited by the peer.
func (s *Sender) handshake() error {
	s.state = StateSynSent
	syn := &Packet{Seq: 0, Ack: 0}
	syn.SetFlags(FlagS)
	syn.SetLength(0)
	if err := s.transmit(syn, false); err != nil {
		return err
	}

	deadline := time.Now().Add(handshakeTimeout)
	for time.Now().Before(deadline) {
		p, ok := s.readPacket()
		if !ok {
			continue
		}
		if !p.VerifyChecksum() {
			s.Stats.incChecksum()
			continue
		}
		if !p.HasFlags(FlagS | FlagA) {
			continue
		}
		s.Stats.incReceived()
		s.log.LogPacket("rcv", p, false)
		s.rtt.Sample(p.Seq, p.Timestamp, nowNanos())

		ack := &Packet{Seq: 1, Ack: 1}
		ack.SetFlags(FlagA)
		ack.SetLength(0)
		return s.transmit(ack, false)
	}
	return errors.New("no valid SYN-ACK within 10s")
}

// segmentize splits the file into MTU-sized payloads with byte-indexed
// sequence numbers starting at 1. Data segments carry flag A; the timestamp
// and checksum are assigned at transmit time.
func (s *Sender) segmentize(file []byte) []*Packet {
	segments := make([]*Packet, 0, (len(file)+s.mss-1)/s.mss)
	next := uint32(1)
	for off := 0; off < len(file); {
		take := s.mss
		if remaining := len(file) - off; remaining < take {
			take = remaining
		}
		p := &Packet{Seq: next, Ack: 1, Payload: file[off : off+take]}
		p.SetFlags(FlagA)
		p.SetLength(take)
		segments = append(segments, p)
		off += take
		next += uint32(take)
	}
	return segments
}

// transmit stamps, checksums, sends and logs one packet.
func (s *Sender) transmit(p *Packet, isData bool) error {
	p.Timestamp = nowNanos()
	p.ComputeChecksum()
	if _, err := s.conn.WriteTo(p.Marshal(), s.peer); err != nil {
		return errors.Wrap(err, "send packet")
	}
	s.Stats.incSent()
	s.log.LogPacket("snd", p, isData)
	return nil
}

// readPacket polls the socket with a bounded deadline. Timeouts and
// malformed datagrams both come back as "nothing to process".
func (s *Sender) readPacket() (*Packet, bool) {
	buf := make([]byte, 65536)
	s.conn.SetReadDeadline(time.Now().Add(pollTimeout))
	n, _, err := s.conn.ReadFrom(buf)
	if err != nil {
		return nil, false
	}
	p, err := ParsePacket(buf[:n])
	if err != nil {
		return nil, false
	}
	return p, true
}

func (s *Sender) scheduleTimer(seq uint32) {
	timer := time.AfterFunc(s.rtt.Timeout(), func() {
		s.retransmit(seq)
	})
	s.window.SetTimer(seq, timer)
}

// retransmit resends seq if it is still outstanding. Shared by the timeout
// path and the duplicate-ACK fast path.
func (s *Sender) retransmit(seq uint32) {
	buf, p, count, ok := s.window.PrepareRetransmit(seq, nowNanos())
	if !ok {
		return
	}
	if count > MaxRetransmissions {
		select {
		case s.failure <- errors.Errorf("max retransmissions exceeded for seq %d", seq):
		default:
		}
		return
	}
	s.Stats.incRetransmission()
	if _, err := s.conn.WriteTo(buf, s.peer); err != nil {
		slog.Warn("retransmit send failed", "seq", seq, "err", err)
	} else {
		s.Stats.incSent()
		s.log.LogPacket("snd", p, p.Length() > 0)
	}
	s.scheduleTimer(seq)
}

// State reports the sender's connection state.
func (s *Sender) State() string {
	return s.state
}
