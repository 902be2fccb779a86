package rbt

import (
	"sync"
	"time"
)

// segment is one in-flight unit of the sliding window.
type segment struct {
	packet      *Packet
	firstSent   int64
	retransmits int
	timer       *time.Timer
}

// SendWindow tracks in-flight segments, per-segment retransmission counters
// and timer handles, and the duplicate-ACK counter. The window size is a
// hard cap counted per segment, not per byte. All mutation happens under one
// mutex so the ACK path and the timer path for a sequence never interleave.
type SendWindow struct {
	mu          sync.Mutex
	size        int
	outstanding map[uint32]*segment
	ackSeen     map[uint32]int
}

func NewSendWindow(size int) *SendWindow {
	return &SendWindow{
		size:        size,
		outstanding: make(map[uint32]*segment),
		ackSeen:     make(map[uint32]int),
	}
}

// Admit inserts a segment if the window has space. At most one record may
// exist per sequence number.
func (w *SendWindow) Admit(p *Packet, now int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.outstanding) >= w.size {
		return false
	}
	if _, exists := w.outstanding[p.Seq]; exists {
		return false
	}
	w.outstanding[p.Seq] = &segment{packet: p, firstSent: now}
	return true
}

// SetTimer stores the retransmission timer handle for seq, cancelling any
// previous one. A timer set for a sequence no longer outstanding is stopped
// immediately.
func (w *SendWindow) SetTimer(seq uint32, timer *time.Timer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	seg, exists := w.outstanding[seq]
	if !exists {
		timer.Stop()
		return
	}
	if seg.timer != nil {
		seg.timer.Stop()
	}
	seg.timer = timer
}

// Ack removes every outstanding segment whose end byte is covered by the
// cumulative ack and cancels its timer. Returns the number removed.
func (w *SendWindow) Ack(ackNum uint32) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	removed := 0
	for seq, seg := range w.outstanding {
		if seq+uint32(seg.packet.Length()) <= ackNum {
			if seg.timer != nil {
				seg.timer.Stop()
			}
			delete(w.outstanding, seq)
			removed++
		}
	}
	return removed
}

// ObserveAck records one observation of ackNum and returns how many times it
// has now been seen. The counter is keyed globally by ack number for the
// whole transfer, so the third observation happens exactly once per number.
func (w *SendWindow) ObserveAck(ackNum uint32) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ackSeen[ackNum]++
	return w.ackSeen[ackNum]
}

// Lowest returns the lowest outstanding sequence number.
func (w *SendWindow) Lowest() (uint32, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var lowest uint32
	found := false
	for seq := range w.outstanding {
		if !found || seq < lowest {
			lowest = seq
			found = true
		}
	}
	return lowest, found
}

// PrepareRetransmit re-stamps the segment's timestamp, recomputes its
// checksum and bumps the retransmission counter, all under the window lock.
// It returns the serialized bytes ready to send, the packet for logging, and
// the new retransmission count. ok is false when the sequence is no longer
// outstanding (the ACK path won the race).
func (w *SendWindow) PrepareRetransmit(seq uint32, now int64) (buf []byte, p *Packet, count int, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	seg, exists := w.outstanding[seq]
	if !exists {
		return nil, nil, 0, false
	}
	seg.retransmits++
	seg.packet.Timestamp = now
	seg.packet.ComputeChecksum()
	return seg.packet.Marshal(), seg.packet, seg.retransmits, true
}

// Outstanding reports the number of in-flight segments.
func (w *SendWindow) Outstanding() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.outstanding)
}

// Stop cancels every pending timer.
func (w *SendWindow) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, seg := range w.outstanding {
		if seg.timer != nil {
			seg.timer.Stop()
		}
	}
}
