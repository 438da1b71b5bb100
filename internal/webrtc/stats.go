package webrtc

import "github.com/pion/rtp"

// trackStats counts packets of a remote track and estimates loss from gaps
// in the sequence numbers.
type trackStats struct {
	packets uint64
	bytes   uint64
	lost    uint64
	lastSeq uint16
	started bool
}

func (s *trackStats) observe(pkt *rtp.Packet) {
	s.packets++
	s.bytes += uint64(len(pkt.Payload))

	seq := pkt.SequenceNumber
	if !s.started {
		s.started = true
		s.lastSeq = seq
		return
	}

	// Forward distance with wraparound; anything in the upper half is a
	// duplicate or a late packet.
	diff := seq - s.lastSeq
	if diff == 0 || diff >= 0x8000 {
		return
	}
	s.lost += uint64(diff - 1)
	s.lastSeq = seq
}
