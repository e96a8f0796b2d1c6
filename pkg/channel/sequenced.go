package channel

import (
	"time"

	"fastnet/pkg/packet"
	"fastnet/pkg/pool"
)

// Sequenced stamps outgoing payloads with a monotonically increasing
// 16-bit sequence and surfaces an incoming packet only if its sequence is
// strictly ahead of the last one seen; older/duplicate sequences are
// dropped. No retransmission, no acknowledgement.
type Sequenced struct {
	pool    *pool.Pool
	channel byte

	nextSeq  uint16
	outgoing []*packet.Packet

	haveSeen bool
	lastSeen uint16
}

var _ Channel = (*Sequenced)(nil)

func NewSequenced(p *pool.Pool, ch byte) *Sequenced {
	return &Sequenced{pool: p, channel: ch}
}

func (s *Sequenced) AddToQueue(payload []byte, frag *FragmentInfo) error {
	pkt := s.pool.Get(packet.Sequenced, s.channel, len(payload))
	pkt.SequenceNumber = s.nextSeq
	stampFragment(pkt, frag)
	pkt.Encode(payload)
	s.nextSeq = packet.SeqAdd(s.nextSeq, 1)
	s.outgoing = append(s.outgoing, pkt)
	return nil
}

func (s *Sequenced) SendNextPackets(now time.Time, avgRTT time.Duration) []*packet.Packet {
	due := s.outgoing
	s.outgoing = nil
	return due
}

func (s *Sequenced) ProcessPacket(pkt *packet.Packet) bool {
	if s.haveSeen && !packet.SeqGreater(pkt.SequenceNumber, s.lastSeen) {
		return false // older or duplicate: drop
	}
	s.haveSeen = true
	s.lastSeen = pkt.SequenceNumber
	return true
}

func (s *Sequenced) PopIncoming() (*packet.Packet, bool) { return nil, false }

func (s *Sequenced) Reset() {
	for _, pkt := range s.outgoing {
		s.pool.Recycle(pkt)
	}
	s.outgoing = nil
}
