package channel

import (
	"time"

	"fastnet/pkg/packet"
	"fastnet/pkg/pool"
)

// Simple is the Unreliable delivery channel: no sequencing, no ACK. Every
// incoming packet is surfaced; outgoing packets are drained as-is.
type Simple struct {
	pool    *pool.Pool
	channel byte
	outgoing []*packet.Packet
}

var _ Channel = (*Simple)(nil)

func NewSimple(p *pool.Pool, ch byte) *Simple {
	return &Simple{pool: p, channel: ch}
}

func (s *Simple) AddToQueue(payload []byte, frag *FragmentInfo) error {
	pkt := s.pool.Get(packet.Unreliable, s.channel, len(payload))
	stampFragment(pkt, frag)
	pkt.Encode(payload)
	s.outgoing = append(s.outgoing, pkt)
	return nil
}

func (s *Simple) SendNextPackets(now time.Time, avgRTT time.Duration) []*packet.Packet {
	due := s.outgoing
	s.outgoing = nil
	return due
}

func (s *Simple) ProcessPacket(pkt *packet.Packet) bool {
	return true
}

func (s *Simple) PopIncoming() (*packet.Packet, bool) { return nil, false }

func (s *Simple) Reset() {
	for _, pkt := range s.outgoing {
		s.pool.Recycle(pkt)
	}
	s.outgoing = nil
}
