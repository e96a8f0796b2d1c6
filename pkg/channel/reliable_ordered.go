package channel

import (
	"time"

	"fastnet/pkg/packet"
	"fastnet/pkg/pool"
)

// ReliableOrdered guarantees delivery and surfaces payloads in strict send
// order, buffering out-of-order arrivals until the gap closes (spec
// §4.3.4).
type ReliableOrdered struct {
	reliableBase
	outOfOrder map[uint16]*packet.Packet
}

var _ Channel = (*ReliableOrdered)(nil)

func NewReliableOrdered(p *pool.Pool, ch byte, windowSize uint16) *ReliableOrdered {
	return &ReliableOrdered{
		reliableBase: newReliableBase(p, ch, packet.ReliableOrdered, windowSize),
		outOfOrder:   make(map[uint16]*packet.Packet),
	}
}

func (c *ReliableOrdered) AddToQueue(payload []byte, frag *FragmentInfo) error {
	return c.addToQueue(payload, frag)
}

func (c *ReliableOrdered) SendNextPackets(now time.Time, avgRTT time.Duration) []*packet.Packet {
	due := c.admitPending(now)
	due = append(due, c.retransmitDue(now, avgRTT)...)
	if ack := c.buildAck(); ack != nil {
		due = append(due, ack)
	}
	return due
}

func (c *ReliableOrdered) ProcessPacket(pkt *packet.Packet) bool {
	if pkt.Property == ackPropertyFor(c.property) {
		c.handleAck(pkt)
		return false
	}

	seq := pkt.SequenceNumber
	if !c.withinReceiveWindow(seq) {
		if c.withinAckableTrailingWindow(seq) {
			c.ackDirty = true
		}
		c.pool.Recycle(pkt)
		return false
	}

	diff := packet.SeqDiff(seq, c.recvWindowStart)
	if testBit(c.receivedBitmap, uint16(diff)) {
		c.pool.Recycle(pkt) // duplicate: acked but not re-surfaced
		return false
	}
	c.markReceived(seq)

	if diff == 0 {
		c.ready = append(c.ready, pkt)
		c.slideReceiveWindow(1)
		// drain any buffered successors that are now contiguous
		for {
			next, exists := c.outOfOrder[c.recvWindowStart]
			if !exists {
				break
			}
			delete(c.outOfOrder, c.recvWindowStart)
			c.ready = append(c.ready, next)
			c.slideReceiveWindow(1)
		}
	} else {
		// out-of-order: buffer until the gap closes. If the receive window
		// would overflow, the oldest buffered slot is discarded; the
		// sender's retransmission will eventually restore it (spec §4.3.4).
		if len(c.outOfOrder) >= int(c.windowSize) {
			c.discardOldestBuffered()
		}
		c.outOfOrder[seq] = pkt
	}
	return false
}

func (c *ReliableOrdered) discardOldestBuffered() {
	var oldestSeq uint16
	var oldestDiff int32 = -1
	for seq := range c.outOfOrder {
		d := packet.SeqDiff(seq, c.recvWindowStart)
		if oldestDiff == -1 || d < oldestDiff {
			oldestDiff = d
			oldestSeq = seq
		}
	}
	if oldestDiff >= 0 {
		c.pool.Recycle(c.outOfOrder[oldestSeq])
		delete(c.outOfOrder, oldestSeq)
	}
}

func (c *ReliableOrdered) PopIncoming() (*packet.Packet, bool) {
	if len(c.ready) == 0 {
		return nil, false
	}
	pkt := c.ready[0]
	c.ready = c.ready[1:]
	return pkt, true
}

func (c *ReliableOrdered) Reset() {
	for _, pkt := range c.outOfOrder {
		c.pool.Recycle(pkt)
	}
	c.outOfOrder = make(map[uint16]*packet.Packet)
	c.reset()
}

func (c *ReliableOrdered) ResendCount() int { return c.resendCountSnapshot() }
