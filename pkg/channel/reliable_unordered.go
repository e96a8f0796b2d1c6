package channel

import (
	"time"

	"fastnet/pkg/packet"
	"fastnet/pkg/pool"
)

// ReliableUnordered guarantees delivery but surfaces payloads in arrival
// order rather than send order (spec §4.3.3).
type ReliableUnordered struct {
	reliableBase
}

var _ Channel = (*ReliableUnordered)(nil)

func NewReliableUnordered(p *pool.Pool, ch byte, windowSize uint16) *ReliableUnordered {
	return &ReliableUnordered{reliableBase: newReliableBase(p, ch, packet.ReliableUnordered, windowSize)}
}

func (c *ReliableUnordered) AddToQueue(payload []byte, frag *FragmentInfo) error {
	return c.addToQueue(payload, frag)
}

func (c *ReliableUnordered) SendNextPackets(now time.Time, avgRTT time.Duration) []*packet.Packet {
	due := c.admitPending(now)
	due = append(due, c.retransmitDue(now, avgRTT)...)
	if ack := c.buildAck(); ack != nil {
		due = append(due, ack)
	}
	return due
}

func (c *ReliableUnordered) ProcessPacket(pkt *packet.Packet) bool {
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
	alreadySeen := testBit(c.receivedBitmap, uint16(diff))
	c.markReceived(seq)
	if alreadySeen {
		c.pool.Recycle(pkt)
		return false
	}
	c.ready = append(c.ready, pkt)

	// Advance the window past any contiguous acknowledged prefix so the
	// sender's window can keep sliding even without in-order delivery.
	for testBit(c.receivedBitmap, 0) {
		c.slideReceiveWindow(1)
	}
	return false
}

func (c *ReliableUnordered) PopIncoming() (*packet.Packet, bool) {
	if len(c.ready) == 0 {
		return nil, false
	}
	pkt := c.ready[0]
	c.ready = c.ready[1:]
	return pkt, true
}

func (c *ReliableUnordered) Reset() { c.reset() }

// ResendCount reports the cumulative number of retransmissions on this
// channel; Peer.PacketLoss derives its loss estimate from it.
func (c *ReliableUnordered) ResendCount() int { return c.resendCountSnapshot() }
