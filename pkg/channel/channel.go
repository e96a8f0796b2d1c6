// Package channel implements the four per-delivery-method channel state
// machines described in SPEC_FULL.md §5: Simple (unreliable), Sequenced,
// ReliableUnordered and ReliableOrdered. Each owns its own send/receive
// queues and ACK bookkeeping; fragmentation/reassembly happens one layer up
// in package peer, so channels only ever see whole wire packets (which may
// individually be fragments).
package channel

import (
	"time"

	"fastnet/pkg/packet"
	"fastnet/pkg/pool"
)

// DefaultWindowSize is the fixed reliable send/receive window size spec §3
// names as 64 by default.
const DefaultWindowSize = 64

// MinResendDelay is the floor spec §4.3.3 puts under the RTT-derived resend
// delay: max(50ms, 2*avgRTT).
const MinResendDelay = 50 * time.Millisecond

// FragmentInfo carries the fragment header fields a packet must be encoded
// with when the payload handed to AddToQueue is one part of a larger
// message split by package fragment. A nil *FragmentInfo means the payload
// is a complete, unfragmented message.
type FragmentInfo struct {
	FragmentID     uint16
	FragmentPart   uint16
	FragmentsTotal uint16
}

// Channel is the contract every delivery-method variant implements.
type Channel interface {
	// AddToQueue enqueues an already-framed outgoing payload, stamping it
	// with frag's fragment header fields when frag is non-nil.
	AddToQueue(payload []byte, frag *FragmentInfo) error

	// SendNextPackets pops due packets (new sends, retransmits, pending
	// ACKs) for the caller to hand to the socket. avgRTT feeds the
	// resend-delay calculation for reliable channels.
	SendNextPackets(now time.Time, avgRTT time.Duration) []*packet.Packet

	// ProcessPacket consumes an incoming packet. It returns true when pkt
	// itself should be surfaced immediately (Simple, Sequenced); reliable
	// channels always return false and buffer internally, drained via
	// PopIncoming.
	ProcessPacket(pkt *packet.Packet) bool

	// PopIncoming dequeues the next ready, reassembly-eligible payload
	// packet for reliable channels. Returns (nil, false) when empty.
	PopIncoming() (*packet.Packet, bool)

	// Reset recycles all retained outgoing/incoming packets, for channel
	// teardown on peer disconnect.
	Reset()
}

// stampFragment applies frag's fields (if non-nil) to pkt before Encode is
// called, so the wire image carries the fragment header.
func stampFragment(pkt *packet.Packet, frag *FragmentInfo) {
	if frag == nil {
		return
	}
	pkt.IsFragmented = true
	pkt.FragmentID = frag.FragmentID
	pkt.FragmentPart = frag.FragmentPart
	pkt.FragmentsTotal = frag.FragmentsTotal
}

func resendDelay(avgRTT time.Duration) time.Duration {
	d := 2 * avgRTT
	if d < MinResendDelay {
		return MinResendDelay
	}
	return d
}

func bitmaskBytes(windowSize uint16) int {
	return int((windowSize + 7) / 8)
}

func setBit(mask []byte, i uint16) {
	mask[i/8] |= 1 << (i % 8)
}

func testBit(mask []byte, i uint16) bool {
	if int(i/8) >= len(mask) {
		return false
	}
	return mask[i/8]&(1<<(i%8)) != 0
}

// ackPropertyFor returns the Ack variant that acknowledges property, so a
// peer running both reliable channels at once can tell which one a given
// Ack packet belongs to (they otherwise share channel index 0).
func ackPropertyFor(property packet.Property) packet.Property {
	if property == packet.ReliableOrdered {
		return packet.AckOrdered
	}
	return packet.Ack
}

// encodeAck builds an Ack packet body: windowStart u16 LE | bitmask.
func encodeAck(p *pool.Pool, ackProperty packet.Property, ch byte, windowStart uint16, mask []byte) *packet.Packet {
	body := make([]byte, 2+len(mask))
	body[0] = byte(windowStart)
	body[1] = byte(windowStart >> 8)
	copy(body[2:], mask)

	pkt := p.Get(ackProperty, ch, len(body))
	pkt.SequenceNumber = windowStart
	pkt.Encode(body)
	return pkt
}

// decodeAck parses an Ack body back into windowStart and bitmask.
func decodeAck(body []byte) (windowStart uint16, mask []byte, ok bool) {
	if len(body) < 2 {
		return 0, nil, false
	}
	windowStart = uint16(body[0]) | uint16(body[1])<<8
	return windowStart, body[2:], true
}
